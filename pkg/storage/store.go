package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/multierr"

	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrIO          = errors.New("storage i/o error")
	ErrIntegrity   = errors.New("integrity error")
	ErrInvalidHash = errors.New("invalid file hash")
)

const metaName = "meta"

type metaRecord struct {
	NumChunks uint32 `cbor:"num_chunks"`
}

// Store keeps chunks under <root>/<hash>/<hex index> plus a meta file per hash.
// It is safe for concurrent use by independent sessions: every write lands in a
// temp sibling first and is renamed into place.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: create storage root %s: %w", ErrIO, root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

// CheckHash reports whether hash can name a chunk namespace: non-empty
// lowercase hex.
func CheckHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
		}
	}
	return nil
}

func (s *Store) dir(hash string) (string, error) {
	if err := CheckHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(s.root, hash), nil
}

func chunkName(index uint32) string {
	return strconv.FormatUint(uint64(index), 16)
}

// writeAtomic writes data to dir/name through a unique temp file and rename,
// so readers never observe a partial file.
func writeAtomic(dir, name string, data []byte) (err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp))
		}
	}()

	if _, err := f.Write(data); err != nil {
		return multierr.Append(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierr.Append(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

// StoreChunk writes the bytes of chunk index. Storing an index again replaces it.
func (s *Store) StoreChunk(hash string, index uint32, data []byte) error {
	dir, err := s.dir(hash)
	if err != nil {
		return err
	}
	if len(data) > protocol.MaxChunkSize {
		return fmt.Errorf("chunk %d of %s is %d bytes, max %d", index, hash, len(data), protocol.MaxChunkSize)
	}
	if err := writeAtomic(dir, chunkName(index), data); err != nil {
		return fmt.Errorf("%w: store chunk %s/%d: %w", ErrIO, hash, index, err)
	}
	return nil
}

// StoreMeta records the expected chunk count for hash. Concurrent readers see
// either the previous count or the new one.
func (s *Store) StoreMeta(hash string, numChunks uint32) error {
	dir, err := s.dir(hash)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(metaRecord{NumChunks: numChunks})
	if err != nil {
		return fmt.Errorf("%w: encode meta %s: %w", ErrIO, hash, err)
	}
	if err := writeAtomic(dir, metaName, data); err != nil {
		return fmt.Errorf("%w: store meta %s: %w", ErrIO, hash, err)
	}
	return nil
}

func (s *Store) LoadChunk(hash string, index uint32) ([]byte, error) {
	dir, err := s.dir(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, chunkName(index)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: chunk %s/%d", ErrNotFound, hash, index)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load chunk %s/%d: %w", ErrIO, hash, index, err)
	}
	return data, nil
}

func (s *Store) LoadMeta(hash string) (uint32, error) {
	dir, err := s.dir(hash)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metaName))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: meta %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: load meta %s: %w", ErrIO, hash, err)
	}
	var rec metaRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("%w: decode meta %s: %w", ErrIO, hash, err)
	}
	return rec.NumChunks, nil
}

// indices returns the sorted chunk indices present for hash.
func (s *Store) indices(hash string) ([]uint32, error) {
	dir, err := s.dir(hash)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, hash, err)
	}

	present := make([]uint32, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == metaName || name[0] == '.' {
			continue
		}
		idx, err := strconv.ParseUint(name, 16, 32)
		if err != nil {
			continue
		}
		present = append(present, uint32(idx))
	}
	sort.Slice(present, func(i, j int) bool { return present[i] < present[j] })
	return present, nil
}

// ValidateFile reports whether every index in [0, expected) is stored, and the
// maximal runs of absent indices as closed ranges.
func (s *Store) ValidateFile(hash string, expected uint32) (bool, []protocol.Range, error) {
	present, err := s.indices(hash)
	if err != nil {
		return false, nil, err
	}

	var missing []protocol.Range
	next := uint32(0)
	for _, idx := range present {
		if idx >= expected {
			break
		}
		if idx < next {
			continue
		}
		if idx > next {
			missing = append(missing, protocol.Range{First: next, Last: idx - 1})
		}
		next = idx + 1
	}
	if next < expected {
		missing = append(missing, protocol.Range{First: next, Last: expected - 1})
	}
	return len(missing) == 0, missing, nil
}

// ValidateStored is ValidateFile against the stored meta count.
func (s *Store) ValidateStored(hash string) (bool, uint32, []protocol.Range, error) {
	n, err := s.LoadMeta(hash)
	if err != nil {
		return false, 0, nil, err
	}
	complete, missing, err := s.ValidateFile(hash, n)
	return complete, n, missing, err
}

// FinalizeFile reassembles hash into targetPath. The output is written next to
// the target, checked against hash and renamed into place only when it matches.
func (s *Store) FinalizeFile(hash, targetPath string, mode *uint32) (err error) {
	n, err := s.LoadMeta(hash)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: no metadata for %s", ErrIntegrity, hash)
	}
	if err != nil {
		return err
	}
	complete, missing, err := s.ValidateFile(hash, n)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("%w: %s is missing chunks %v", ErrIntegrity, hash, missing)
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}
	out, err := os.CreateTemp(dir, "."+filepath.Base(targetPath)+"-*.part")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %w", ErrIO, targetPath, err)
	}
	tmp := out.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			err = multierr.Append(err, out.Close())
		}
		err = multierr.Append(err, os.Remove(tmp))
	}()

	hasher := blake3.New()
	w := io.MultiWriter(out, hasher)
	for i := uint32(0); i < n; i++ {
		data, err := s.LoadChunk(hash, i)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: chunk %d of %s vanished", ErrIntegrity, i, hash)
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrIO, tmp, err)
		}
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != hash {
		// Drop the corrupt chunks so the next attempt fetches them again.
		return multierr.Append(
			fmt.Errorf("%w: digest mismatch for %s: got %s", ErrIntegrity, hash, sum),
			s.Remove(hash),
		)
	}

	perm := os.FileMode(0644)
	if mode != nil {
		perm = os.FileMode(*mode).Perm()
	}
	if err := out.Chmod(perm); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrIO, tmp, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, tmp, err)
	}
	closed = true
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, targetPath); err != nil {
		return fmt.Errorf("%w: rename into %s: %w", ErrIO, targetPath, err)
	}

	logger.Sugar.Infof("[Storage] finalized file: hash=%s chunks=%d target=%s", hash, n, targetPath)
	return nil
}

// ImportFile copies the file at path into chunk storage and returns its hash,
// chunk count and permission bits. A file already fully stored is not re-chunked.
func (s *Store) ImportFile(path string) (hash string, numChunks uint32, mode uint32, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: open %s: %w", ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: stat %s: %w", ErrIO, path, err)
	}
	if info.IsDir() {
		return "", 0, 0, fmt.Errorf("%s is a directory", path)
	}
	mode = uint32(info.Mode().Perm())

	hash, err = HashFile(f)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: hash %s: %w", ErrIO, path, err)
	}

	if complete, n, _, err := s.ValidateStored(hash); err == nil && complete {
		logger.Sugar.Debugf("[Storage] file already stored: path=%s hash=%s chunks=%d", path, hash, n)
		return hash, n, mode, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, 0, fmt.Errorf("%w: rewind %s: %w", ErrIO, path, err)
	}

	buf := make([]byte, protocol.MaxChunkSize)
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if err := s.StoreChunk(hash, numChunks, buf[:n]); err != nil {
				return "", 0, 0, err
			}
			numChunks++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", 0, 0, fmt.Errorf("%w: read %s: %w", ErrIO, path, rerr)
		}
	}

	if err := s.StoreMeta(hash, numChunks); err != nil {
		return "", 0, 0, err
	}

	logger.Sugar.Infof("[Storage] imported file: path=%s hash=%s chunks=%d", path, hash, numChunks)
	return hash, numChunks, mode, nil
}

// Remove deletes every chunk and the meta of hash.
func (s *Store) Remove(hash string) error {
	dir, err := s.dir(hash)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, hash, err)
	}
	return nil
}

// HashFile returns the hex BLAKE3 digest of everything read from r.
func HashFile(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashBytes returns the hex BLAKE3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
