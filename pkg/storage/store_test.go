package storage

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"tarun-kavipurapu/file-transfer/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, data, 0640); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestImportFinalizeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, protocol.MaxChunkSize - 1, protocol.MaxChunkSize, protocol.MaxChunkSize + 1, 3*protocol.MaxChunkSize + 17}

	for _, size := range sizes {
		data := make([]byte, size)
		rng.Read(data)

		s := newTestStore(t)
		hash, n, mode, err := s.ImportFile(writeFile(t, data))
		if err != nil {
			t.Fatalf("size %d: ImportFile: %v", size, err)
		}
		if hash != HashBytes(data) {
			t.Errorf("size %d: hash = %s, want %s", size, hash, HashBytes(data))
		}
		wantChunks := uint32((size + protocol.MaxChunkSize - 1) / protocol.MaxChunkSize)
		if n != wantChunks {
			t.Errorf("size %d: chunks = %d, want %d", size, n, wantChunks)
		}
		if mode != 0640 {
			t.Errorf("size %d: mode = %o, want 640", size, mode)
		}

		target := filepath.Join(t.TempDir(), "out", "copy.bin")
		if err := s.FinalizeFile(hash, target, &mode); err != nil {
			t.Fatalf("size %d: FinalizeFile: %v", size, err)
		}
		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatalf("size %d: read target: %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("size %d: reconstructed content differs", size)
		}
		if HashBytes(got) != hash {
			t.Errorf("size %d: digest changed across finalize", size)
		}
		info, err := os.Stat(target)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0640 {
			t.Errorf("size %d: target mode = %o", size, info.Mode().Perm())
		}
	}
}

func TestValidateFileGaps(t *testing.T) {
	s := newTestStore(t)
	const hash = "abcdef"
	for _, i := range []uint32{0, 1, 2, 5, 6, 9} {
		if err := s.StoreChunk(hash, i, []byte{byte(i)}); err != nil {
			t.Fatalf("StoreChunk(%d): %v", i, err)
		}
	}

	complete, missing, err := s.ValidateFile(hash, 10)
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if complete {
		t.Error("complete = true, want false")
	}
	want := []protocol.Range{{First: 3, Last: 4}, {First: 7, Last: 8}}
	if !reflect.DeepEqual(missing, want) {
		t.Errorf("missing = %v, want %v", missing, want)
	}
}

func TestValidateFileComplete(t *testing.T) {
	s := newTestStore(t)
	const hash = "abcdef"
	for i := uint32(0); i < 10; i++ {
		if err := s.StoreChunk(hash, i, []byte{byte(i)}); err != nil {
			t.Fatalf("StoreChunk(%d): %v", i, err)
		}
	}

	complete, missing, err := s.ValidateFile(hash, 10)
	if err != nil {
		t.Fatalf("ValidateFile: %v", err)
	}
	if !complete {
		t.Error("complete = false, want true")
	}
	if len(missing) != 0 {
		t.Errorf("missing = %v, want none", missing)
	}
}

func TestValidateFileEdges(t *testing.T) {
	s := newTestStore(t)
	const hash = "0123"

	complete, missing, err := s.ValidateFile(hash, 4)
	if err != nil {
		t.Fatalf("ValidateFile on empty namespace: %v", err)
	}
	if complete || !reflect.DeepEqual(missing, []protocol.Range{{First: 0, Last: 3}}) {
		t.Errorf("empty namespace: complete=%v missing=%v", complete, missing)
	}

	complete, missing, err = s.ValidateFile(hash, 0)
	if err != nil || !complete || len(missing) != 0 {
		t.Errorf("zero chunks: complete=%v missing=%v err=%v", complete, missing, err)
	}

	// Indices beyond the expected count do not count towards completeness.
	if err := s.StoreChunk(hash, 7, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChunk(hash, 0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	_, missing, _ = s.ValidateFile(hash, 3)
	if !reflect.DeepEqual(missing, []protocol.Range{{First: 1, Last: 2}}) {
		t.Errorf("missing = %v", missing)
	}
}

func TestStoreChunkLastWriteWins(t *testing.T) {
	data := bytes.Repeat([]byte("a"), protocol.MaxChunkSize+10)
	s := newTestStore(t)
	hash, _, _, err := s.ImportFile(writeFile(t, data))
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}

	// Identical bytes: reconstruction is unchanged.
	same, err := s.LoadChunk(hash, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChunk(hash, 1, same); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), "same.bin")
	if err := s.FinalizeFile(hash, target, nil); err != nil {
		t.Fatalf("FinalizeFile after identical rewrite: %v", err)
	}
	got, _ := os.ReadFile(target)
	if !bytes.Equal(got, data) {
		t.Error("identical rewrite changed the reconstructed file")
	}

	// Different bytes replace the prior content.
	if err := s.StoreChunk(hash, 1, []byte("zz")); err != nil {
		t.Fatal(err)
	}
	chunk, err := s.LoadChunk(hash, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk) != "zz" {
		t.Errorf("chunk = %q, want last write", chunk)
	}
}

func TestFinalizeDetectsDigestMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 2*protocol.MaxChunkSize)
	s := newTestStore(t)
	hash, _, _, err := s.ImportFile(writeFile(t, data))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChunk(hash, 0, []byte("tampered")); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "bad.bin")
	err = s.FinalizeFile(hash, target, nil)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("target written despite digest mismatch")
	}
	entries, _ := os.ReadDir(filepath.Dir(target))
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
	if _, err := s.LoadMeta(hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("meta kept after digest mismatch: %v", err)
	}
	if _, err := s.LoadChunk(hash, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt chunk kept after digest mismatch: %v", err)
	}
}

func TestFinalizeMissingChunks(t *testing.T) {
	s := newTestStore(t)
	const hash = "beef"
	if err := s.StoreMeta(hash, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChunk(hash, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	err := s.FinalizeFile(hash, filepath.Join(t.TempDir(), "x"), nil)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("err = %v, want ErrIntegrity", err)
	}

	err = s.FinalizeFile("cafe", filepath.Join(t.TempDir(), "y"), nil)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("no meta: err = %v, want ErrIntegrity", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadChunk("abc", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadChunk err = %v", err)
	}
	if _, err := s.LoadMeta("abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadMeta err = %v", err)
	}
	if _, _, _, err := s.ImportFile(filepath.Join(t.TempDir(), "nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("ImportFile err = %v", err)
	}
}

func TestRejectsInvalidHash(t *testing.T) {
	s := newTestStore(t)
	for _, h := range []string{"", "../etc", "ABC", "a/b"} {
		if err := s.StoreChunk(h, 0, []byte("x")); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("StoreChunk(%q) err = %v", h, err)
		}
	}
}

func TestStoreMetaConcurrentReaders(t *testing.T) {
	s := newTestStore(t)
	const hash = "feed"
	if err := s.StoreMeta(hash, 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(stop)
		for i := 0; i < 200; i++ {
			v := uint32(1)
			if i%2 == 0 {
				v = 100000
			}
			if err := s.StoreMeta(hash, v); err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n, err := s.LoadMeta(hash)
				if err == nil && n != 1 && n != 100000 {
					err = errors.New("torn meta value")
				}
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					return
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errs:
		t.Fatalf("concurrent meta access: %v", err)
	default:
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	if err := s.StoreChunk("aa", 0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("aa"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadChunk("aa", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("chunk survived Remove: %v", err)
	}
}
