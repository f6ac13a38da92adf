package peer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tarun-kavipurapu/file-transfer/pkg/monitor"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
	"tarun-kavipurapu/file-transfer/pkg/storage"
	"tarun-kavipurapu/file-transfer/pkg/transport"
	"tarun-kavipurapu/file-transfer/pkg/transport/memory"
)

func testOptions() Options {
	return Options{
		Timeout:        200 * time.Millisecond,
		SyncInterval:   50 * time.Millisecond,
		MaxHoldCount:   5,
		MaxSyncStalls:  20,
		RequestRetries: 3,
		Metrics:        monitor.New(),
	}
}

func fixedChannel(id protocol.ChannelID) func() protocol.ChannelID {
	return func() protocol.ChannelID { return id }
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func writeSource(t *testing.T, size int, seed int64) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

// startServer answers requests arriving at "server", each on a fresh
// endpoint, and reports every finished session on the returned channel.
func startServer(t *testing.T, network *memory.Network, store *storage.Store, opts Options) <-chan error {
	t.Helper()
	acceptor, err := network.Listen("server")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan error, 16)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			from, data, err := acceptor.Receive(50 * time.Millisecond)
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil || !protocol.IsRequest(msg) {
				continue
			}
			worker, err := network.Open()
			if err != nil {
				results <- err
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer worker.Close()
				proto := NewFileProtocol(worker, store, opts)
				_, err := proto.Serve(ctx, NewSession(RoleServer, from), msg)
				results <- err
			}()
		}
	}()

	t.Cleanup(func() {
		cancel()
		acceptor.Close()
		wg.Wait()
	})
	return results
}

func waitResult(t *testing.T, results <-chan error) error {
	t.Helper()
	select {
	case err := <-results:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server session did not finish")
		return nil
	}
}

// recorder counts messages crossing the network by kind.
type recorder struct {
	mu     sync.Mutex
	kinds  map[protocol.Kind]int
	chunks map[uint32]int
}

func newRecorder() *recorder {
	return &recorder{kinds: make(map[protocol.Kind]int), chunks: make(map[uint32]int)}
}

func (r *recorder) record(data []byte) protocol.Message {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[msg.Kind()]++
	if c, ok := msg.(protocol.ReceiveChunk); ok {
		r.chunks[c.Index]++
	}
	return msg
}

func (r *recorder) count(k protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[k]
}

func newClient(t *testing.T, network *memory.Network, store *storage.Store, opts Options) *Client {
	t.Helper()
	ep, err := network.Listen("client")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ep.Close() })
	return NewClient(ep, store, memory.Addr("server"), opts)
}

func TestDownloadEndToEnd(t *testing.T) {
	network := memory.NewNetwork()
	rec := newRecorder()
	var success []protocol.SuccessReceive
	var mu sync.Mutex
	network.SetFilter(func(from, to net.Addr, data []byte) int {
		if m, ok := rec.record(data).(protocol.SuccessReceive); ok && from.String() == "client" {
			mu.Lock()
			success = append(success, m)
			mu.Unlock()
		}
		return 1
	})

	serverStore := newStore(t)
	results := startServer(t, network, serverStore, testOptions())

	src, data := writeSource(t, 2*protocol.MaxChunkSize+100, 1)
	opts := testOptions()
	opts.NewChannelID = fixedChannel(42)
	clientStore := newStore(t)
	client := newClient(t, network, clientStore, opts)

	target := filepath.Join(t.TempDir(), "out", "a.bin")
	if err := client.Download(context.Background(), src, target); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded content differs")
	}
	hash := storage.HashBytes(data)
	if n, err := clientStore.LoadMeta(hash); err != nil || n != 3 {
		t.Errorf("client meta = %d, %v; want 3 chunks", n, err)
	}
	if c := rec.count(protocol.KindReceiveChunk); c != 3 {
		t.Errorf("chunks sent = %d, want 3", c)
	}
	mu.Lock()
	if len(success) != 1 || success[0].ChannelID != 42 {
		t.Errorf("client success messages = %v, want one for channel 42", success)
	}
	mu.Unlock()
	if err := waitResult(t, results); err != nil {
		t.Errorf("server session: %v", err)
	}
	if f := opts.Metrics.Snapshot().FilesFinalized; f != 1 {
		t.Errorf("files finalized = %d", f)
	}
}

func TestDownloadFailureNotRetried(t *testing.T) {
	network := memory.NewNetwork()
	server, err := network.Listen("server")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		from, data, err := server.Receive(2 * time.Second)
		if err != nil {
			return
		}
		if msg, err := protocol.Decode(data); err == nil && msg.Kind() == protocol.KindReqTransmit {
			server.Send(protocol.MustEncode(protocol.Failure{ChannelID: 7, Reason: "file not found"}), from)
		}
	}()

	opts := testOptions()
	opts.NewChannelID = fixedChannel(7)
	client := newClient(t, network, newStore(t), opts)

	err = client.Download(context.Background(), "/a.bin", filepath.Join(t.TempDir(), "a.bin"))
	var fe *FailureError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FailureError", err)
	}
	if fe.ChannelID != 7 || fe.Reason != "file not found" {
		t.Errorf("failure = %+v", fe)
	}
	if _, _, err := server.Receive(3 * opts.Timeout); !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("client retried after failure: %v", err)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	network := memory.NewNetwork()
	results := startServer(t, network, newStore(t), testOptions())
	client := newClient(t, network, newStore(t), testOptions())

	err := client.Download(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x"))
	var fe *FailureError
	if !errors.As(err, &fe) || fe.Reason != "file not found" {
		t.Fatalf("err = %v", err)
	}
	if err := waitResult(t, results); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("server session err = %v, want ErrNotFound", err)
	}
}

func TestUploadEndToEnd(t *testing.T) {
	network := memory.NewNetwork()
	serverStore := newStore(t)
	results := startServer(t, network, serverStore, testOptions())

	src, data := writeSource(t, 4*protocol.MaxChunkSize+1, 2)
	if err := os.Chmod(src, 0600); err != nil {
		t.Fatal(err)
	}
	client := newClient(t, network, newStore(t), testOptions())

	target := filepath.Join(t.TempDir(), "remote", "b.bin")
	if err := client.Upload(context.Background(), src, target); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("uploaded content differs")
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
	if err := waitResult(t, results); err != nil {
		t.Errorf("server session: %v", err)
	}
}

func TestDownloadRecoversFromLossAndDuplication(t *testing.T) {
	network := memory.NewNetwork()
	var mu sync.Mutex
	dropped := false
	network.SetFilter(func(from, to net.Addr, data []byte) int {
		msg, err := protocol.Decode(data)
		if err != nil {
			return 1
		}
		c, ok := msg.(protocol.ReceiveChunk)
		if !ok {
			return 1
		}
		mu.Lock()
		defer mu.Unlock()
		if c.Index == 1 && !dropped {
			dropped = true
			return 0
		}
		return 2
	})

	results := startServer(t, network, newStore(t), testOptions())
	src, data := writeSource(t, 5*protocol.MaxChunkSize, 3)
	client := newClient(t, network, newStore(t), testOptions())

	target := filepath.Join(t.TempDir(), "c.bin")
	if err := client.Download(context.Background(), src, target); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(target)
	if !bytes.Equal(got, data) {
		t.Fatal("content differs after recovery")
	}
	mu.Lock()
	if !dropped {
		t.Error("filter never dropped a chunk")
	}
	mu.Unlock()
	if err := waitResult(t, results); err != nil {
		t.Errorf("server session: %v", err)
	}
}

func TestDownloadResumesFromStoredChunks(t *testing.T) {
	network := memory.NewNetwork()
	rec := newRecorder()
	network.SetFilter(func(from, to net.Addr, data []byte) int {
		rec.record(data)
		return 1
	})

	serverStore := newStore(t)
	src, data := writeSource(t, 6*protocol.MaxChunkSize, 4)
	hash, _, _, err := serverStore.ImportFile(src)
	if err != nil {
		t.Fatal(err)
	}

	// An earlier attempt left the first three chunks behind.
	clientStore := newStore(t)
	for i := uint32(0); i < 3; i++ {
		chunk, err := serverStore.LoadChunk(hash, i)
		if err != nil {
			t.Fatal(err)
		}
		if err := clientStore.StoreChunk(hash, i, chunk); err != nil {
			t.Fatal(err)
		}
	}

	results := startServer(t, network, serverStore, testOptions())
	client := newClient(t, network, clientStore, testOptions())
	target := filepath.Join(t.TempDir(), "d.bin")
	if err := client.Download(context.Background(), src, target); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(target)
	if !bytes.Equal(got, data) {
		t.Fatal("resumed content differs")
	}

	rec.mu.Lock()
	for idx := range rec.chunks {
		if idx < 3 {
			t.Errorf("chunk %d was sent again", idx)
		}
	}
	if len(rec.chunks) != 3 {
		t.Errorf("sent chunks = %v, want 3,4,5", rec.chunks)
	}
	rec.mu.Unlock()
	if err := waitResult(t, results); err != nil {
		t.Errorf("server session: %v", err)
	}
}

func TestTrackerFollowsDownload(t *testing.T) {
	network := memory.NewNetwork()
	startServer(t, network, newStore(t), testOptions())
	src, _ := writeSource(t, 3*protocol.MaxChunkSize+5, 5)

	tracker := NewTransferTracker("e.bin")
	opts := testOptions()
	opts.Observer = tracker
	client := newClient(t, network, newStore(t), opts)

	err := client.Download(context.Background(), src, filepath.Join(t.TempDir(), "e.bin"))
	tracker.Finish(err)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	done, total, _, _ := tracker.Progress()
	if done != 4 || total != 4 {
		t.Errorf("progress = %d/%d, want 4/4", done, total)
	}
	if tracker.Bytes() != 3*protocol.MaxChunkSize+5 {
		t.Errorf("bytes = %d", tracker.Bytes())
	}
	if len(tracker.PendingChunks()) != 0 || tracker.Err() != nil {
		t.Errorf("pending = %v err = %v", tracker.PendingChunks(), tracker.Err())
	}
}
