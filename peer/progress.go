package peer

import (
	"sync"
	"time"

	"tarun-kavipurapu/file-transfer/pkg/protocol"
)

// ChunkState is the progress of a single chunk within a transfer.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDone
	// ChunkResent marks a chunk that crossed the wire more than once.
	ChunkResent
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDone:
		return "done"
	case ChunkResent:
		return "resent"
	default:
		return "unknown"
	}
}

func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkDone:
		return "✓"
	case ChunkResent:
		return "↻"
	default:
		return "?"
	}
}

// TransferTracker follows one file transfer. It implements Observer so a
// FileProtocol can feed it, and is read concurrently by ProgressRenderer.
type TransferTracker struct {
	mu          sync.RWMutex
	Name        string
	Hash        string
	TotalChunks uint32
	chunks      map[uint32]ChunkState
	bytes       uint64
	resent      uint32
	started     time.Time
	finished    time.Time
	err         error

	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

func NewTransferTracker(name string) *TransferTracker {
	now := time.Now()
	return &TransferTracker{
		Name:     name,
		chunks:   make(map[uint32]ChunkState),
		started:  now,
		lastTime: now,
	}
}

func (t *TransferTracker) TransferStarted(hash string, numChunks uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Hash = hash
	t.TotalChunks = numChunks
}

func (t *TransferTracker) ChunkTransferred(hash string, index uint32, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Hash != "" && hash != t.Hash {
		return
	}
	switch t.chunks[index] {
	case ChunkPending:
		t.chunks[index] = ChunkDone
		t.bytes += uint64(size)
	default:
		t.chunks[index] = ChunkResent
		t.resent++
	}
}

// Finish records the outcome of the transfer.
func (t *TransferTracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = time.Now()
	t.err = err
}

// UpdateSpeed recomputes the transfer rate, at most every half second.
func (t *TransferTracker) UpdateSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastTime).Seconds()
	if elapsed >= 0.5 {
		t.currentSpeed = float64(t.bytes-t.lastBytes) / elapsed
		t.lastBytes = t.bytes
		t.lastTime = now
	}
	return t.currentSpeed
}

// Progress returns distinct chunks seen, the expected total, the current
// rate and the number of retransmitted chunks.
func (t *TransferTracker) Progress() (done, total uint32, speed float64, resent uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for idx := range t.chunks {
		if idx < t.TotalChunks {
			done++
		}
	}
	return done, t.TotalChunks, t.currentSpeed, t.resent
}

// Bytes is the payload moved, not counting retransmissions.
func (t *TransferTracker) Bytes() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytes
}

// ETA estimates the remaining time from the average chunk size so far.
func (t *TransferTracker) ETA() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := uint32(len(t.chunks))
	if t.currentSpeed <= 0 || seen == 0 || seen >= t.TotalChunks {
		return 0
	}
	remaining := float64(t.TotalChunks-seen) * float64(protocol.MaxChunkSize)
	return time.Duration(remaining/t.currentSpeed) * time.Second
}

func (t *TransferTracker) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.finished.IsZero() {
		return t.finished.Sub(t.started)
	}
	return time.Since(t.started)
}

func (t *TransferTracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *TransferTracker) ChunkStatus(index uint32) ChunkState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chunks[index]
}

// PendingChunks lists indices not yet seen, in order.
func (t *TransferTracker) PendingChunks() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pending := make([]uint32, 0)
	for i := uint32(0); i < t.TotalChunks; i++ {
		if _, ok := t.chunks[i]; !ok {
			pending = append(pending, i)
		}
	}
	return pending
}
