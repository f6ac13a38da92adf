package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/file-transfer/pkg/logger"
)

// Metrics holds transfer counters for the process.
type Metrics struct {
	SessionsStarted   atomic.Int64
	SessionsCompleted atomic.Int64
	SessionsFailed    atomic.Int64
	SessionsRefused   atomic.Int64
	ActiveSessions    atomic.Int64

	ChunksSent     atomic.Int64
	ChunksReceived atomic.Int64
	BytesSent      atomic.Int64
	BytesReceived  atomic.Int64
	FilesFinalized atomic.Int64

	ServerStart time.Time
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	SessionsStarted   int64
	SessionsCompleted int64
	SessionsFailed    int64
	SessionsRefused   int64
	ActiveSessions    int64
	ChunksSent        int64
	ChunksReceived    int64
	BytesSent         int64
	BytesReceived     int64
	FilesFinalized    int64
	Uptime            time.Duration
}

// Global metrics instance
var Global = New()

func New() *Metrics {
	return &Metrics{ServerStart: time.Now()}
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Add(1)
	m.ActiveSessions.Add(1)
}

// SessionEnded records the outcome of a session started with SessionStarted.
func (m *Metrics) SessionEnded(err error) {
	m.ActiveSessions.Add(-1)
	if err != nil {
		m.SessionsFailed.Add(1)
		return
	}
	m.SessionsCompleted.Add(1)
}

func (m *Metrics) SessionRefused() {
	m.SessionsRefused.Add(1)
}

func (m *Metrics) ChunkSent(n int) {
	m.ChunksSent.Add(1)
	m.BytesSent.Add(int64(n))
}

func (m *Metrics) ChunkReceived(n int) {
	m.ChunksReceived.Add(1)
	m.BytesReceived.Add(int64(n))
}

func (m *Metrics) FileFinalized() {
	m.FilesFinalized.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SessionsStarted:   m.SessionsStarted.Load(),
		SessionsCompleted: m.SessionsCompleted.Load(),
		SessionsFailed:    m.SessionsFailed.Load(),
		SessionsRefused:   m.SessionsRefused.Load(),
		ActiveSessions:    m.ActiveSessions.Load(),
		ChunksSent:        m.ChunksSent.Load(),
		ChunksReceived:    m.ChunksReceived.Load(),
		BytesSent:         m.BytesSent.Load(),
		BytesReceived:     m.BytesReceived.Load(),
		FilesFinalized:    m.FilesFinalized.Load(),
		Uptime:            time.Since(m.ServerStart),
	}
}

// LogPeriodic logs runtime and transfer metrics at the specified interval
// until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s := m.Snapshot()

		var throughput float64
		if secs := s.Uptime.Seconds(); secs > 0 {
			throughput = float64(s.BytesSent+s.BytesReceived) / secs / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Sessions=%d active/%d done/%d failed/%d refused | Chunks=%d sent/%d recv | Throughput=%.2fMB/s",
			runtime.NumGoroutine(),
			mem.HeapAlloc/1024/1024,
			s.ActiveSessions, s.SessionsCompleted, s.SessionsFailed, s.SessionsRefused,
			s.ChunksSent, s.ChunksReceived,
			throughput,
		)
	}
}
