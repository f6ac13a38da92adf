package fileservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"tarun-kavipurapu/file-transfer/peer"
	"tarun-kavipurapu/file-transfer/pkg/config"
	"tarun-kavipurapu/file-transfer/pkg/discovery"
	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/monitor"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
	"tarun-kavipurapu/file-transfer/pkg/storage"
	"tarun-kavipurapu/file-transfer/pkg/transport"
)

const (
	reasonBusy        = "server busy"
	reasonRateLimited = "rate limited"
	reasonUnavailable = "worker unavailable"
)

type sessionKey struct {
	peer    string
	channel protocol.ChannelID
}

// SessionInfo describes one running worker.
type SessionInfo struct {
	ID        string
	Peer      string
	ChannelID protocol.ChannelID
	Kind      protocol.Kind
	Local     string
	Started   time.Time
}

// Service accepts requests on one endpoint and runs every transfer in its own
// worker with its own endpoint.
type Service struct {
	trans   transport.Transport
	factory transport.Factory
	store   *storage.Store
	opts    peer.Options
	metrics *monitor.Metrics

	timeout   time.Duration
	limiter   *rate.Limiter
	slots     chan struct{}
	advertise bool

	mu       sync.Mutex
	sessions map[sessionKey]SessionInfo
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool

	wg         sync.WaitGroup
	advertiser *discovery.Advertiser
}

// New builds a service around an already bound acceptor endpoint. Worker
// endpoints come from factory.
func New(trans transport.Transport, factory transport.Factory, store *storage.Store, cfg config.Config, opts peer.Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = monitor.Global
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = config.Default().MaxSessions
	}
	limit := rate.Inf
	if cfg.SessionRate > 0 {
		limit = rate.Limit(cfg.SessionRate)
	}
	burst := cfg.SessionBurst
	if burst <= 0 {
		burst = maxSessions
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.Default().Timeout
	}

	return &Service{
		trans:      trans,
		factory:    factory,
		store:      store,
		opts:       opts,
		metrics:    opts.Metrics,
		timeout:    timeout,
		limiter:    rate.NewLimiter(limit, burst),
		slots:      make(chan struct{}, maxSessions),
		advertise:  cfg.Advertise,
		sessions:   make(map[sessionKey]SessionInfo),
		advertiser: discovery.NewAdvertiser(),
	}
}

func (s *Service) Addr() net.Addr {
	return s.trans.LocalAddr()
}

// Serve runs the acceptor until ctx is done or Shutdown is called, then waits
// for every worker to return.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return transport.ErrClosed
	}
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()
	defer cancel()

	logger.Sugar.Infof("[FileService] [%s] serving, storage=%s", s.trans.LocalAddr(), s.store.Root())
	if s.advertise {
		s.startAdvertising()
	}

	defer func() {
		s.wg.Wait()
		close(done)
		logger.Sugar.Info("[FileService] stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		from, data, err := s.trans.Receive(s.timeout)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acceptor closed: %w", err)
		case err != nil:
			logger.Sugar.Errorf("[FileService] receive failed: err=%v", err)
			continue
		}

		s.accept(ctx, from, data)
	}
}

func (s *Service) startAdvertising() {
	udpAddr, ok := s.trans.LocalAddr().(*net.UDPAddr)
	if !ok || udpAddr.Port == 0 {
		logger.Sugar.Warnf("[FileService] cannot advertise address %s", s.trans.LocalAddr())
		return
	}
	meta := map[string]string{
		"version": "1.0.0",
		"codec":   "cbor",
		"chunk":   fmt.Sprint(protocol.MaxChunkSize),
	}
	if err := s.advertiser.Start("", udpAddr.Port, meta); err != nil {
		logger.Sugar.Errorf("[FileService] Failed to start mDNS advertisement: %v", err)
	}
}

// accept starts a worker for a new request. Anything else reaching the
// acceptor is dropped.
func (s *Service) accept(ctx context.Context, from net.Addr, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logger.Sugar.Warnf("[FileService] dropping datagram: from=%s err=%v", from, err)
		return
	}
	if !protocol.IsRequest(msg) {
		logger.Sugar.Debugf("[FileService] dropping %s outside a session: from=%s", msg.Kind(), from)
		return
	}

	key := sessionKey{peer: from.String(), channel: requestChannel(msg)}
	s.mu.Lock()
	_, active := s.sessions[key]
	s.mu.Unlock()
	if active {
		logger.Sugar.Debugf("[FileService] duplicate %s ignored: from=%s channel=%d", msg.Kind(), from, key.channel)
		return
	}

	if !s.limiter.Allow() {
		s.refuse(from, key.channel, reasonRateLimited)
		return
	}
	select {
	case s.slots <- struct{}{}:
	default:
		s.refuse(from, key.channel, reasonBusy)
		return
	}

	workerTrans, err := s.factory.Open()
	if err != nil {
		<-s.slots
		logger.Sugar.Errorf("[FileService] open worker endpoint failed: err=%v", err)
		s.refuse(from, key.channel, reasonUnavailable)
		return
	}

	sess := peer.NewSession(peer.RoleServer, from)
	info := SessionInfo{
		ID:        sess.ID,
		Peer:      key.peer,
		ChannelID: key.channel,
		Kind:      msg.Kind(),
		Local:     workerTrans.LocalAddr().String(),
		Started:   time.Now(),
	}
	s.mu.Lock()
	s.sessions[key] = info
	s.mu.Unlock()

	s.metrics.SessionStarted()
	s.wg.Add(1)
	go s.run(ctx, key, workerTrans, sess, msg)
}

func (s *Service) run(ctx context.Context, key sessionKey, trans transport.Transport, sess peer.Session, req protocol.Message) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
			logger.Sugar.Errorf("[FileService] session %s crashed: %v", sess.ID, r)
		}
		if cerr := trans.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
			logger.Sugar.Warnf("[FileService] close worker endpoint: session=%s err=%v", sess.ID, cerr)
		}
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
		<-s.slots
		s.metrics.SessionEnded(err)
		s.wg.Done()
	}()

	logger.Sugar.Infof("[FileService] session started: id=%s peer=%s channel=%d request=%s local=%s",
		sess.ID, key.peer, key.channel, req.Kind(), trans.LocalAddr())

	proto := peer.NewFileProtocol(trans, s.store, s.opts)
	sess, err = proto.Serve(ctx, sess, req)
	if err != nil {
		logger.Sugar.Warnf("[FileService] session failed: id=%s peer=%s state=%s err=%v", sess.ID, sess.Peer, sess.State, err)
		return
	}
	logger.Sugar.Infof("[FileService] session finished: id=%s peer=%s", sess.ID, sess.Peer)
}

func (s *Service) refuse(to net.Addr, channel protocol.ChannelID, reason string) {
	s.metrics.SessionRefused()
	logger.Sugar.Warnf("[FileService] refusing request: from=%s channel=%d reason=%s", to, channel, reason)
	data, err := protocol.Encode(protocol.Failure{ChannelID: channel, Reason: reason})
	if err == nil {
		err = s.trans.Send(data, to)
	}
	if err != nil {
		logger.Sugar.Errorf("[FileService] send refusal failed: to=%s err=%v", to, err)
	}
}

func requestChannel(m protocol.Message) protocol.ChannelID {
	switch r := m.(type) {
	case protocol.ReqReceive:
		return r.ChannelID
	case protocol.ReqTransmit:
		return r.ChannelID
	}
	return 0
}

// Sessions lists the running workers, oldest first.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		list = append(list, info)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Started.Before(list[j].Started) })
	return list
}

func (s *Service) Status() string {
	snap := s.metrics.Snapshot()
	sessions := s.Sessions()

	var b strings.Builder
	fmt.Fprintf(&b, "File service running on: %s\n", s.trans.LocalAddr())
	fmt.Fprintf(&b, "Storage: %s\n", s.store.Root())
	fmt.Fprintf(&b, "Uptime: %s\n", snap.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "Sessions: %d active, %d completed, %d failed, %d refused\n",
		len(sessions), snap.SessionsCompleted, snap.SessionsFailed, snap.SessionsRefused)
	fmt.Fprintf(&b, "Chunks: %d sent, %d received, %d files finalized\n",
		snap.ChunksSent, snap.ChunksReceived, snap.FilesFinalized)
	for _, info := range sessions {
		fmt.Fprintf(&b, " - %s %s from %s (channel %d) on %s for %s\n",
			info.ID[:8], info.Kind, info.Peer, info.ChannelID, info.Local, time.Since(info.Started).Truncate(time.Second))
	}
	return b.String()
}

// Shutdown stops accepting, cancels running sessions and waits for them.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.advertiser.Stop()
	var err error
	if cerr := s.trans.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("close acceptor: %w", cerr))
	}
	if done != nil {
		<-done
	}
	return err
}
