package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tarun-kavipurapu/file-transfer/pkg/config"
	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/monitor"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
	"tarun-kavipurapu/file-transfer/pkg/storage"
	"tarun-kavipurapu/file-transfer/pkg/transport"
)

// Observer is notified of transfer progress. Calls come from the session
// goroutine and must not block.
type Observer interface {
	TransferStarted(hash string, numChunks uint32)
	ChunkTransferred(hash string, index uint32, size int)
}

type Options struct {
	Timeout          time.Duration
	SyncInterval     time.Duration
	MaxHoldCount     int
	MaxSyncStalls    int
	RequestRetries   int
	CleanupOnSuccess bool

	Metrics  *monitor.Metrics
	Observer Observer
	// NewChannelID allocates ids for client requests.
	NewChannelID func() protocol.ChannelID
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Timeout:          cfg.Timeout,
		SyncInterval:     cfg.SyncInterval,
		MaxHoldCount:     cfg.MaxHoldCount,
		MaxSyncStalls:    cfg.MaxSyncStalls,
		RequestRetries:   cfg.RequestRetries,
		CleanupOnSuccess: cfg.CleanupOnSuccess,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = def.SyncInterval
	}
	if o.MaxHoldCount <= 0 {
		o.MaxHoldCount = def.MaxHoldCount
	}
	if o.MaxSyncStalls <= 0 {
		o.MaxSyncStalls = def.MaxSyncStalls
	}
	if o.RequestRetries <= 0 {
		o.RequestRetries = def.RequestRetries
	}
	if o.Metrics == nil {
		o.Metrics = monitor.Global
	}
	if o.NewChannelID == nil {
		o.NewChannelID = protocol.NewChannelID
	}
	return o
}

// FileProtocol is the message-driven transfer state machine bound to one
// transport endpoint and the shared chunk store.
type FileProtocol struct {
	trans transport.Transport
	store *storage.Store
	opts  Options
}

func NewFileProtocol(trans transport.Transport, store *storage.Store, opts Options) *FileProtocol {
	return &FileProtocol{
		trans: trans,
		store: store,
		opts:  opts.withDefaults(),
	}
}

func (p *FileProtocol) Store() *storage.Store {
	return p.store
}

func (p *FileProtocol) send(sess Session, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	if err := p.trans.Send(data, sess.Peer); err != nil {
		return fmt.Errorf("%w: send %s to %s: %w", ErrTransport, m.Kind(), sess.Peer, err)
	}
	logger.Sugar.Debugf("[FileProtocol] -> %s: session=%s peer=%s", m.Kind(), sess.short(), sess.Peer)
	return nil
}

// ProcessMessage decodes one datagram and applies it to sess. Undecodable
// datagrams are logged and leave the session unchanged. The returned message
// is nil when the datagram was dropped; a non-nil error ends the session.
func (p *FileProtocol) ProcessMessage(ctx context.Context, sess Session, data []byte) (Session, protocol.Message, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logger.Sugar.Warnf("[FileProtocol] dropping datagram: session=%s peer=%s err=%v", sess.short(), sess.Peer, err)
		return sess, nil, nil
	}
	return p.Dispatch(ctx, sess, msg)
}

// Dispatch applies a decoded message to sess.
func (p *FileProtocol) Dispatch(ctx context.Context, sess Session, msg protocol.Message) (Session, protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return sess, nil, err
	}
	logger.Sugar.Debugf("[FileProtocol] <- %s: session=%s role=%s state=%s", msg.Kind(), sess.short(), sess.Role, sess.State)

	sess.State = sess.State.Resume()

	var err error
	switch m := msg.(type) {
	case protocol.Sync:
		sess, err = p.handleSync(sess, m)
	case protocol.Metadata:
		sess, err = p.handleMetadata(sess, m)
	case protocol.ReceiveChunk:
		sess, err = p.handleChunk(sess, m)
	case protocol.ACK:
		sess, err = p.handleACK(sess, m)
	case protocol.NAK:
		sess, err = p.handleNAK(sess, m)
	case protocol.ReqReceive:
		sess, err = p.handleReqReceive(sess, m)
	case protocol.ReqTransmit:
		sess, err = p.handleReqTransmit(sess, m)
	case protocol.SuccessReceive:
		sess, err = p.handleSuccessReceive(sess, m)
	case protocol.SuccessTransmit:
		sess, err = p.handleSuccessTransmit(sess, m)
	case protocol.Failure:
		if m.ChannelID != sess.State.ChannelID {
			logger.Sugar.Warnf("[FileProtocol] failure for another channel: session=%s got=%d want=%d reason=%s", sess.short(), m.ChannelID, sess.State.ChannelID, m.Reason)
		}
		logger.Sugar.Warnf("[FileProtocol] peer reported failure: session=%s channel=%d reason=%s", sess.short(), m.ChannelID, m.Reason)
		sess.State.Tag = Done
		return sess, m, &FailureError{ChannelID: m.ChannelID, Reason: m.Reason}
	default:
		logger.Sugar.Warnf("[FileProtocol] unrecognized message: session=%s type=%T", sess.short(), m)
		return sess, nil, nil
	}

	if errors.Is(err, ErrProtocol) {
		logger.Sugar.Warnf("[FileProtocol] dropping %s: session=%s state=%s err=%v", msg.Kind(), sess.short(), sess.State, err)
		return sess, nil, nil
	}
	if err != nil {
		return sess, msg, err
	}
	return sess, msg, nil
}

func (p *FileProtocol) handleSync(sess Session, m protocol.Sync) (Session, error) {
	n, err := p.store.LoadMeta(m.Hash)
	if err != nil {
		logger.Sugar.Warnf("[FileProtocol] cannot answer sync: session=%s hash=%s err=%v", sess.short(), m.Hash, err)
		return sess, nil
	}
	return sess, p.send(sess, protocol.Metadata{Hash: m.Hash, NumChunks: n})
}

func (p *FileProtocol) handleMetadata(sess Session, m protocol.Metadata) (Session, error) {
	if err := p.store.StoreMeta(m.Hash, m.NumChunks); err != nil {
		logger.Sugar.Errorf("[FileProtocol] store meta failed: session=%s hash=%s err=%v", sess.short(), m.Hash, err)
		return sess, nil
	}
	if sess.State.Tag != Receiving || sess.State.Hash != m.Hash {
		return sess, nil
	}

	sess.State.ExpectedChunks = m.NumChunks
	sess.State.MetaKnown = true
	if p.opts.Observer != nil {
		p.opts.Observer.TransferStarted(m.Hash, m.NumChunks)
	}
	// The metadata answers our Sync; announce the gaps right away.
	return p.sendStatus(sess)
}

func (p *FileProtocol) handleChunk(sess Session, m protocol.ReceiveChunk) (Session, error) {
	if err := p.store.StoreChunk(m.Hash, m.Index, m.Data); err != nil {
		logger.Sugar.Errorf("[FileProtocol] store chunk failed: session=%s hash=%s index=%d err=%v", sess.short(), m.Hash, m.Index, err)
		return sess, nil
	}
	p.opts.Metrics.ChunkReceived(len(m.Data))
	if p.opts.Observer != nil {
		p.opts.Observer.ChunkTransferred(m.Hash, m.Index, len(m.Data))
	}

	st := sess.State
	if st.Tag != Receiving || st.Hash != m.Hash || !st.MetaKnown {
		return sess, nil
	}
	sess.State.Received++
	if sess.State.Received < st.Awaiting {
		return sess, nil
	}

	complete, _, err := p.store.ValidateFile(st.Hash, st.ExpectedChunks)
	if err != nil {
		logger.Sugar.Errorf("[FileProtocol] validate failed: session=%s hash=%s err=%v", sess.short(), st.Hash, err)
		return sess, nil
	}
	if !complete {
		return sess, nil
	}
	return p.finishReceive(sess)
}

func (p *FileProtocol) handleACK(sess Session, m protocol.ACK) (Session, error) {
	if sess.State.Tag == Transmitting && sess.State.Hash == m.Hash {
		logger.Sugar.Infof("[FileProtocol] peer has every chunk: session=%s hash=%s", sess.short(), m.Hash)
		sess.State.Tag = Done
	}
	return sess, nil
}

func (p *FileProtocol) handleNAK(sess Session, m protocol.NAK) (Session, error) {
	if len(m.Missing) == 0 {
		// No defined action for a bare NAK yet.
		logger.Sugar.Infof("[FileProtocol] NAK without ranges ignored: session=%s hash=%s", sess.short(), m.Hash)
		return sess, nil
	}
	if sess.State.Tag != Transmitting || sess.State.Hash != m.Hash {
		return sess, fmt.Errorf("%w: NAK for %s while %s", ErrProtocol, m.Hash, sess.State)
	}
	return sess, p.sendChunks(sess, m.Hash, m.Missing)
}

// sendChunks sends every stored chunk in the closed ranges, clamped to the
// stored chunk count.
func (p *FileProtocol) sendChunks(sess Session, hash string, ranges []protocol.Range) error {
	n, err := p.store.LoadMeta(hash)
	if err != nil {
		logger.Sugar.Errorf("[FileProtocol] cannot serve chunks: session=%s hash=%s err=%v", sess.short(), hash, err)
		return nil
	}
	sent := 0
	for _, r := range ranges {
		if n == 0 || r.First >= n {
			continue
		}
		last := r.Last
		if last >= n {
			last = n - 1
		}
		for idx := r.First; idx <= last; idx++ {
			data, err := p.store.LoadChunk(hash, idx)
			if err != nil {
				logger.Sugar.Errorf("[FileProtocol] load chunk failed: session=%s hash=%s index=%d err=%v", sess.short(), hash, idx, err)
				continue
			}
			if err := p.send(sess, protocol.ReceiveChunk{Hash: hash, Index: idx, Data: data}); err != nil {
				return err
			}
			sent++
			p.opts.Metrics.ChunkSent(len(data))
			if p.opts.Observer != nil {
				p.opts.Observer.ChunkTransferred(hash, idx, len(data))
			}
		}
	}
	logger.Sugar.Debugf("[FileProtocol] sent chunks: session=%s hash=%s count=%d ranges=%v", sess.short(), hash, sent, ranges)
	return nil
}

func (p *FileProtocol) handleReqReceive(sess Session, m protocol.ReqReceive) (Session, error) {
	st := sess.State
	if st.Tag == Receiving && st.ChannelID == m.ChannelID && st.Hash == m.Hash {
		// Retransmitted request: repeat our status.
		sess.State.StatusSent = false
		return p.sendStatus(sess)
	}
	if sess.Role != RoleServer || !st.idle() {
		return sess, fmt.Errorf("%w: receive request on channel %d while %s %s", ErrProtocol, m.ChannelID, sess.Role, st)
	}
	logger.Sugar.Infof("[FileProtocol] receive request: session=%s channel=%d hash=%s path=%s", sess.short(), m.ChannelID, m.Hash, m.Path)

	if m.Path == "" {
		sess.State = State{Tag: Done, ChannelID: m.ChannelID}
		return sess, p.send(sess, protocol.Failure{ChannelID: m.ChannelID, Reason: "empty target path"})
	}
	if err := storage.CheckHash(m.Hash); err != nil {
		logger.Sugar.Warnf("[FileProtocol] rejecting receive request: session=%s channel=%d err=%v", sess.short(), m.ChannelID, err)
		sess.State = State{Tag: Done, ChannelID: m.ChannelID}
		return sess, p.send(sess, protocol.Failure{ChannelID: m.ChannelID, Reason: "invalid hash"})
	}

	next := State{
		Tag:       Receiving,
		Prior:     Done,
		ChannelID: m.ChannelID,
		Hash:      m.Hash,
		Path:      m.Path,
		Mode:      m.Mode,
	}
	if n, err := p.store.LoadMeta(m.Hash); err == nil {
		next.ExpectedChunks = n
		next.MetaKnown = true
	}
	sess.State = next
	return p.sendStatus(sess)
}

func (p *FileProtocol) handleReqTransmit(sess Session, m protocol.ReqTransmit) (Session, error) {
	st := sess.State
	if st.Tag == Transmitting && st.ChannelID == m.ChannelID && st.Path == m.Path {
		return sess, p.send(sess, protocol.SuccessTransmit{ChannelID: m.ChannelID, Hash: st.Hash, NumChunks: st.ExpectedChunks, Mode: st.Mode})
	}
	if sess.Role != RoleServer || !st.idle() {
		return sess, fmt.Errorf("%w: transmit request on channel %d while %s %s", ErrProtocol, m.ChannelID, sess.Role, st)
	}
	logger.Sugar.Infof("[FileProtocol] transmit request: session=%s channel=%d path=%s", sess.short(), m.ChannelID, m.Path)

	hash, n, mode, err := p.store.ImportFile(m.Path)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, storage.ErrNotFound) {
			reason = "file not found"
		}
		sess.State = State{Tag: Done, ChannelID: m.ChannelID, Path: m.Path}
		if serr := p.send(sess, protocol.Failure{ChannelID: m.ChannelID, Reason: reason}); serr != nil {
			return sess, serr
		}
		return sess, fmt.Errorf("import %s: %w", m.Path, err)
	}

	sess.State = State{
		Tag:            Transmitting,
		Prior:          Done,
		ChannelID:      m.ChannelID,
		Hash:           hash,
		ExpectedChunks: n,
		MetaKnown:      true,
		Path:           m.Path,
		Mode:           &mode,
	}
	if p.opts.Observer != nil {
		p.opts.Observer.TransferStarted(hash, n)
	}
	return sess, p.send(sess, protocol.SuccessTransmit{ChannelID: m.ChannelID, Hash: hash, NumChunks: n, Mode: &mode})
}

func (p *FileProtocol) handleSuccessReceive(sess Session, m protocol.SuccessReceive) (Session, error) {
	if m.ChannelID != sess.State.ChannelID {
		return sess, fmt.Errorf("%w: success on channel %d, expected %d", ErrProtocol, m.ChannelID, sess.State.ChannelID)
	}
	if sess.State.Tag == Receiving {
		return sess, fmt.Errorf("%w: receive confirmation while %s", ErrProtocol, sess.State)
	}
	logger.Sugar.Infof("[FileProtocol] peer confirmed receive: session=%s channel=%d", sess.short(), m.ChannelID)
	sess.State.Tag = Done
	return sess, nil
}

func (p *FileProtocol) handleSuccessTransmit(sess Session, m protocol.SuccessTransmit) (Session, error) {
	st := sess.State
	if st.Tag == Receiving && st.ChannelID == m.ChannelID {
		// Duplicate of the reply that started this receive.
		return sess, nil
	}
	if sess.Role != RoleClient || st.Tag != Holding || st.ChannelID != m.ChannelID || st.Path == "" {
		return sess, fmt.Errorf("%w: transmit confirmation on channel %d while %s", ErrProtocol, m.ChannelID, st)
	}
	logger.Sugar.Infof("[FileProtocol] transmit accepted: session=%s channel=%d hash=%s chunks=%d", sess.short(), m.ChannelID, m.Hash, m.NumChunks)

	next := State{
		Tag:            Receiving,
		Prior:          Done,
		ChannelID:      m.ChannelID,
		Hash:           m.Hash,
		ExpectedChunks: m.NumChunks,
		MetaKnown:      true,
		Path:           st.Path,
		Mode:           m.Mode,
	}
	if err := p.store.StoreMeta(m.Hash, m.NumChunks); err != nil {
		logger.Sugar.Errorf("[FileProtocol] store meta failed: session=%s hash=%s err=%v", sess.short(), m.Hash, err)
	}
	if p.opts.Observer != nil {
		p.opts.Observer.TransferStarted(m.Hash, m.NumChunks)
	}
	sess.State = next
	return sess, nil
}

// sendStatus validates the receiving file and tells the peer what is still
// missing. Without metadata it asks for it with Sync. A complete file is
// finalized.
func (p *FileProtocol) sendStatus(sess Session) (Session, error) {
	st := sess.State
	if !st.MetaKnown {
		if n, err := p.store.LoadMeta(st.Hash); err == nil {
			st.ExpectedChunks = n
			st.MetaKnown = true
		}
	}
	if !st.MetaKnown {
		st.StatusSent = true
		sess.State = st
		return sess, p.send(sess, protocol.Sync{Hash: st.Hash})
	}

	complete, missing, err := p.store.ValidateFile(st.Hash, st.ExpectedChunks)
	if err != nil {
		logger.Sugar.Errorf("[FileProtocol] validate failed: session=%s hash=%s err=%v", sess.short(), st.Hash, err)
		st.StatusSent = true
		sess.State = st
		return sess, nil
	}
	sess.State = st
	if complete {
		return p.finishReceive(sess)
	}

	var awaiting uint32
	for _, r := range missing {
		awaiting += r.Len()
	}
	st.StatusSent = true
	st.Awaiting = awaiting
	st.Received = 0
	sess.State = st
	logger.Sugar.Debugf("[FileProtocol] requesting chunks: session=%s hash=%s missing=%d ranges=%d", sess.short(), st.Hash, awaiting, len(missing))
	return sess, p.send(sess, protocol.NAK{Hash: st.Hash, Missing: missing})
}

// finishReceive acknowledges a complete file, writes it to its target and
// reports the result on the request channel.
func (p *FileProtocol) finishReceive(sess Session) (Session, error) {
	st := sess.State
	if err := p.send(sess, protocol.ACK{Hash: st.Hash}); err != nil {
		return sess, err
	}

	sess.State.Tag = Done
	if err := p.store.FinalizeFile(st.Hash, st.Path, st.Mode); err != nil {
		logger.Sugar.Errorf("[FileProtocol] finalize failed: session=%s hash=%s path=%s err=%v", sess.short(), st.Hash, st.Path, err)
		if serr := p.send(sess, protocol.Failure{ChannelID: st.ChannelID, Reason: err.Error()}); serr != nil {
			return sess, serr
		}
		return sess, fmt.Errorf("finalize %s: %w", st.Hash, err)
	}
	p.opts.Metrics.FileFinalized()

	if p.opts.CleanupOnSuccess {
		if err := p.store.Remove(st.Hash); err != nil {
			logger.Sugar.Warnf("[FileProtocol] cleanup failed: session=%s hash=%s err=%v", sess.short(), st.Hash, err)
		}
	}
	logger.Sugar.Infof("[FileProtocol] receive complete: session=%s channel=%d hash=%s path=%s", sess.short(), st.ChannelID, st.Hash, st.Path)
	return sess, p.send(sess, protocol.SuccessReceive{ChannelID: st.ChannelID})
}
