package peer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
	"tarun-kavipurapu/file-transfer/pkg/storage"
	"tarun-kavipurapu/file-transfer/pkg/transport"
)

// Client runs upload and download operations against one server. Operations
// on a Client must not overlap since they share one endpoint.
type Client struct {
	proto  *FileProtocol
	server net.Addr
}

func NewClient(trans transport.Transport, store *storage.Store, server net.Addr, opts Options) *Client {
	return &Client{
		proto:  NewFileProtocol(trans, store, opts),
		server: server,
	}
}

// request sends req and waits until accepted reports the reply it was
// waiting for, resending req on every timeout up to RequestRetries times.
// A Failure from the server ends the request without a retry.
func (c *Client) request(ctx context.Context, sess Session, req protocol.Message, hashFilter string, accepted func(Session, protocol.Message) bool) (Session, protocol.Message, error) {
	p := c.proto
	for attempt := 1; attempt <= p.opts.RequestRetries; attempt++ {
		if err := p.send(sess, req); err != nil {
			return sess, nil, err
		}
		logger.Sugar.Debugf("[Client] sent %s: session=%s attempt=%d server=%s", req.Kind(), sess.short(), attempt, sess.Peer)

		for {
			var (
				msg protocol.Message
				err error
			)
			sess, msg, err = p.MessageEngine(ctx, sess, hashFilter, p.opts.Timeout, false)
			if err != nil {
				return sess, msg, err
			}
			if msg == nil {
				break
			}
			if accepted(sess, msg) {
				return sess, msg, nil
			}
		}
		logger.Sugar.Warnf("[Client] no reply to %s: session=%s attempt=%d/%d", req.Kind(), sess.short(), attempt, p.opts.RequestRetries)
	}
	return sess, nil, fmt.Errorf("%w: no reply to %s after %d attempts", ErrPeerTimeout, req.Kind(), p.opts.RequestRetries)
}

// Upload sends localPath to the server, which stores it at remotePath.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	p := c.proto
	hash, n, mode, err := p.store.ImportFile(localPath)
	if err != nil {
		return fmt.Errorf("import %s: %w", localPath, err)
	}
	id := p.opts.NewChannelID()

	sess := NewSession(RoleClient, c.server)
	sess.State = State{
		Tag:            Transmitting,
		Prior:          Done,
		ChannelID:      id,
		Hash:           hash,
		ExpectedChunks: n,
		MetaKnown:      true,
		Path:           remotePath,
		Mode:           &mode,
	}
	if p.opts.Observer != nil {
		p.opts.Observer.TransferStarted(hash, n)
	}
	logger.Sugar.Infof("[Client] upload: session=%s channel=%d file=%s hash=%s chunks=%d remote=%s", sess.short(), id, localPath, hash, n, remotePath)

	req := protocol.ReqReceive{ChannelID: id, Hash: hash, Path: remotePath, Mode: &mode}
	sess, msg, err := c.request(ctx, sess, req, hash, func(Session, protocol.Message) bool { return true })
	if err != nil {
		return err
	}
	if sess.State.Tag != Done && !protocol.IsTerminal(msg) {
		if sess, msg, err = p.MessageEngine(ctx, sess, hash, p.opts.Timeout, true); err != nil {
			return err
		}
	}
	if _, ok := msg.(protocol.SuccessReceive); ok {
		return nil
	}
	return c.awaitResult(ctx, sess)
}

// awaitResult waits for the server to report the outcome of an upload whose
// chunks it already acknowledged.
func (c *Client) awaitResult(ctx context.Context, sess Session) error {
	p := c.proto
	for {
		var (
			msg protocol.Message
			err error
		)
		sess, msg, err = p.MessageEngine(ctx, sess, sess.State.Hash, p.opts.Timeout, false)
		if err != nil {
			return err
		}
		if _, ok := msg.(protocol.SuccessReceive); ok {
			logger.Sugar.Infof("[Client] upload complete: session=%s channel=%d", sess.short(), sess.State.ChannelID)
			return nil
		}
	}
}

// Download fetches remotePath from the server into localPath. Chunks already
// in the local store from an interrupted attempt are not requested again.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	p := c.proto
	id := p.opts.NewChannelID()

	sess := NewSession(RoleClient, c.server)
	sess.State = State{Tag: Holding, Prior: Done, ChannelID: id, Path: localPath}
	logger.Sugar.Infof("[Client] download: session=%s channel=%d remote=%s local=%s", sess.short(), id, remotePath, localPath)

	req := protocol.ReqTransmit{ChannelID: id, Path: remotePath}
	sess, _, err := c.request(ctx, sess, req, "", func(s Session, _ protocol.Message) bool {
		return s.State.Tag == Receiving
	})
	if err != nil {
		var fe *FailureError
		if errors.As(err, &fe) {
			logger.Sugar.Warnf("[Client] download refused: session=%s reason=%s", sess.short(), fe.Reason)
		}
		return err
	}

	sess, err = p.SyncAndSend(ctx, sess)
	if err != nil {
		return err
	}
	logger.Sugar.Infof("[Client] download complete: session=%s hash=%s path=%s", sess.short(), sess.State.Hash, localPath)
	return nil
}
