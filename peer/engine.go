package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
	"tarun-kavipurapu/file-transfer/pkg/transport"
)

// handleDatagram decodes one datagram, drops it when it concerns another
// file, and otherwise dispatches it with the sender as the new reply
// destination. relevant is false for dropped datagrams.
func (p *FileProtocol) handleDatagram(ctx context.Context, sess Session, hashFilter string, from net.Addr, data []byte) (next Session, msg protocol.Message, relevant bool, err error) {
	decoded, err := protocol.Decode(data)
	if err != nil {
		logger.Sugar.Warnf("[FileProtocol] dropping datagram: session=%s from=%s err=%v", sess.short(), from, err)
		return sess, nil, false, nil
	}
	if hashFilter != "" {
		if h, ok := protocol.HashOf(decoded); ok && h != hashFilter {
			logger.Sugar.Debugf("[FileProtocol] ignoring %s for other file: session=%s hash=%s", decoded.Kind(), sess.short(), h)
			return sess, nil, false, nil
		}
	}

	sess = sess.WithPeer(from)
	sess, msg, err = p.Dispatch(ctx, sess, decoded)
	return sess, msg, msg != nil, err
}

func (p *FileProtocol) receive(timeout time.Duration) (net.Addr, []byte, error) {
	from, data, err := p.trans.Receive(timeout)
	if err != nil && !errors.Is(err, transport.ErrTimeout) {
		return nil, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return from, data, err
}

// MessageEngine is the blocking receive loop of one session. Each datagram
// is dispatched with its sender as the reply destination. With pump unset it
// returns after the first relevant message, or with a nil message when the
// receive timed out. With pump set it runs until the session is Done or a
// terminal message (ACK, SuccessReceive, SuccessTransmit) arrives.
//
// Every timeout moves the session to Holding; more than MaxHoldCount timeouts
// in a row fail with ErrPeerTimeout.
func (p *FileProtocol) MessageEngine(ctx context.Context, sess Session, hashFilter string, timeout time.Duration, pump bool) (Session, protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return sess, nil, err
		}

		from, data, err := p.receive(timeout)
		if errors.Is(err, transport.ErrTimeout) {
			sess.State = sess.State.Hold()
			logger.Sugar.Debugf("[FileProtocol] receive timeout: session=%s state=%s", sess.short(), sess.State)
			if sess.State.RetryCount > p.opts.MaxHoldCount {
				return sess, nil, fmt.Errorf("%w: %d timeouts of %s", ErrPeerTimeout, sess.State.RetryCount, timeout)
			}
			if !pump {
				return sess, nil, nil
			}
			continue
		}
		if err != nil {
			return sess, nil, err
		}

		var (
			msg      protocol.Message
			relevant bool
		)
		sess, msg, relevant, err = p.handleDatagram(ctx, sess, hashFilter, from, data)
		if err != nil {
			return sess, msg, err
		}
		if !relevant {
			continue
		}
		if !pump || sess.State.Tag == Done || protocol.IsTerminal(msg) {
			return sess, msg, nil
		}
	}
}

// SyncAndSend drives a receiving session to completion: announce the missing
// chunks, take in chunks until the peer goes quiet for one sync interval, and
// repeat. It gives up with ErrSyncStalled after MaxSyncStalls consecutive
// rounds in which the number of missing chunks did not drop.
func (p *FileProtocol) SyncAndSend(ctx context.Context, sess Session) (Session, error) {
	var (
		stalls    int
		last      uint32
		lastKnown bool
		err       error
	)

	for {
		if sess.State.Tag == Done {
			return sess, nil
		}
		if sess.State.Tag != Receiving {
			return sess, fmt.Errorf("%w: sync while %s", ErrProtocol, sess.State)
		}

		if !sess.State.StatusSent {
			if sess, err = p.sendStatus(sess); err != nil {
				return sess, err
			}
			if sess.State.Tag == Done {
				return sess, nil
			}
		}

		st := sess.State
		progressed := st.MetaKnown && (!lastKnown || st.Awaiting < last)
		if progressed {
			stalls = 0
		} else {
			stalls++
			logger.Sugar.Debugf("[Sync] round without progress: session=%s hash=%s stalls=%d", sess.short(), st.Hash, stalls)
			if stalls >= p.opts.MaxSyncStalls {
				return sess, fmt.Errorf("%w: %s after %d rounds", ErrSyncStalled, st.Hash, stalls)
			}
		}
		last, lastKnown = st.Awaiting, st.MetaKnown

		for {
			if err := ctx.Err(); err != nil {
				return sess, err
			}
			from, data, rerr := p.receive(p.opts.SyncInterval)
			if errors.Is(rerr, transport.ErrTimeout) {
				break
			}
			if rerr != nil {
				return sess, rerr
			}
			if sess, _, _, err = p.handleDatagram(ctx, sess, st.Hash, from, data); err != nil {
				return sess, err
			}
			if sess.State.Tag == Done {
				return sess, nil
			}
		}

		sess.State.StatusSent = false
	}
}
