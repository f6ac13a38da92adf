package peer

import (
	"context"
	"fmt"

	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/protocol"
)

// Serve runs a server session to completion, starting from the request that
// opened it.
func (p *FileProtocol) Serve(ctx context.Context, sess Session, req protocol.Message) (Session, error) {
	sess, _, err := p.Dispatch(ctx, sess, req)
	if err != nil {
		return sess, err
	}
	if sess.State.idle() {
		return sess, fmt.Errorf("%w: %s not accepted", ErrProtocol, req.Kind())
	}

	for sess.State.Tag != Done {
		if sess.State.Tag == Receiving {
			if sess, err = p.SyncAndSend(ctx, sess); err != nil {
				return sess, err
			}
			continue
		}

		var msg protocol.Message
		sess, msg, err = p.MessageEngine(ctx, sess, sess.State.Hash, p.opts.Timeout, false)
		if err != nil {
			return sess, err
		}
		if msg == nil && sess.State.Prior == Transmitting {
			// Silence after accepting a transmit: the acceptance may have been lost.
			st := sess.State
			logger.Sugar.Debugf("[FileProtocol] re-announcing transmit: session=%s channel=%d", sess.short(), st.ChannelID)
			if err := p.send(sess, protocol.SuccessTransmit{ChannelID: st.ChannelID, Hash: st.Hash, NumChunks: st.ExpectedChunks, Mode: st.Mode}); err != nil {
				return sess, err
			}
		}
	}
	return sess, nil
}
