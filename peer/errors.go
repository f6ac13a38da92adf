package peer

import (
	"errors"
	"fmt"

	"tarun-kavipurapu/file-transfer/pkg/protocol"
)

var (
	// ErrTransport wraps send and receive failures; it aborts the session.
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks a message that is not valid for the session state.
	ErrProtocol = errors.New("protocol error")
	// ErrPeerTimeout is returned when the peer stays silent for too long.
	ErrPeerTimeout = errors.New("peer timed out")
	// ErrSyncStalled is returned when resync rounds stop making progress.
	ErrSyncStalled = errors.New("sync stalled")
)

// FailureError is a Failure message reported by the peer.
type FailureError struct {
	ChannelID protocol.ChannelID
	Reason    string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("transfer failed on channel %d: %s", e.ChannelID, e.Reason)
}
