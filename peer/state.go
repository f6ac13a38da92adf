package peer

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"tarun-kavipurapu/file-transfer/pkg/protocol"
)

// Role decides which requests a session accepts.
type Role int

const (
	// RoleClient initiates operations.
	RoleClient Role = iota
	// RoleServer fulfills them.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type StateTag uint8

const (
	Holding StateTag = iota
	Receiving
	Transmitting
	Done
)

func (t StateTag) String() string {
	switch t {
	case Holding:
		return "holding"
	case Receiving:
		return "receiving"
	case Transmitting:
		return "transmitting"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(t))
	}
}

// State is the protocol state of one session. It is a plain value: every
// transition produces a new State.
type State struct {
	Tag StateTag

	// RetryCount counts consecutive receive timeouts while Holding.
	RetryCount int
	// Prior is the state a Holding session resumes on the next message.
	Prior StateTag

	ChannelID protocol.ChannelID
	Hash      string
	// ExpectedChunks is valid once MetaKnown is set.
	ExpectedChunks uint32
	MetaKnown      bool
	// Path is the target path when receiving and the source or remote path
	// when transmitting.
	Path string
	Mode *uint32

	// StatusSent is set once the current sync round has announced its gaps.
	StatusSent bool
	// Awaiting is the number of chunks missing at the last announcement and
	// Received the number stored since; when Received catches up the store is
	// re-validated.
	Awaiting uint32
	Received uint32
}

// NewHolding is the idle start state.
func NewHolding() State {
	return State{Tag: Holding, Prior: Done}
}

// Hold records one receive timeout, remembering the state to fall back to.
func (s State) Hold() State {
	h := s
	if s.Tag != Holding {
		h.Prior = s.Tag
		h.RetryCount = 0
	}
	h.Tag = Holding
	h.RetryCount++
	return h
}

// Resume leaves Holding for the remembered state.
func (s State) Resume() State {
	if s.Tag != Holding {
		return s
	}
	r := s
	r.RetryCount = 0
	if s.Prior != Done {
		r.Tag = s.Prior
		r.Prior = Done
	}
	return r
}

// idle reports a server session that has not started an operation yet.
func (s State) idle() bool {
	return s.Tag == Holding && s.Prior == Done && s.Path == ""
}

func (s State) String() string {
	if s.Tag == Holding {
		return fmt.Sprintf("holding{retries=%d prior=%s}", s.RetryCount, s.Prior)
	}
	if s.Hash == "" {
		return s.Tag.String()
	}
	return fmt.Sprintf("%s{hash=%s}", s.Tag, s.Hash)
}

// Session is one transfer as seen by one side. Peer is the reply destination
// and is replaced with the sender of each received datagram.
type Session struct {
	ID    string
	Role  Role
	Peer  net.Addr
	State State
}

func NewSession(role Role, peer net.Addr) Session {
	return Session{
		ID:    uuid.NewString(),
		Role:  role,
		Peer:  peer,
		State: NewHolding(),
	}
}

func (s Session) WithPeer(addr net.Addr) Session {
	s.Peer = addr
	return s
}

func (s Session) WithState(st State) Session {
	s.State = st
	return s
}

// short trims the session id for log lines.
func (s Session) short() string {
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}
