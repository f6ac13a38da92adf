package protocol

import (
	"fmt"
	"time"
)

const (
	// MaxChunkSize caps a chunk payload so one ReceiveChunk fits in a datagram.
	MaxChunkSize = 4096

	// ChannelModulus bounds time-derived channel ids.
	ChannelModulus = 100000
)

// Kind discriminates the message variants on the wire.
type Kind uint8

const (
	KindSync Kind = iota + 1
	KindMetadata
	KindReceiveChunk
	KindACK
	KindNAK
	KindReqReceive
	KindReqTransmit
	KindSuccessReceive
	KindSuccessTransmit
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindMetadata:
		return "metadata"
	case KindReceiveChunk:
		return "chunk"
	case KindACK:
		return "ack"
	case KindNAK:
		return "nak"
	case KindReqReceive:
		return "req-receive"
	case KindReqTransmit:
		return "req-transmit"
	case KindSuccessReceive:
		return "success-receive"
	case KindSuccessTransmit:
		return "success-transmit"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one protocol message. One message travels per datagram.
type Message interface {
	Kind() Kind
}

// ChannelID correlates a request with its terminal response.
type ChannelID uint32

// NewChannelID derives a channel id from the wall clock. It is a correlation
// hint only: two requests in the same millisecond (mod ChannelModulus) collide.
func NewChannelID() ChannelID {
	return ChannelID(time.Now().UnixMilli() % ChannelModulus)
}

// Range is a closed range of chunk indices.
type Range struct {
	_     struct{} `cbor:",toarray"`
	First uint32
	Last  uint32
}

// Len returns the number of indices covered.
func (r Range) Len() uint32 {
	if r.Last < r.First {
		return 0
	}
	return r.Last - r.First + 1
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// --- Transfer messages ---

// Sync asks the peer for the metadata of hash.
type Sync struct {
	_    struct{} `cbor:",toarray"`
	Hash string
}

type Metadata struct {
	_         struct{} `cbor:",toarray"`
	Hash      string
	NumChunks uint32
}

type ReceiveChunk struct {
	_     struct{} `cbor:",toarray"`
	Hash  string
	Index uint32
	Data  []byte
}

// ACK reports that every chunk of Hash is present.
type ACK struct {
	_    struct{} `cbor:",toarray"`
	Hash string
}

// NAK reports missing chunks. Missing is nil when the sender had no range
// information to report.
type NAK struct {
	_       struct{} `cbor:",toarray"`
	Hash    string
	Missing []Range
}

// --- Operation messages ---

// ReqReceive asks the peer to receive the file Hash and write it to Path.
type ReqReceive struct {
	_         struct{} `cbor:",toarray"`
	ChannelID ChannelID
	Hash      string
	Path      string
	Mode      *uint32
}

// ReqTransmit asks the peer to send the file at Path.
type ReqTransmit struct {
	_         struct{} `cbor:",toarray"`
	ChannelID ChannelID
	Path      string
}

type SuccessReceive struct {
	_         struct{} `cbor:",toarray"`
	ChannelID ChannelID
}

type SuccessTransmit struct {
	_         struct{} `cbor:",toarray"`
	ChannelID ChannelID
	Hash      string
	NumChunks uint32
	Mode      *uint32
}

type Failure struct {
	_         struct{} `cbor:",toarray"`
	ChannelID ChannelID
	Reason    string
}

func (Sync) Kind() Kind            { return KindSync }
func (Metadata) Kind() Kind        { return KindMetadata }
func (ReceiveChunk) Kind() Kind    { return KindReceiveChunk }
func (ACK) Kind() Kind             { return KindACK }
func (NAK) Kind() Kind             { return KindNAK }
func (ReqReceive) Kind() Kind      { return KindReqReceive }
func (ReqTransmit) Kind() Kind     { return KindReqTransmit }
func (SuccessReceive) Kind() Kind  { return KindSuccessReceive }
func (SuccessTransmit) Kind() Kind { return KindSuccessTransmit }
func (Failure) Kind() Kind         { return KindFailure }

// HashOf returns the file hash a message refers to, if it carries one.
func HashOf(m Message) (string, bool) {
	switch v := m.(type) {
	case Sync:
		return v.Hash, true
	case Metadata:
		return v.Hash, true
	case ReceiveChunk:
		return v.Hash, true
	case ACK:
		return v.Hash, true
	case NAK:
		return v.Hash, true
	case ReqReceive:
		return v.Hash, true
	case SuccessTransmit:
		return v.Hash, true
	}
	return "", false
}

// IsRequest reports whether m opens a new operation.
func IsRequest(m Message) bool {
	switch m.(type) {
	case ReqReceive, ReqTransmit:
		return true
	}
	return false
}

// IsTerminal reports whether m ends a pumped message exchange.
func IsTerminal(m Message) bool {
	switch m.(type) {
	case ACK, SuccessReceive, SuccessTransmit:
		return true
	}
	return false
}

// Uint32 returns a pointer to v, for optional fields.
func Uint32(v uint32) *uint32 {
	return &v
}
