package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode marks a datagram that is not a valid message envelope.
var ErrDecode = errors.New("decode error")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 17,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// envelope is the on-wire form: [kind, [fields...]].
type envelope struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	Body cbor.RawMessage
}

// Encode serializes m into one datagram payload.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	out, err := encMode.Marshal(envelope{Kind: m.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.Kind(), err)
	}
	return out, nil
}

// MustEncode is Encode for messages known to be valid.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one datagram payload. Any malformed input yields an error
// wrapping ErrDecode.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrDecode)
	}
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}

	var (
		m   Message
		err error
	)
	switch env.Kind {
	case KindSync:
		m, err = decodeBody[Sync](env.Body)
	case KindMetadata:
		m, err = decodeBody[Metadata](env.Body)
	case KindReceiveChunk:
		m, err = decodeBody[ReceiveChunk](env.Body)
	case KindACK:
		m, err = decodeBody[ACK](env.Body)
	case KindNAK:
		m, err = decodeBody[NAK](env.Body)
	case KindReqReceive:
		m, err = decodeBody[ReqReceive](env.Body)
	case KindReqTransmit:
		m, err = decodeBody[ReqTransmit](env.Body)
	case KindSuccessReceive:
		m, err = decodeBody[SuccessReceive](env.Body)
	case KindSuccessTransmit:
		m, err = decodeBody[SuccessTransmit](env.Body)
	case KindFailure:
		m, err = decodeBody[Failure](env.Body)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrDecode, uint8(env.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrDecode, env.Kind, err)
	}
	if err := validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}

func decodeBody[T Message](body cbor.RawMessage) (Message, error) {
	var v T
	if err := decMode.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func validate(m Message) error {
	switch v := m.(type) {
	case ReceiveChunk:
		if len(v.Data) > MaxChunkSize {
			return fmt.Errorf("chunk %d of %s is %d bytes, max %d", v.Index, v.Hash, len(v.Data), MaxChunkSize)
		}
	case NAK:
		for _, r := range v.Missing {
			if r.Last < r.First {
				return fmt.Errorf("nak for %s has inverted range %s", v.Hash, r)
			}
		}
	}
	return nil
}
