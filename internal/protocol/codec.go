package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire format is protobuf; see envelope.proto. Messages are small and
// fixed, so they are encoded field by field with protowire instead of
// generated code.

var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Field numbers inside each message body.
const (
	fieldTransferID protowire.Number = 1

	fieldOfferFiles protowire.Number = 2

	fieldFileName     protowire.Number = 1
	fieldFileSize     protowire.Number = 2
	fieldFileMimeType protowire.Number = 3

	fieldChunkFileIndex protowire.Number = 2
	fieldChunkSequence  protowire.Number = 3
	fieldChunkPayload   protowire.Number = 4

	fieldFileDoneIndex    protowire.Number = 2
	fieldFileDoneChecksum protowire.Number = 3

	fieldCancelReason     protowire.Number = 2
	fieldCancelFromSender protowire.Number = 3
)

// Marshal encodes msg as an envelope. msg must be a pointer to one of the
// message types in this package.
func Marshal(msg Message) ([]byte, error) {
	var body []byte

	switch m := msg.(type) {
	case *Offer:
		body = appendVarint(body, fieldTransferID, m.TransferID)
		for _, f := range m.Files {
			body = protowire.AppendTag(body, fieldOfferFiles, protowire.BytesType)
			body = protowire.AppendBytes(body, marshalFileDescriptor(f))
		}
	case *Accept:
		body = appendVarint(body, fieldTransferID, m.TransferID)
	case *Reject:
		body = appendVarint(body, fieldTransferID, m.TransferID)
	case *Chunk:
		body = appendVarint(body, fieldTransferID, m.TransferID)
		body = appendVarint(body, fieldChunkFileIndex, uint64(m.FileIndex))
		body = appendVarint(body, fieldChunkSequence, uint64(m.Sequence))
		body = appendBytes(body, fieldChunkPayload, m.Payload)
	case *FileDone:
		body = appendVarint(body, fieldTransferID, m.TransferID)
		body = appendVarint(body, fieldFileDoneIndex, uint64(m.FileIndex))
		body = appendBytes(body, fieldFileDoneChecksum, m.Checksum[:])
	case *TransferDone:
		body = appendVarint(body, fieldTransferID, m.TransferID)
	case *Cancel:
		body = appendVarint(body, fieldTransferID, m.TransferID)
		body = appendString(body, fieldCancelReason, m.Reason)
		body = appendVarint(body, fieldCancelFromSender, protowire.EncodeBool(m.FromSender))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	out := make([]byte, 0, len(body)+8)
	out = protowire.AppendTag(out, protowire.Number(msg.Type()), protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

// Unmarshal decodes one envelope. Unknown fields inside a known message are
// skipped; an envelope carrying no known message fails with
// ErrUnknownMessage.
func Unmarshal(data []byte) (Message, error) {
	var msg Message

	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if msg != nil || typ != protowire.BytesType {
			return skip(num, typ, b)
		}

		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, wireError(n)
		}

		var err error
		switch MessageType(num) {
		case MsgOffer:
			msg, err = unmarshalOffer(body)
		case MsgAccept:
			var m Accept
			m.TransferID, err = unmarshalTransferID(body)
			msg = &m
		case MsgReject:
			var m Reject
			m.TransferID, err = unmarshalTransferID(body)
			msg = &m
		case MsgChunk:
			msg, err = unmarshalChunk(body)
		case MsgFileDone:
			msg, err = unmarshalFileDone(body)
		case MsgTransferDone:
			var m TransferDone
			m.TransferID, err = unmarshalTransferID(body)
			msg = &m
		case MsgCancel:
			msg, err = unmarshalCancel(body)
		}
		if err != nil {
			return 0, fmt.Errorf("decoding %s: %w", MessageType(num), err)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrUnknownMessage
	}
	return msg, nil
}

func marshalFileDescriptor(f FileDescriptor) []byte {
	var b []byte
	b = appendString(b, fieldFileName, f.Name)
	b = appendVarint(b, fieldFileSize, f.Size)
	b = appendString(b, fieldFileMimeType, f.MimeType)
	return b
}

func unmarshalOffer(body []byte) (*Offer, error) {
	m := &Offer{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTransferID:
			return consumeVarint(typ, b, &m.TransferID)
		case fieldOfferFiles:
			var raw []byte
			n, err := consumeBytes(typ, b, &raw)
			if err != nil {
				return 0, err
			}
			f, err := unmarshalFileDescriptor(raw)
			if err != nil {
				return 0, err
			}
			m.Files = append(m.Files, f)
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
	return m, err
}

func unmarshalFileDescriptor(body []byte) (FileDescriptor, error) {
	var f FileDescriptor
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldFileName:
			return consumeString(typ, b, &f.Name)
		case fieldFileSize:
			return consumeVarint(typ, b, &f.Size)
		case fieldFileMimeType:
			return consumeString(typ, b, &f.MimeType)
		default:
			return skip(num, typ, b)
		}
	})
	return f, err
}

func unmarshalTransferID(body []byte) (uint64, error) {
	var id uint64
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldTransferID {
			return consumeVarint(typ, b, &id)
		}
		return skip(num, typ, b)
	})
	return id, err
}

func unmarshalChunk(body []byte) (*Chunk, error) {
	m := &Chunk{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTransferID:
			return consumeVarint(typ, b, &m.TransferID)
		case fieldChunkFileIndex:
			return consumeUint32(typ, b, &m.FileIndex)
		case fieldChunkSequence:
			return consumeUint32(typ, b, &m.Sequence)
		case fieldChunkPayload:
			return consumeBytes(typ, b, &m.Payload)
		default:
			return skip(num, typ, b)
		}
	})
	return m, err
}

func unmarshalFileDone(body []byte) (*FileDone, error) {
	m := &FileDone{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTransferID:
			return consumeVarint(typ, b, &m.TransferID)
		case fieldFileDoneIndex:
			return consumeUint32(typ, b, &m.FileIndex)
		case fieldFileDoneChecksum:
			var sum []byte
			n, err := consumeBytes(typ, b, &sum)
			if err != nil {
				return 0, err
			}
			if len(sum) != ChecksumSize {
				return 0, fmt.Errorf("%w: checksum is %d bytes", ErrMalformed, len(sum))
			}
			copy(m.Checksum[:], sum)
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
	return m, err
}

func unmarshalCancel(body []byte) (*Cancel, error) {
	m := &Cancel{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTransferID:
			return consumeVarint(typ, b, &m.TransferID)
		case fieldCancelReason:
			return consumeString(typ, b, &m.Reason)
		case fieldCancelFromSender:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.FromSender = protowire.DecodeBool(v)
			return n, err
		default:
			return skip(num, typ, b)
		}
	})
	return m, err
}

// walk calls fn for every field in b. fn returns how many bytes of the
// field value it consumed.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, wireError(n)
	}
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: wire type %d, want varint", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, wireError(n)
	}
	*dst = v
	return n, nil
}

func consumeUint32(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d overflows uint32", ErrMalformed, v)
	}
	*dst = uint32(v)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: wire type %d, want bytes", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, wireError(n)
	}
	*dst = v
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func wireError(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}
