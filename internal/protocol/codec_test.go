package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecOffer(t *testing.T) {
	offer := &Offer{
		TransferID: 1,
		Files: []FileDescriptor{
			{Name: "a.txt", Size: 10, MimeType: "text/plain"},
			{Name: "image.png", Size: 2048, MimeType: "image/png"},
		},
	}

	data, err := Marshal(offer)
	if err != nil {
		t.Fatalf("Marshal Offer failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal Offer failed: %v", err)
	}

	got, ok := decoded.(*Offer)
	if !ok {
		t.Fatalf("Expected *Offer, got %T", decoded)
	}
	if got.TransferID != 1 {
		t.Errorf("Expected transfer id 1, got %d", got.TransferID)
	}
	if len(got.Files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(got.Files))
	}
	if got.Files[0] != offer.Files[0] || got.Files[1] != offer.Files[1] {
		t.Errorf("File descriptors mismatch: %+v", got.Files)
	}
}

func TestCodecChunk(t *testing.T) {
	payload := []byte("This is some chunk data for testing purposes.")
	data, err := Marshal(&Chunk{TransferID: 3, FileIndex: 2, Sequence: 41, Payload: payload})
	if err != nil {
		t.Fatalf("Marshal Chunk failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal Chunk failed: %v", err)
	}

	got, ok := decoded.(*Chunk)
	if !ok {
		t.Fatalf("Expected *Chunk, got %T", decoded)
	}
	if got.TransferID != 3 || got.FileIndex != 2 || got.Sequence != 41 {
		t.Errorf("Chunk header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("Chunk payload mismatch")
	}
}

func TestCodecZeroValues(t *testing.T) {
	data, err := Marshal(&Chunk{})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	got, ok := decoded.(*Chunk)
	if !ok {
		t.Fatalf("Expected *Chunk, got %T", decoded)
	}
	if got.TransferID != 0 || got.Sequence != 0 || len(got.Payload) != 0 {
		t.Errorf("Expected zero chunk, got %+v", got)
	}
}

func TestCodecFileDone(t *testing.T) {
	var sum [ChecksumSize]byte
	for i := range sum {
		sum[i] = byte(i + 1)
	}

	data, err := Marshal(&FileDone{TransferID: 9, FileIndex: 1, Checksum: sum})
	if err != nil {
		t.Fatalf("Marshal FileDone failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal FileDone failed: %v", err)
	}

	got, ok := decoded.(*FileDone)
	if !ok {
		t.Fatalf("Expected *FileDone, got %T", decoded)
	}
	if got.Checksum != sum {
		t.Errorf("Checksum mismatch: %x", got.Checksum)
	}
	if got.FileIndex != 1 || got.TransferID != 9 {
		t.Errorf("FileDone header mismatch: %+v", got)
	}
}

func TestCodecControlMessages(t *testing.T) {
	msgs := []Message{
		&Accept{TransferID: 5},
		&Reject{TransferID: 6},
		&TransferDone{TransferID: 7},
		&Cancel{TransferID: 8, Reason: "session stopped", FromSender: true},
	}

	for _, msg := range msgs {
		data, err := Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal %s failed: %v", msg.Type(), err)
		}
		decoded, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal %s failed: %v", msg.Type(), err)
		}
		if decoded.Type() != msg.Type() {
			t.Errorf("Expected %s, got %s", msg.Type(), decoded.Type())
		}
	}

	data, _ := Marshal(&Cancel{TransferID: 8, Reason: "checksum mismatch", FromSender: true})
	decoded, _ := Unmarshal(data)
	cancel := decoded.(*Cancel)
	if cancel.Reason != "checksum mismatch" || !cancel.FromSender || cancel.TransferID != 8 {
		t.Errorf("Cancel mismatch: %+v", cancel)
	}
}

func TestCodecRejectsBadChecksumLength(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, fieldFileDoneChecksum, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte{1, 2, 3})

	var data []byte
	data = protowire.AppendTag(data, protowire.Number(MsgFileDone), protowire.BytesType)
	data = protowire.AppendBytes(data, body)

	if _, err := Unmarshal(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestCodecRejectsTruncatedInput(t *testing.T) {
	data, err := Marshal(&Chunk{TransferID: 1, Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if _, err := Unmarshal(data[:len(data)-3]); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestCodecUnknownMessage(t *testing.T) {
	var data []byte
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendBytes(data, nil)

	if _, err := Unmarshal(data); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Expected ErrUnknownMessage, got %v", err)
	}

	if _, err := Unmarshal(nil); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Expected ErrUnknownMessage for empty input, got %v", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MsgFileDone.String() != "FILE_DONE" {
		t.Errorf("Expected FILE_DONE, got %s", MsgFileDone.String())
	}
	if MessageType(0xBEEF).String() != "UNKNOWN" {
		t.Errorf("Expected UNKNOWN")
	}
}

func TestCodecMaxChunkFitsMessage(t *testing.T) {
	data, err := Marshal(&Chunk{
		TransferID: math.MaxUint64,
		FileIndex:  math.MaxUint32,
		Sequence:   math.MaxUint32,
		Payload:    make([]byte, MaxChunkSize),
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(data) > transport.MaxMessageSize {
		t.Errorf("chunk envelope is %d bytes, limit %d", len(data), transport.MaxMessageSize)
	}
}
