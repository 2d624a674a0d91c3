package transfer

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	ErrFileTooLarge      = errors.New("file too large")
	ErrOfferTooLarge     = errors.New("offer too large")
	ErrNoFiles           = errors.New("no files to send")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrRemoteClosed      = errors.New("remote closed")
	ErrRejected          = errors.New("transfer rejected")
	ErrCancelled         = errors.New("transfer cancelled")
	ErrOfferExpired      = errors.New("offer expired")
	ErrUnknownTransfer   = errors.New("unknown transfer")
)

const (
	DefaultMaxFileSize     = 100 * 1024 * 1024
	DefaultMaxTransferSize = 1024 * 1024 * 1024
	DefaultMaxOfferFiles   = 256
	DefaultRetryDelay      = 50 * time.Millisecond
	DefaultOfferTimeout    = 0
)

type Config struct {
	// ChunkSize is clamped to protocol.MaxChunkSize.
	ChunkSize   int
	MaxFileSize uint64
	// MaxTransferSize and MaxOfferFiles bound a whole offer, in either
	// direction.
	MaxTransferSize uint64
	MaxOfferFiles   int
	// OfferTimeout auto-rejects incoming offers left unanswered. Zero waits
	// forever.
	OfferTimeout time.Duration
	// RetryDelay bounds the wait after a backpressured send when no drain
	// signal arrives.
	RetryDelay time.Duration
	Logger     *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:       protocol.DefaultChunkSize,
		MaxFileSize:     DefaultMaxFileSize,
		MaxTransferSize: DefaultMaxTransferSize,
		MaxOfferFiles:   DefaultMaxOfferFiles,
		OfferTimeout:    DefaultOfferTimeout,
		RetryDelay:      DefaultRetryDelay,
	}
}

func (c Config) normalize() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = protocol.DefaultChunkSize
	}
	if c.ChunkSize > protocol.MaxChunkSize {
		c.ChunkSize = protocol.MaxChunkSize
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = DefaultMaxTransferSize
	}
	if c.MaxOfferFiles <= 0 {
		c.MaxOfferFiles = DefaultMaxOfferFiles
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logger.Discard())
	}
	return c
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

type Status int

const (
	StatusOffered Status = iota
	StatusAccepted
	StatusRejected
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOffered:
		return "offered"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusInProgress:
		return "in progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// File is one outgoing file. Size is checked against the size ceiling
// before anything is sent and must equal len(Data).
type File struct {
	Name     string
	MimeType string
	Size     uint64
	Data     []byte
}

func (f File) Descriptor() protocol.FileDescriptor {
	return protocol.FileDescriptor{Name: f.Name, Size: f.Size, MimeType: f.MimeType}
}

// Offer is an incoming transfer awaiting a decision.
type Offer struct {
	PeerID     string
	TransferID uint64
	Files      []protocol.FileDescriptor
}

func (o Offer) TotalSize() uint64 {
	return totalSize(o.Files)
}

type Progress struct {
	PeerID     string
	TransferID uint64
	Direction  Direction
	FileIndex  int
	// Bytes counts payload bytes moved so far across all files.
	Bytes uint64
	Total uint64
}

type ReceivedFile struct {
	Descriptor protocol.FileDescriptor
	Data       []byte
}

// Result is the terminal report of a transfer. Received is set only for
// completed incoming transfers.
type Result struct {
	PeerID     string
	TransferID uint64
	Direction  Direction
	Status     Status
	Files      []protocol.FileDescriptor
	Received   []ReceivedFile
	Err        error
}

// Events receives protocol notifications. Calls come from the channel's
// event goroutine or the outgoing worker and must not block.
type Events interface {
	OfferReceived(Offer)
	Progress(Progress)
	Finished(Result)
}

// Checksum is the FileDone digest: the first 16 bytes of SHA-256.
func Checksum(data []byte) [protocol.ChecksumSize]byte {
	sum := sha256.Sum256(data)
	var out [protocol.ChecksumSize]byte
	copy(out[:], sum[:protocol.ChecksumSize])
	return out
}

func totalSize(files []protocol.FileDescriptor) uint64 {
	var total uint64
	for _, f := range files {
		total += f.Size
	}
	return total
}
