package protocol

// Message is one envelope exchanged over a channel.
type Message interface {
	Type() MessageType
}

type FileDescriptor struct {
	MimeType string
	Name     string
	Size     uint64
}

type Offer struct {
	Files      []FileDescriptor
	TransferID uint64
}

func (Offer) Type() MessageType { return MsgOffer }

type Accept struct {
	TransferID uint64
}

func (Accept) Type() MessageType { return MsgAccept }

type Reject struct {
	TransferID uint64
}

func (Reject) Type() MessageType { return MsgReject }

type Chunk struct {
	FileIndex  uint32
	Payload    []byte
	Sequence   uint32
	TransferID uint64
}

func (Chunk) Type() MessageType { return MsgChunk }

type FileDone struct {
	Checksum   [ChecksumSize]byte
	FileIndex  uint32
	TransferID uint64
}

func (FileDone) Type() MessageType { return MsgFileDone }

type TransferDone struct {
	TransferID uint64
}

func (TransferDone) Type() MessageType { return MsgTransferDone }

// Cancel aborts a transfer from either side. Both peers number their
// outgoing transfers independently, so FromSender tells the receiver of the
// Cancel whose numbering TransferID uses: true when the peer that offered
// the transfer sent it.
type Cancel struct {
	FromSender bool
	Reason     string
	TransferID uint64
}

func (Cancel) Type() MessageType { return MsgCancel }
