package protocol

const (
	// ChecksumSize is the length of a FileDone checksum in bytes.
	ChecksumSize = 16

	DefaultChunkSize = 16 * 1024
	// MaxChunkSize leaves 1 KiB for the Chunk envelope inside a 64 KiB data
	// channel message.
	MaxChunkSize = 63 * 1024
)

// MessageType doubles as the envelope field number of each message.
type MessageType uint16

const (
	MsgOffer        MessageType = 0x0001
	MsgAccept       MessageType = 0x0002
	MsgReject       MessageType = 0x0003
	MsgChunk        MessageType = 0x0010
	MsgFileDone     MessageType = 0x0011
	MsgTransferDone MessageType = 0x0012
	MsgCancel       MessageType = 0x0020
)

func (t MessageType) String() string {
	switch t {
	case MsgOffer:
		return "OFFER"
	case MsgAccept:
		return "ACCEPT"
	case MsgReject:
		return "REJECT"
	case MsgChunk:
		return "CHUNK"
	case MsgFileDone:
		return "FILE_DONE"
	case MsgTransferDone:
		return "TRANSFER_DONE"
	case MsgCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}
