package transfer

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

type incoming struct {
	id    uint64
	files []protocol.FileDescriptor
	total uint64
	timer *time.Timer

	// Guarded by Protocol.mu.
	status   Status
	nextSeq  []uint32
	data     [][]byte
	verified []bool
	received uint64
	finished bool
}

func (p *Protocol) handleOffer(m *protocol.Offer) {
	log := p.logger.WithField("transfer", m.TransferID)

	p.mu.Lock()
	_, live := p.incoming[m.TransferID]
	_, ended := p.ended[m.TransferID]
	if p.closed || live || ended {
		p.mu.Unlock()
		log.Warn("Ignoring duplicate offer")
		return
	}

	in := &incoming{
		id:     m.TransferID,
		files:  m.Files,
		total:  totalSize(m.Files),
		status: StatusOffered,
	}
	p.incoming[in.id] = in

	refusal := p.checkOffer(m.Files, in.total)
	if refusal != nil {
		in.status = StatusRejected
	} else if p.cfg.OfferTimeout > 0 {
		in.timer = time.AfterFunc(p.cfg.OfferTimeout, func() { p.expireOffer(in) })
	}
	p.mu.Unlock()

	if refusal != nil {
		log.Warnf("Rejecting offer: %v", refusal)
		p.rejectIncoming(in, refusal)
		return
	}

	log.Infof("Received offer of %d file(s), %d bytes", len(in.files), in.total)
	p.events.OfferReceived(Offer{PeerID: p.peerID, TransferID: in.id, Files: in.files})
}

// checkOffer returns why an incoming offer is refused without asking the
// consumer, or nil.
func (p *Protocol) checkOffer(files []protocol.FileDescriptor, total uint64) error {
	switch {
	case len(files) == 0:
		return fmt.Errorf("%w: offer without files", ErrProtocolViolation)
	case len(files) > p.cfg.MaxOfferFiles:
		return fmt.Errorf("%w: %d files, limit %d", ErrOfferTooLarge, len(files), p.cfg.MaxOfferFiles)
	case total > p.cfg.MaxTransferSize:
		return fmt.Errorf("%w: %d bytes, limit %d", ErrOfferTooLarge, total, p.cfg.MaxTransferSize)
	}
	for _, f := range files {
		if f.Size > p.cfg.MaxFileSize {
			return fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, f.Name, f.Size)
		}
	}
	return nil
}

// Accept accepts a pending incoming offer.
func (p *Protocol) Accept(transferID uint64) error {
	p.mu.Lock()
	in, ok := p.incoming[transferID]
	if !ok || in.status != StatusOffered {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTransfer, transferID)
	}
	in.status = StatusAccepted
	in.nextSeq = make([]uint32, len(in.files))
	// Buffers grow with the chunks that actually arrive.
	in.data = make([][]byte, len(in.files))
	in.verified = make([]bool, len(in.files))
	if in.timer != nil {
		in.timer.Stop()
	}
	p.mu.Unlock()

	if err := p.send(&protocol.Accept{TransferID: transferID}, nil); err != nil {
		if err == errAborted {
			err = ErrCancelled
		}
		p.finishIncoming(in, StatusFailed, err, nil)
		return err
	}
	p.logger.WithField("transfer", transferID).Info("Accepted offer")
	return nil
}

// Reject declines a pending incoming offer.
func (p *Protocol) Reject(transferID uint64) error {
	p.mu.Lock()
	in, ok := p.incoming[transferID]
	if !ok || in.status != StatusOffered {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTransfer, transferID)
	}
	in.status = StatusRejected
	p.mu.Unlock()

	p.rejectIncoming(in, ErrRejected)
	return nil
}

func (p *Protocol) expireOffer(in *incoming) {
	p.mu.Lock()
	pending := in.status == StatusOffered && !in.finished
	if pending {
		in.status = StatusRejected
	}
	p.mu.Unlock()
	if !pending {
		return
	}
	p.logger.WithField("transfer", in.id).Info("Offer expired, rejecting")
	p.rejectIncoming(in, ErrOfferExpired)
}

func (p *Protocol) rejectIncoming(in *incoming, err error) {
	if !p.finishIncoming(in, StatusRejected, err, nil) {
		return
	}
	if err := p.send(&protocol.Reject{TransferID: in.id}, nil); err != nil {
		p.logger.WithField("transfer", in.id).Debugf("Failed to send reject: %v", err)
	}
}

// accepted returns the incoming transfer id names if it is receiving data.
// Messages for unknown or ended transfers yield nil; for a transfer not yet
// accepted they fail it.
func (p *Protocol) accepted(id uint64, kind protocol.MessageType) *incoming {
	p.mu.Lock()
	in, ok := p.incoming[id]
	_, ended := p.ended[id]
	var status Status
	if ok {
		status = in.status
	}
	p.mu.Unlock()

	switch {
	case ended:
		return nil
	case !ok:
		p.logger.WithField("transfer", id).Warnf("Dropping %s for unknown transfer", kind)
		return nil
	case status == StatusRejected:
		return nil
	case status == StatusOffered:
		p.violate(in, "%s before accept", kind)
		return nil
	}
	return in
}

func (p *Protocol) handleChunk(m *protocol.Chunk) {
	in := p.accepted(m.TransferID, m.Type())
	if in == nil {
		return
	}

	p.mu.Lock()
	i := int(m.FileIndex)
	switch {
	case in.finished:
		p.mu.Unlock()
		return
	case i >= len(in.files):
		p.mu.Unlock()
		p.violate(in, "chunk for file %d of %d", m.FileIndex, len(in.files))
		return
	case in.verified[i]:
		p.mu.Unlock()
		p.violate(in, "chunk for finished file %d", i)
		return
	case m.Sequence != in.nextSeq[i]:
		want := in.nextSeq[i]
		p.mu.Unlock()
		p.violate(in, "file %d: sequence %d, want %d", i, m.Sequence, want)
		return
	case uint64(len(in.data[i])+len(m.Payload)) > in.files[i].Size:
		p.mu.Unlock()
		p.violate(in, "file %d exceeds declared size %d", i, in.files[i].Size)
		return
	}
	in.nextSeq[i]++
	in.data[i] = append(in.data[i], m.Payload...)
	in.received += uint64(len(m.Payload))
	in.status = StatusInProgress
	progress := Progress{
		PeerID:     p.peerID,
		TransferID: in.id,
		Direction:  Incoming,
		FileIndex:  i,
		Bytes:      in.received,
		Total:      in.total,
	}
	p.mu.Unlock()

	p.events.Progress(progress)
}

func (p *Protocol) handleFileDone(m *protocol.FileDone) {
	in := p.accepted(m.TransferID, m.Type())
	if in == nil {
		return
	}

	p.mu.Lock()
	if in.finished {
		p.mu.Unlock()
		return
	}
	i := int(m.FileIndex)
	if i >= len(in.files) || in.verified[i] {
		p.mu.Unlock()
		p.violate(in, "unexpected file done for file %d", m.FileIndex)
		return
	}
	data := in.data[i]
	size := in.files[i].Size
	p.mu.Unlock()

	if uint64(len(data)) != size {
		p.violate(in, "file %d: received %d of %d bytes", i, len(data), size)
		return
	}
	if Checksum(data) != m.Checksum {
		p.fail(in, fmt.Errorf("%w: file %d (%s)", ErrChecksumMismatch, i, in.files[i].Name))
		return
	}

	p.mu.Lock()
	in.verified[i] = true
	in.status = StatusInProgress
	p.mu.Unlock()
	p.logger.WithField("transfer", in.id).Debugf("Verified file %d (%s)", i, in.files[i].Name)
}

func (p *Protocol) handleTransferDone(m *protocol.TransferDone) {
	in := p.accepted(m.TransferID, m.Type())
	if in == nil {
		return
	}

	p.mu.Lock()
	if in.finished {
		p.mu.Unlock()
		return
	}
	missing := -1
	for i, ok := range in.verified {
		if !ok {
			missing = i
			break
		}
	}
	var received []ReceivedFile
	if missing < 0 {
		received = make([]ReceivedFile, len(in.files))
		for i, f := range in.files {
			received[i] = ReceivedFile{Descriptor: f, Data: in.data[i]}
		}
	}
	p.mu.Unlock()

	if missing >= 0 {
		p.violate(in, "transfer done before file %d completed", missing)
		return
	}
	p.finishIncoming(in, StatusCompleted, nil, received)
}

func (p *Protocol) handleCancel(m *protocol.Cancel) {
	err := fmt.Errorf("%w by peer", ErrCancelled)
	if m.Reason != "" {
		err = fmt.Errorf("%w by peer: %s", ErrCancelled, m.Reason)
	}

	p.mu.Lock()
	if !m.FromSender {
		o := p.outgoing[m.TransferID]
		p.mu.Unlock()
		if o != nil {
			p.finishOutgoing(o, StatusFailed, err)
		}
		return
	}
	in := p.incoming[m.TransferID]
	p.mu.Unlock()
	if in != nil {
		p.finishIncoming(in, StatusFailed, err, nil)
	}
}

func (p *Protocol) violate(in *incoming, format string, args ...any) {
	p.fail(in, fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...)))
}

// fail ends an incoming transfer and tells the sender to stop.
func (p *Protocol) fail(in *incoming, err error) {
	if !p.finishIncoming(in, StatusFailed, err, nil) {
		return
	}
	p.sendOnce(&protocol.Cancel{TransferID: in.id, Reason: err.Error()})
}

// finishIncoming moves in to a terminal state once, drops its buffers and
// reports it. It returns false if in had already finished.
func (p *Protocol) finishIncoming(in *incoming, status Status, err error, received []ReceivedFile) bool {
	p.mu.Lock()
	if in.finished {
		p.mu.Unlock()
		return false
	}
	in.finished = true
	in.status = status
	in.data = nil
	if in.timer != nil {
		in.timer.Stop()
	}
	delete(p.incoming, in.id)
	p.ended[in.id] = struct{}{}
	p.mu.Unlock()

	log := p.logger.WithField("transfer", in.id)
	if err != nil {
		log.Warnf("Incoming transfer %s: %v", status, err)
	} else {
		log.Infof("Incoming transfer %s", status)
	}

	p.events.Finished(Result{
		PeerID:     p.peerID,
		TransferID: in.id,
		Direction:  Incoming,
		Status:     status,
		Files:      in.files,
		Received:   received,
		Err:        err,
	})
	return true
}
