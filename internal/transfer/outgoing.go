package transfer

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

type outgoing struct {
	id    uint64
	files []File
	descs []protocol.FileDescriptor
	total uint64

	reply  chan protocol.Message
	abort  chan struct{}
	result chan Result

	// Guarded by Protocol.mu.
	status   Status
	offered  bool
	answered bool
	finished bool
}

// Send offers files to the remote peer and streams them once accepted. It
// blocks until the transfer reaches a terminal state and returns its
// result, with a non-nil error unless the transfer completed. Files over the
// size ceiling fail with ErrFileTooLarge before anything is sent.
func (p *Protocol) Send(ctx context.Context, files []File) (Result, error) {
	if len(files) == 0 {
		return Result{}, ErrNoFiles
	}
	if len(files) > p.cfg.MaxOfferFiles {
		return Result{}, fmt.Errorf("%w: %d files, limit %d", ErrOfferTooLarge, len(files), p.cfg.MaxOfferFiles)
	}
	descs := make([]protocol.FileDescriptor, len(files))
	for i, f := range files {
		if f.Size > p.cfg.MaxFileSize {
			return Result{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, f.Name, f.Size, p.cfg.MaxFileSize)
		}
		if uint64(len(f.Data)) != f.Size {
			return Result{}, fmt.Errorf("%s declares %d bytes but has %d", f.Name, f.Size, len(f.Data))
		}
		descs[i] = f.Descriptor()
	}
	if total := totalSize(descs); total > p.cfg.MaxTransferSize {
		return Result{}, fmt.Errorf("%w: %d bytes, limit %d", ErrOfferTooLarge, total, p.cfg.MaxTransferSize)
	}

	o := &outgoing{
		files:  files,
		descs:  descs,
		total:  totalSize(descs),
		reply:  make(chan protocol.Message, 1),
		abort:  make(chan struct{}),
		result: make(chan Result, 1),
		status: StatusOffered,
	}

	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		return Result{}, err
	}
	p.nextID++
	o.id = p.nextID
	p.outgoing[o.id] = o
	p.queue = append(p.queue, o)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	p.logger.WithField("transfer", o.id).Debugf("Queued %d file(s), %d bytes", len(files), o.total)

	var res Result
	select {
	case res = <-o.result:
	case <-ctx.Done():
		p.cancelOutgoing(o, ctx.Err())
		res = <-o.result
	}
	return res, res.Err
}

func (p *Protocol) cancelOutgoing(o *outgoing, cause error) {
	err := fmt.Errorf("%w: %v", ErrCancelled, cause)
	if finished, offered := p.finishOutgoing(o, StatusFailed, err); finished && offered {
		p.sendOnce(&protocol.Cancel{TransferID: o.id, Reason: cause.Error(), FromSender: true})
	}
}

func (p *Protocol) run() {
	for {
		o := p.dequeue()
		if o == nil {
			return
		}
		p.runOutgoing(o)
	}
}

func (p *Protocol) dequeue() *outgoing {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		if len(p.queue) > 0 {
			o := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return o
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.done:
			return nil
		}
	}
}

func (p *Protocol) runOutgoing(o *outgoing) {
	log := p.logger.WithField("transfer", o.id)

	p.mu.Lock()
	if o.finished {
		p.mu.Unlock()
		return
	}
	o.offered = true
	p.mu.Unlock()

	if err := p.send(&protocol.Offer{TransferID: o.id, Files: o.descs}, o.abort); err != nil {
		p.failOutgoing(o, err)
		return
	}
	log.Infof("Offered %d file(s)", len(o.files))

	var reply protocol.Message
	select {
	case reply = <-o.reply:
	case <-o.abort:
		return
	}

	if _, ok := reply.(*protocol.Reject); ok {
		log.Info("Offer rejected")
		p.finishOutgoing(o, StatusRejected, ErrRejected)
		return
	}

	p.mu.Lock()
	o.status = StatusInProgress
	p.mu.Unlock()
	log.Info("Offer accepted, sending")

	var sent uint64
	for i, f := range o.files {
		var seq uint32
		for off := 0; off < len(f.Data); off += p.cfg.ChunkSize {
			select {
			case <-o.abort:
				return
			default:
			}

			end := min(off+p.cfg.ChunkSize, len(f.Data))
			chunk := &protocol.Chunk{
				TransferID: o.id,
				FileIndex:  uint32(i),
				Sequence:   seq,
				Payload:    f.Data[off:end],
			}
			if err := p.send(chunk, o.abort); err != nil {
				p.failOutgoing(o, err)
				return
			}
			seq++
			sent += uint64(end - off)
			p.events.Progress(Progress{
				PeerID:     p.peerID,
				TransferID: o.id,
				Direction:  Outgoing,
				FileIndex:  i,
				Bytes:      sent,
				Total:      o.total,
			})
		}

		done := &protocol.FileDone{TransferID: o.id, FileIndex: uint32(i), Checksum: Checksum(f.Data)}
		if err := p.send(done, o.abort); err != nil {
			p.failOutgoing(o, err)
			return
		}
		log.Debugf("Sent file %d (%s)", i, f.Name)
	}

	if err := p.send(&protocol.TransferDone{TransferID: o.id}, o.abort); err != nil {
		p.failOutgoing(o, err)
		return
	}
	p.finishOutgoing(o, StatusCompleted, nil)
}

// failOutgoing reports a send failure. errAborted means someone else already
// finished the transfer.
func (p *Protocol) failOutgoing(o *outgoing, err error) {
	if err == errAborted {
		return
	}
	p.finishOutgoing(o, StatusFailed, err)
}

// handleReply routes Accept or Reject to the outgoing transfer waiting for
// it.
func (p *Protocol) handleReply(id uint64, msg protocol.Message) {
	p.mu.Lock()
	o, ok := p.outgoing[id]
	if !ok || !o.offered || o.answered {
		p.mu.Unlock()
		p.logger.WithField("transfer", id).Warnf("Ignoring unexpected %s", msg.Type())
		return
	}
	o.answered = true
	if _, accepted := msg.(*protocol.Accept); accepted {
		o.status = StatusAccepted
	}
	p.mu.Unlock()

	o.reply <- msg
}

// finishOutgoing moves o to a terminal state once and reports it. finished
// is false if o had already finished; offered tells whether the remote has
// seen the Offer and so needs a Cancel.
func (p *Protocol) finishOutgoing(o *outgoing, status Status, err error) (finished, offered bool) {
	p.mu.Lock()
	if o.finished {
		p.mu.Unlock()
		return false, false
	}
	o.finished = true
	o.status = status
	offered = o.offered
	delete(p.outgoing, o.id)
	p.mu.Unlock()

	res := Result{
		PeerID:     p.peerID,
		TransferID: o.id,
		Direction:  Outgoing,
		Status:     status,
		Files:      o.descs,
		Err:        err,
	}
	close(o.abort)
	o.result <- res

	log := p.logger.WithField("transfer", o.id)
	if err != nil {
		log.Warnf("Outgoing transfer %s: %v", status, err)
	} else {
		log.Infof("Outgoing transfer %s", status)
	}
	p.events.Finished(res)
	return true, offered
}
