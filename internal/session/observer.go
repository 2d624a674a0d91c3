package session

import "github.com/rudransh-shrivastava/peer-drop/internal/transfer"

// Observer receives coordinator events. Methods are called synchronously
// from connection goroutines and must return quickly.
type Observer interface {
	PeersChanged(peers []string)
	OfferReceived(offer transfer.Offer)
	TransferProgress(progress transfer.Progress)
	TransferFinished(result transfer.Result)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnPeersChanged     func(peers []string)
	OnOfferReceived    func(offer transfer.Offer)
	OnTransferProgress func(progress transfer.Progress)
	OnTransferFinished func(result transfer.Result)
}

func (f ObserverFuncs) PeersChanged(peers []string) {
	if f.OnPeersChanged != nil {
		f.OnPeersChanged(peers)
	}
}

func (f ObserverFuncs) OfferReceived(offer transfer.Offer) {
	if f.OnOfferReceived != nil {
		f.OnOfferReceived(offer)
	}
}

func (f ObserverFuncs) TransferProgress(progress transfer.Progress) {
	if f.OnTransferProgress != nil {
		f.OnTransferProgress(progress)
	}
}

func (f ObserverFuncs) TransferFinished(result transfer.Result) {
	if f.OnTransferFinished != nil {
		f.OnTransferFinished(result)
	}
}

var _ Observer = ObserverFuncs{}

// events forwards transfer.Protocol notifications to the observers.
type events struct {
	c *Coordinator
}

func (e events) OfferReceived(offer transfer.Offer) {
	e.c.notify(func(o Observer) { o.OfferReceived(offer) })
}

func (e events) Progress(progress transfer.Progress) {
	e.c.notify(func(o Observer) { o.TransferProgress(progress) })
}

func (e events) Finished(result transfer.Result) {
	e.c.notify(func(o Observer) { o.TransferFinished(result) })
}
