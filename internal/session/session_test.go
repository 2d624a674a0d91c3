package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/registry"
	"github.com/rudransh-shrivastava/peer-drop/internal/rendezvous"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = logrus.NewEntry(logger.Discard())
	return cfg
}

// tap records inbound channels before handing them to the coordinator.
type tap struct {
	*rendezvous.Endpoint
	inbound chan transport.Channel
}

func (t *tap) OnInboundChannel(fn func(transport.Channel)) {
	t.Endpoint.OnInboundChannel(func(ch transport.Channel) {
		select {
		case t.inbound <- ch:
		default:
		}
		fn(ch)
	})
}

func startPair(t *testing.T, hub *rendezvous.Hub, cfg Config) (a, b *Coordinator, bTap *tap) {
	t.Helper()
	ctx := context.Background()

	a = New(hub.Endpoint("A1B2"), cfg)
	bTap = &tap{Endpoint: hub.Endpoint("C3D4"), inbound: make(chan transport.Channel, 4)}
	b = New(bTap, cfg)

	id, err := a.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, "A1B2", id)
	id, err = b.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, "C3D4", id)

	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b, bTap
}

// autoAccept accepts every offer c receives and reports finished incoming
// transfers.
func autoAccept(t *testing.T, c *Coordinator) <-chan transfer.Result {
	results := make(chan transfer.Result, 4)
	cancel := c.Subscribe(ObserverFuncs{
		OnOfferReceived: func(o transfer.Offer) {
			assert.NoError(t, c.AcceptOffer(o.PeerID, o.TransferID))
		},
		OnTransferFinished: func(r transfer.Result) {
			if r.Direction == transfer.Incoming {
				results <- r
			}
		},
	})
	t.Cleanup(cancel)
	return results
}

func waitResult(t *testing.T, ch <-chan transfer.Result) transfer.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for transfer result")
		return transfer.Result{}
	}
}

func TestSessionSendFiles(t *testing.T) {
	a, b, _ := startPair(t, rendezvous.NewHub(), testConfig())
	received := autoAccept(t, b)

	require.NoError(t, a.Connect(context.Background(), "C3D4"))
	assert.Equal(t, []string{"C3D4"}, a.Peers())
	assert.Equal(t, transport.StateOpen, a.PeerState("C3D4"))
	assert.Eventually(t, func() bool {
		return b.PeerState("A1B2") == transport.StateOpen
	}, waitFor, 10*time.Millisecond)

	data := []byte("hello world")
	res, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{
		Name:     "hello.txt",
		MimeType: "text/plain",
		Size:     uint64(len(data)),
		Data:     data,
	}})
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, res.Status)
	assert.Equal(t, transfer.Outgoing, res.Direction)

	in := waitResult(t, received)
	require.Equal(t, transfer.StatusCompleted, in.Status)
	assert.Equal(t, transfer.Incoming, in.Direction)
	assert.Equal(t, "A1B2", in.PeerID)
	assert.Equal(t, res.TransferID, in.TransferID)
	require.Len(t, in.Received, 1)
	assert.Equal(t, "hello.txt", in.Received[0].Descriptor.Name)
	assert.Equal(t, data, in.Received[0].Data)
}

func TestSessionBothDirections(t *testing.T) {
	a, b, _ := startPair(t, rendezvous.NewHub(), testConfig())
	atB := autoAccept(t, b)
	atA := autoAccept(t, a)

	require.NoError(t, a.Connect(context.Background(), "C3D4"))
	assert.Eventually(t, func() bool {
		return b.PeerState("A1B2") == transport.StateOpen
	}, waitFor, 10*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{Name: "a", Size: 3, Data: []byte("abc")}})
		assert.NoError(t, err)
		assert.Equal(t, transfer.StatusCompleted, res.Status)
	}()
	go func() {
		defer wg.Done()
		res, err := b.SendFiles(context.Background(), "A1B2", []transfer.File{{Name: "b", Size: 3, Data: []byte("xyz")}})
		assert.NoError(t, err)
		assert.Equal(t, transfer.StatusCompleted, res.Status)
	}()
	wg.Wait()

	assert.Equal(t, []byte("abc"), waitResult(t, atB).Received[0].Data)
	assert.Equal(t, []byte("xyz"), waitResult(t, atA).Received[0].Data)
}

func TestSessionRejectOffer(t *testing.T) {
	a, b, _ := startPair(t, rendezvous.NewHub(), testConfig())
	b.Subscribe(ObserverFuncs{
		OnOfferReceived: func(o transfer.Offer) {
			assert.NoError(t, b.RejectOffer(o.PeerID, o.TransferID))
		},
	})

	require.NoError(t, a.Connect(context.Background(), "C3D4"))
	assert.Eventually(t, func() bool {
		return b.PeerState("A1B2") == transport.StateOpen
	}, waitFor, 10*time.Millisecond)

	res, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{Name: "a", Size: 1, Data: []byte("a")}})
	require.ErrorIs(t, err, transfer.ErrRejected)
	assert.Equal(t, transfer.StatusRejected, res.Status)
}

func TestStartFailure(t *testing.T) {
	hub := rendezvous.NewHub()
	_, err := hub.Endpoint("A1B2").AllocateID(context.Background())
	require.NoError(t, err)

	c := New(hub.Endpoint("A1B2"), testConfig())
	_, err = c.Start(context.Background())
	require.ErrorIs(t, err, ErrSessionStart)
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.ID())
}

func TestStartIsIdempotent(t *testing.T) {
	c := New(rendezvous.NewHub().Endpoint("A1B2"), testConfig())
	id, err := c.Start(context.Background())
	require.NoError(t, err)

	again, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, StateActive, c.State())
	c.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	hub := rendezvous.NewHub()
	a, b, _ := startPair(t, hub, testConfig())
	require.NoError(t, a.Connect(context.Background(), "C3D4"))

	a.Stop()
	a.Stop()
	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, a.Peers())
	assert.Eventually(t, func() bool {
		return len(b.Peers()) == 0
	}, waitFor, 10*time.Millisecond)

	// The ID is released and can be claimed again.
	id, err := a.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1B2", id)
}

func TestConnectErrors(t *testing.T) {
	hub := rendezvous.NewHub()
	idle := New(hub.Endpoint("E5F6"), testConfig())
	assert.ErrorIs(t, idle.Connect(context.Background(), "C3D4"), ErrNotStarted)

	a, _, _ := startPair(t, hub, testConfig())
	assert.ErrorIs(t, a.Connect(context.Background(), "A1B2"), ErrSelfConnect)

	err := a.Connect(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrConnectRefused)
	assert.ErrorIs(t, err, rendezvous.ErrPeerNotFound)

	require.NoError(t, a.Connect(context.Background(), "C3D4"))
	assert.ErrorIs(t, a.Connect(context.Background(), "C3D4"), registry.ErrDuplicateConnection)
}

func TestConnectTimeout(t *testing.T) {
	hub := rendezvous.NewHub()
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond

	held := hub.Endpoint("A1B2")
	held.Hold()
	a := New(held, cfg)
	b := New(hub.Endpoint("C3D4"), cfg)
	_, err := a.Start(context.Background())
	require.NoError(t, err)
	_, err = b.Start(context.Background())
	require.NoError(t, err)
	defer a.Stop()
	defer b.Stop()

	err = a.Connect(context.Background(), "C3D4")
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Empty(t, a.Peers())
	assert.Eventually(t, func() bool {
		return len(b.Peers()) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestNotConnected(t *testing.T) {
	a, _, _ := startPair(t, rendezvous.NewHub(), testConfig())

	_, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{Name: "a", Size: 1, Data: []byte("a")}})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, a.AcceptOffer("C3D4", 1), ErrNotConnected)
	assert.ErrorIs(t, a.RejectOffer("C3D4", 1), ErrNotConnected)
	assert.Equal(t, transport.StateClosed, a.PeerState("C3D4"))
}

func TestPeersChanged(t *testing.T) {
	a, b, _ := startPair(t, rendezvous.NewHub(), testConfig())

	var mu sync.Mutex
	var seen [][]string
	b.Subscribe(ObserverFuncs{
		OnPeersChanged: func(peers []string) {
			mu.Lock()
			seen = append(seen, peers)
			mu.Unlock()
		},
	})

	require.NoError(t, a.Connect(context.Background(), "C3D4"))
	assert.Eventually(t, func() bool {
		return b.PeerState("A1B2") == transport.StateOpen
	}, waitFor, 10*time.Millisecond)

	a.Disconnect("C3D4")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A1B2"}, seen[0])
	assert.Empty(t, seen[1])
}

func TestRemoteClosedMidTransfer(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.ChunkSize = 4
	a, b, bTap := startPair(t, rendezvous.NewHub(), cfg)
	autoAccept(t, b)

	require.NoError(t, a.Connect(context.Background(), "C3D4"))
	var inbound transport.Channel
	select {
	case inbound = <-bTap.inbound:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for inbound channel")
	}
	assert.Eventually(t, func() bool {
		return b.PeerState("A1B2") == transport.StateOpen
	}, waitFor, 10*time.Millisecond)

	var once sync.Once
	a.Subscribe(ObserverFuncs{
		OnTransferProgress: func(transfer.Progress) {
			once.Do(func() { _ = inbound.Close() })
		},
	})

	data := []byte("0123456789abcdef")
	res, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{Name: "big", Size: uint64(len(data)), Data: data}})
	require.True(t, errors.Is(err, transfer.ErrRemoteClosed), "got %v", err)
	assert.Equal(t, transfer.StatusFailed, res.Status)

	assert.Eventually(t, func() bool {
		return len(a.Peers()) == 0
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, transport.StateClosed, a.PeerState("C3D4"))
}

func TestStopCancelsTransfers(t *testing.T) {
	a, b, _ := startPair(t, rendezvous.NewHub(), testConfig())
	offers := make(chan transfer.Offer, 1)
	results := make(chan transfer.Result, 1)
	b.Subscribe(ObserverFuncs{
		OnOfferReceived: func(o transfer.Offer) { offers <- o },
		OnTransferFinished: func(r transfer.Result) {
			results <- r
		},
	})

	require.NoError(t, a.Connect(context.Background(), "C3D4"))

	done := make(chan error, 1)
	go func() {
		_, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{Name: "a", Size: 1, Data: []byte("a")}})
		done <- err
	}()

	select {
	case <-offers:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for offer")
	}

	a.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transfer.ErrCancelled)
	case <-time.After(waitFor):
		t.Fatal("SendFiles did not return after Stop")
	}

	res := waitResult(t, results)
	assert.Equal(t, transfer.StatusFailed, res.Status)
	assert.Equal(t, transfer.Incoming, res.Direction)
}

func TestDisconnect(t *testing.T) {
	a, b, _ := startPair(t, rendezvous.NewHub(), testConfig())
	offers := make(chan transfer.Offer, 1)
	results := make(chan transfer.Result, 1)
	b.Subscribe(ObserverFuncs{
		OnOfferReceived:    func(o transfer.Offer) { offers <- o },
		OnTransferFinished: func(r transfer.Result) { results <- r },
	})

	require.NoError(t, a.Connect(context.Background(), "C3D4"))

	done := make(chan error, 1)
	go func() {
		_, err := a.SendFiles(context.Background(), "C3D4", []transfer.File{{Name: "a", Size: 1, Data: []byte("a")}})
		done <- err
	}()

	select {
	case <-offers:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for offer")
	}

	a.Disconnect("C3D4")
	assert.Empty(t, a.Peers())
	assert.Equal(t, transport.StateClosed, a.PeerState("C3D4"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transfer.ErrCancelled)
	case <-time.After(waitFor):
		t.Fatal("SendFiles did not return after Disconnect")
	}

	res := waitResult(t, results)
	assert.Equal(t, transfer.StatusFailed, res.Status)
	assert.Eventually(t, func() bool {
		return len(b.Peers()) == 0
	}, waitFor, 10*time.Millisecond)

	// Unknown peers are ignored.
	a.Disconnect("ghost")
	assert.Equal(t, StateActive, a.State())
}
