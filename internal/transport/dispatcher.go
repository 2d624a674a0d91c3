package transport

import "sync"

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
	eventError
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// Dispatcher serializes channel events to a Handler. Producers (pion
// callbacks, the memory pipe) push events from any goroutine; a single
// goroutine started by Bind delivers them in order. Events pushed before
// Bind are queued. After the first terminal event (close or error) further
// pushes are dropped and the delivery goroutine exits.
type Dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	handler  Handler
	queue    []event
	terminal bool
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Bind attaches h and starts delivery. Only the first call has effect.
func (d *Dispatcher) Bind(h Handler) {
	d.mu.Lock()
	if d.handler != nil || h == nil {
		d.mu.Unlock()
		return
	}
	d.handler = h
	d.mu.Unlock()

	go d.run()
}

func (d *Dispatcher) Open() { d.push(event{kind: eventOpen}) }

func (d *Dispatcher) Message(data []byte) { d.push(event{kind: eventMessage, data: data}) }

func (d *Dispatcher) Closed() { d.push(event{kind: eventClose}) }

func (d *Dispatcher) Error(err error) { d.push(event{kind: eventError, err: err}) }

func (d *Dispatcher) push(ev event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminal {
		return
	}
	if ev.kind == eventClose || ev.kind == eventError {
		d.terminal = true
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			d.cond.Wait()
		}
		ev := d.queue[0]
		d.queue[0] = event{}
		d.queue = d.queue[1:]
		h := d.handler
		d.mu.Unlock()

		switch ev.kind {
		case eventOpen:
			h.OnOpen()
		case eventMessage:
			h.OnMessage(ev.data)
		case eventClose:
			h.OnClose()
			return
		case eventError:
			h.OnError(ev.err)
			return
		}
	}
}
