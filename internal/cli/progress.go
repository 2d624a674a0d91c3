package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/schollz/progressbar/v3"
)

type barKey struct {
	peerID    string
	id        uint64
	direction transfer.Direction
}

// progressBars draws one bar per running transfer.
type progressBars struct {
	out io.Writer

	mu   sync.Mutex
	bars map[barKey]*progressbar.ProgressBar
}

func newProgressBars(out io.Writer) *progressBars {
	return &progressBars{out: out, bars: make(map[barKey]*progressbar.ProgressBar)}
}

func (p *progressBars) update(pr transfer.Progress) {
	key := barKey{pr.PeerID, pr.TransferID, pr.Direction}

	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[key]
	if !ok {
		verb := "Sending to"
		if pr.Direction == transfer.Incoming {
			verb = "Receiving from"
		}
		bar = progressbar.NewOptions64(int64(pr.Total),
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", verb, pr.PeerID)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
		)
		p.bars[key] = bar
	}
	_ = bar.Set64(int64(pr.Bytes))
}

func (p *progressBars) finish(res transfer.Result) {
	key := barKey{res.PeerID, res.TransferID, res.Direction}

	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[key]
	if !ok {
		return
	}
	delete(p.bars, key)
	if res.Status == transfer.StatusCompleted {
		_ = bar.Finish()
		return
	}
	_ = bar.Exit()
}
