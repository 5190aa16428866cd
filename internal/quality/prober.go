package quality

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

// Prober sends PING on a fixed interval and feeds PONG round trips into a Monitor.
// A probe still outstanding at the next tick is recorded as lost.
type Prober struct {
	mon      *Monitor
	send     func(protocol.Message) bool
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	seq     uint64
	pending bool
	sentAt  time.Time
}

func NewProber(mon *Monitor, send func(protocol.Message) bool, clock clockwork.Clock, interval time.Duration) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{mon: mon, send: send, clock: clock, interval: interval}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	t := p.clock.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			p.Probe()
		}
	}
}

// Probe closes out the previous probe and sends the next one.
func (p *Prober) Probe() {
	now := p.clock.Now()
	p.mu.Lock()
	if p.pending {
		p.pending = false
		p.mu.Unlock()
		p.mon.Record(0, true, now)
		p.mu.Lock()
	}
	p.seq++
	seq := p.seq
	p.pending = true
	p.sentAt = now
	p.mu.Unlock()

	q := p.mon.Snapshot()
	p.send(protocol.MustNew(protocol.TypePing, protocol.Ping{
		Seq:        seq,
		SentAt:     now.UnixMilli(),
		RTT:        q.RTT,
		Jitter:     q.Jitter,
		PacketLoss: q.PacketLoss,
	}))
}

// HandlePong records the round trip if it matches the outstanding probe.
func (p *Prober) HandlePong(pong protocol.Pong) bool {
	now := p.clock.Now()
	p.mu.Lock()
	if !p.pending || pong.Seq != p.seq {
		p.mu.Unlock()
		return false
	}
	p.pending = false
	rtt := now.Sub(p.sentAt)
	p.mu.Unlock()
	p.mon.Record(rtt, false, now)
	return true
}
