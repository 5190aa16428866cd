// Package quality turns round-trip probes into a smoothed connection health score.
package quality

import (
	"math"
	"sync"
	"time"
)

const (
	jitterAlpha  = 0.3
	lossWindow   = 20
	scoreBand    = 5
	rttBandMilli = 10.0
)

// Snapshot is ConnectionQuality. HealthScore is always Score(RTT, Jitter, PacketLoss).
type Snapshot struct {
	RTT         float64   `json:"rtt"`
	Jitter      float64   `json:"jitter"`
	PacketLoss  float64   `json:"packetLoss"`
	LastPing    time.Time `json:"lastPing"`
	HealthScore int       `json:"healthScore"`
}

// Score derives the 0..100 health score from rtt and jitter (ms) and loss (percent).
func Score(rtt, jitter, loss float64) int {
	s := math.Round(100 - rtt/5 - jitter*2 - loss)
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return int(s)
}

// Monitor accumulates samples. Safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	cur       Snapshot
	samples   int
	probes    int
	published *Snapshot
	listeners []func(Snapshot)
}

func NewMonitor() *Monitor {
	return &Monitor{cur: Snapshot{HealthScore: 100}}
}

// OnChange registers a listener called outside the lock when the hysteresis band is crossed.
func (m *Monitor) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Record adds one probe result. A lost probe only updates packet loss.
func (m *Monitor) Record(rtt time.Duration, lost bool, at time.Time) Snapshot {
	m.mu.Lock()
	ms := float64(rtt) / float64(time.Millisecond)
	if !lost {
		switch m.samples {
		case 0:
			m.cur.Jitter = 0
		case 1:
			m.cur.Jitter = math.Abs(ms - m.cur.RTT)
		default:
			m.cur.Jitter = m.cur.Jitter*(1-jitterAlpha) + math.Abs(ms-m.cur.RTT)*jitterAlpha
		}
		m.cur.RTT = ms
		m.cur.LastPing = at
		m.samples++
	}
	n := float64(min(m.probes, lossWindow))
	hit := 0.0
	if lost {
		hit = 100
	}
	m.cur.PacketLoss = (m.cur.PacketLoss*n + hit) / (n + 1)
	m.probes++
	m.cur.HealthScore = Score(m.cur.RTT, m.cur.Jitter, m.cur.PacketLoss)
	snap := m.cur
	notify := m.crossedBand(snap)
	var ls []func(Snapshot)
	if notify {
		p := snap
		m.published = &p
		ls = append(ls, m.listeners...)
	}
	m.mu.Unlock()

	for _, fn := range ls {
		fn(snap)
	}
	return snap
}

func (m *Monitor) crossedBand(s Snapshot) bool {
	if m.published == nil {
		return true
	}
	ds := s.HealthScore - m.published.HealthScore
	if ds > scoreBand || ds < -scoreBand {
		return true
	}
	return math.Abs(s.RTT-m.published.RTT) > rttBandMilli
}

// Apply replaces the raw metrics with a remote report and recomputes the score.
// Used by the host, which never trusts a score coming off the wire.
func (m *Monitor) Apply(rtt, jitter, loss float64, at time.Time) Snapshot {
	m.mu.Lock()
	m.cur.RTT = math.Max(rtt, 0)
	m.cur.Jitter = math.Max(jitter, 0)
	m.cur.PacketLoss = math.Min(math.Max(loss, 0), 100)
	m.cur.LastPing = at
	m.cur.HealthScore = Score(m.cur.RTT, m.cur.Jitter, m.cur.PacketLoss)
	if m.samples == 0 {
		m.samples = 1
	}
	snap := m.cur
	var ls []func(Snapshot)
	if m.crossedBand(snap) {
		p := snap
		m.published = &p
		ls = append(ls, m.listeners...)
	}
	m.mu.Unlock()
	for _, fn := range ls {
		fn(snap)
	}
	return snap
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Reset starts over; only used on a fresh connect.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.cur = Snapshot{HealthScore: 100}
	m.samples, m.probes = 0, 0
	m.published = nil
	m.mu.Unlock()
}
