package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

type ListenerOptions struct {
	SignalURL string
	HostID    string
	HostName  string
	// Candidates are direct URLs advertised in ANSWER (without the peer query).
	Candidates []string
	// STUNServer enables a trickled public candidate when set.
	STUNServer string
	ListenAddr string
	DirectPath string
	// OriginPatterns is passed to websocket.Accept for the direct endpoint.
	OriginPatterns []string
	// MaxReconnectDelay caps the signalling reconnect backoff.
	MaxReconnectDelay time.Duration
	Clock             clockwork.Clock
}

// Listener is the host's inbound side: it keeps a signalling registration alive,
// accepts direct WebSocket links on ServeHTTP and yields one Bundle per remote peer.
type Listener struct {
	opts   ListenerOptions
	accept chan Channel
	clock  clockwork.Clock
	log    *zap.Logger

	mu      sync.Mutex
	sig     *SignalConn
	bundles map[string]*Bundle
	relays  map[string]*relayChannel
}

func NewListener(opts ListenerOptions) *Listener {
	if opts.DirectPath == "" {
		opts.DirectPath = "/direct"
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Listener{
		opts:    opts,
		accept:  make(chan Channel, 16),
		clock:   opts.Clock,
		log:     obslog.Named("listener").With(zap.String("host", opts.HostID)),
		bundles: make(map[string]*Bundle),
		relays:  make(map[string]*relayChannel),
	}
}

// Accept yields each newly seen remote peer.
func (l *Listener) Accept() <-chan Channel { return l.accept }

// Run keeps the signalling registration alive until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		sig, err := DialSignal(ctx, l.opts.SignalURL, protocol.SignalRegisterHost,
			protocol.Register{PeerID: l.opts.HostID, Name: l.opts.HostName}, l.handleFrame)
		if err != nil {
			attempt++
			wait := reconnectDelay(attempt, l.opts.MaxReconnectDelay)
			l.log.Warn("signal_connect_failed", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.clock.After(wait):
			}
			continue
		}
		attempt = 0
		l.mu.Lock()
		l.sig = sig
		l.mu.Unlock()
		l.log.Info("signal_registered")
		l.restoreRelays(sig)

		select {
		case <-ctx.Done():
			_ = sig.Close()
			l.dropRelays()
			return ctx.Err()
		case <-sig.Done():
			l.log.Warn("signal_lost")
			l.dropRelays()
		}
	}
}

// reconnectDelay is 500ms doubling per attempt, capped.
func reconnectDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	d := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if d > max {
		return max
	}
	return d
}

// restoreRelays gives every live bundle a relay link on the new registration,
// so a later direct drop still has a fallback.
func (l *Listener) restoreRelays(sig *SignalConn) {
	l.mu.Lock()
	peers := make([]string, 0, len(l.bundles))
	for peer, b := range l.bundles {
		if b.IsOpen() && !b.HasPath(PathRelay) {
			peers = append(peers, peer)
		}
	}
	l.mu.Unlock()
	for _, peer := range peers {
		l.relayFor(sig, peer)
	}
	if len(peers) > 0 {
		l.log.Info("relay_links_restored", zap.Int("peers", len(peers)))
	}
}

func (l *Listener) dropRelays() {
	l.mu.Lock()
	relays := l.relays
	l.relays = make(map[string]*relayChannel)
	l.sig = nil
	l.mu.Unlock()
	for _, r := range relays {
		_ = r.Close()
	}
}

func (l *Listener) handleFrame(sig *SignalConn, f protocol.Frame) {
	switch f.Type {
	case protocol.SignalRelay:
		if f.From == "" {
			return
		}
		l.relayFor(sig, f.From).deliver(f.Payload)
	case protocol.SignalOffer:
		if f.From == "" {
			return
		}
		// The relay link exists before any direct link so it can carry on
		// if direct drops later.
		l.relayFor(sig, f.From)
		l.answer(sig, f.From)
	case protocol.SignalClientDisconnected:
		var gone protocol.PeerGone
		_ = json.Unmarshal(f.Payload, &gone)
		peer := gone.PeerID
		if peer == "" {
			peer = f.From
		}
		l.closeRelay(peer)
	case protocol.SignalError:
		var e protocol.ErrorPayload
		if json.Unmarshal(f.Payload, &e) == nil && e.Code == protocol.CodePeerNotFound && e.Ref != "" {
			// The peer left the switch; its relay link is dead.
			l.closeRelay(e.Ref)
			return
		}
		l.log.Warn("signal_error", zap.ByteString("payload", f.Payload))
	default:
		l.log.Debug("signal_frame_ignored", zap.String("type", string(f.Type)))
	}
}

func (l *Listener) closeRelay(peer string) {
	l.mu.Lock()
	r := l.relays[peer]
	delete(l.relays, peer)
	l.mu.Unlock()
	if r != nil {
		_ = r.Close()
	}
}

func (l *Listener) relayFor(sig *SignalConn, peer string) *relayChannel {
	l.mu.Lock()
	if r, ok := l.relays[peer]; ok && r.lc.IsOpen() {
		l.mu.Unlock()
		return r
	}
	r := newRelayChannel(sig, l.opts.HostID, peer)
	l.relays[peer] = r
	l.mu.Unlock()
	l.attach(peer, r)
	return r
}

// attach adds ch to the peer's bundle, creating and announcing a new bundle if needed.
func (l *Listener) attach(peer string, ch Channel) {
	l.mu.Lock()
	b, ok := l.bundles[peer]
	if ok && b.IsOpen() {
		l.mu.Unlock()
		if b.Attach(ch) {
			return
		}
		l.mu.Lock()
	}
	b = NewBundle(peer, ch)
	l.bundles[peer] = b
	l.mu.Unlock()

	go func() {
		<-b.Done()
		l.mu.Lock()
		if l.bundles[peer] == b {
			delete(l.bundles, peer)
		}
		l.mu.Unlock()
	}()
	l.accept <- b
}

func (l *Listener) answer(sig *SignalConn, peer string) {
	if peer == "" {
		return
	}
	cands := l.opts.Candidates
	if len(cands) == 0 && l.opts.ListenAddr != "" {
		cands = LocalCandidates(l.opts.ListenAddr, l.opts.DirectPath)
	}
	f, err := protocol.NewFrame(protocol.SignalAnswer, l.opts.HostID, peer, protocol.Answer{Candidates: cands})
	if err == nil {
		_ = sig.Send(f)
	}
	if l.opts.STUNServer == "" || l.opts.ListenAddr == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ip, err := DiscoverPublicAddr(ctx, l.opts.STUNServer)
		if err != nil {
			l.log.Debug("stun_failed", zap.Error(err))
			return
		}
		cand := PublicCandidate(ip, l.opts.ListenAddr, l.opts.DirectPath)
		if cand == "" {
			return
		}
		f, err := protocol.NewFrame(protocol.SignalICECandidate, l.opts.HostID, peer, protocol.ICECandidate{Candidate: cand})
		if err == nil {
			_ = sig.Send(f)
		}
	}()
}

// ServeHTTP accepts a direct link; the client passes its peer id as ?peer=.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := strings.TrimSpace(r.URL.Query().Get("peer"))
	if peer == "" {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  l.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		l.log.Warn("direct_accept_failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	ch := newWSChannel(conn, peer, PathDirect)
	l.log.Info("direct_link_open", zap.String("peer", peer))
	l.attach(peer, ch)
	select {
	case <-ch.Done():
	case <-r.Context().Done():
		_ = ch.Close()
	}
}

// Close drops every live link.
func (l *Listener) Close() {
	l.mu.Lock()
	sig := l.sig
	bundles := make([]*Bundle, 0, len(l.bundles))
	for _, b := range l.bundles {
		bundles = append(bundles, b)
	}
	l.mu.Unlock()
	for _, b := range bundles {
		_ = b.Close()
	}
	if sig != nil {
		_ = sig.Close()
	}
}
