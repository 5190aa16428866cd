package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

type ConnectorOptions struct {
	SignalURL string
	HostID    string
	// DirectWindow bounds direct-link negotiation; the relay path is usable meanwhile.
	DirectWindow time.Duration
	// DisableDirect keeps every connection on relay.
	DisableDirect bool
}

// Connector opens client channels to one host: relay first, then an opportunistic direct link.
type Connector struct {
	opts ConnectorOptions
	log  *zap.Logger
}

func NewConnector(opts ConnectorOptions) *Connector {
	if opts.DirectWindow <= 0 {
		opts.DirectWindow = 3 * time.Second
	}
	return &Connector{opts: opts, log: obslog.Named("connector").With(zap.String("host", opts.HostID))}
}

// conn holds per-attempt routing state shared with the frame handler.
type conn struct {
	peerID string
	relay  *relayChannel
	bundle *Bundle
	cands  chan string
	ready  chan struct{}
}

// Open registers a fresh peer id with the switch and returns a Bundle to the host.
func (c *Connector) Open(ctx context.Context) (Channel, error) {
	st := &conn{
		peerID: uuid.NewString(),
		cands:  make(chan string, 16),
		ready:  make(chan struct{}),
	}
	sig, err := DialSignal(ctx, c.opts.SignalURL, protocol.SignalRegisterClient,
		protocol.Register{PeerID: st.peerID, HostID: c.opts.HostID}, st.handle)
	if err != nil {
		return nil, err
	}
	st.relay = newRelayChannel(sig, st.peerID, c.opts.HostID)
	st.bundle = NewBundle(c.opts.HostID, st.relay)
	close(st.ready)

	go func() {
		<-st.bundle.Done()
		_ = sig.Close()
	}()

	if !c.opts.DisableDirect {
		f, err := protocol.NewFrame(protocol.SignalOffer, st.peerID, c.opts.HostID, protocol.Offer{PeerID: st.peerID})
		if err == nil && sig.Send(f) == nil {
			go c.negotiate(st)
		}
	}
	c.log.Info("channel_open", zap.String("peer", st.peerID))
	return st.bundle, nil
}

func (st *conn) handle(_ *SignalConn, f protocol.Frame) {
	<-st.ready
	switch f.Type {
	case protocol.SignalRelay:
		if f.From == st.relay.remote {
			st.relay.deliver(f.Payload)
		}
	case protocol.SignalAnswer:
		var a protocol.Answer
		if json.Unmarshal(f.Payload, &a) == nil {
			for _, u := range a.Candidates {
				st.offerCandidate(u)
			}
		}
	case protocol.SignalICECandidate:
		var ic protocol.ICECandidate
		if json.Unmarshal(f.Payload, &ic) == nil && ic.Candidate != "" {
			st.offerCandidate(ic.Candidate)
		}
	case protocol.SignalHostDisconnected:
		_ = st.relay.Close()
	case protocol.SignalError:
		obslog.Named("connector").Warn("signal_error", zap.ByteString("payload", f.Payload))
	}
}

func (st *conn) offerCandidate(u string) {
	select {
	case st.cands <- u:
	default:
	}
}

// negotiate dials candidates in arrival order until one connects or the window closes.
func (c *Connector) negotiate(st *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DirectWindow)
	defer cancel()
	tried := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("direct_unavailable", zap.String("peer", st.peerID))
			return
		case <-st.bundle.Done():
			return
		case u := <-st.cands:
			if tried[u] {
				continue
			}
			tried[u] = true
			target, err := withPeer(u, st.peerID)
			if err != nil {
				continue
			}
			ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
				CompressionMode: websocket.CompressionNoContextTakeover,
			})
			if err != nil {
				c.log.Debug("direct_dial_failed", zap.String("url", u), zap.Error(err))
				continue
			}
			ch := newWSChannel(ws, c.opts.HostID, PathDirect)
			if !st.bundle.Attach(ch) {
				_ = ch.Close()
				return
			}
			c.log.Info("direct_established", zap.String("peer", st.peerID), zap.String("url", u))
			return
		}
	}
}

func withPeer(raw, peer string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("peer", peer)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
