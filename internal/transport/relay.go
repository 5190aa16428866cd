package transport

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

// relayChannel is a virtual link to remote over a shared SignalConn.
// Payloads travel as RELAY frames and are delivered by the owner's frame handler.
type relayChannel struct {
	sig    *SignalConn
	local  string
	remote string
	in     chan []byte
	lc     lifecycle
	log    *zap.Logger
}

func newRelayChannel(sig *SignalConn, local, remote string) *relayChannel {
	r := &relayChannel{
		sig:    sig,
		local:  local,
		remote: remote,
		in:     make(chan []byte, incomingBuffer),
		lc:     newLifecycle(),
		log:    obslog.Named("transport").With(zap.String("peer", remote), zap.String("path", string(PathRelay))),
	}
	go func() {
		select {
		case <-sig.Done():
			_ = r.Close()
		case <-r.lc.done:
		}
	}()
	return r
}

// deliver must not block the shared read loop; overflow drops the payload.
func (r *relayChannel) deliver(raw json.RawMessage) {
	if !r.lc.IsOpen() {
		return
	}
	payload, err := protocol.DecodeRelayPayload(raw)
	if err != nil {
		r.log.Warn("relay_payload_invalid", zap.Error(err))
		return
	}
	select {
	case r.in <- payload:
	default:
		r.log.Warn("relay_incoming_full")
	}
}

func (r *relayChannel) ID() string              { return r.remote }
func (r *relayChannel) Path() Path              { return PathRelay }
func (r *relayChannel) Incoming() <-chan []byte { return r.in }
func (r *relayChannel) Done() <-chan struct{}   { return r.lc.Done() }
func (r *relayChannel) IsOpen() bool            { return r.lc.IsOpen() && r.sig.IsOpen() }

func (r *relayChannel) Send(data []byte) bool {
	if !r.IsOpen() {
		return false
	}
	f, err := protocol.NewFrame(protocol.SignalRelay, r.local, r.remote, protocol.RelayPayload(data))
	if err != nil {
		return false
	}
	return r.sig.Send(f) == nil
}

func (r *relayChannel) Close() error {
	r.lc.shut()
	return nil
}
