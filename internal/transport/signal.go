package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
)

var ErrRegisterRejected = errors.New("signalling registration rejected")

const (
	signalDialTimeout    = 10 * time.Second
	signalRegisterWait   = 5 * time.Second
	signalHeartbeatEvery = 10 * time.Second
	signalMissedBeats    = 3
)

// FrameHandler is called from the read goroutine for every frame after registration.
type FrameHandler func(*SignalConn, protocol.Frame)

// SignalConn is one registered connection to the signalling switch.
// It does not reconnect; owners decide whether to dial again.
type SignalConn struct {
	peerID  string
	conn    *websocket.Conn
	handler FrameHandler
	lc      lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wmu     sync.Mutex
	lastRx  atomic.Int64
	log     *zap.Logger
}

// DialSignal connects, sends a REGISTER_HOST or REGISTER_CLIENT frame and waits for REGISTERED.
func DialSignal(ctx context.Context, url string, kind protocol.SignalType, reg protocol.Register, handler FrameHandler) (*SignalConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, signalDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial signalling: %v", ErrChannelUnavailable, err)
	}
	conn.SetReadLimit(wsReadLimit)

	f, err := protocol.NewFrame(kind, reg.PeerID, "", reg)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode")
		return nil, err
	}
	if err := wsjson.Write(dialCtx, conn, f); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "register")
		return nil, fmt.Errorf("%w: register: %v", ErrChannelUnavailable, err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, signalRegisterWait)
	defer waitCancel()
	for {
		var reply protocol.Frame
		if err := wsjson.Read(waitCtx, conn, &reply); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "register")
			return nil, fmt.Errorf("%w: await registered: %v", ErrChannelUnavailable, err)
		}
		switch reply.Type {
		case protocol.SignalRegistered:
			return startSignal(conn, reg.PeerID, handler), nil
		case protocol.SignalError:
			var e protocol.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &e)
			_ = conn.Close(websocket.StatusNormalClosure, "rejected")
			return nil, fmt.Errorf("%w: %s %s", ErrRegisterRejected, e.Code, e.Message)
		}
	}
}

func startSignal(conn *websocket.Conn, peerID string, handler FrameHandler) *SignalConn {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SignalConn{
		peerID:  peerID,
		conn:    conn,
		handler: handler,
		lc:      newLifecycle(),
		ctx:     ctx,
		cancel:  cancel,
		log:     obslog.Named("signal").With(zap.String("peer", peerID)),
	}
	s.lastRx.Store(time.Now().UnixNano())
	go s.readLoop()
	go s.heartbeatLoop()
	return s
}

func (s *SignalConn) PeerID() string { return s.peerID }

func (s *SignalConn) readLoop() {
	defer func() { _ = s.Close() }()
	for {
		var f protocol.Frame
		if err := wsjson.Read(s.ctx, s.conn, &f); err != nil {
			if s.lc.IsOpen() {
				s.log.Info("signal_read_closed", zap.Error(err))
			}
			return
		}
		s.lastRx.Store(time.Now().UnixNano())
		if f.Type == protocol.SignalHeartbeatAck {
			continue
		}
		if s.handler != nil {
			s.handler(s, f)
		}
	}
}

func (s *SignalConn) heartbeatLoop() {
	t := time.NewTicker(signalHeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-s.lc.done:
			return
		case <-t.C:
			silent := time.Since(time.Unix(0, s.lastRx.Load()))
			if silent > signalHeartbeatEvery*signalMissedBeats {
				s.log.Warn("signal_heartbeat_lost", zap.Duration("silent", silent))
				_ = s.Close()
				return
			}
			_ = s.Send(protocol.Frame{Type: protocol.SignalHeartbeat, From: s.peerID})
		}
	}
}

// Send writes one frame; writes are serialized.
func (s *SignalConn) Send(f protocol.Frame) error {
	if !s.lc.IsOpen() {
		return ErrChannelUnavailable
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		_ = s.Close()
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (s *SignalConn) Done() <-chan struct{} { return s.lc.Done() }
func (s *SignalConn) IsOpen() bool          { return s.lc.IsOpen() }

func (s *SignalConn) Close() error {
	if !s.lc.shut() {
		return nil
	}
	go func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
		s.cancel()
	}()
	return nil
}
