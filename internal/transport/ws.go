package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/quiz-buzzer/internal/obslog"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 20
	wsOutbox       = 64
)

// wsChannel is a direct link. One goroutine reads, one writes; Send only enqueues.
type wsChannel struct {
	remote string
	path   Path
	conn   *websocket.Conn
	in     chan []byte
	out    chan []byte
	lc     lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

func newWSChannel(conn *websocket.Conn, remote string, path Path) *wsChannel {
	conn.SetReadLimit(wsReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		remote: remote,
		path:   path,
		conn:   conn,
		in:     make(chan []byte, incomingBuffer),
		out:    make(chan []byte, wsOutbox),
		lc:     newLifecycle(),
		ctx:    ctx,
		cancel: cancel,
		log:    obslog.Named("transport").With(zap.String("peer", remote), zap.String("path", string(path))),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *wsChannel) readLoop() {
	defer func() { _ = c.Close() }()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.lc.IsOpen() {
				c.log.Debug("ws_read_closed", zap.Int("status", int(websocket.CloseStatus(err))), zap.Error(err))
			}
			return
		}
		select {
		case c.in <- data:
		case <-c.lc.done:
			return
		}
	}
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case <-c.lc.done:
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Debug("ws_write_failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsChannel) ID() string              { return c.remote }
func (c *wsChannel) Path() Path              { return c.path }
func (c *wsChannel) Incoming() <-chan []byte { return c.in }
func (c *wsChannel) Done() <-chan struct{}   { return c.lc.Done() }
func (c *wsChannel) IsOpen() bool            { return c.lc.IsOpen() }

func (c *wsChannel) Send(data []byte) bool {
	if !c.lc.IsOpen() {
		return false
	}
	select {
	case c.out <- data:
		return true
	case <-c.lc.done:
		return false
	default:
		c.log.Warn("ws_outbox_full")
		return false
	}
}

func (c *wsChannel) Close() error {
	if !c.lc.shut() {
		return nil
	}
	go func() {
		c.flush()
		_ = c.conn.Close(websocket.StatusNormalClosure, "closed")
		c.cancel()
	}()
	return nil
}

// flush writes whatever Send queued before Close.
func (c *wsChannel) flush() {
	ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
	defer cancel()
	for {
		select {
		case data := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
