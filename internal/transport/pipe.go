package transport

// pipeEnd is one side of an in-memory link. Both ends share one lifecycle.
type pipeEnd struct {
	remote string
	in     chan []byte
	peer   *pipeEnd
	lc     *lifecycle
}

// NewPipe returns a connected pair. local.ID() is remoteID and vice versa.
func NewPipe(localID, remoteID string) (local, remote Channel) {
	lc := newLifecycle()
	a := &pipeEnd{remote: remoteID, in: make(chan []byte, incomingBuffer), lc: &lc}
	b := &pipeEnd{remote: localID, in: make(chan []byte, incomingBuffer), lc: &lc}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) ID() string              { return p.remote }
func (p *pipeEnd) Path() Path              { return PathPipe }
func (p *pipeEnd) Incoming() <-chan []byte { return p.in }
func (p *pipeEnd) Done() <-chan struct{}   { return p.lc.Done() }
func (p *pipeEnd) IsOpen() bool            { return p.lc.IsOpen() }

func (p *pipeEnd) Send(data []byte) bool {
	if !p.lc.IsOpen() {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.peer.in <- buf:
		return true
	case <-p.lc.done:
		return false
	default:
		return false
	}
}

func (p *pipeEnd) Close() error {
	p.lc.shut()
	return nil
}
