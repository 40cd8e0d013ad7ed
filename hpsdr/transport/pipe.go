package transport

import (
	"sync"
	"time"
)

type datagram struct {
	port int
	data []byte
}

// PipeEnd is one side of an in-process link. Packets sent on one end are
// received on the other together with the port they were sent with.
type PipeEnd struct {
	rx   chan datagram
	peer *PipeEnd
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected ends. Each direction buffers depth packets;
// further sends are dropped like a full socket buffer would.
func Pipe(depth int) (host, radio *PipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}
	host = &PipeEnd{rx: make(chan datagram, depth), done: done, once: once}
	radio = &PipeEnd{rx: make(chan datagram, depth), done: done, once: once}
	host.peer, radio.peer = radio, host
	return host, radio
}

func (p *PipeEnd) Send(port int, b []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	d := datagram{port: port, data: append([]byte(nil), b...)}
	select {
	case p.peer.rx <- d:
	default:
	}
	return nil
}

func (p *PipeEnd) Recv(buf []byte, timeout time.Duration) (int, int, error) {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case d := <-p.rx:
		return copy(buf, d.data), d.port, nil
	case <-p.done:
		return 0, 0, ErrClosed
	case <-tc:
		return 0, 0, ErrTimeout
	}
}

// Close closes both ends
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
