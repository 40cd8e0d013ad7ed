// Package transport moves raw protocol bytes between the engines and the
// radio. It frames nothing; the engines hand it complete packets.
package transport

import (
	"errors"
	"net"
	"os"
	"time"
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("transport: closed")
	// ErrTimeout is returned by Recv when nothing arrived in time
	ErrTimeout = errors.New("transport: receive timeout")
)

// TCPRecordSize is the fixed record size of the Old Protocol TCP stream
const TCPRecordSize = 1032

// Conn is a bidirectional packet link to the radio. Send and Recv may be
// called concurrently with each other; Send is safe for concurrent use.
type Conn interface {
	// Send transmits one packet to the given radio port. Stream
	// transports ignore port.
	Send(port int, b []byte) error
	// Recv blocks for one packet, at most timeout when timeout > 0. port
	// is the port the packet came from.
	Recv(buf []byte, timeout time.Duration) (n int, port int, err error)
	Close() error
}

// Drain discards whatever arrives until the link has been quiet for
// window. It returns the number of packets thrown away.
func Drain(c Conn, window time.Duration) int {
	buf := make([]byte, 2048)
	dropped := 0
	for {
		_, _, err := c.Recv(buf, window)
		if err != nil {
			return dropped
		}
		dropped++
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
