package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCP carries the Old Protocol as a stream of fixed 1032 byte records
type TCP struct {
	conn   net.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

// DialTCP connects to the radio's data port
func DialTCP(ctx context.Context, addr string) (*TCP, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	log.Printf("[INFO] Transport: TCP %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	return &TCP{conn: conn}, nil
}

func (t *TCP) Send(_ int, b []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write TCP record: %w", mapErr(err))
	}
	return nil
}

// Recv reads exactly one record. A timeout mid-record would lose framing,
// so the deadline only applies while waiting for the first byte.
func (t *TCP) Recv(buf []byte, timeout time.Duration) (int, int, error) {
	if len(buf) < TCPRecordSize {
		return 0, 0, fmt.Errorf("receive buffer %d smaller than a record", len(buf))
	}
	if timeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	if _, err := io.ReadFull(t.conn, buf[:1]); err != nil {
		return 0, 0, t.recvErr(err)
	}
	_ = t.conn.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(t.conn, buf[1:TCPRecordSize]); err != nil {
		return 0, 0, t.recvErr(err)
	}
	return TCPRecordSize, 0, nil
}

func (t *TCP) recvErr(err error) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("radio closed the TCP connection: %w", err)
	}
	return mapErr(err)
}

func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
