package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// UDPConfig describes the host side data socket
type UDPConfig struct {
	Radio     string // radio IPv4 address
	Local     string // local bind address, ":0" when empty
	Interface string // optional SO_BINDTODEVICE

	ReadBuffer  int // SO_RCVBUF, default 0x40000
	WriteBuffer int // SO_SNDBUF, default 0x10000
	TOS         int // IP TOS byte, default 0xb8 (DSCP EF)
}

// UDP is a single host socket talking to several radio ports
type UDP struct {
	conn   *net.UDPConn
	radio  net.IP
	closed atomic.Bool
}

// DialUDP binds the host socket with the buffer sizes and QoS marking the
// radios need to keep up at high sample rates
func DialUDP(ctx context.Context, cfg UDPConfig) (*UDP, error) {
	ip := net.ParseIP(cfg.Radio)
	if ip == nil || ip.To4() == nil {
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", cfg.Radio)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("failed to resolve radio address %q: %w", cfg.Radio, err)
		}
		ip = addrs[0]
	}
	if cfg.ReadBuffer == 0 {
		cfg.ReadBuffer = 0x40000
	}
	if cfg.WriteBuffer == 0 {
		cfg.WriteBuffer = 0x10000
	}
	if cfg.TOS == 0 {
		cfg.TOS = 0xb8
	}
	local := cfg.Local
	if local == "" {
		local = ":0"
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSockOpts(int(fd), cfg)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", local)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	conn := pc.(*net.UDPConn)

	if err := ipv4.NewConn(conn).SetTOS(cfg.TOS); err != nil {
		log.Printf("[WARN] Transport: failed to set TOS 0x%02x: %v", cfg.TOS, err)
	}

	log.Printf("[INFO] Transport: UDP %s -> %s", conn.LocalAddr(), ip)
	return &UDP{conn: conn, radio: ip.To4()}, nil
}

func setSockOpts(fd int, cfg UDPConfig) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReadBuffer); err != nil {
		return fmt.Errorf("failed to set SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.WriteBuffer); err != nil {
		return fmt.Errorf("failed to set SO_SNDBUF: %w", err)
	}
	if cfg.Interface != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, cfg.Interface); err != nil {
			return fmt.Errorf("failed to bind to device %s: %w", cfg.Interface, err)
		}
	}
	return nil
}

// LocalAddr returns the bound address
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) Send(port int, b []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	_, err := u.conn.WriteToUDP(b, &net.UDPAddr{IP: u.radio, Port: port})
	if err != nil {
		return fmt.Errorf("failed to send to port %d: %w", port, mapErr(err))
	}
	return nil
}

// Recv returns the next packet from the radio. Packets from other hosts
// are discarded.
func (u *UDP) Recv(buf []byte, timeout time.Duration) (int, int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return 0, 0, mapErr(err)
	}
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closed.Load() {
				return 0, 0, ErrClosed
			}
			return 0, 0, mapErr(err)
		}
		if !addr.IP.Equal(u.radio) {
			continue
		}
		return n, addr.Port, nil
	}
}

func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	return u.conn.Close()
}
