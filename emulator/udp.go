package emulator

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/newproto"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/transport"
)

// Protocol1Ports are the radio ports of an old protocol radio
var Protocol1Ports = []int{p1Port}

// Protocol2Ports are the ports a new protocol radio listens and sends on
func Protocol2Ports() []int {
	ports := []int{
		newproto.GeneralPort,
		newproto.RXSpecificPort,
		newproto.TXSpecificPort,
		newproto.HighPriorityPort,
		newproto.AudioPort,
		newproto.TXIQPort,
	}
	for d := 0; d < p2MaxDDC; d++ {
		ports = append(ports, newproto.DDCPort+d)
	}
	return ports
}

type datagram struct {
	port int
	data []byte
}

// Listener is the radio end of a UDP link: one socket per radio port.
// Replies go to whichever host address spoke last, from the socket bound
// to the port they are sent with.
type Listener struct {
	socks map[int]*net.UDPConn
	in    chan datagram
	host  atomic.Pointer[net.UDPAddr]

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ transport.Conn = (*Listener)(nil)

// ListenUDP binds ports on ip
func ListenUDP(ip string, ports []int) (*Listener, error) {
	l := &Listener{
		socks: make(map[int]*net.UDPConn, len(ports)),
		in:    make(chan datagram, 256),
		done:  make(chan struct{}),
	}
	addr := net.ParseIP(ip)
	for _, port := range ports {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr, Port: port})
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to bind emulator port %d: %w", port, err)
		}
		_ = conn.SetReadBuffer(0x40000)
		l.socks[port] = conn
	}
	for port, conn := range l.socks {
		l.wg.Add(1)
		go l.reader(port, conn)
	}
	log.Printf("[INFO] Emulator: listening on %s, %d ports", ip, len(ports))
	return l, nil
}

func (l *Listener) reader(port int, conn *net.UDPConn) {
	defer l.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			log.Printf("[WARN] Emulator: port %d: %v", port, err)
			continue
		}
		l.host.Store(from)
		d := datagram{port: port, data: append([]byte(nil), buf[:n]...)}
		select {
		case l.in <- d:
		case <-l.done:
			return
		default:
			// full, like a socket buffer would be
		}
	}
}

// Send writes b from port to the last host heard from. Nothing is sent
// before the host has spoken.
func (l *Listener) Send(port int, b []byte) error {
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}
	host := l.host.Load()
	if host == nil {
		return nil
	}
	conn, ok := l.socks[port]
	if !ok {
		return fmt.Errorf("emulator has no socket on port %d", port)
	}
	if _, err := conn.WriteToUDP(b, host); err != nil {
		return fmt.Errorf("failed to send from port %d: %w", port, err)
	}
	return nil
}

func (l *Listener) Recv(buf []byte, timeout time.Duration) (int, int, error) {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case d := <-l.in:
		return copy(buf, d.data), d.port, nil
	case <-l.done:
		return 0, 0, transport.ErrClosed
	case <-tc:
		return 0, 0, transport.ErrTimeout
	}
}

// Close closes every socket and waits for the readers
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		for _, conn := range l.socks {
			conn.Close()
		}
	})
	l.wg.Wait()
	return nil
}
