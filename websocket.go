package main

import (
	"encoding/binary"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the daemon is expected to sit on a trusted network
		return true
	},
}

// iqFrameHeader is seq, receiver and sample count, little endian uint32s
const iqFrameHeader = 12

// encodeIQFrame builds one binary IQ message: the header followed by
// interleaved float32 I/Q, little endian
func encodeIQFrame(seq uint32, rx int, block []float32) []byte {
	b := make([]byte, iqFrameHeader+4*len(block))
	binary.LittleEndian.PutUint32(b[0:], seq)
	binary.LittleEndian.PutUint32(b[4:], uint32(rx))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(block)/2))
	off := iqFrameHeader
	for _, v := range block {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
		off += 4
	}
	return b
}

// wsConn wraps a WebSocket connection with a write mutex and a buffered
// writer so a slow client never blocks the sample path
type wsConn struct {
	conn       *websocket.Conn
	id         string
	writeMu    sync.Mutex
	writeChan  chan []byte
	writerDone chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, id: uuid.NewString()}
}

// startWriter starts the goroutine owning binary writes
func (wc *wsConn) startWriter() {
	wc.writeChan = make(chan []byte, 30)
	wc.writerDone = make(chan struct{})
	go func() {
		defer close(wc.writerDone)
		for packet := range wc.writeChan {
			wc.writeMu.Lock()
			wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := wc.conn.WriteMessage(websocket.BinaryMessage, packet)
			wc.writeMu.Unlock()
			if err != nil {
				// the read loop notices and cleans up
				return
			}
		}
	}()
}

// queue returns false when the packet was dropped
func (wc *wsConn) queue(packet []byte) bool {
	select {
	case wc.writeChan <- packet:
		return true
	default:
		return false
	}
}

func (wc *wsConn) closeWriter() {
	if wc.writeChan != nil {
		close(wc.writeChan)
		<-wc.writerDone
	}
}

func (wc *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

// discardReads reads until the client goes away
func (wc *wsConn) discardReads() {
	for {
		if _, _, err := wc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// iqHub fans receiver blocks out to subscribed clients
type iqHub struct {
	metrics *PrometheusMetrics

	mu      sync.Mutex
	clients map[*wsConn]int
	seq     [radio.MaxReceivers]uint32
}

func newIQHub(metrics *PrometheusMetrics) *iqHub {
	return &iqHub{metrics: metrics, clients: make(map[*wsConn]int)}
}

// broadcast encodes block once and queues it for every client of rx
func (h *iqHub) broadcast(rx int, block []float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := h.seq[rx]
	h.seq[rx]++
	if len(h.clients) == 0 {
		return
	}
	var frame []byte
	for c, want := range h.clients {
		if want != rx {
			continue
		}
		if frame == nil {
			frame = encodeIQFrame(seq, rx, block)
		}
		if !c.queue(frame) {
			h.metrics.RecordWSDrop("iq")
		}
	}
}

func (h *iqHub) add(c *wsConn, rx int) {
	h.mu.Lock()
	h.clients[c] = rx
	h.mu.Unlock()
}

func (h *iqHub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// sink returns a blocker per receiver feeding the hub
func (h *iqHub) sink(frameSize int) radio.Sink {
	var f fanoutSink
	for rx := 0; rx < radio.MaxReceivers; rx++ {
		rx := rx
		f = append(f, newIQBlocker(rx, frameSize, func(b []float32) { h.broadcast(rx, b) }))
	}
	return f
}

// handleIQWebSocket streams one receiver's IQ: /ws/iq?rx=N
func (h *iqHub) handleIQWebSocket(w http.ResponseWriter, r *http.Request) {
	rx := 0
	if s := r.URL.Query().Get("rx"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n >= radio.MaxReceivers {
			http.Error(w, "invalid rx", http.StatusBadRequest)
			return
		}
		rx = n
	}

	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket: failed to upgrade connection: %v", err)
		return
	}
	conn := newWSConn(rawConn)
	conn.startWriter()
	h.add(conn, rx)
	h.metrics.RecordWSConnection("iq")
	log.Printf("[INFO] WebSocket: IQ client %s from %s on rx %d", conn.id, r.RemoteAddr, rx)

	conn.discardReads()

	h.remove(conn)
	conn.closeWriter()
	rawConn.Close()
	h.metrics.RecordWSDisconnect("iq")
	log.Printf("[INFO] WebSocket: IQ client %s disconnected", conn.id)
}

// handleStatusWebSocket pushes the daemon status every period
func handleStatusWebSocket(snapshot func() StatusResponse, period time.Duration, metrics *PrometheusMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[WARN] WebSocket: failed to upgrade connection: %v", err)
			return
		}
		conn := newWSConn(rawConn)
		defer rawConn.Close()
		metrics.RecordWSConnection("status")
		defer metrics.RecordWSDisconnect("status")
		log.Printf("[DEBUG] WebSocket: status client %s from %s", conn.id, r.RemoteAddr)

		gone := make(chan struct{})
		go func() {
			conn.discardReads()
			close(gone)
		}()

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			if err := conn.writeJSON(snapshot()); err != nil {
				return
			}
			select {
			case <-gone:
				return
			case <-ticker.C:
			}
		}
	}
}
