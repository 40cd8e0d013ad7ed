package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
	"github.com/cwsl/ka9q_hpsdr/hpsdr/sample"
)

// RTPForwarder sends one receiver's IQ as RTP: 16 bit big endian I then Q
// per sample, timestamp in samples
type RTPForwarder struct {
	radio.NopSink
	cfg     RTPConfig
	conn    *net.UDPConn
	ssrc    uint32
	metrics *PrometheusMetrics

	buf     []int16
	packets chan []int16

	seq       uint16
	timestamp uint32
}

// NewRTPForwarder opens the socket to cfg.Destination
func NewRTPForwarder(cfg RTPConfig, metrics *PrometheusMetrics) (*RTPForwarder, error) {
	dst, err := net.ResolveUDPAddr("udp4", cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve RTP destination: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		return nil, fmt.Errorf("failed to open RTP socket: %w", err)
	}
	if dst.IP.IsMulticast() {
		if err := ipv4.NewPacketConn(conn).SetMulticastTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set multicast TTL: %w", err)
		}
	}
	id := uuid.New()
	f := &RTPForwarder{
		cfg:     cfg,
		conn:    conn,
		ssrc:    binary.BigEndian.Uint32(id[:4]),
		metrics: metrics,
		buf:     make([]int16, 0, 2*cfg.SamplesPerPacket),
		packets: make(chan []int16, 64),
	}
	log.Printf("[INFO] RTP: forwarding rx %d to %s, SSRC %08x", cfg.Receiver, dst, f.ssrc)
	return f, nil
}

func toInt16(x float64) int16 {
	v := math.Round(x * 32767)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func (f *RTPForwarder) IQ(rx int, i, q float64) {
	if rx != f.cfg.Receiver {
		return
	}
	f.buf = append(f.buf, toInt16(i), toInt16(q))
	if len(f.buf) < 2*f.cfg.SamplesPerPacket {
		return
	}
	select {
	case f.packets <- f.buf:
	default:
		log.Printf("[DEBUG] RTP: sender behind, packet dropped")
	}
	f.buf = make([]int16, 0, 2*f.cfg.SamplesPerPacket)
}

// buildRTPPacket marshals one packet of interleaved samples
func buildRTPPacket(pt uint8, seq uint16, timestamp, ssrc uint32, iq []int16) ([]byte, error) {
	payload := make([]byte, 2*len(iq))
	for n, v := range iq {
		sample.PutInt16(payload[2*n:], v)
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// Run sends queued packets until ctx is done
func (f *RTPForwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case iq := <-f.packets:
			b, err := buildRTPPacket(f.cfg.PayloadType, f.seq, f.timestamp, f.ssrc, iq)
			if err != nil {
				return fmt.Errorf("failed to marshal RTP packet: %w", err)
			}
			f.seq++
			f.timestamp += uint32(len(iq) / 2)
			if _, err := f.conn.Write(b); err != nil {
				// ICMP unreachable and friends: keep going
				log.Printf("[DEBUG] RTP: write failed: %v", err)
				continue
			}
			f.metrics.RecordRTPPacket(len(b))
		}
	}
}

// Close closes the socket
func (f *RTPForwarder) Close() error {
	return f.conn.Close()
}
