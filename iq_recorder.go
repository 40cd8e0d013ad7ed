package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/cwsl/ka9q_hpsdr/hpsdr/radio"
)

// recorderChunk is complex samples per write
const recorderChunk = 4096

// IQRecorder writes one receiver's IQ as zstd compressed interleaved
// little endian float32
type IQRecorder struct {
	radio.NopSink
	rx      int
	metrics *PrometheusMetrics

	buf    []byte
	chunks chan []byte

	mu  sync.Mutex
	out io.Closer
	enc *zstd.Encoder
}

// NewIQRecorder creates path, truncating it
func NewIQRecorder(path string, rx int, metrics *PrometheusMetrics) (*IQRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	r, err := newIQRecorder(f, rx, metrics)
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Printf("[INFO] Recorder: capturing rx %d to %s", rx, path)
	return r, nil
}

func newIQRecorder(w io.WriteCloser, rx int, metrics *PrometheusMetrics) (*IQRecorder, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &IQRecorder{
		rx:      rx,
		metrics: metrics,
		buf:     make([]byte, 0, recorderChunk*8),
		chunks:  make(chan []byte, 32),
		out:     w,
		enc:     enc,
	}, nil
}

func (r *IQRecorder) IQ(rx int, i, q float64) {
	if rx != r.rx {
		return
	}
	r.buf = binary.LittleEndian.AppendUint32(r.buf, math.Float32bits(float32(i)))
	r.buf = binary.LittleEndian.AppendUint32(r.buf, math.Float32bits(float32(q)))
	if len(r.buf) < cap(r.buf) {
		return
	}
	select {
	case r.chunks <- r.buf:
	default:
		log.Printf("[WARN] Recorder: disk behind, %d bytes dropped", len(r.buf))
	}
	r.buf = make([]byte, 0, recorderChunk*8)
}

// Run compresses queued chunks until ctx is done
func (r *IQRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-r.chunks:
			if err := r.write(b); err != nil {
				return err
			}
		}
	}
}

func (r *IQRecorder) write(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}
	if _, err := r.enc.Write(b); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	r.metrics.RecordRecorderBytes(len(b))
	return nil
}

// Close writes out anything still queued, ends the zstd frame and closes
// the file
func (r *IQRecorder) Close() error {
	for {
		select {
		case b := <-r.chunks:
			if err := r.write(b); err != nil {
				return err
			}
			continue
		default:
		}
		break
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.out.Close(); err == nil {
		err = cerr
	}
	return err
}
