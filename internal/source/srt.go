package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
)

const (
	srtLatencyNs      = 120_000_000
	srtDialTimeout    = 10 * time.Second
	srtReadBufferSize = 1316 * 16
)

// SRT is a live transport stream pulled from a remote SRT listener.
type SRT struct {
	log    *slog.Logger
	conn   *srtgo.Conn
	buf    []byte
	bytes  atomic.Int64
	closed atomic.Bool
}

// DialSRT connects to an SRT listener at addr in caller mode.
func DialSRT(ctx context.Context, addr, streamID string, opts Options) (*SRT, error) {
	if addr == "" {
		return nil, fmt.Errorf("source: SRT address is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "source", "input", "srt://"+addr)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if streamID != "" {
		cfg.StreamID = streamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", addr, res.err)
		}
		log.Info("connected", "stream_id", streamID)
		size := srtReadBufferSize
		if opts.ChunkSize > 0 {
			size = opts.ChunkSize
		}
		return &SRT{log: log, conn: res.conn, buf: make([]byte, size)}, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("source: SRT dial %s timed out after %s", addr, srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// ReadChunk returns the next message payload. Cancelling ctx closes the
// connection to unblock the read.
func (s *SRT) ReadChunk(ctx context.Context) (*media.Chunk, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	n, err := s.conn.Read(s.buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) || s.closed.Load() {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("source: SRT read: %w", err)
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	off := s.bytes.Add(int64(n)) - int64(n)
	return &media.Chunk{Data: data, Offset: off}, nil
}

func (s *SRT) Chapter() int { return 0 }

func (s *SRT) Seek(context.Context, SeekTarget) error { return ErrSeekUnsupported }

func (s *SRT) Progress() float64 { return 0 }

func (s *SRT) Kind() demux.Kind { return demux.KindTransportStream }

func (s *SRT) PacketSize() int { return 188 }

// Close closes the connection. It is safe to call more than once.
func (s *SRT) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.log.Info("closed", "bytes", s.bytes.Load())
	s.conn.Close()
	return nil
}
