package source

import (
	"context"
	"io"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
)

// Memory replays prepared chunks. It backs the generic and null
// demultiplexers, whose input is elementary stream buffers produced by an
// external container library, and doubles as a test source.
type Memory struct {
	kind    demux.Kind
	pktSize int
	chunks  []*media.Chunk
	next    int
	chapter int
	closed  bool
}

// NewMemory returns a source yielding chunks in order. Chunks are handed
// out as-is; the caller must not reuse them.
func NewMemory(kind demux.Kind, chunks []*media.Chunk) *Memory {
	m := &Memory{kind: kind, chunks: chunks}
	if kind == demux.KindTransportStream {
		m.pktSize = 188
	}
	return m
}

func (m *Memory) ReadChunk(ctx context.Context) (*media.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed || m.next >= len(m.chunks) {
		return nil, io.EOF
	}
	c := m.chunks[m.next]
	m.next++
	if c.Chapter > 0 {
		m.chapter = c.Chapter
	}
	return c, nil
}

func (m *Memory) Chapter() int { return m.chapter }

// Seek supports fractions and chapters. Timestamp seeks pick the first
// chunk whose first buffer starts at or after the target.
func (m *Memory) Seek(_ context.Context, to SeekTarget) error {
	switch {
	case to.Chapter > 0:
		for i, c := range m.chunks {
			if c.Chapter == to.Chapter {
				m.next = i
				return nil
			}
		}
		return ErrSeekUnsupported
	case media.Valid(to.Timestamp):
		for i, c := range m.chunks {
			if len(c.Buffers) > 0 && c.Buffers[0].Start >= to.Timestamp {
				m.next = i
				return nil
			}
		}
		m.next = len(m.chunks)
	default:
		m.next = int(to.Fraction * float64(len(m.chunks)))
	}
	return nil
}

func (m *Memory) Progress() float64 {
	if len(m.chunks) == 0 {
		return 0
	}
	return float64(m.next) / float64(len(m.chunks))
}

func (m *Memory) Kind() demux.Kind { return m.kind }

func (m *Memory) PacketSize() int { return m.pktSize }

func (m *Memory) Close() error {
	m.closed = true
	return nil
}
