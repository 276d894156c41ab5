package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

const (
	sectorSize = 2048
	// defaultChunkSize is rounded down to whole packets or sectors.
	defaultChunkSize = 32 * sectorSize
	probeSize        = 64 * 1024
	seekProbeSize    = 256 * 1024
	seekIterations   = 32
)

// streamSource reads a program or transport stream from a byte store.
type streamSource struct {
	log       *slog.Logger
	name      string
	store     byteStore
	kind      demux.Kind
	pktSize   int
	chunkSize int
	chapters  []int64

	r       io.ReadCloser
	pos     int64
	carry   []byte
	chapter int
	// firstRef is the first clock reference of the input, used as the
	// origin for timestamp seeks.
	firstRef int64
}

func newStreamSource(ctx context.Context, store byteStore, name string, opts Options) (*streamSource, error) {
	s := &streamSource{
		log:       opts.Log.With("component", "source", "input", name),
		name:      name,
		store:     store,
		chunkSize: opts.ChunkSize,
		chapters:  opts.Chapters,
		firstRef:  media.NoTimestamp,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = defaultChunkSize
	}

	head, err := s.readAt(ctx, 0, probeSize)
	if err != nil {
		return nil, err
	}
	if opts.Kind != nil {
		s.kind = *opts.Kind
		if s.kind == demux.KindTransportStream {
			s.pktSize = 188
			if _, size, err := Probe(head); err == nil && size != 0 {
				s.pktSize = size
			}
		}
	} else {
		kind, size, err := Probe(head)
		if err != nil {
			return nil, fmt.Errorf("source: %s: %w", name, err)
		}
		s.kind, s.pktSize = kind, size
	}
	if s.kind != demux.KindTransportStream && s.kind != demux.KindProgramStream {
		return nil, fmt.Errorf("source: %s: kind %v needs an elementary stream source", name, s.kind)
	}
	// Align the chunk to whole packets or sectors.
	unit := sectorSize
	if s.kind == demux.KindTransportStream {
		unit = s.pktSize
	}
	s.chunkSize = max(unit, s.chunkSize/unit*unit)

	if ref, ok := s.firstReference(head); ok {
		s.firstRef = ref
	}
	s.log.Info("opened", "kind", s.kind, "size", store.Size(), "chapters", len(s.chapters))
	return s, nil
}

func (s *streamSource) Kind() demux.Kind { return s.kind }

func (s *streamSource) PacketSize() int { return s.pktSize }

func (s *streamSource) Chapter() int { return s.chapter }

func (s *streamSource) Progress() float64 {
	if s.store.Size() == 0 {
		return 0
	}
	return min(1, float64(s.pos)/float64(s.store.Size()))
}

func (s *streamSource) Close() error {
	if s.r != nil {
		s.r.Close()
		s.r = nil
	}
	return s.store.Close()
}

func (s *streamSource) ReadChunk(ctx context.Context) (*media.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.r == nil {
		r, err := s.store.Open(ctx, s.pos)
		if err != nil {
			return nil, err
		}
		s.r = r
	}

	start := s.pos - int64(len(s.carry))
	buf := make([]byte, s.chunkSize)
	n := copy(buf, s.carry)
	s.carry = nil
	m, err := io.ReadFull(s.r, buf[n:])
	s.pos += int64(m)
	n += m
	eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !eof {
		return nil, fmt.Errorf("source: read %s at %d: %w", s.name, s.pos, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	buf = buf[:n]

	// A program stream chunk ends at the last pack boundary so packs are
	// never split between chunks.
	if s.kind == demux.KindProgramStream && !eof {
		if cut := lastPackStart(buf); cut > 0 {
			s.carry = append([]byte(nil), buf[cut:]...)
			buf = buf[:cut]
		}
	}

	c := &media.Chunk{Data: buf, Offset: start}
	if len(s.chapters) > 0 {
		ch := s.chapterAt(start)
		if ch != s.chapter {
			c.NewChapter = ch
		}
		s.chapter = ch
		c.Chapter = ch
	}
	return c, nil
}

// chapterAt returns the 1-based chapter containing byte off.
func (s *streamSource) chapterAt(off int64) int {
	i := sort.Search(len(s.chapters), func(i int) bool { return s.chapters[i] > off })
	return max(1, i)
}

func lastPackStart(b []byte) int {
	for i := len(b) - 4; i > 0; i-- {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 && b[i+3] == 0xBA {
			return i
		}
	}
	return 0
}

// Seek repositions the source. The chunk that follows starts at a packet or
// sector boundary at or before the target.
func (s *streamSource) Seek(ctx context.Context, to SeekTarget) error {
	var off int64
	switch {
	case to.Chapter > 0:
		if to.Chapter > len(s.chapters) {
			return fmt.Errorf("source: chapter %d of %d", to.Chapter, len(s.chapters))
		}
		off = s.chapters[to.Chapter-1]
	case media.Valid(to.Timestamp):
		o, err := s.seekTimestamp(ctx, to.Timestamp)
		if err != nil {
			return err
		}
		off = o
	default:
		if to.Fraction < 0 || to.Fraction >= 1 {
			return fmt.Errorf("source: seek fraction %v out of range", to.Fraction)
		}
		off = int64(to.Fraction * float64(s.store.Size()))
	}
	s.reposition(s.align(off))
	// The chapter mark is re-emitted on the first chunk after the seek.
	s.chapter = 0
	return nil
}

func (s *streamSource) align(off int64) int64 {
	unit := int64(sectorSize)
	if s.kind == demux.KindTransportStream {
		unit = int64(s.pktSize)
	}
	return off / unit * unit
}

func (s *streamSource) reposition(off int64) {
	if s.r != nil {
		s.r.Close()
		s.r = nil
	}
	s.carry = nil
	s.pos = off
}

func (s *streamSource) readAt(ctx context.Context, off int64, n int) ([]byte, error) {
	r, err := s.store.Open(ctx, off)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, n)
	m, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("source: read %s at %d: %w", s.name, off, err)
	}
	return buf[:m], nil
}

// firstReference returns the first PCR or SCR in b.
func (s *streamSource) firstReference(b []byte) (int64, bool) {
	if s.kind == demux.KindProgramStream {
		for i := 0; i+14 <= len(b); i++ {
			if scr, ok := mpegts.PackSCR(b[i:]); ok {
				return scr, true
			}
		}
		return 0, false
	}
	off, ok := findSync(b, s.pktSize)
	if !ok {
		return 0, false
	}
	for i := off; i+s.pktSize <= len(b); i += s.pktSize {
		if pcr, ok := mpegts.PacketPCR(b[i : i+s.pktSize]); ok {
			return pcr, true
		}
	}
	return 0, false
}

// seekTimestamp bisects the input for the last position whose first clock
// reference is at or before the target. It assumes the clock does not reset
// within the input.
func (s *streamSource) seekTimestamp(ctx context.Context, ts int64) (int64, error) {
	if !media.Valid(s.firstRef) {
		return 0, fmt.Errorf("source: %s has no clock reference to seek by", s.name)
	}
	target := s.firstRef + ts
	lo, hi := int64(0), s.store.Size()
	for range seekIterations {
		if hi-lo <= seekProbeSize {
			break
		}
		mid := s.align(lo + (hi-lo)/2)
		b, err := s.readAt(ctx, mid, seekProbeSize)
		if err != nil {
			return 0, err
		}
		ref, ok := s.firstReference(b)
		if !ok {
			hi = mid
			continue
		}
		if ref <= target {
			lo = mid
		} else {
			hi = mid
		}
	}
	s.log.Debug("timestamp seek", "target", ts, "offset", lo)
	return lo, nil
}
