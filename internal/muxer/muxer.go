// Package muxer interleaves encoded track buffers into one time-ordered
// stream for a container writer.
//
// Every track owns a growable ring of pending buffers. An interleave point
// advances one nominal video frame at a time; once every continuous track
// (audio and video) has data at or past it, everything before it is written
// out. Intermittent tracks (subtitles) are interleaved when their data is
// present but never hold back the continuous ones.
package muxer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/fifo"
	"github.com/zsiec/reel/internal/media"
)

var (
	// ErrTrackLimit is returned when more than MaxTracks tracks are
	// configured.
	ErrTrackLimit = errors.New("muxer: track limit exceeded")
	// ErrRingLimit is returned when a track ring cannot grow further. It is
	// fatal to the job.
	ErrRingLimit = errors.New("muxer: track ring limit exceeded")
	// ErrDone is returned by Write after every track has finished.
	ErrDone = errors.New("muxer: done")
)

const (
	defaultInterval  = 3003
	defaultLowWater  = 10 << 20
	defaultHighWater = 50 << 20
	defaultRingLimit = 1 << 20
)

// Config configures a Muxer.
type Config struct {
	Log    *slog.Logger
	Writer Writer
	Tracks []TrackInfo

	// Interval is the interleave step, one nominal video frame in 90 kHz
	// ticks.
	Interval int64
	// LowWater is the total buffered size in bytes below which output
	// waits for more data unless every track has ended. Zero selects the
	// default; a negative value disables the wait.
	LowWater int64
	// HighWater is the total buffered size in bytes above which the
	// interleave point is forced forward even if tracks are not ready.
	HighWater int64
	// RingLimit caps the number of pending buffers per track.
	RingLimit int
}

type track struct {
	info       TrackInfo
	continuous bool
	mf         ring
	frames     int64
	bytes      int64
	buffered   int64
}

type pending struct {
	track int
	buf   *media.Buffer
}

// TrackStats reports per-track output counters.
type TrackStats struct {
	StreamID uint32
	Frames   int64
	Bytes    int64
	Buffered int64
}

// Stats is a snapshot of muxer state.
type Stats struct {
	Tracks   []TrackStats
	Buffered int64
	PTS      int64
	Forced   int64
	Done     bool
}

// Muxer interleaves track buffers. Write is safe for concurrent use, one
// goroutine per track.
type Muxer struct {
	log       *slog.Logger
	w         Writer
	interval  int64
	lowWater  int64
	highWater int64
	ringLimit int

	// mu guards the track bookkeeping below. It is never held across a
	// Writer call.
	mu       sync.Mutex
	tracks   []*track
	pts      int64
	started  bool
	ready    bitset
	eof      bitset
	allReady bitset
	allEOF   bitset
	buffered int64
	forced   int64
	done     bool
	closed   bool
	err      error
	// outq holds collected buffers not yet handed to the writer, in
	// collection order.
	outq []pending

	// wmu serializes Writer calls. Whoever holds it writes all of outq, so
	// batches reach the writer in the order they were collected. It is
	// never taken while mu is held.
	wmu    sync.Mutex
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Muxer for cfg.Tracks and initializes the writer. The
// continuous and end-of-stream masks are fixed here.
func New(cfg Config) (*Muxer, error) {
	if len(cfg.Tracks) == 0 {
		return nil, errors.New("muxer: no tracks")
	}
	if len(cfg.Tracks) > MaxTracks {
		return nil, fmt.Errorf("%w: %d tracks", ErrTrackLimit, len(cfg.Tracks))
	}
	if cfg.Writer == nil {
		return nil, errors.New("muxer: no writer")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	m := &Muxer{
		log:       cfg.Log.With("component", "muxer"),
		w:         cfg.Writer,
		interval:  cfg.Interval,
		lowWater:  cfg.LowWater,
		highWater: cfg.HighWater,
		ringLimit: cfg.RingLimit,
		doneCh:    make(chan struct{}),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.lowWater == 0 {
		m.lowWater = defaultLowWater
	} else if m.lowWater < 0 {
		m.lowWater = 0
	}
	if m.highWater <= 0 {
		m.highWater = defaultHighWater
	}
	if m.ringLimit <= 0 {
		m.ringLimit = defaultRingLimit
	}

	for i, info := range cfg.Tracks {
		t := &track{info: info, continuous: info.Kind.Continuous()}
		m.tracks = append(m.tracks, t)
		if t.continuous {
			m.allReady.set(i)
		}
		m.allEOF.set(i)
	}
	if err := m.w.Init(cfg.Tracks); err != nil {
		return nil, fmt.Errorf("muxer: init writer: %w", err)
	}
	m.log.Info("initialized", "tracks", len(m.tracks), "interval", m.interval)
	return m, nil
}

// Done is closed once every track has ended and all data is written.
func (m *Muxer) Done() <-chan struct{} { return m.doneCh }

// Write accounts for one buffer of track i and writes whatever the
// interleave point allows. An EOF buffer ends the track.
func (m *Muxer) Write(i int, b *media.Buffer) error {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	if m.done || m.closed {
		m.mu.Unlock()
		return ErrDone
	}
	if i < 0 || i >= len(m.tracks) {
		m.mu.Unlock()
		return fmt.Errorf("muxer: no track %d", i)
	}

	t := m.tracks[i]
	if b.IsEOF() {
		m.eof.set(i)
		m.ready.set(i)
		m.log.Debug("track ended", "track", i, "frames", t.frames)
	} else {
		if err := t.mf.push(b, m.ringLimit); err != nil {
			m.err = fmt.Errorf("%w: track %d holds %d buffers", err, i, t.mf.len())
			m.mu.Unlock()
			m.log.Error("fatal", "error", m.err)
			return m.err
		}
		t.buffered += int64(b.Len())
		m.buffered += int64(b.Len())
		if !m.started && media.Valid(b.Start) {
			m.pts = b.Start
			m.started = true
		}
		if media.Valid(b.Start) && b.Start >= m.pts {
			m.ready.set(i)
		}
	}

	batch := m.collect()
	return m.flush(batch, m.done)
}

// collect runs the interleave passes and returns the buffers to write.
// Called with mu held.
func (m *Muxer) collect() []pending {
	caughtUp := m.ready.covers(&m.allReady) && m.buffered > m.lowWater
	if !caughtUp && m.eof != m.allEOF && m.buffered <= m.highWater {
		return nil
	}

	var out []pending
	more := m.eof == m.allEOF || m.buffered > m.highWater
	for (m.ready.covers(&m.allReady) && m.buffered > m.lowWater) || more {
		more = false
		for i, t := range m.tracks {
			out = m.drain(i, t, out)
			if !m.eof.has(i) {
				if n := t.mf.newest(); n == nil || n.Start < m.pts+m.interval {
					m.ready.clear(i)
				}
			}
		}
		if m.buffered > m.highWater {
			// A runaway track: move on even though others are not ready.
			// The bound is on the total across tracks.
			more = true
			m.forced++
		}
		if m.eof == m.allEOF {
			for _, t := range m.tracks {
				if !t.mf.empty() {
					more = true
					break
				}
			}
		}
		m.pts += m.interval
	}

	if m.eof == m.allEOF && m.empty() {
		m.done = true
	}
	return out
}

// drain moves every buffer of t that starts before the interleave point to
// out.
func (m *Muxer) drain(i int, t *track, out []pending) []pending {
	for {
		b := t.mf.peek()
		if b == nil || b.Start >= m.pts {
			return out
		}
		t.mf.pop()
		n := int64(b.Len())
		t.buffered -= n
		m.buffered -= n
		t.frames++
		t.bytes += n
		out = append(out, pending{track: i, buf: b})
	}
}

func (m *Muxer) empty() bool {
	for _, t := range m.tracks {
		if !t.mf.empty() {
			return false
		}
	}
	return true
}

// flush queues batch, releases mu and writes out the queue.
func (m *Muxer) flush(batch []pending, done bool) error {
	m.outq = append(m.outq, batch...)
	m.mu.Unlock()
	if len(batch) > 0 || done {
		m.wmu.Lock()
		err := m.writeOut()
		m.wmu.Unlock()
		if err != nil {
			return err
		}
	}
	if done {
		m.finish()
	}
	return nil
}

// writeOut writes every queued buffer. Called with wmu held.
func (m *Muxer) writeOut() error {
	m.mu.Lock()
	out, failed := m.outq, m.err
	m.outq = nil
	m.mu.Unlock()
	if failed != nil {
		return failed
	}
	if err := m.writeBatch(out); err != nil {
		m.mu.Lock()
		if m.err == nil {
			m.err = err
		}
		m.mu.Unlock()
		m.log.Error("fatal", "error", err)
		return err
	}
	return nil
}

func (m *Muxer) writeBatch(batch []pending) error {
	for _, p := range batch {
		if err := m.w.WriteChunk(p.track, p.buf); err != nil {
			return fmt.Errorf("muxer: write track %d: %w", p.track, err)
		}
	}
	return nil
}

func (m *Muxer) finish() {
	m.once.Do(func() {
		m.log.Info("all tracks done")
		close(m.doneCh)
	})
}

// Close writes out everything still buffered, regardless of readiness,
// and finalizes the container. It is safe to call more than once.
func (m *Muxer) Close() error {
	m.mu.Lock()
	if m.closed {
		err := m.err
		m.mu.Unlock()
		return err
	}
	m.closed = true

	var batch []pending
	for !m.empty() {
		before := len(batch)
		for i, t := range m.tracks {
			batch = m.drain(i, t, batch)
		}
		m.pts += m.interval
		if len(batch) == before {
			// Nothing within reach: jump to the earliest pending buffer.
			m.pts = max(m.pts, m.earliest()+1)
		}
	}
	m.done = true
	m.outq = append(m.outq, batch...)
	pts, forced := m.pts, m.forced
	m.mu.Unlock()

	m.wmu.Lock()
	defer m.wmu.Unlock()
	defer m.finish()

	if err := m.writeOut(); err != nil {
		return err
	}
	if err := m.w.Finalize(); err != nil {
		return fmt.Errorf("muxer: finalize: %w", err)
	}
	m.log.Info("closed", "pts", pts, "forced", forced)
	return nil
}

func (m *Muxer) earliest() int64 {
	first := int64(0)
	found := false
	for _, t := range m.tracks {
		if b := t.mf.peek(); b != nil && (!found || b.Start < first) {
			first, found = b.Start, true
		}
	}
	return first
}

// Stats returns a snapshot of the muxer counters.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Buffered: m.buffered, PTS: m.pts, Forced: m.forced, Done: m.done}
	for _, t := range m.tracks {
		s.Tracks = append(s.Tracks, TrackStats{
			StreamID: t.info.StreamID,
			Frames:   t.frames,
			Bytes:    t.bytes,
			Buffered: t.buffered,
		})
	}
	return s
}

// Run feeds the muxer from one queue per track, in track order, until
// every track has ended, then closes it. A fatal muxer error marks every
// input dead so upstream stages stop.
func (m *Muxer) Run(ctx context.Context, inputs []*fifo.Queue) error {
	if len(inputs) != len(m.tracks) {
		return fmt.Errorf("muxer: %d inputs for %d tracks", len(inputs), len(m.tracks))
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range inputs {
		g.Go(func() error {
			for {
				b, ok := q.Pop(gctx)
				if !ok {
					return gctx.Err()
				}
				eof := b.IsEOF()
				if err := m.Write(i, b); err != nil {
					if errors.Is(err, ErrDone) {
						return nil
					}
					for _, in := range inputs {
						in.MarkDead()
					}
					return err
				}
				if eof {
					return nil
				}
			}
		})
	}
	err := g.Wait()
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	return err
}
