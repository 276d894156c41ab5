// Package reader drives a source through its demultiplexer and fans the
// resulting elementary stream buffers out to per-stream queues with
// timestamps that keep increasing across source clock resets.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/fifo"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/source"
)

// ErrSourceFailed is returned by Run when the source keeps failing. The
// downstream queues still receive EOF, so the pipeline shuts down as if the
// input had ended.
var ErrSourceFailed = errors.New("reader: source failed")

const (
	defaultFrameInterval = 3003
	defaultMaxErrors     = 16
)

// State is the reader lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a Reader.
type Config struct {
	Log *slog.Logger

	// Routes maps a stream id to its destination queues. Buffers of
	// unrouted streams are dropped. The first queue receives the original
	// buffer and every other queue a copy.
	Routes map[uint32][]*fifo.Queue

	// Seek, when set, positions the source before reading starts.
	Seek *source.SeekTarget
	// ChapterEnd stops reading after this chapter. Zero reads to the end.
	ChapterEnd int
	// StopPTS stops reading once a corrected video timestamp reaches it.
	// Zero disables the limit.
	StopPTS int64

	// FrameInterval is the gap inserted between the last timestamp of one
	// clock epoch and the first of the next, in 90 kHz ticks.
	FrameInterval int64
	// MaxErrors is the number of consecutive source read errors after
	// which the source is considered failed.
	MaxErrors int
	// Captions enables caption extraction in the demultiplexer.
	Captions bool
}

// Stats is a snapshot of reader counters.
type Stats struct {
	Chunks  int64
	Buffers int64
	Dropped int64
	Corrupt int64
	Epochs  int64
}

// Reader moves data from one source to the pipeline queues.
type Reader struct {
	log   *slog.Logger
	cfg   Config
	src   source.Source
	dmx   demux.Demultiplexer
	clock *demux.ClockState

	// outputs lists each destination queue once, with the stream id used
	// for its EOF marker.
	outputs []output

	hasEpoch  bool
	epoch     int
	offset    int64
	lastStart int64
	splices   map[uint32]*media.Buffer

	state   atomic.Int32
	chunks  atomic.Int64
	buffers atomic.Int64
	dropped atomic.Int64
	corrupt atomic.Int64
	epochs  atomic.Int64
}

type output struct {
	streamID uint32
	q        *fifo.Queue
}

// New creates a Reader for src. The demultiplexer variant follows the
// source kind.
func New(src source.Source, cfg Config) (*Reader, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaultMaxErrors
	}
	log := cfg.Log.With("component", "reader")

	dmx, err := demux.New(src.Kind(), demux.Options{
		Log:        cfg.Log,
		PacketSize: src.PacketSize(),
		Captions:   cfg.Captions,
	})
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}

	r := &Reader{
		log:       log,
		cfg:       cfg,
		src:       src,
		dmx:       dmx,
		clock:     demux.NewClockState(),
		lastStart: media.NoTimestamp,
		splices:   make(map[uint32]*media.Buffer),
	}
	seen := make(map[*fifo.Queue]bool)
	for id, qs := range cfg.Routes {
		for _, q := range qs {
			if !seen[q] {
				seen[q] = true
				r.outputs = append(r.outputs, output{streamID: id, q: q})
			}
		}
	}
	return r, nil
}

// State returns the current lifecycle state.
func (r *Reader) State() State { return State(r.state.Load()) }

// Progress is the fraction of the source consumed.
func (r *Reader) Progress() float64 { return r.src.Progress() }

// Stats returns the current counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Chunks:  r.chunks.Load(),
		Buffers: r.buffers.Load(),
		Dropped: r.dropped.Load(),
		Corrupt: r.corrupt.Load(),
		Epochs:  r.epochs.Load(),
	}
}

// ClockChanges returns the number of clock epochs the demultiplexer has
// seen.
func (r *Reader) ClockChanges() int { return r.clock.SCRChanges }

// Run reads until the input ends, the chapter range or stop timestamp is
// reached, or ctx is cancelled. Every output queue receives an EOF buffer
// unless ctx is cancelled, in which case the queues are marked dead instead.
func (r *Reader) Run(ctx context.Context) error {
	r.state.Store(int32(StateStreaming))
	defer r.state.Store(int32(StateDone))

	if r.cfg.Seek != nil {
		if err := r.src.Seek(ctx, *r.cfg.Seek); err != nil {
			r.finish(ctx)
			return fmt.Errorf("reader: seek: %w", err)
		}
		r.dmx.Reset()
		r.clock.Reset()
	}

	errs := 0
	for {
		if ctx.Err() != nil {
			return r.abort(ctx)
		}
		chunk, err := r.src.ReadChunk(ctx)
		if errors.Is(err, io.EOF) {
			bufs, stop := r.correct(r.dmx.Flush(r.clock))
			if !r.emit(ctx, bufs) {
				return r.abort(ctx)
			}
			if stop {
				r.log.Info("stop timestamp reached", "stop", r.cfg.StopPTS)
			}
			r.log.Info("end of input", "chunks", r.chunks.Load())
			r.finish(ctx)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.abort(ctx)
			}
			errs++
			r.log.Warn("read failed", "error", err, "consecutive", errs)
			if errs >= r.cfg.MaxErrors {
				r.log.Error("giving up on source", "error", err)
				r.finish(ctx)
				return fmt.Errorf("%w: %w", ErrSourceFailed, err)
			}
			continue
		}
		errs = 0
		r.chunks.Add(1)

		if r.cfg.ChapterEnd > 0 && chunk.Chapter > r.cfg.ChapterEnd {
			r.log.Info("chapter range done", "chapter", chunk.Chapter)
			r.finish(ctx)
			return nil
		}

		bufs, err := r.dmx.Demultiplex(chunk, r.clock)
		if err != nil {
			r.corrupt.Add(1)
			r.log.Debug("skipping corrupt chunk", "offset", chunk.Offset, "error", err)
			continue
		}
		bufs, stop := r.correct(bufs)
		if !r.emit(ctx, bufs) {
			return r.abort(ctx)
		}
		if stop {
			r.log.Info("stop timestamp reached", "stop", r.cfg.StopPTS)
			r.finish(ctx)
			return nil
		}
	}
}

// correct applies the epoch offset to bufs and reports whether the stop
// timestamp was reached. Buffers from the stop point on are dropped.
func (r *Reader) correct(bufs []*media.Buffer) ([]*media.Buffer, bool) {
	for i, b := range bufs {
		if media.Valid(b.Start) && (!r.hasEpoch || b.SCRSequence != r.epoch) {
			r.newOffset(b)
		}
		if !r.hasEpoch || b.SCRSequence != r.epoch {
			// No timestamp has anchored this epoch yet, so the offset is
			// unknown.
			b.Start = media.NoTimestamp
			b.Stop = media.NoTimestamp
			b.RenderOffset = media.NoTimestamp
			continue
		}
		b.Shift(r.offset)
		if !media.Valid(b.Start) {
			continue
		}
		if r.cfg.StopPTS > 0 && b.Kind == media.KindVideo && b.Start >= r.cfg.StopPTS {
			return bufs[:i], true
		}
		if !media.Valid(r.lastStart) || b.Start > r.lastStart {
			r.lastStart = b.Start
		}
	}
	return bufs, false
}

// newOffset anchors the epoch of b so that its first timestamp follows the
// latest corrected timestamp by one frame interval.
func (r *Reader) newOffset(b *media.Buffer) {
	if media.Valid(r.lastStart) {
		r.offset = r.lastStart + r.cfg.FrameInterval - b.Start
	} else {
		r.offset = -b.Start
	}
	r.hasEpoch = true
	r.epoch = b.SCRSequence
	r.epochs.Add(1)
	r.log.Debug("new clock epoch", "sequence", b.SCRSequence, "offset", r.offset)
}

// emit reassembles split buffers and routes the rest. It returns false when
// ctx ends while waiting on a queue.
func (r *Reader) emit(ctx context.Context, bufs []*media.Buffer) bool {
	for _, b := range bufs {
		b = r.splice(b)
		if b == nil {
			continue
		}
		if !r.route(ctx, b) {
			return false
		}
	}
	return true
}

// splice joins a run of split fragments of one stream. It returns nil while
// the run is incomplete and the joined buffer once the final fragment
// arrives.
func (r *Reader) splice(b *media.Buffer) *media.Buffer {
	head := r.splices[b.StreamID]
	if b.Flags&media.FlagSplit != 0 {
		if head == nil {
			r.splices[b.StreamID] = b
		} else {
			head.Payload = append(head.Payload, b.Payload...)
		}
		return nil
	}
	if head == nil {
		return b
	}
	delete(r.splices, b.StreamID)
	head.Payload = append(head.Payload, b.Payload...)
	head.Flags &^= media.FlagSplit
	head.Flags |= b.Flags
	if !media.Valid(head.Stop) {
		head.Stop = b.Stop
	}
	return head
}

func (r *Reader) route(ctx context.Context, b *media.Buffer) bool {
	qs := r.cfg.Routes[b.StreamID]
	if len(qs) == 0 {
		r.dropped.Add(1)
		return true
	}
	for i := len(qs) - 1; i >= 0; i-- {
		out := b
		if i > 0 {
			out = b.Clone()
		}
		if !qs[i].Push(ctx, out) && ctx.Err() != nil {
			return false
		}
	}
	r.buffers.Add(1)
	return true
}

// finish flushes incomplete splices and sends EOF downstream.
func (r *Reader) finish(ctx context.Context) {
	for id, head := range r.splices {
		delete(r.splices, id)
		head.Flags &^= media.FlagSplit
		r.route(ctx, head)
	}
	for _, o := range r.outputs {
		o.q.Push(ctx, media.NewEOF(o.streamID))
	}
}

// abort marks every output queue dead so downstream stages stop waiting.
func (r *Reader) abort(ctx context.Context) error {
	r.log.Info("cancelled")
	for _, o := range r.outputs {
		o.q.MarkDead()
	}
	return ctx.Err()
}
