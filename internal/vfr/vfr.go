// Package vfr paces decoded video to a frame rate policy. In constant and
// peak-capped modes it drops the frames that moved least when input runs
// ahead of the target rate, and constant mode duplicates frames to fill
// long gaps. Time lost to frames dropped upstream is spread over the
// neighbouring frames.
package vfr

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/zsiec/reel/internal/fifo"
	"github.com/zsiec/reel/internal/media"
)

// Mode is the frame rate policy.
type Mode int

const (
	// ModeVFR passes frames through with their own timing.
	ModeVFR Mode = iota
	// ModeCFR emits every frame with exactly the target duration.
	ModeCFR
	// ModePFR caps the frame rate at the target but never duplicates.
	ModePFR
)

func (m Mode) String() string {
	switch m {
	case ModeVFR:
		return "vfr"
	case ModeCFR:
		return "cfr"
	case ModePFR:
		return "pfr"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "vfr", "":
		return ModeVFR, nil
	case "cfr":
		return ModeCFR, nil
	case "pfr":
		return ModePFR, nil
	}
	return 0, fmt.Errorf("vfr: unknown mode %q", s)
}

const (
	delaySlots = 4
	maxDepth   = 32
)

// Config configures a Pacer.
type Config struct {
	Log  *slog.Logger
	Mode Mode
	// Interval is the target frame duration in 90 kHz ticks.
	Interval int64
	// InputInterval is the nominal input frame duration. It sizes the
	// analysis window to one cycle of a duplicate frame pattern.
	InputInterval int64
}

// Stats reports pacer counters.
type Stats struct {
	Frames int64
	Drops  int64
	Dups   int64
	// Bad counts input frames dropped for a non-increasing stop time.
	Bad    int64
	Lost   int64
	Gained int64
}

type entry struct {
	buf    *media.Buffer
	metric float64
}

// Pacer re-times one video stream. It is not safe for concurrent use
// except for Stats.
type Pacer struct {
	log      *slog.Logger
	mode     Mode
	interval int64
	depth    int

	// Input side: upstream gap detection and the delay line that absorbs
	// lost time.
	started   bool
	inLast    int64
	delay     []*media.Buffer
	lost      [delaySlots]int64
	chained   bool
	chainStop int64

	// Output side: the analysis window.
	window      []entry
	prev        plane
	havePrev    bool
	outStarted  bool
	outLastStop int64

	frames atomic.Int64
	drops  atomic.Int64
	dups   atomic.Int64
	bad    atomic.Int64
	lostT  atomic.Int64
	gained atomic.Int64
}

// New creates a Pacer.
func New(cfg Config) *Pacer {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	p := &Pacer{
		log:      cfg.Log.With("component", "vfr", "mode", cfg.Mode.String()),
		mode:     cfg.Mode,
		interval: cfg.Interval,
		depth:    analysisDepth(cfg.Interval, cfg.InputInterval),
	}
	if p.interval <= 0 {
		p.mode = ModeVFR
	}
	return p
}

// analysisDepth returns the window length that spans one cycle of the
// duplicate pattern implied by the two rates: an input running 5:4 faster
// than the target needs five frames to contain one surplus frame.
func analysisDepth(target, input int64) int {
	if target <= 0 || input <= 0 || input >= target {
		return 2
	}
	d := int(math.Ceil(float64(target) / float64(target-input)))
	return min(max(d, 2), maxDepth)
}

// Depth returns the analysis window length.
func (p *Pacer) Depth() int { return p.depth }

// Stats returns the current counters.
func (p *Pacer) Stats() Stats {
	return Stats{
		Frames: p.frames.Load(),
		Drops:  p.drops.Load(),
		Dups:   p.dups.Load(),
		Bad:    p.bad.Load(),
		Lost:   p.lostT.Load(),
		Gained: p.gained.Load(),
	}
}

// Push takes one input frame and returns the frames ready for output. An
// EOF buffer flushes everything held and is returned last.
func (p *Pacer) Push(b *media.Buffer) []*media.Buffer {
	if b.IsEOF() {
		var out []*media.Buffer
		for len(p.delay) > 0 {
			out = append(out, p.release()...)
		}
		for len(p.window) > 0 {
			out = append(out, p.decide()...)
		}
		s := p.Stats()
		p.log.Info("done", "frames", s.Frames, "drops", s.Drops, "dups", s.Dups,
			"bad", s.Bad, "lost", s.Lost, "gained", s.Gained)
		return append(out, b)
	}

	if !media.Valid(b.Start) {
		p.bad.Add(1)
		return nil
	}
	if !media.Valid(b.Stop) {
		d := b.Duration
		if d <= 0 {
			d = max(p.interval, 1)
		}
		b.Stop = b.Start + d
	}

	if p.started {
		if b.Stop <= p.inLast {
			// Broken upstream timing. Drop rather than go backwards.
			p.bad.Add(1)
			return nil
		}
		if gap := b.Start - p.inLast; gap > 0 {
			q := gap / 4
			p.lost[0] += q
			p.lost[1] += q
			p.lost[2] += q
			p.lost[3] += gap - 3*q
			p.lostT.Add(gap)
		}
	}
	p.started = true
	p.inLast = b.Stop

	p.delay = append(p.delay, b)
	if len(p.delay) < delaySlots {
		return nil
	}
	return p.release()
}

// release takes the oldest frame off the delay line, chains it to the
// previous one and extends it by its share of lost time.
func (p *Pacer) release() []*media.Buffer {
	b := p.delay[0]
	p.delay = p.delay[1:]

	d := b.Stop - b.Start
	if p.chained {
		b.Start = p.chainStop
	}
	if extra := p.lost[3]; extra > 0 {
		d += extra
		p.gained.Add(extra)
		p.lost[3], p.lost[2], p.lost[1], p.lost[0] = p.lost[2], p.lost[1], p.lost[0], 0
	}
	b.Stop = b.Start + d
	p.chained = true
	p.chainStop = b.Stop
	return p.adjust(b)
}

// adjust feeds the analysis window.
func (p *Pacer) adjust(b *media.Buffer) []*media.Buffer {
	if p.mode == ModeVFR {
		p.frames.Add(1)
		p.outLastStop = b.Stop
		return []*media.Buffer{b}
	}
	if !p.outStarted {
		p.outStarted = true
		p.outLastStop = b.Start
	}

	cur := lumaPlane(b)
	m := math.MaxFloat64
	if p.havePrev {
		m = motionMetric(p.prev, cur)
	}
	p.prev, p.havePrev = cur, true

	p.window = append(p.window, entry{buf: b, metric: m})
	if len(p.window) < p.depth {
		return nil
	}
	return p.decide()
}

// decide either drops the least-moving frame of the window, when emitting
// all of it at the target rate would overrun the input by more than half a
// frame, or emits the oldest frame.
func (p *Pacer) decide() []*media.Buffer {
	n := len(p.window)
	newest := p.window[n-1].buf.Stop
	if n > 1 && p.outLastStop+int64(n)*p.interval > newest+p.interval/2 {
		drop := 1
		for i := 2; i < n; i++ {
			if p.window[i].metric < p.window[drop].metric {
				drop = i
			}
		}
		p.log.Debug("drop", "start", p.window[drop].buf.Start, "metric", p.window[drop].metric)
		p.window = append(p.window[:drop], p.window[drop+1:]...)
		p.drops.Add(1)
		return nil
	}
	e := p.window[0]
	p.window = p.window[1:]
	return p.emit(e.buf)
}

// emit re-times b to follow the previous output frame.
func (p *Pacer) emit(b *media.Buffer) []*media.Buffer {
	start := p.outLastStop
	stop := b.Stop
	var out []*media.Buffer

	switch p.mode {
	case ModeCFR:
		copies := max(1, (stop-start+p.interval/2)/p.interval)
		for k := range copies {
			f := b
			if k > 0 {
				f = b.Clone()
				p.dups.Add(1)
			}
			f.Start = start + k*p.interval
			f.Stop = f.Start + p.interval
			out = append(out, f)
		}
	case ModePFR:
		if stop-start < p.interval {
			stop = start + p.interval
		}
		b.Start, b.Stop = start, stop
		out = append(out, b)
	}

	for _, f := range out {
		f.RenderOffset = f.Start
		f.Duration = f.Stop - f.Start
	}
	p.outLastStop = out[len(out)-1].Stop
	p.frames.Add(int64(len(out)))
	return out
}

// Run paces frames from in to out until EOF. On cancellation out is marked
// dead.
func (p *Pacer) Run(ctx context.Context, in, out *fifo.Queue) error {
	for {
		b, ok := in.Pop(ctx)
		if !ok {
			out.MarkDead()
			return ctx.Err()
		}
		eof := b.IsEOF()
		for _, f := range p.Push(b) {
			if !out.Push(ctx, f) && ctx.Err() != nil {
				out.MarkDead()
				return ctx.Err()
			}
		}
		if eof {
			return nil
		}
	}
}
