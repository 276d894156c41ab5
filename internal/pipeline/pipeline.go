// Package pipeline runs one transcode job: it scans the source, wires the
// reader, the external codec stages, the frame-rate pacer and the muxer
// together with queues, and reports progress until the output is finalized.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/fifo"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/internal/reader"
	"github.com/zsiec/reel/internal/source"
	"github.com/zsiec/reel/internal/vfr"
)

const defaultProgressInterval = time.Second

// Status is the state of a job.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusCanceled
	StatusFailed
	// StatusSourceFailed means the source stopped delivering data. Whatever
	// was read before the failure has been muxed and finalized.
	StatusSourceFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	case StatusSourceFailed:
		return "source_failed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Stage is an external processing step on one stream, such as a decoder,
// a filter chain or an encoder. Run pops from in until it sees EOF, pushes
// its results to out followed by an EOF, and returns. When ctx is cancelled
// it marks out dead and returns ctx.Err().
type Stage interface {
	Run(ctx context.Context, in, out *fifo.Queue) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, in, out *fifo.Queue) error

func (f StageFunc) Run(ctx context.Context, in, out *fifo.Queue) error { return f(ctx, in, out) }

// Branch describes how one input stream reaches the muxer.
type Branch struct {
	// Track describes the muxed output of the branch.
	Track muxer.TrackInfo
	// Decode turns the stream into raw frames. For video the pacer runs
	// between Decode and Encode when Decode is not empty.
	Decode []Stage
	// Encode produces the track's coded data.
	Encode []Stage
}

// Planner decides the branch for a scanned stream. Streams it declines are
// not read.
type Planner func(reader.StreamInfo) (Branch, bool)

// Passthrough muxes streams without processing, using the template track
// for their kind. Kinds without a template are skipped, as is every video
// stream after the first.
func Passthrough(templates map[media.Kind]muxer.TrackInfo) Planner {
	video := false
	return func(s reader.StreamInfo) (Branch, bool) {
		t, ok := templates[s.Kind]
		if !ok || (s.Kind == media.KindVideo && video) {
			return Branch{}, false
		}
		if s.Kind == media.KindVideo {
			video = true
		}
		t.StreamID = s.ID
		t.Kind = s.Kind
		return Branch{Track: t}, true
	}
}

// Config configures a Job.
type Config struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
	Key     string

	// Source is read from the start. The job closes it.
	Source source.Source
	// Writer receives the muxed container. The job finalizes it but does
	// not close the underlying sink.
	Writer muxer.Writer
	Plan   Planner

	// FrameInterval is the nominal video frame duration in 90 kHz ticks.
	FrameInterval int64
	// Pacer configures the frame-rate pacer of decoded video branches.
	// Its Interval defaults to FrameInterval.
	Pacer vfr.Config

	ChapterStart int
	ChapterEnd   int
	StopPTS      int64
	Captions     bool
	MaxErrors    int

	// QueueSize overrides the per-kind queue capacities.
	QueueSize    int
	MuxLowWater  int64
	MuxHighWater int64

	ProgressInterval time.Duration
	// OnProgress, when set, is called from the reporting goroutine.
	OnProgress func(Progress)
}

// Progress is the periodic job report.
type Progress struct {
	// Progress is the fraction of the input consumed.
	Progress float64
	// Rate is video frames muxed per second over the last interval.
	Rate float64
	// AvgRate is video frames muxed per second since the job started.
	AvgRate float64
	// ETA is the estimated time remaining, 0 when unknown.
	ETA    time.Duration
	Frames int64
}

// QueueStats reports one inter-stage queue.
type QueueStats struct {
	Name     string
	Size     int
	Capacity int
	Dead     bool
}

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	Key       string
	Status    Status
	StartedAt time.Time
	Progress  Progress
	Reader    reader.Stats
	Muxer     muxer.Stats
	Pacers    []vfr.Stats
	Queues    []QueueStats
	Error     string
}

// Job is one transcode run.
type Job struct {
	log *slog.Logger
	cfg Config

	status atomic.Int32

	mu        sync.Mutex
	startedAt time.Time
	progress  Progress
	err       error
	reader    *reader.Reader
	mux       *muxer.Muxer
	pacers    []*vfr.Pacer
	queues    []*fifo.Queue
	videoTrk  int

	// last holds the counters already reported to metrics.
	last counters
}

type counters struct {
	reader reader.Stats
	tracks []muxer.TrackStats
	forced int64
	pacer  vfr.Stats
	frames int64
	at     time.Time
}

// New validates cfg and creates a pending Job.
func New(cfg Config) (*Job, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: no source")
	}
	if cfg.Writer == nil {
		return nil, errors.New("pipeline: no writer")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Plan == nil {
		return nil, errors.New("pipeline: no planner")
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 3003
	}
	if cfg.Pacer.Interval <= 0 {
		cfg.Pacer.Interval = cfg.FrameInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &Job{
		log:      cfg.Log.With("component", "pipeline", "job", cfg.Key),
		cfg:      cfg,
		videoTrk: -1,
	}, nil
}

// Key returns the job key.
func (j *Job) Key() string { return j.cfg.Key }

// Status returns the current status.
func (j *Job) Status() Status { return Status(j.status.Load()) }

// Progress returns the latest progress report.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Snapshot returns the job state for status reporting.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		Key:       j.cfg.Key,
		Status:    j.Status(),
		StartedAt: j.startedAt,
		Progress:  j.progress,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	if j.reader != nil {
		s.Reader = j.reader.Stats()
	}
	if j.mux != nil {
		s.Muxer = j.mux.Stats()
	}
	for _, p := range j.pacers {
		s.Pacers = append(s.Pacers, p.Stats())
	}
	for _, q := range j.queues {
		s.Queues = append(s.Queues, QueueStats{Name: q.Name(), Size: q.Size(), Capacity: q.Capacity(), Dead: q.Dead()})
	}
	return s
}

// Run executes the job to completion. It returns nil when the output was
// finalized from a complete read, reader.ErrSourceFailed (wrapped) when the
// source failed part way and the partial output was finalized, and any other
// error when the job failed or was cancelled.
func (j *Job) Run(ctx context.Context) (err error) {
	if !j.status.CompareAndSwap(int32(StatusPending), int32(StatusRunning)) {
		return errors.New("pipeline: job already started")
	}
	j.mu.Lock()
	j.startedAt = time.Now()
	j.last.at = j.startedAt
	j.mu.Unlock()
	if m := j.cfg.Metrics; m != nil {
		m.RecordJobStart()
	}
	j.log.Info("job starting")

	var sourceErr error
	defer func() {
		st := StatusDone
		switch {
		case err == nil && sourceErr != nil:
			st, err = StatusSourceFailed, sourceErr
		case err != nil && ctx.Err() != nil:
			st = StatusCanceled
		case err != nil:
			st = StatusFailed
		}
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		j.status.Store(int32(st))
		elapsed := time.Since(j.startedAt)
		if m := j.cfg.Metrics; m != nil {
			m.RecordJobEnd(j.cfg.Key, st.String(), elapsed.Seconds())
		}
		if err != nil {
			j.log.Error("job ended", "status", st, "elapsed", elapsed, "error", err)
		} else {
			j.log.Info("job ended", "status", st, "elapsed", elapsed)
		}
	}()

	src := j.cfg.Source
	defer src.Close()

	streams, src, err := reader.Scan(ctx, src, reader.ScanOptions{Log: j.cfg.Log, Captions: j.cfg.Captions})
	if err != nil {
		if ctx.Err() == nil {
			sourceErr = fmt.Errorf("%w: %w", reader.ErrSourceFailed, err)
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runs, muxIn, tracks, err := j.build(streams)
	if err != nil {
		return err
	}

	mux, err := muxer.New(muxer.Config{
		Log:       j.cfg.Log.With("job", j.cfg.Key),
		Writer:    j.cfg.Writer,
		Tracks:    tracks,
		Interval:  j.cfg.FrameInterval,
		LowWater:  j.cfg.MuxLowWater,
		HighWater: j.cfg.MuxHighWater,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	routes := make(map[uint32][]*fifo.Queue, len(tracks))
	j.mu.Lock()
	for i, t := range tracks {
		routes[t.StreamID] = []*fifo.Queue{j.queues[i]}
	}
	j.mu.Unlock()
	rcfg := reader.Config{
		Log:           j.cfg.Log.With("job", j.cfg.Key),
		Routes:        routes,
		ChapterEnd:    j.cfg.ChapterEnd,
		StopPTS:       j.cfg.StopPTS,
		FrameInterval: j.cfg.FrameInterval,
		MaxErrors:     j.cfg.MaxErrors,
		Captions:      j.cfg.Captions,
	}
	if j.cfg.ChapterStart > 1 {
		to := source.AtChapter(j.cfg.ChapterStart)
		rcfg.Seek = &to
	}
	rd, err := reader.New(src, rcfg)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	j.mu.Lock()
	j.reader, j.mux = rd, mux
	j.mu.Unlock()

	g.Go(func() error {
		err := rd.Run(gctx)
		if errors.Is(err, reader.ErrSourceFailed) {
			// EOF has been pushed downstream; let the muxer finish.
			sourceErr = err
			return nil
		}
		return err
	})
	for _, run := range runs {
		g.Go(func() error { return run(gctx) })
	}
	g.Go(func() error { return mux.Run(gctx, muxIn) })

	stop := make(chan struct{})
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		j.reportLoop(stop)
	}()

	err = g.Wait()
	close(stop)
	<-reported
	j.report()
	return err
}

// build creates the queues and stage goroutines for every planned stream.
// j.queues starts with the reader output queue of each track, in track
// order.
func (j *Job) build(streams []reader.StreamInfo) ([]func(context.Context) error, []*fifo.Queue, []muxer.TrackInfo, error) {
	type planned struct {
		info   reader.StreamInfo
		branch Branch
	}
	var plans []planned
	for _, s := range streams {
		b, ok := j.cfg.Plan(s)
		if !ok {
			j.log.Info("skipping stream", "stream", s.ID, "kind", s.Kind)
			continue
		}
		plans = append(plans, planned{info: s, branch: b})
	}
	if len(plans) == 0 {
		return nil, nil, nil, errors.New("pipeline: no streams to mux")
	}

	var (
		runs   []func(context.Context) error
		heads  []*fifo.Queue
		inner  []*fifo.Queue
		muxIn  []*fifo.Queue
		tracks []muxer.TrackInfo
		pacers []*vfr.Pacer
		video  = -1
	)
	for i, p := range plans {
		kind := p.info.Kind
		name := func(stage string) string {
			return j.cfg.Key + "/" + strconv.FormatUint(uint64(p.info.ID), 10) + "/" + stage
		}
		head := fifo.New(name("read"), j.queueSize(kind))
		heads = append(heads, head)
		cur := head

		chain := func(stage string, s Stage) {
			in, out := cur, fifo.New(name(stage), j.queueSize(kind))
			inner = append(inner, out)
			runs = append(runs, func(ctx context.Context) error {
				if err := s.Run(ctx, in, out); err != nil {
					return fmt.Errorf("pipeline: stream %d %s: %w", p.info.ID, stage, err)
				}
				return nil
			})
			cur = out
		}
		for k, s := range p.branch.Decode {
			chain("decode"+strconv.Itoa(k), s)
		}
		if kind == media.KindVideo && len(p.branch.Decode) > 0 {
			pc := j.cfg.Pacer
			pc.Log = j.cfg.Log.With("job", j.cfg.Key)
			pacer := vfr.New(pc)
			pacers = append(pacers, pacer)
			chain("pacer", pacer)
		}
		for k, s := range p.branch.Encode {
			chain("encode"+strconv.Itoa(k), s)
		}

		muxIn = append(muxIn, cur)
		t := p.branch.Track
		t.StreamID, t.Kind = p.info.ID, kind
		tracks = append(tracks, t)
		if kind == media.KindVideo && video < 0 {
			video = i
		}
	}
	j.mu.Lock()
	j.queues = append(heads, inner...)
	j.pacers = pacers
	j.videoTrk = video
	j.mu.Unlock()
	return runs, muxIn, tracks, nil
}

func (j *Job) queueSize(kind media.Kind) int {
	if j.cfg.QueueSize > 0 {
		return j.cfg.QueueSize
	}
	switch kind {
	case media.KindVideo:
		return media.VideoQueueSize
	case media.KindAudio:
		return media.AudioQueueSize
	case media.KindSubtitle:
		return media.SubtitleQueueSize
	}
	return media.MuxQueueSize
}

func (j *Job) reportLoop(stop <-chan struct{}) {
	t := time.NewTicker(j.cfg.ProgressInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			j.report()
		}
	}
}

// report computes the progress tuple and pushes counter deltas to metrics.
func (j *Job) report() {
	j.mu.Lock()
	if j.reader == nil || j.mux == nil {
		j.mu.Unlock()
		return
	}
	now := time.Now()
	rs := j.reader.Stats()
	ms := j.mux.Stats()
	var ps vfr.Stats
	for _, p := range j.pacers {
		s := p.Stats()
		ps.Frames += s.Frames
		ps.Drops += s.Drops
		ps.Dups += s.Dups
		ps.Bad += s.Bad
	}

	var frames int64
	if j.videoTrk >= 0 {
		frames = ms.Tracks[j.videoTrk].Frames
	} else {
		for _, t := range ms.Tracks {
			frames += t.Frames
		}
	}
	frac := j.reader.Progress()
	if st := j.reader.State(); st == reader.StateDone && ms.Done {
		frac = 1
	}
	elapsed := now.Sub(j.startedAt).Seconds()
	p := Progress{Progress: frac, Frames: frames}
	if dt := now.Sub(j.last.at).Seconds(); dt > 0 {
		p.Rate = float64(frames-j.last.frames) / dt
	}
	if elapsed > 0 {
		p.AvgRate = float64(frames) / elapsed
	}
	if frac > 0 && frac < 1 {
		p.ETA = time.Duration(elapsed * (1 - frac) / frac * float64(time.Second))
	}
	j.progress = p

	last := j.last
	j.last = counters{reader: rs, tracks: ms.Tracks, forced: ms.Forced, pacer: ps, frames: frames, at: now}
	queues := make([]QueueStats, 0, len(j.queues))
	for _, q := range j.queues {
		queues = append(queues, QueueStats{Name: q.Name(), Size: q.Size()})
	}
	j.mu.Unlock()

	if m := j.cfg.Metrics; m != nil {
		key := j.cfg.Key
		m.RecordProgress(key, p.Progress, p.Rate)
		m.RecordReader(key, rs.Chunks-last.reader.Chunks, rs.Corrupt-last.reader.Corrupt, rs.Epochs-last.reader.Epochs)
		for i, t := range ms.Tracks {
			var prev muxer.TrackStats
			if i < len(last.tracks) {
				prev = last.tracks[i]
			}
			m.RecordMuxTrack(key, strconv.FormatUint(uint64(t.StreamID), 10), t.Frames-prev.Frames, t.Bytes-prev.Bytes)
		}
		m.RecordMux(key, ms.Buffered, ms.Forced-last.forced)
		m.RecordPacer(key, ps.Frames-last.pacer.Frames, ps.Drops-last.pacer.Drops, ps.Dups-last.pacer.Dups, ps.Bad-last.pacer.Bad)
		for _, q := range queues {
			m.RecordQueue(key, q.Name, q.Size)
		}
	}
	if cb := j.cfg.OnProgress; cb != nil {
		cb(p)
	}
	j.log.Debug("progress", "progress", p.Progress, "rate", p.Rate, "avg_rate", p.AvgRate, "eta", p.ETA, "frames", p.Frames)
}
