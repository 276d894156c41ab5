package muxer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/fifo"
	"github.com/zsiec/reel/internal/media"
)

const interval = 3003

func frame(id uint32, kind media.Kind, start int64, size int) *media.Buffer {
	b := media.NewBuffer(size)
	b.StreamID = id
	b.Kind = kind
	b.Start = start
	b.Stop = start + interval
	b.RenderOffset = start
	return b
}

var (
	videoTrack    = TrackInfo{StreamID: 1, Kind: media.KindVideo, Codec: "h264"}
	audioTrack    = TrackInfo{StreamID: 2, Kind: media.KindAudio, Codec: "aac"}
	subtitleTrack = TrackInfo{StreamID: 3, Kind: media.KindSubtitle, Codec: "text"}
)

func newMuxer(t *testing.T, rec *Recorder, cfg Config) *Muxer {
	t.Helper()
	cfg.Writer = rec
	if cfg.Interval == 0 {
		cfg.Interval = interval
	}
	if cfg.LowWater == 0 {
		cfg.LowWater = -1
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func write(t *testing.T, m *Muxer, track int, b *media.Buffer) {
	t.Helper()
	if err := m.Write(track, b); err != nil {
		t.Fatalf("Write(%d): %v", track, err)
	}
}

// checkWindows verifies that the interleave window of each written buffer
// never goes backwards.
func checkWindows(t *testing.T, recs []Record) {
	t.Helper()
	last := int64(-1)
	for i, r := range recs {
		w := r.Buffer.Start / interval
		if w < last {
			t.Errorf("record %d: window %d after %d", i, w, last)
		}
		last = w
	}
}

func TestMuxer_ScenarioA(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	m := newMuxer(t, rec, Config{Tracks: []TrackInfo{videoTrack, audioTrack}})
	for i := range 10 {
		write(t, m, 0, frame(1, media.KindVideo, int64(i)*interval, 100))
		write(t, m, 1, frame(2, media.KindAudio, int64(i)*interval, 10))
	}
	write(t, m, 0, media.NewEOF(1))
	write(t, m, 1, media.NewEOF(2))

	select {
	case <-m.Done():
	default:
		t.Fatal("muxer not done after every track ended")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	recs := rec.Snapshot()
	if len(recs) != 20 {
		t.Fatalf("got %d records, want 20", len(recs))
	}
	for i, r := range recs {
		want := uint32(r.Track + 1)
		if r.Buffer.StreamID != want {
			t.Errorf("record %d: stream %d on track %d", i, r.Buffer.StreamID, r.Track)
		}
	}
	checkWindows(t, recs)
	if !rec.Finalized {
		t.Error("writer not finalized")
	}
	if err := m.Write(0, frame(1, media.KindVideo, 0, 1)); !errors.Is(err, ErrDone) {
		t.Errorf("write after done: got %v, want ErrDone", err)
	}
}

func TestMuxer_IntermittentTrackDoesNotStall(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	m := newMuxer(t, rec, Config{Tracks: []TrackInfo{videoTrack, audioTrack, subtitleTrack}})
	for i := range 50 {
		write(t, m, 0, frame(1, media.KindVideo, int64(i)*interval, 100))
		write(t, m, 1, frame(2, media.KindAudio, int64(i)*interval, 10))
	}
	if n := len(rec.Snapshot()); n < 90 {
		t.Fatalf("only %d records written while the subtitle track was idle", n)
	}

	write(t, m, 2, frame(3, media.KindSubtitle, 60*interval, 5))
	for i := 50; i < 70; i++ {
		write(t, m, 0, frame(1, media.KindVideo, int64(i)*interval, 100))
		write(t, m, 1, frame(2, media.KindAudio, int64(i)*interval, 10))
	}
	for i, id := range []uint32{1, 2, 3} {
		write(t, m, i, media.NewEOF(id))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	recs := rec.Snapshot()
	if len(recs) != 141 {
		t.Fatalf("got %d records, want 141", len(recs))
	}
	checkWindows(t, recs)
	for i, r := range recs {
		if r.Track != 2 {
			continue
		}
		for _, before := range recs[:i] {
			if before.Buffer.Start/interval > r.Buffer.Start/interval {
				t.Errorf("subtitle at %d written after window %d", r.Buffer.Start, before.Buffer.Start/interval)
			}
		}
	}
}

func TestMuxer_BoundedMemory(t *testing.T) {
	t.Parallel()
	const (
		high = 10_000
		size = 1000
	)
	rec := &Recorder{}
	m := newMuxer(t, rec, Config{
		Tracks:    []TrackInfo{videoTrack, audioTrack},
		HighWater: high,
	})
	// The audio encoder never produces anything.
	for i := range 200 {
		write(t, m, 0, frame(1, media.KindVideo, int64(i)*interval, size))
		if got := m.Stats().Buffered; got > high+size {
			t.Fatalf("after %d buffers: %d bytes buffered, limit %d", i+1, got, high+size)
		}
	}
	s := m.Stats()
	if s.Forced == 0 {
		t.Error("expected forced interleave advances")
	}
	if s.Tracks[0].Frames == 0 {
		t.Error("nothing written for the runaway track")
	}
}

func TestMuxer_Completeness(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	m := newMuxer(t, rec, Config{Tracks: []TrackInfo{videoTrack, audioTrack, audioTrack, subtitleTrack}})

	counts := []int{120, 200, 75, 6}
	durations := []int64{interval, 1920, 3840, 90000}
	next := make([]int, len(counts))
	for remaining := true; remaining; {
		remaining = false
		for tr := range counts {
			if next[tr] >= counts[tr] {
				continue
			}
			remaining = true
			kind := media.KindAudio
			switch tr {
			case 0:
				kind = media.KindVideo
			case 3:
				kind = media.KindSubtitle
			}
			write(t, m, tr, frame(uint32(tr+1), kind, int64(next[tr])*durations[tr], 64))
			next[tr]++
		}
	}
	for tr := range counts {
		write(t, m, tr, media.NewEOF(uint32(tr+1)))
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	got := make([]int, len(counts))
	for _, r := range rec.Snapshot() {
		got[r.Track]++
	}
	for tr := range counts {
		if got[tr] != counts[tr] {
			t.Errorf("track %d: wrote %d, want %d", tr, got[tr], counts[tr])
		}
	}
	s := m.Stats()
	if s.Buffered != 0 || !s.Done {
		t.Errorf("stats after close: %+v", s)
	}
}

func TestMuxer_CloseFlushesWithoutEOF(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	m := newMuxer(t, rec, Config{Tracks: []TrackInfo{videoTrack, audioTrack}, LowWater: 1 << 20})
	for i := range 5 {
		write(t, m, 0, frame(1, media.KindVideo, int64(i)*interval, 10))
	}
	write(t, m, 1, frame(2, media.KindAudio, 400*interval, 10))
	if n := len(rec.Snapshot()); n != 0 {
		t.Fatalf("wrote %d records below the low-water mark", n)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if n := len(rec.Snapshot()); n != 6 {
		t.Errorf("got %d records after close, want 6", n)
	}
	if !rec.Finalized {
		t.Error("writer not finalized")
	}
}

// gatedWriter holds every WriteChunk call until gate is closed.
type gatedWriter struct {
	Recorder
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (w *gatedWriter) WriteChunk(track int, b *media.Buffer) error {
	w.once.Do(func() { close(w.entered) })
	<-w.gate
	return w.Recorder.WriteChunk(track, b)
}

func statsWithin(t *testing.T, m *Muxer) Stats {
	t.Helper()
	ch := make(chan Stats, 1)
	go func() { ch <- m.Stats() }()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind the writer")
		return Stats{}
	}
}

func TestMuxer_WriterCallDoesNotBlockAccounting(t *testing.T) {
	t.Parallel()
	w := &gatedWriter{entered: make(chan struct{}), gate: make(chan struct{})}
	release := sync.OnceFunc(func() { close(w.gate) })
	t.Cleanup(release)
	m, err := New(Config{Writer: w, Tracks: []TrackInfo{videoTrack, audioTrack}, Interval: interval, LowWater: -1})
	if err != nil {
		t.Fatal(err)
	}

	write(t, m, 0, frame(1, media.KindVideo, 0, 10))
	write(t, m, 1, frame(2, media.KindAudio, 0, 10))
	write(t, m, 0, frame(1, media.KindVideo, interval, 10))
	errs := make(chan error, 2)
	go func() { errs <- m.Write(1, frame(2, media.KindAudio, interval, 10)) }()
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch never reached the writer")
	}

	// A second feeder collects the next window while the first batch is
	// still inside the writer.
	go func() {
		if err := m.Write(0, frame(1, media.KindVideo, 2*interval, 10)); err != nil {
			errs <- err
			return
		}
		errs <- m.Write(1, frame(2, media.KindAudio, 2*interval, 10))
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s := statsWithin(t, m); s.Tracks[0].Frames < 2; s = statsWithin(t, m) {
		if time.Now().After(deadline) {
			t.Fatalf("video frames collected: got %d, want 2", s.Tracks[0].Frames)
		}
		time.Sleep(time.Millisecond)
	}
	statsWithin(t, m)

	release()
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	want := []struct {
		track int
		start int64
	}{{0, 0}, {1, 0}, {0, interval}, {1, interval}}
	recs := w.Snapshot()
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, r := range recs {
		if r.Track != want[i].track || r.Buffer.Start != want[i].start {
			t.Errorf("record %d: got track %d start %d, want track %d start %d",
				i, r.Track, r.Buffer.Start, want[i].track, want[i].start)
		}
	}
}

func TestMuxer_Limits(t *testing.T) {
	t.Parallel()
	tracks := make([]TrackInfo, MaxTracks+1)
	if _, err := New(Config{Writer: &Recorder{}, Tracks: tracks}); !errors.Is(err, ErrTrackLimit) {
		t.Errorf("got %v, want ErrTrackLimit", err)
	}

	rec := &Recorder{}
	m := newMuxer(t, rec, Config{Tracks: []TrackInfo{videoTrack, audioTrack}, RingLimit: 8})
	var err error
	for i := 0; i < 9 && err == nil; i++ {
		err = m.Write(0, frame(1, media.KindVideo, int64(i)*interval, 1))
	}
	if !errors.Is(err, ErrRingLimit) {
		t.Fatalf("got %v, want ErrRingLimit", err)
	}
	if err := m.Write(1, frame(2, media.KindAudio, 0, 1)); !errors.Is(err, ErrRingLimit) {
		t.Errorf("later write: got %v, want the fatal error", err)
	}
}

func TestMuxer_Run(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	m := newMuxer(t, rec, Config{Tracks: []TrackInfo{videoTrack, audioTrack}})
	qv := fifo.New("video", 4)
	qa := fifo.New("audio", 4)

	ctx := context.Background()
	go func() {
		for i := range 30 {
			qv.Push(ctx, frame(1, media.KindVideo, int64(i)*interval, 10))
		}
		qv.Push(ctx, media.NewEOF(1))
	}()
	go func() {
		for i := range 45 {
			qa.Push(ctx, frame(2, media.KindAudio, int64(i)*2002, 10))
		}
		qa.Push(ctx, media.NewEOF(2))
	}()

	if err := m.Run(ctx, []*fifo.Queue{qv, qa}); err != nil {
		t.Fatal(err)
	}
	recs := rec.Snapshot()
	if len(recs) != 75 {
		t.Errorf("got %d records, want 75", len(recs))
	}
	checkWindows(t, recs)
}
