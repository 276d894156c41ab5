package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/fifo"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/internal/reader"
	"github.com/zsiec/reel/internal/source"
	"github.com/zsiec/reel/internal/vfr"
)

const (
	videoFrame = 3600 // 25 fps
	audioFrame = 1920
)

func es(id uint32, kind media.Kind, start int64) *media.Buffer {
	b := media.NewBuffer(8)
	b.StreamID = id
	b.Kind = kind
	b.Start = start
	b.RenderOffset = start
	return b
}

// clip is seconds of 25 fps video on stream 1 and audio on stream 2, one
// video frame per chunk.
func clip(seconds int) (chunks []*media.Chunk, video, audio int) {
	const base = 900000
	a := int64(0)
	for t := int64(0); t < int64(seconds)*media.ClockRate; t += videoFrame {
		c := &media.Chunk{Buffers: []*media.Buffer{es(1, media.KindVideo, base+t)}}
		video++
		for ; a < t+videoFrame; a += audioFrame {
			c.Buffers = append(c.Buffers, es(2, media.KindAudio, base+a))
			audio++
		}
		chunks = append(chunks, c)
	}
	return chunks, video, audio
}

var templates = map[media.Kind]muxer.TrackInfo{
	media.KindVideo: {Codec: "h264"},
	media.KindAudio: {Codec: "aac", SampleRate: 48000, Channels: 2},
}

func count(recs []muxer.Record) map[int]int {
	n := make(map[int]int)
	for _, r := range recs {
		n[r.Track]++
	}
	return n
}

func TestJob_Passthrough(t *testing.T) {
	t.Parallel()
	chunks, video, audio := clip(4)
	rec := &muxer.Recorder{}
	m := metrics.New()

	var mu sync.Mutex
	var reports []Progress
	j, err := New(Config{
		Key:              "pass",
		Metrics:          m,
		Source:           source.NewMemory(demux.KindGeneric, chunks),
		Writer:           rec,
		Plan:             Passthrough(templates),
		FrameInterval:    videoFrame,
		ProgressInterval: time.Millisecond,
		OnProgress: func(p Progress) {
			mu.Lock()
			reports = append(reports, p)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.Status() != StatusPending {
		t.Fatalf("status: got %v, want pending", j.Status())
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if j.Status() != StatusDone {
		t.Errorf("status: got %v, want done", j.Status())
	}
	if !rec.Finalized {
		t.Error("writer not finalized")
	}
	if len(rec.Tracks) != 2 || rec.Tracks[0].Codec != "h264" || rec.Tracks[1].SampleRate != 48000 {
		t.Errorf("tracks: %+v", rec.Tracks)
	}

	n := count(rec.Snapshot())
	if n[0] != video || n[1] != audio {
		t.Errorf("muxed %d video %d audio, want %d and %d", n[0], n[1], video, audio)
	}

	p := j.Progress()
	if p.Progress != 1 || p.Frames != int64(video) {
		t.Errorf("final progress %+v", p)
	}
	mu.Lock()
	if len(reports) == 0 {
		t.Error("no progress reports")
	}
	mu.Unlock()

	s := j.Snapshot()
	if s.Reader.Buffers == 0 || !s.Muxer.Done || len(s.Queues) != 2 {
		t.Errorf("snapshot %+v", s)
	}
	if err := j.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

// decoder stands in for an external video decoder: it attaches frame
// geometry and a stop time to every buffer.
func decoder(ctx context.Context, in, out *fifo.Queue) error {
	for {
		b, ok := in.Pop(ctx)
		if !ok {
			out.MarkDead()
			return ctx.Err()
		}
		if !b.IsEOF() {
			b.Stop = b.Start + videoFrame
			b.Frame = media.FrameInfo{Width: 16, Height: 16, Stride: 16}
			b.Payload = make([]byte, 256)
		}
		if !out.Push(ctx, b) {
			return ctx.Err()
		}
		if b.IsEOF() {
			return nil
		}
	}
}

func TestJob_DecodedVideoIsPaced(t *testing.T) {
	t.Parallel()
	chunks, video, _ := clip(4)
	rec := &muxer.Recorder{}

	passthrough := Passthrough(templates)
	j, err := New(Config{
		Key:    "paced",
		Source: source.NewMemory(demux.KindGeneric, chunks),
		Writer: rec,
		Plan: func(s reader.StreamInfo) (Branch, bool) {
			b, ok := passthrough(s)
			if ok && s.Kind == media.KindVideo {
				b.Decode = []Stage{StageFunc(decoder)}
			}
			return b, ok
		},
		FrameInterval: 3003,
		Pacer:         vfr.Config{Mode: vfr.ModeCFR, InputInterval: videoFrame},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var frames []*media.Buffer
	for _, r := range rec.Snapshot() {
		if r.Track == 0 {
			frames = append(frames, r.Buffer)
		}
	}
	// 4 s at 29.97 fps.
	if want := 4 * media.ClockRate / 3003; len(frames) < want-1 || len(frames) > want+1 {
		t.Errorf("got %d paced frames from %d, want about %d", len(frames), video, want)
	}
	for i, b := range frames {
		if b.Stop-b.Start != 3003 {
			t.Fatalf("frame %d: duration %d, want 3003", i, b.Stop-b.Start)
		}
	}
	s := j.Snapshot()
	if len(s.Pacers) != 1 || s.Pacers[0].Dups == 0 {
		t.Errorf("pacer stats %+v", s.Pacers)
	}
	if len(s.Queues) != 4 {
		t.Errorf("got %d queues, want 4", len(s.Queues))
	}
}

// failingSource fails every read after n successful reads past the scan
// rewind.
type failingSource struct {
	*source.Memory
	n      int
	rewind bool
}

func (f *failingSource) Seek(ctx context.Context, to source.SeekTarget) error {
	f.rewind = true
	return f.Memory.Seek(ctx, to)
}

func (f *failingSource) ReadChunk(ctx context.Context) (*media.Chunk, error) {
	if f.rewind {
		if f.n == 0 {
			return nil, errors.New("connection reset")
		}
		f.n--
	}
	return f.Memory.ReadChunk(ctx)
}

func TestJob_SourceFailureFinalizesPartialOutput(t *testing.T) {
	t.Parallel()
	chunks, _, _ := clip(4)
	rec := &muxer.Recorder{}
	j, err := New(Config{
		Source:        &failingSource{Memory: source.NewMemory(demux.KindGeneric, chunks), n: 25},
		Writer:        rec,
		Plan:          Passthrough(templates),
		FrameInterval: videoFrame,
		MaxErrors:     2,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = j.Run(context.Background())
	if !errors.Is(err, reader.ErrSourceFailed) {
		t.Fatalf("got %v, want ErrSourceFailed", err)
	}
	if j.Status() != StatusSourceFailed {
		t.Errorf("status: got %v, want source_failed", j.Status())
	}
	if !rec.Finalized {
		t.Error("partial output not finalized")
	}
	if n := count(rec.Snapshot()); n[0] != 25 {
		t.Errorf("muxed %d video frames, want 25", n[0])
	}
	if j.Snapshot().Error == "" {
		t.Error("snapshot missing error")
	}
}

func TestJob_Cancel(t *testing.T) {
	t.Parallel()
	chunks, _, _ := clip(4)
	blocked := make(chan struct{})
	stall := StageFunc(func(ctx context.Context, in, out *fifo.Queue) error {
		close(blocked)
		<-ctx.Done()
		out.MarkDead()
		return ctx.Err()
	})

	j, err := New(Config{
		Source: source.NewMemory(demux.KindGeneric, chunks),
		Writer: &muxer.Recorder{},
		Plan: func(s reader.StreamInfo) (Branch, bool) {
			return Branch{Track: templates[s.Kind], Encode: []Stage{stall}}, s.Kind == media.KindVideo
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- j.Run(ctx) }()

	<-blocked
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop")
	}
	if j.Status() != StatusCanceled {
		t.Errorf("status: got %v, want canceled", j.Status())
	}
}

func TestJob_NothingToMux(t *testing.T) {
	t.Parallel()
	chunks, _, _ := clip(1)
	j, err := New(Config{
		Source: source.NewMemory(demux.KindGeneric, chunks),
		Writer: &muxer.Recorder{},
		Plan:   Passthrough(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if j.Status() != StatusFailed {
		t.Errorf("status: got %v, want failed", j.Status())
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	src := source.NewMemory(demux.KindGeneric, nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no source", Config{Writer: &muxer.Recorder{}, Plan: Passthrough(templates)}},
		{"no writer", Config{Source: src, Plan: Passthrough(templates)}},
		{"no planner", Config{Source: src, Writer: &muxer.Recorder{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPassthrough_FirstVideoOnly(t *testing.T) {
	t.Parallel()
	plan := Passthrough(templates)
	tests := []struct {
		info reader.StreamInfo
		ok   bool
	}{
		{reader.StreamInfo{ID: 0xE0, Kind: media.KindVideo}, true},
		{reader.StreamInfo{ID: 0xE1, Kind: media.KindVideo}, false},
		{reader.StreamInfo{ID: 0xBD80, Kind: media.KindAudio}, true},
		{reader.StreamInfo{ID: 0xBD20, Kind: media.KindSubtitle}, false},
	}
	for _, tt := range tests {
		b, ok := plan(tt.info)
		if ok != tt.ok {
			t.Errorf("stream 0x%X: got %v, want %v", tt.info.ID, ok, tt.ok)
		}
		if ok && b.Track.StreamID != tt.info.ID {
			t.Errorf("stream 0x%X: track id 0x%X", tt.info.ID, b.Track.StreamID)
		}
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	tests := map[Status]string{
		StatusPending:      "pending",
		StatusDone:         "done",
		StatusSourceFailed: "source_failed",
		Status(42):         "Status(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
