package demux

import (
	"errors"
	"testing"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts/mpegtstest"
)

func TestProgramStream(t *testing.T) {
	t.Parallel()
	d, _ := New(KindProgramStream, Options{})
	s := NewClockState()

	var data []byte
	data = append(data, mpegtstest.Pack(10_000, 2048,
		mpegtstest.SystemHeader(),
		mpegtstest.PES(0xE0, 13_000, 10_000, []byte{0, 0, 1, 0xB3}),
		mpegtstest.PrivatePES(0x80, 12_000, []byte{0x0B, 0x77}),
	)...)
	data = append(data, mpegtstest.Pack(13_000, 2048,
		mpegtstest.PrivatePES(0x20, 14_000, []byte{0x00, 0x08}),
		mpegtstest.PES(0xC0, 14_500, mpegtstest.NoTS, []byte{0xFF}),
		mpegtstest.PES(0xE0, 16_003, mpegtstest.NoTS, []byte{0, 0, 1, 0x00}),
	)...)
	// A 2 s jump in the SCR starts a new epoch.
	data = append(data, mpegtstest.Pack(13_000+2*media.ClockRate, 2048,
		mpegtstest.PES(0xE0, 16_000+2*media.ClockRate, mpegtstest.NoTS, []byte{0, 0, 1, 0x00}),
	)...)

	out, err := d.Demultiplex(&media.Chunk{Data: data, NewChapter: 2, Chapter: 2}, s)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		id    uint32
		kind  media.Kind
		start int64
		dts   int64
		seq   int
	}{
		{0xE0, media.KindVideo, 13_000, 10_000, 1},
		{0x80BD, media.KindAudio, 12_000, 12_000, 1},
		{0x20BD, media.KindSubtitle, 14_000, 14_000, 1},
		{0xC0, media.KindAudio, 14_500, 14_500, 1},
		{0xE0, media.KindVideo, 16_003, 16_003, 1},
		{0xE0, media.KindVideo, 16_000 + 2*media.ClockRate, 16_000 + 2*media.ClockRate, 2},
	}
	if len(out) != len(want) {
		t.Fatalf("got %d buffers, want %d", len(out), len(want))
	}
	for i, w := range want {
		b := out[i]
		if b.StreamID != w.id || b.Kind != w.kind || b.Start != w.start || b.RenderOffset != w.dts || b.SCRSequence != w.seq {
			t.Errorf("buffer %d: got id 0x%X %v start %d dts %d seq %d, want 0x%X %v %d %d %d",
				i, b.StreamID, b.Kind, b.Start, b.RenderOffset, b.SCRSequence, w.id, w.kind, w.start, w.dts, w.seq)
		}
	}
	if out[0].NewChapter != 2 || out[4].NewChapter != 0 {
		t.Errorf("chapter: got %d on first video, %d on second", out[0].NewChapter, out[4].NewChapter)
	}
	if s.SCRChanges != 2 {
		t.Errorf("SCRChanges: got %d, want 2", s.SCRChanges)
	}
}

func TestProgramStream_NotPack(t *testing.T) {
	t.Parallel()
	d, _ := New(KindProgramStream, Options{})
	_, err := d.Demultiplex(&media.Chunk{Data: make([]byte, 2048)}, NewClockState())
	if !errors.Is(err, ErrNotPack) {
		t.Errorf("got %v, want ErrNotPack", err)
	}
}

func TestPSStreamKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id   uint32
		want media.Kind
	}{
		{0xE0, media.KindVideo},
		{0xEF, media.KindVideo},
		{0xC0, media.KindAudio},
		{0xDF, media.KindAudio},
		{0x80BD, media.KindAudio},
		{0xA3BD, media.KindAudio},
		{0x3FBD, media.KindSubtitle},
		{0x50BD, media.KindOther},
		{0xBE, media.KindOther},
	}
	for _, tt := range tests {
		if got := PSStreamKind(tt.id); got != tt.want {
			t.Errorf("0x%X: got %v, want %v", tt.id, got, tt.want)
		}
	}
}
