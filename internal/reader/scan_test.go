package reader

import (
	"context"
	"testing"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/source"
)

type liveSource struct {
	*source.Memory
}

func (liveSource) Seek(context.Context, source.SeekTarget) error {
	return source.ErrSeekUnsupported
}

func scanInput() []*media.Chunk {
	key := es(1, media.KindVideo, 0, 1)
	key.Flags |= media.FlagKeyframe
	return []*media.Chunk{
		{Buffers: []*media.Buffer{key, es(2, media.KindAudio, 0, 2)}},
		{Buffers: []*media.Buffer{es(1, media.KindVideo, 3000, 3), es(5, media.KindSubtitle, 3000, 4)}},
		{Buffers: []*media.Buffer{es(2, media.KindAudio, 1920, 5)}},
	}
}

func TestScan(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  source.Source
	}{
		{"seekable", source.NewMemory(demux.KindGeneric, scanInput())},
		{"live", liveSource{source.NewMemory(demux.KindGeneric, scanInput())}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			infos, src, err := Scan(context.Background(), tt.src, ScanOptions{Chunks: 2})
			if err != nil {
				t.Fatal(err)
			}
			want := []StreamInfo{
				{ID: 1, Kind: media.KindVideo, Buffers: 2, Keyframe: true},
				{ID: 2, Kind: media.KindAudio, Buffers: 1},
				{ID: 5, Kind: media.KindSubtitle, Buffers: 1},
			}
			if len(infos) != len(want) {
				t.Fatalf("got %d streams, want %d", len(infos), len(want))
			}
			for i := range want {
				if infos[i] != want[i] {
					t.Errorf("stream %d: got %+v, want %+v", i, infos[i], want[i])
				}
			}

			// Reading resumes from the first chunk either way.
			var n int
			for {
				c, err := src.ReadChunk(context.Background())
				if err != nil {
					break
				}
				if n == 0 && c.Buffers[0].Payload[0] != 1 {
					t.Errorf("first chunk after scan starts with %d", c.Buffers[0].Payload[0])
				}
				n++
			}
			if n != 3 {
				t.Errorf("read %d chunks after scan, want 3", n)
			}
		})
	}
}
