package demux

import "github.com/zsiec/reel/internal/media"

// genericDemuxer handles elementary stream buffers produced by an external
// container library. Clock references arrive on the buffers' PCR field.
type genericDemuxer struct{}

func (genericDemuxer) Kind() Kind { return KindGeneric }

func (genericDemuxer) Reset() {}

func (genericDemuxer) Flush(*ClockState) []*media.Buffer { return nil }

func (genericDemuxer) Demultiplex(chunk *media.Chunk, state *ClockState) ([]*media.Buffer, error) {
	if state == nil {
		return chunk.Buffers, nil
	}
	state.saveChapter(chunk.NewChapter)
	for _, b := range chunk.Buffers {
		mpegTiming(b, state, ToleranceGeneric)
	}
	return chunk.Buffers, nil
}
