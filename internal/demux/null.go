package demux

import "github.com/zsiec/reel/internal/media"

// nullDemuxer passes through buffers from a source that already
// demultiplexes and keeps its own timing. The first timestamp becomes the
// clock reference of the only epoch.
type nullDemuxer struct{}

func (nullDemuxer) Kind() Kind { return KindNull }

func (nullDemuxer) Reset() {}

func (nullDemuxer) Flush(*ClockState) []*media.Buffer { return nil }

func (nullDemuxer) Demultiplex(chunk *media.Chunk, state *ClockState) ([]*media.Buffer, error) {
	if state != nil {
		state.saveChapter(chunk.NewChapter)
	}
	for _, b := range chunk.Buffers {
		if state == nil {
			continue
		}
		state.saveChapter(b.NewChapter)
		b.NewChapter = 0
		if state.SCRChanges == 0 {
			if ref := firstValid(b.Start, b.RenderOffset); media.Valid(ref) {
				state.newEpoch(ref)
			}
		}
		state.restoreChapter(b)
		sequence(b, state)
	}
	return chunk.Buffers, nil
}

func firstValid(ts ...int64) int64 {
	for _, t := range ts {
		if media.Valid(t) {
			return t
		}
	}
	return media.NoTimestamp
}
