package demux

import "github.com/zsiec/reel/internal/media"

// Clock reference tolerances in milliseconds. A forward jump in the clock
// reference larger than the tolerance starts a new epoch.
const (
	ToleranceProgramStream = 700
	ToleranceTransport     = 300
	ToleranceGeneric       = 700
)

const (
	// maxBackStep is the largest backward clock step tolerated, half a
	// frame at 50 fps.
	maxBackStep = 90 * 10
	// maxPTSJump is the largest gap between consecutive audio/video
	// timestamps that is explained without a clock reference.
	maxPTSJump = 5 * media.ClockRate
	// maxRefDistance bounds how far a timestamp may be from the current
	// clock reference before it is considered garbage.
	maxRefDistance = 300 * media.ClockRate
)

// ClockState tracks the clock reference of one source. Every buffer the
// demultiplexer emits is stamped with SCRChanges; timestamps are only
// comparable between buffers with the same value.
type ClockState struct {
	LastSCR    int64
	SCRChanges int
	LastPTS    int64
	SCRDelta   int64

	// PendingChapter holds a chapter mark until the next video buffer.
	PendingChapter int
}

// NewClockState returns a state with no clock reference.
func NewClockState() *ClockState {
	return &ClockState{
		LastSCR: media.NoTimestamp,
		LastPTS: media.NoTimestamp,
	}
}

// CheckReference records a new clock reference and reports whether it
// starts a new epoch: there was no previous reference, the reference moved
// forward by more than toleranceMs, or it moved backward by more than half a
// frame.
func (s *ClockState) CheckReference(ref int64, toleranceMs int) bool {
	disc := !media.Valid(s.LastSCR)
	if !disc {
		delta := ref - s.LastSCR
		disc = delta > 90*int64(toleranceMs) || delta < -maxBackStep
	}
	if disc {
		s.SCRChanges++
		s.LastPTS = media.NoTimestamp
	}
	s.LastSCR = ref
	return disc
}

// Reset forgets the clock reference after a seek. The epoch counter keeps
// counting so the next reference starts a fresh epoch.
func (s *ClockState) Reset() {
	s.LastSCR = media.NoTimestamp
	s.LastPTS = media.NoTimestamp
	s.SCRDelta = 0
	s.PendingChapter = 0
}

// newEpoch starts an epoch anchored at ref without a tolerance check.
func (s *ClockState) newEpoch(ref int64) {
	s.SCRChanges++
	s.LastSCR = ref
	s.LastPTS = media.NoTimestamp
	s.SCRDelta = 0
}

func (s *ClockState) saveChapter(chapter int) {
	if chapter > 0 {
		s.PendingChapter = chapter
	}
}

// restoreChapter moves the pending chapter mark onto a video buffer.
func (s *ClockState) restoreChapter(b *media.Buffer) {
	if b.Kind != media.KindVideo {
		return
	}
	b.NewChapter = s.PendingChapter
	s.PendingChapter = 0
}
