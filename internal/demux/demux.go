// Package demux turns source chunks into elementary stream buffers with
// timestamps that are safe to compare across source clock resets.
//
// Four variants share one clock model ([ClockState]): program streams carry a
// system clock reference in every pack, transport streams and generic
// pre-demultiplexed sources carry sparse references, and null sources carry
// none. The variant is chosen once per source with [New].
package demux

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/zsiec/reel/internal/media"
)

// Kind selects a demultiplexer variant.
type Kind int

const (
	KindProgramStream Kind = iota
	KindTransportStream
	KindGeneric
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindProgramStream:
		return "ps"
	case KindTransportStream:
		return "ts"
	case KindGeneric:
		return "generic"
	case KindNull:
		return "null"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "ps":
		return KindProgramStream, nil
	case "ts":
		return KindTransportStream, nil
	case "generic":
		return KindGeneric, nil
	case "null":
		return KindNull, nil
	}
	return 0, fmt.Errorf("demux: unknown kind %q", s)
}

// Demultiplexer converts chunks into elementary stream buffers. A nil state
// disables clock tracking, which is how streams are scanned without
// disturbing the clock of a running job.
type Demultiplexer interface {
	Kind() Kind
	Demultiplex(chunk *media.Chunk, state *ClockState) ([]*media.Buffer, error)
	// Flush emits data held back waiting for more input. Call at end of
	// input.
	Flush(state *ClockState) []*media.Buffer
	// Reset drops partial data after a seek.
	Reset()
}

// Options configures a demultiplexer.
type Options struct {
	Log *slog.Logger
	// PacketSize is the transport stream packet size, 188 or 192.
	PacketSize int
	// Captions enables CEA-608 extraction from H.264 video into a
	// subtitle stream with id CaptionStreamID.
	Captions bool
}

// New creates the demultiplexer for kind.
func New(kind Kind, opts Options) (Demultiplexer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "demux", "kind", kind.String())

	switch kind {
	case KindProgramStream:
		return &psDemuxer{log: log}, nil
	case KindTransportStream:
		return newTSDemuxer(log, opts), nil
	case KindGeneric:
		return &genericDemuxer{}, nil
	case KindNull:
		return &nullDemuxer{}, nil
	}
	return nil, fmt.Errorf("demux: unknown kind %d", int(kind))
}

// sequence stamps b with the current epoch.
func sequence(b *media.Buffer, state *ClockState) {
	if state != nil {
		b.SCRSequence = state.SCRChanges
	}
}

// mpegTiming applies the sparse clock reference heuristics shared by the
// transport stream and generic variants to one buffer.
func mpegTiming(b *media.Buffer, state *ClockState, toleranceMs int) {
	state.saveChapter(b.NewChapter)
	b.NewChapter = 0

	disc := false
	if media.Valid(b.PCR) {
		disc = state.CheckReference(b.PCR, toleranceMs)
		b.PCR = media.NoTimestamp
		// Some sources carry a consistently skewed reference. Track the
		// offset between it and the stream timestamps.
		if media.Valid(b.Start) {
			state.SCRDelta = b.Start - state.LastSCR
		} else {
			state.SCRDelta = 0
		}
	}
	if !disc && b.Flags&media.FlagDiscontinuity != 0 {
		state.newEpoch(b.Start)
	}

	if media.Valid(b.Start) {
		av := b.Kind.Continuous()
		if av {
			if !media.Valid(state.LastSCR) {
				// No clock reference so far: latch the first timestamp.
				state.CheckReference(b.Start, toleranceMs)
			} else if media.Valid(state.LastPTS) {
				if d := b.Start - state.LastPTS; d < -maxPTSJump || d > maxPTSJump {
					// The source re-pointed its clock without a reference.
					state.newEpoch(b.Start)
				}
			}
			state.LastPTS = b.Start
		}
		if media.Valid(state.LastSCR) {
			d := b.Start - state.LastSCR - state.SCRDelta
			if d < -maxRefDistance || d > maxRefDistance {
				b.Start = media.NoTimestamp
				b.Stop = media.NoTimestamp
				b.RenderOffset = media.NoTimestamp
			} else {
				state.SCRDelta = b.Start - state.LastSCR
			}
		}
	}

	state.restoreChapter(b)
	sequence(b, state)
}
