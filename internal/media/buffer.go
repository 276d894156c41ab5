// Package media defines the Buffer type that flows between every stage of
// the transcode pipeline, from the reader through demuxing, external codec
// stages, the frame-rate pacer and the muxer.
package media

import "math"

// ClockRate is the frequency of every timestamp carried by a Buffer.
const ClockRate = 90000

// NoTimestamp marks an unset timestamp. Zero is a valid timestamp, so unset
// values use the most negative int64 instead.
const NoTimestamp int64 = math.MinInt64

// Default queue capacities between pipeline stages. Sized to absorb encoder
// jitter without holding more than a few seconds of media per stream.
const (
	VideoQueueSize    = 32
	AudioQueueSize    = 64
	SubtitleQueueSize = 16
	MuxQueueSize      = 64
)

// Kind classifies the elementary stream a Buffer belongs to.
type Kind uint8

const (
	KindOther Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "other"
	}
}

// Continuous reports whether streams of this kind must be interleaved tightly
// (audio and video) as opposed to arriving intermittently (subtitles).
func (k Kind) Continuous() bool {
	return k == KindVideo || k == KindAudio
}

// Flags carries per-buffer markers.
type Flags uint32

const (
	// FlagEOF marks the final buffer of a stream. It carries no payload.
	FlagEOF Flags = 1 << iota
	// FlagSplit marks a fragment whose payload continues in the next buffer
	// of the same stream. The transport and program stream demultiplexers
	// reassemble PES units themselves and never set it; fragments come from
	// generic sources whose container library delivers partial payloads.
	FlagSplit
	// FlagKeyframe marks a random access point.
	FlagKeyframe
	// FlagDiscontinuity marks the first buffer of a new source clip whose
	// clock is unrelated to the previous one.
	FlagDiscontinuity
)

// FrameInfo describes the luma plane of a decoded video frame at the start
// of Payload. It is zero for compressed data.
type FrameInfo struct {
	Width  int
	Height int
	Stride int
}

// Buffer is the unit of data passed between pipeline stages. A Buffer is
// owned by exactly one stage at a time; ownership moves with the Buffer when
// it crosses a queue and its Payload is never shared between two Buffers.
type Buffer struct {
	StreamID uint32
	Kind     Kind
	Payload  []byte

	Start        int64
	Stop         int64
	RenderOffset int64
	Duration     int64
	PCR          int64

	// SCRSequence identifies the clock epoch Start/Stop/RenderOffset are
	// expressed in. Timestamps of two buffers are only comparable when
	// their sequences match.
	SCRSequence int

	// NewChapter is the chapter number that begins with this buffer, or 0.
	NewChapter int

	Flags Flags
	Frame FrameInfo
}

// NewBuffer returns a Buffer with a zeroed payload of size bytes and every
// timestamp unset.
func NewBuffer(size int) *Buffer {
	return &Buffer{
		Payload:      make([]byte, size),
		Start:        NoTimestamp,
		Stop:         NoTimestamp,
		RenderOffset: NoTimestamp,
		PCR:          NoTimestamp,
	}
}

// NewEOF returns the end-of-stream marker for streamID.
func NewEOF(streamID uint32) *Buffer {
	b := NewBuffer(0)
	b.StreamID = streamID
	b.Flags = FlagEOF
	return b
}

// IsEOF reports whether b is an end-of-stream marker.
func (b *Buffer) IsEOF() bool {
	return b.Flags&FlagEOF != 0
}

// Len returns the payload size in bytes.
func (b *Buffer) Len() int {
	return len(b.Payload)
}

// Clone returns a deep copy of b with its own payload.
func (b *Buffer) Clone() *Buffer {
	c := *b
	if b.Payload != nil {
		c.Payload = make([]byte, len(b.Payload))
		copy(c.Payload, b.Payload)
	}
	return &c
}

// Valid reports whether ts holds a timestamp.
func Valid(ts int64) bool {
	return ts != NoTimestamp
}

// Shift adds offset to every set timestamp field of b.
func (b *Buffer) Shift(offset int64) {
	if Valid(b.Start) {
		b.Start += offset
	}
	if Valid(b.Stop) {
		b.Stop += offset
	}
	if Valid(b.RenderOffset) {
		b.RenderOffset += offset
	}
}
