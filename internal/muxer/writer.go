package muxer

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zsiec/reel/internal/media"
)

// TrackInfo describes one output track.
type TrackInfo struct {
	StreamID uint32
	Kind     media.Kind
	// Codec is a short codec name: h264, aac, opus, vp9, text.
	Codec    string
	Language string

	Width  int
	Height int

	SampleRate int
	Channels   int
}

// Writer is a container writer. The muxer calls Init once, WriteChunk in
// interleaved order and Finalize at the end. Calls are never concurrent.
type Writer interface {
	Init(tracks []TrackInfo) error
	WriteChunk(track int, b *media.Buffer) error
	Finalize() error
}

// NewWriter returns the container writer for format: fmp4 or webm. The
// writer never closes w.
func NewWriter(format string, w io.Writer, log *slog.Logger) (Writer, error) {
	switch strings.ToLower(format) {
	case "fmp4", "mp4":
		return NewFMP4Writer(w, log), nil
	case "webm", "mkv":
		return NewWebMWriter(w, log), nil
	}
	return nil, fmt.Errorf("muxer: unknown container format %q", format)
}

// Record is one chunk handed to a Recorder.
type Record struct {
	Track  int
	Buffer *media.Buffer
}

// Recorder is a Writer that keeps every chunk in memory.
type Recorder struct {
	mu        sync.Mutex
	Tracks    []TrackInfo
	Records   []Record
	Finalized bool
}

func (r *Recorder) Init(tracks []TrackInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tracks = tracks
	return nil
}

func (r *Recorder) WriteChunk(track int, b *media.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, Record{Track: track, Buffer: b})
	return nil
}

func (r *Recorder) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Finalized = true
	return nil
}

// Snapshot returns a copy of the records written so far.
func (r *Recorder) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.Records...)
}
