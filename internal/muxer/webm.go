package muxer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/zsiec/reel/internal/media"
)

// WebMWriter writes Matroska/WebM with one SimpleBlock per buffer.
// Subtitle tracks are written as S_TEXT/UTF8.
type WebMWriter struct {
	w   io.Writer
	log *slog.Logger

	blocks []webm.BlockWriteCloser
	// origin is the first timestamp written; block times count from it.
	origin int64

	mu  sync.Mutex
	err error
}

// NewWebMWriter returns a writer producing WebM on w.
func NewWebMWriter(w io.Writer, log *slog.Logger) *WebMWriter {
	if log == nil {
		log = slog.Default()
	}
	return &WebMWriter{w: w, log: log.With("component", "webm"), origin: media.NoTimestamp}
}

// sink keeps the block writers from closing the underlying output.
type sink struct{ io.Writer }

func (sink) Close() error { return nil }

var webmCodecs = map[string]string{
	"h264": "V_MPEG4/ISO/AVC",
	"vp8":  "V_VP8",
	"vp9":  "V_VP9",
	"av1":  "V_AV1",
	"aac":  "A_AAC",
	"opus": "A_OPUS",
	"text": "S_TEXT/UTF8",
}

const (
	trackTypeVideo    = 1
	trackTypeAudio    = 2
	trackTypeSubtitle = 0x11
)

func (m *WebMWriter) Init(tracks []TrackInfo) error {
	entries := make([]webm.TrackEntry, 0, len(tracks))
	for i, t := range tracks {
		codec, ok := webmCodecs[t.Codec]
		if !ok {
			return fmt.Errorf("muxer: webm: track %d: unsupported codec %q", i, t.Codec)
		}
		e := webm.TrackEntry{
			Name:        t.Kind.String(),
			TrackNumber: uint64(i + 1),
			TrackUID:    uint64(i + 1),
			CodecID:     codec,
		}
		switch t.Kind {
		case media.KindVideo:
			e.TrackType = trackTypeVideo
			e.Video = &webm.Video{PixelWidth: uint64(t.Width), PixelHeight: uint64(t.Height)}
		case media.KindAudio:
			e.TrackType = trackTypeAudio
			e.Audio = &webm.Audio{SamplingFrequency: float64(t.SampleRate), Channels: uint64(t.Channels)}
		default:
			e.TrackType = trackTypeSubtitle
		}
		entries = append(entries, e)
	}

	blocks, err := webm.NewSimpleBlockWriter(sink{m.w}, entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("muxer: webm: %w", err)
	}
	m.blocks = blocks
	return nil
}

func (m *WebMWriter) fatal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *WebMWriter) WriteChunk(i int, b *media.Buffer) error {
	if err := m.fatal(); err != nil {
		return fmt.Errorf("muxer: webm: %w", err)
	}
	if b.Len() == 0 {
		return nil
	}
	ts := int64(0)
	if media.Valid(b.Start) {
		if !media.Valid(m.origin) {
			m.origin = b.Start
		}
		ts = max(0, (b.Start-m.origin)/90)
	}
	key := b.Kind != media.KindVideo || b.Flags&media.FlagKeyframe != 0
	if _, err := m.blocks[i].Write(key, ts, b.Payload); err != nil {
		return fmt.Errorf("muxer: webm: track %d: %w", i, err)
	}
	return nil
}

func (m *WebMWriter) Finalize() error {
	var first error
	for i, b := range m.blocks {
		if err := b.Close(); err != nil && first == nil {
			first = fmt.Errorf("muxer: webm: close track %d: %w", i, err)
		}
	}
	m.blocks = nil
	if first != nil {
		return first
	}
	if err := m.fatal(); err != nil {
		return fmt.Errorf("muxer: webm: %w", err)
	}
	m.log.Info("finalized")
	return nil
}
