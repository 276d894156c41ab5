package muxer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/reel/internal/media"
)

// fragmentDuration is the minimum length of an fMP4 fragment. Fragments
// are cut at video keyframes.
const fragmentDuration = 2 * media.ClockRate

// errNoParameterSets is returned when the init segment is due before the
// video track produced SPS and PPS.
var errNoParameterSets = errors.New("muxer: fmp4: no H.264 parameter sets")

// FMP4Writer writes fragmented MP4. The init segment is written with the
// first fragment, once H.264 parameter sets have been seen. Subtitle tracks
// are not supported by the format and are dropped.
type FMP4Writer struct {
	w   io.Writer
	log *slog.Logger

	tracks   []*fmp4Track
	video    *fmp4Track
	initDone bool
	seq      uint32
	// fragStart is the decode time, in 90 kHz ticks, at which the open
	// fragment began.
	fragStart int64
	open      bool
}

type fmp4Track struct {
	id        int
	info      TrackInfo
	timeScale uint32
	codec     mp4.Codec
	sps       []byte
	pps       []byte

	// prev waits for the next sample's decode time to learn its duration.
	prev    *fmp4.Sample
	prevDTS int64
	// baseTime is the decode time of the first sample of the open
	// fragment, in track units, counted from the track's first sample.
	started  bool
	elapsed  uint64
	baseTime uint64
	samples  []*fmp4.Sample
}

// NewFMP4Writer returns a writer producing fMP4 on w.
func NewFMP4Writer(w io.Writer, log *slog.Logger) *FMP4Writer {
	if log == nil {
		log = slog.Default()
	}
	return &FMP4Writer{w: w, log: log.With("component", "fmp4"), seq: 1}
}

func (f *FMP4Writer) Init(tracks []TrackInfo) error {
	f.tracks = make([]*fmp4Track, len(tracks))
	id := 1
	for i, info := range tracks {
		t := &fmp4Track{id: id, info: info, timeScale: media.ClockRate}
		switch info.Codec {
		case "h264":
			if f.video != nil {
				return fmt.Errorf("muxer: fmp4: second video track %d", i)
			}
			f.video = t
		case "aac":
			if info.SampleRate <= 0 || info.Channels <= 0 {
				return fmt.Errorf("muxer: fmp4: track %d: aac needs sample rate and channels", i)
			}
			t.timeScale = uint32(info.SampleRate)
			t.codec = &mp4.CodecMPEG4Audio{
				Config: mpeg4audio.AudioSpecificConfig{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   info.SampleRate,
					ChannelCount: info.Channels,
				},
			}
		case "opus":
			t.timeScale = 48000
			t.codec = &mp4.CodecOpus{ChannelCount: max(1, info.Channels)}
		default:
			if info.Kind == media.KindSubtitle {
				f.log.Warn("subtitle track dropped", "track", i, "codec", info.Codec)
				continue
			}
			return fmt.Errorf("muxer: fmp4: track %d: unsupported codec %q", i, info.Codec)
		}
		f.tracks[i] = t
		id++
	}
	return nil
}

func (f *FMP4Writer) WriteChunk(i int, b *media.Buffer) error {
	t := f.tracks[i]
	if t == nil || b.Len() == 0 {
		return nil
	}
	dts := b.RenderOffset
	if !media.Valid(dts) {
		dts = b.Start
	}
	if !media.Valid(dts) {
		if t.started {
			dts = t.prevDTS + 1
		} else {
			dts = 0
		}
	}

	payload := b.Payload
	keyframe := true
	if t == f.video {
		avcc, key, err := t.toAVCC(b.Payload)
		if err != nil {
			return err
		}
		payload, keyframe = avcc, key || b.Flags&media.FlagKeyframe != 0
		if keyframe && f.open && dts-f.fragStart >= fragmentDuration {
			if err := f.writeFragment(); err != nil {
				return err
			}
		}
	} else {
		payload = stripADTS(payload)
	}
	if !f.open {
		f.open = true
		f.fragStart = dts
	}

	t.push(&fmp4.Sample{
		IsNonSyncSample: !keyframe,
		PTSOffset:       ptsOffset(b, dts, t.timeScale),
		Payload:         payload,
	}, dts, b.Duration)
	return nil
}

// push queues s and settles the duration of the previous sample.
func (t *fmp4Track) push(s *fmp4.Sample, dts, duration int64) {
	t.started = true
	if t.prev != nil {
		t.settle(t.scale(dts) - t.scale(t.prevDTS))
	}
	t.prev, t.prevDTS = s, dts
	if duration > 0 {
		// Remember the nominal duration in case no sample follows.
		t.prev.Duration = uint32(t.scale(duration))
	}
}

func (t *fmp4Track) settle(d int64) {
	if d <= 0 {
		d = 1
	}
	t.prev.Duration = uint32(d)
	if len(t.samples) == 0 {
		t.baseTime = t.elapsed
	}
	t.samples = append(t.samples, t.prev)
	t.elapsed += uint64(d)
	t.prev = nil
}

func (t *fmp4Track) scale(ticks int64) int64 {
	return ticks * int64(t.timeScale) / media.ClockRate
}

func ptsOffset(b *media.Buffer, dts int64, timeScale uint32) int32 {
	if !media.Valid(b.Start) || b.Start <= dts {
		return 0
	}
	return int32((b.Start - dts) * int64(timeScale) / media.ClockRate)
}

// toAVCC converts an Annex B access unit, collecting parameter sets on the
// way. Delimiters and parameter sets are left out of the sample.
func (t *fmp4Track) toAVCC(annexb []byte) ([]byte, bool, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(annexb); err != nil {
		return nil, false, fmt.Errorf("muxer: fmp4: %w", err)
	}
	key := false
	nalus := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			t.sps = append(t.sps[:0], nalu...)
			continue
		case h264.NALUTypePPS:
			t.pps = append(t.pps[:0], nalu...)
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			key = true
		}
		nalus = append(nalus, nalu)
	}
	out, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, false, fmt.Errorf("muxer: fmp4: %w", err)
	}
	return out, key, nil
}

// stripADTS removes an ADTS header; MP4 carries raw AAC frames.
func stripADTS(b []byte) []byte {
	if len(b) < 7 || b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return b
	}
	n := 7
	if b[1]&0x01 == 0 {
		n = 9
	}
	if len(b) <= n {
		return b
	}
	return b[n:]
}

func (f *FMP4Writer) writeInit() error {
	init := &fmp4.Init{}
	for i, t := range f.tracks {
		if t == nil {
			continue
		}
		if t == f.video {
			if t.sps == nil || t.pps == nil {
				return errNoParameterSets
			}
			t.codec = &mp4.CodecH264{SPS: t.sps, PPS: t.pps}
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
		f.log.Debug("track", "index", i, "id", t.id, "codec", t.info.Codec)
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("muxer: fmp4: marshal init: %w", err)
	}
	if _, err := f.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("muxer: fmp4: write init: %w", err)
	}
	f.initDone = true
	return nil
}

func (f *FMP4Writer) writeFragment() error {
	f.open = false
	part := &fmp4.Part{SequenceNumber: f.seq}
	for _, t := range f.tracks {
		if t == nil || len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
		t.samples = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}
	if !f.initDone {
		if err := f.writeInit(); err != nil {
			return err
		}
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("muxer: fmp4: marshal fragment: %w", err)
	}
	if _, err := f.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("muxer: fmp4: write fragment: %w", err)
	}
	f.seq++
	return nil
}

// Finalize settles the last sample of every track and writes the final
// fragment.
func (f *FMP4Writer) Finalize() error {
	for _, t := range f.tracks {
		if t == nil || t.prev == nil {
			continue
		}
		d := int64(t.prev.Duration)
		if d == 0 {
			d = t.lastDuration()
		}
		t.settle(d)
	}
	if err := f.writeFragment(); err != nil {
		return err
	}
	f.log.Info("finalized", "fragments", f.seq-1)
	return nil
}

// lastDuration repeats the previous sample duration.
func (t *fmp4Track) lastDuration() int64 {
	if n := len(t.samples); n > 0 {
		return int64(t.samples[n-1].Duration)
	}
	return t.scale(3003)
}
