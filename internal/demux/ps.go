package demux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

// ErrNotPack is returned for program stream chunks with no pack header.
var ErrNotPack = mpegts.ErrNotPack

type psDemuxer struct {
	log *slog.Logger
}

func (d *psDemuxer) Kind() Kind { return KindProgramStream }

func (d *psDemuxer) Reset() {}

func (d *psDemuxer) Flush(*ClockState) []*media.Buffer { return nil }

// Demultiplex checks the SCR of every pack against the clock and emits one
// buffer per kept PES packet.
func (d *psDemuxer) Demultiplex(chunk *media.Chunk, state *ClockState) ([]*media.Buffer, error) {
	packs, err := mpegts.ParsePacks(chunk.Data)
	switch {
	case errors.Is(err, mpegts.ErrTruncated):
		d.log.Debug("truncated pack dropped", "offset", chunk.Offset)
	case err != nil:
		return nil, fmt.Errorf("demux: program stream at %d: %w", chunk.Offset, err)
	}
	if state != nil {
		state.saveChapter(chunk.NewChapter)
	}

	var out []*media.Buffer
	for _, pack := range packs {
		if state != nil {
			state.CheckReference(pack.SCR, ToleranceProgramStream)
		}
		for _, u := range pack.Units {
			b := pesBuffer(u.ID, PSStreamKind(u.ID), u.PES)
			if state != nil {
				state.restoreChapter(b)
			}
			sequence(b, state)
			out = append(out, b)
		}
	}
	return out, nil
}

// PSStreamKind classifies a program stream id as produced by the program
// stream demultiplexer.
func PSStreamKind(id uint32) media.Kind {
	switch {
	case id >= 0xE0 && id <= 0xEF:
		return media.KindVideo
	case id >= 0xC0 && id <= 0xDF:
		return media.KindAudio
	case id&0xFF == 0xBD:
		sub := id >> 8
		switch {
		case sub >= 0x80 && sub <= 0x8F, sub >= 0xA0 && sub <= 0xAF:
			return media.KindAudio
		case sub >= 0x20 && sub <= 0x3F:
			return media.KindSubtitle
		}
	}
	return media.KindOther
}

// pesBuffer copies a PES payload into a new buffer. Start is the PTS and
// RenderOffset the DTS; either falls back to the other when absent.
func pesBuffer(id uint32, kind media.Kind, pes *mpegts.PESData) *media.Buffer {
	b := media.NewBuffer(len(pes.Data))
	copy(b.Payload, pes.Data)
	b.StreamID = id
	b.Kind = kind
	if opt := pes.Header.OptionalHeader; opt != nil {
		if opt.PTS != nil {
			b.Start = opt.PTS.Base
		}
		if opt.DTS != nil {
			b.RenderOffset = opt.DTS.Base
		} else {
			b.RenderOffset = b.Start
		}
		if !media.Valid(b.Start) {
			b.Start = b.RenderOffset
		}
	}
	return b
}
