package demux

import (
	"cmp"
	"log/slog"
	"math"
	"slices"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

// PMT stream types.
const (
	streamTypeMPEG1Video = 0x01
	streamTypeMPEG2Video = 0x02
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypePrivate    = 0x06
	streamTypeAAC        = 0x0F
	streamTypeMPEG4Video = 0x10
	streamTypeLATM       = 0x11
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeLPCM       = 0x80
	streamTypeAC3        = 0x81
	streamTypeDTS        = 0x82
	streamTypeTrueHD     = 0x83
	streamTypeEAC3       = 0x84
	streamTypeDTSHD      = 0x85
	streamTypePGS        = 0x90
	streamTypeEAC3ATSC   = 0x87
)

// maxHoldPackets bounds how far back an unfinished PES can hold back
// completed units of other PIDs. A PID that stops mid-unit releases the
// rest of the stream once this many packets have passed.
const maxHoldPackets = 1 << 15

// CaptionStreamID is the stream id of the subtitle stream carrying
// CEA-608 captions decoded from H.264 SEI.
const CaptionStreamID uint32 = 0x10000

type tsStream struct {
	kind       media.Kind
	streamType uint8
}

// tsDemuxer is the transport stream variant. Stream ids are PIDs.
type tsDemuxer struct {
	log      *slog.Logger
	ts       *mpegts.Demuxer
	streams  map[uint16]tsStream
	pcrPID   uint16
	hasPMT   bool
	captions *captionDecoder

	// held keeps completed PES units in first-packet order until no
	// earlier unit is still open, so clock handling sees units in stream
	// order rather than completion order.
	held []*mpegts.DemuxerData
	// pcrs holds references not yet applied, in stream order. A PES
	// unit takes the latest one carried at or before its first packet.
	pcrs []pcrRef
}

type pcrRef struct {
	index int64
	base  int64
}

func newTSDemuxer(log *slog.Logger, opts Options) *tsDemuxer {
	size := opts.PacketSize
	if size == 0 {
		size = 188
	}
	d := &tsDemuxer{
		log:     log,
		ts:      mpegts.NewDemuxer(mpegts.DemuxerOptPacketSize(size)),
		streams: make(map[uint16]tsStream),
	}
	if opts.Captions {
		d.captions = newCaptionDecoder()
	}
	return d
}

func (d *tsDemuxer) Kind() Kind { return KindTransportStream }

func (d *tsDemuxer) Reset() {
	d.ts.Reset()
	d.held = nil
	d.pcrs = nil
	if d.captions != nil {
		d.captions.reset()
	}
}

func (d *tsDemuxer) Demultiplex(chunk *media.Chunk, state *ClockState) ([]*media.Buffer, error) {
	if state != nil {
		state.saveChapter(chunk.NewChapter)
	}
	before := d.ts.Corrupt()
	d.collect(d.ts.Feed(chunk.Data))
	if n := d.ts.Corrupt() - before; n > 0 {
		d.log.Debug("corrupt packets skipped", "count", n, "offset", chunk.Offset)
	}
	limit, ok := d.ts.OldestPending(d.blocks)
	if !ok {
		limit = math.MaxInt64
	}
	return d.release(limit, state), nil
}

func (d *tsDemuxer) Flush(state *ClockState) []*media.Buffer {
	d.collect(d.ts.Flush())
	return d.release(math.MaxInt64, state)
}

func (d *tsDemuxer) collect(units []*mpegts.DemuxerData) {
	for _, u := range units {
		switch {
		case u.PMT != nil:
			d.learnPMT(u.PMT)
		case u.PCR != nil:
			// Use the PMT's PCR PID once known; before that any PCR will do.
			if !d.hasPMT || u.PCR.PID == d.pcrPID {
				d.pcrs = append(d.pcrs, pcrRef{index: u.FirstPacket.Index, base: u.PCR.Base})
			}
		case u.PES != nil:
			i, _ := slices.BinarySearchFunc(d.held, u.FirstPacket.Index, func(h *mpegts.DemuxerData, idx int64) int {
				return cmp.Compare(h.FirstPacket.Index, idx)
			})
			d.held = slices.Insert(d.held, i, u)
		}
	}
}

// release emits held units that started before limit, in stream order.
func (d *tsDemuxer) release(limit int64, state *ClockState) []*media.Buffer {
	var out []*media.Buffer
	n := 0
	for n < len(d.held) && d.held[n].FirstPacket.Index < limit {
		out = append(out, d.pes(d.held[n], state)...)
		n++
	}
	d.held = slices.Delete(d.held, 0, n)
	return out
}

// blocks reports whether an open unit on pid that started at packet first
// holds back later units. Only streams that are emitted count.
func (d *tsDemuxer) blocks(pid uint16, first int64) bool {
	if d.ts.Packets()-first > maxHoldPackets {
		return false
	}
	if !d.hasPMT {
		return true
	}
	st, ok := d.streams[pid]
	return ok && st.kind != media.KindOther
}

func (d *tsDemuxer) learnPMT(pmt *mpegts.PMTData) {
	d.pcrPID = pmt.PCRPID
	for _, es := range pmt.ElementaryStreams {
		if _, ok := d.streams[es.ElementaryPID]; ok {
			continue
		}
		kind := tsStreamKind(es.StreamType)
		d.streams[es.ElementaryPID] = tsStream{kind: kind, streamType: es.StreamType}
		if !d.hasPMT || kind != media.KindOther {
			d.log.Info("found stream", "pid", es.ElementaryPID, "type", es.StreamType, "kind", kind)
		}
	}
	d.hasPMT = true
}

func (d *tsDemuxer) pes(u *mpegts.DemuxerData, state *ClockState) []*media.Buffer {
	pid := u.FirstPacket.Header.PID
	st, ok := d.streams[pid]
	if !ok {
		if d.hasPMT {
			return nil
		}
		st = tsStream{kind: PSStreamKind(uint32(u.PES.Header.StreamID))}
	}
	if st.kind == media.KindOther || len(u.PES.Data) == 0 {
		return nil
	}

	b := pesBuffer(uint32(pid), st.kind, u.PES)
	b.PCR = d.takePCR(u.FirstPacket.Index)

	var captions []*media.Buffer
	if st.streamType == streamTypeH264 {
		var au h264.AnnexB
		if err := au.Unmarshal(b.Payload); err == nil {
			if h264.IsRandomAccess(au) {
				b.Flags |= media.FlagKeyframe
			}
			if d.captions != nil {
				captions = d.captions.decode(au, b.Start)
			}
		}
	}

	out := append([]*media.Buffer{b}, captions...)
	for _, o := range out {
		if state != nil {
			mpegTiming(o, state, ToleranceTransport)
		} else {
			o.PCR = media.NoTimestamp
		}
	}
	return out
}

// takePCR returns the latest pending reference carried at or before packet
// index and drops it together with every older one.
func (d *tsDemuxer) takePCR(index int64) int64 {
	n := 0
	for n < len(d.pcrs) && d.pcrs[n].index <= index {
		n++
	}
	if n == 0 {
		return media.NoTimestamp
	}
	pcr := d.pcrs[n-1].base
	d.pcrs = d.pcrs[n:]
	return pcr
}

func tsStreamKind(streamType uint8) media.Kind {
	switch streamType {
	case streamTypeMPEG1Video, streamTypeMPEG2Video, streamTypeMPEG4Video,
		streamTypeH264, streamTypeH265:
		return media.KindVideo
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio, streamTypeAAC, streamTypeLATM,
		streamTypeLPCM, streamTypeAC3, streamTypeDTS, streamTypeTrueHD,
		streamTypeEAC3, streamTypeDTSHD, streamTypeEAC3ATSC:
		return media.KindAudio
	case streamTypePGS:
		return media.KindSubtitle
	}
	return media.KindOther
}
