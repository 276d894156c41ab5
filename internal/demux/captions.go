package demux

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/zsiec/ccx"

	"github.com/zsiec/reel/internal/media"
)

// captionChannel is the CEA-608 channel carried to the subtitle stream.
const captionChannel = 1

// captionDecoder turns CEA-608 byte pairs found in H.264 SEI messages into
// UTF-8 subtitle buffers.
type captionDecoder struct {
	decs map[int]*ccx.CEA608Decoder

	// Control codes are sent twice for robustness; the repeat within two
	// frames is dropped per field.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
	frames        int64
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{}
	c.reset()
	return c
}

func (c *captionDecoder) reset() {
	c.decs = map[int]*ccx.CEA608Decoder{
		1: ccx.NewCEA608Decoder(),
		2: ccx.NewCEA608Decoder(),
		3: ccx.NewCEA608Decoder(),
		4: ccx.NewCEA608Decoder(),
	}
	c.lastWasCtrl = [2]bool{}
}

// decode scans one access unit and returns a subtitle buffer for every
// caption update on captionChannel.
func (c *captionDecoder) decode(au h264.AnnexB, pts int64) []*media.Buffer {
	c.frames++
	var out []*media.Buffer
	for _, nalu := range au {
		if len(nalu) < 2 || h264.NALUType(nalu[0]&0x1F) != h264.NALUTypeSEI {
			continue
		}
		cd := ccx.ExtractCaptions(nalu)
		if cd == nil {
			continue
		}
		for _, pair := range cd.CC608Pairs {
			if text, ok := c.pair(int(pair.Field), int(pair.Channel), pair.Data[0], pair.Data[1]); ok {
				b := media.NewBuffer(len(text))
				copy(b.Payload, text)
				b.StreamID = CaptionStreamID
				b.Kind = media.KindSubtitle
				b.Start = pts
				b.RenderOffset = pts
				out = append(out, b)
			}
		}
	}
	return out
}

func (c *captionDecoder) pair(field, channel int, cc1, cc2 byte) (string, bool) {
	if field < 0 || field > 1 {
		return "", false
	}
	if cc1 >= 0x10 && cc1 <= 0x1F {
		cp := [2]byte{cc1, cc2}
		if c.lastWasCtrl[field] && c.lastCtrl[field] == cp && c.frames-c.lastCtrlFrame[field] <= 2 {
			c.lastWasCtrl[field] = false
			return "", false
		}
		c.lastCtrl[field] = cp
		c.lastWasCtrl[field] = true
		c.lastCtrlFrame[field] = c.frames
	} else {
		c.lastWasCtrl[field] = false
	}

	dec := c.decs[channel]
	if dec == nil {
		return "", false
	}
	text := dec.Decode(cc1, cc2)
	if text == "" || channel != captionChannel {
		return "", false
	}
	return text, true
}
