package mpegts

import (
	"errors"
	"fmt"
)

const (
	psPackStart    = 0xBA
	psSystemHeader = 0xBB
	psEndCode      = 0xB9
	psPadding      = 0xBE
	psPrivate1     = 0xBD
	psPrivate2     = 0xBF
)

// ErrNotPack is returned when program stream data does not begin with a
// pack start code.
var ErrNotPack = errors.New("mpegts: no pack start code")

// ErrTruncated is returned when a PES packet runs past the end of the data.
var ErrTruncated = errors.New("mpegts: truncated program stream packet")

// Pack is one MPEG-2 program stream pack: its system clock reference and
// the elementary stream packets it carries.
type Pack struct {
	SCR   int64
	Units []*PSUnit
}

// PSUnit is a PES packet from a program stream. ID is the PES stream id, or
// for private stream 1 the value 0xBD | subID<<8. Data has the PES header
// and any private stream sub-header removed.
type PSUnit struct {
	ID  uint32
	PES *PESData
}

// ParsePacks parses every pack in data. A trailing partial pack yields the
// packs parsed so far together with ErrTruncated.
func ParsePacks(data []byte) ([]*Pack, error) {
	var packs []*Pack
	pos := 0
	for pos+4 <= len(data) {
		if !isStartCode(data[pos:], psPackStart) {
			next := indexStartCode(data, pos+1, psPackStart)
			if next < 0 {
				if len(packs) == 0 {
					return nil, ErrNotPack
				}
				return packs, nil
			}
			pos = next
		}
		pack, n, err := parsePack(data[pos:])
		if pack != nil {
			packs = append(packs, pack)
		}
		if err != nil {
			return packs, err
		}
		pos += n
	}
	if len(packs) == 0 {
		return nil, ErrNotPack
	}
	return packs, nil
}

// PackSCR returns the SCR of the pack starting at data[0].
func PackSCR(data []byte) (int64, bool) {
	if len(data) < 14 || !isStartCode(data, psPackStart) || data[4]>>6 != 0x01 {
		return 0, false
	}
	return parseSCR(data[4:10]), true
}

// parsePack parses a pack and its packets, returning the consumed length.
func parsePack(d []byte) (*Pack, int, error) {
	if len(d) < 14 {
		return nil, len(d), ErrTruncated
	}
	if d[4]>>6 != 0x01 {
		return nil, len(d), fmt.Errorf("mpegts: MPEG-1 pack header not supported")
	}
	pack := &Pack{SCR: parseSCR(d[4:10])}
	pos := 13
	pos += 1 + int(d[pos]&0x07)

	for pos+6 <= len(d) {
		if !isStartCode(d[pos:], -1) {
			// Garbage between packets; resume at the next pack.
			next := indexStartCode(d, pos, psPackStart)
			if next < 0 {
				return pack, len(d), nil
			}
			return pack, next, nil
		}
		id := d[pos+3]
		switch id {
		case psPackStart:
			return pack, pos, nil
		case psEndCode:
			pos += 4
			continue
		}
		end := pos + 6 + (int(d[pos+4])<<8 | int(d[pos+5]))
		if end > len(d) {
			return pack, len(d), ErrTruncated
		}
		if unit := parsePSUnit(id, d[pos:end]); unit != nil {
			pack.Units = append(pack.Units, unit)
		}
		pos = end
	}
	return pack, len(d), nil
}

// parsePSUnit keeps video, audio and recognized private stream 1 packets.
func parsePSUnit(id byte, pkt []byte) *PSUnit {
	switch {
	case id == psSystemHeader, id == psPadding, id == psPrivate2:
		return nil
	case id >= 0xE0 && id <= 0xEF, id >= 0xC0 && id <= 0xDF:
		pes, err := parsePES(pkt)
		if err != nil {
			return nil
		}
		return &PSUnit{ID: uint32(id), PES: pes}
	case id == psPrivate1:
		pes, err := parsePES(pkt)
		if err != nil || len(pes.Data) == 0 {
			return nil
		}
		sub := pes.Data[0]
		var skip int
		switch {
		case sub >= 0x80 && sub <= 0x8F: // AC-3: sub id, frame count, access unit pointer
			skip = 4
		case sub >= 0x20 && sub <= 0x3F, sub >= 0xA0 && sub <= 0xAF: // SPU, LPCM
			skip = 1
		default:
			return nil
		}
		if skip > len(pes.Data) {
			return nil
		}
		pes.Data = pes.Data[skip:]
		return &PSUnit{ID: psPrivate1 | uint32(sub)<<8, PES: pes}
	}
	return nil
}

// parseSCR decodes the 33-bit SCR base from the six pack header bytes that
// follow the start code.
func parseSCR(b []byte) int64 {
	return int64(b[0]>>3&0x07)<<30 |
		int64(b[0]&0x03)<<28 |
		int64(b[1])<<20 |
		int64(b[2]>>3&0x1F)<<15 |
		int64(b[2]&0x03)<<13 |
		int64(b[3])<<5 |
		int64(b[4]>>3)
}

// isStartCode reports whether b begins with 00 00 01 followed by id, or by
// anything when id is negative.
func isStartCode(b []byte, id int) bool {
	if len(b) < 4 || b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return false
	}
	return id < 0 || b[3] == byte(id)
}

func indexStartCode(d []byte, from int, id byte) int {
	for i := from; i+4 <= len(d); i++ {
		if d[i] == 0 && d[i+1] == 0 && d[i+2] == 1 && d[i+3] == id {
			return i
		}
	}
	return -1
}
