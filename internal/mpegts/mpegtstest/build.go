// Package mpegtstest builds synthetic transport and program streams for
// tests.
package mpegtstest

import (
	"encoding/binary"

	"github.com/zsiec/reel/internal/mpegts"
)

// NoPCR marks a packet without a program clock reference.
const NoPCR = -1

// NoTS marks an absent PTS or DTS.
const NoTS = -1

// Stream describes one PMT entry.
type Stream struct {
	Type uint8
	PID  uint16
}

// Packet builds one 188-byte packet. Payloads shorter than 184 bytes are
// padded with adaptation-field stuffing so the payload ends the packet.
// pcr >= 0 adds a PCR; the payload must then fit in 176 bytes.
func Packet(pid uint16, cc uint8, pusi bool, pcr int64, disc bool, payload []byte) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)

	afNeeded := pcr >= 0 || disc || len(payload) < 184
	ctrl := byte(0x10)
	if afNeeded {
		ctrl |= 0x20
	}
	pkt[3] = ctrl | cc&0x0F
	if !afNeeded {
		copy(pkt[4:], payload)
		return pkt
	}

	afLen := 183 - len(payload)
	pkt[4] = byte(afLen)
	if afLen > 0 {
		var flags byte
		if disc {
			flags |= 0x80
		}
		pos := 6
		if pcr >= 0 {
			flags |= 0x10
			putPCR(pkt[6:12], pcr)
			pos = 12
		}
		pkt[5] = flags
		for i := pos; i < 5+afLen; i++ {
			pkt[i] = 0xFF
		}
	}
	copy(pkt[5+afLen:], payload)
	return pkt
}

func putPCR(b []byte, base int64) {
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E
	b[5] = 0
}

// Packetize splits a PES packet or PSI payload across packets of pid,
// advancing *cc. The first packet sets payload_unit_start and carries the
// PCR when pcr >= 0.
func Packetize(pid uint16, cc *uint8, pcr int64, payload []byte) []byte {
	var out []byte
	first := true
	for first || len(payload) > 0 {
		room := 184
		p := int64(NoPCR)
		if first && pcr >= 0 {
			room = 176
			p = pcr
		}
		n := min(room, len(payload))
		out = append(out, Packet(pid, *cc, first, p, false, payload[:n])...)
		*cc = (*cc + 1) & 0x0F
		payload = payload[n:]
		first = false
	}
	return out
}

func section(tableID byte, idExt uint16, body []byte) []byte {
	s := make([]byte, 8, 8+len(body)+4)
	s[0] = tableID
	length := 5 + len(body) + 4
	s[1] = 0xB0 | byte(length>>8)&0x0F
	s[2] = byte(length)
	binary.BigEndian.PutUint16(s[3:5], idExt)
	s[5] = 0xC1
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, mpegts.CRC32(s))
}

// PAT builds a PSI payload (with pointer field) announcing program 1 on
// pmtPID.
func PAT(pmtPID uint16) []byte {
	body := []byte{0x00, 0x01, 0xE0 | byte(pmtPID>>8)&0x1F, byte(pmtPID)}
	return append([]byte{0}, section(0x00, 1, body)...)
}

// PMT builds a PSI payload (with pointer field) for program 1.
func PMT(pcrPID uint16, streams ...Stream) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00}
	for _, s := range streams {
		body = append(body, s.Type, 0xE0|byte(s.PID>>8)&0x1F, byte(s.PID), 0xF0, 0x00)
	}
	return append([]byte{0}, section(0x02, 1, body)...)
}

func putTS(b []byte, prefix byte, ts int64) {
	b[0] = prefix<<4 | byte(ts>>30&0x07)<<1 | 1
	b[1] = byte(ts >> 22)
	b[2] = byte(ts>>15&0x7F)<<1 | 1
	b[3] = byte(ts >> 7)
	b[4] = byte(ts&0x7F)<<1 | 1
}

// PES builds a PES packet. pts or dts of NoTS omits the field; a DTS is only
// written together with a PTS. Packets too long for the 16-bit length field
// get length zero.
func PES(streamID byte, pts, dts int64, data []byte) []byte {
	var hdr []byte
	flags := byte(0)
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		hdr = make([]byte, 10)
		putTS(hdr[0:5], 0x3, pts)
		putTS(hdr[5:10], 0x1, dts)
	case pts >= 0:
		flags = 0x80
		hdr = make([]byte, 5)
		putTS(hdr, 0x2, pts)
	}
	length := 3 + len(hdr) + len(data)
	if length > 0xFFFF {
		length = 0
	}
	out := []byte{0, 0, 1, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(hdr))}
	out = append(out, hdr...)
	return append(out, data...)
}

// PrivatePES builds a private stream 1 PES packet with the sub-stream
// header a DVD uses for sub: four bytes for AC-3, one byte otherwise.
func PrivatePES(sub byte, pts int64, data []byte) []byte {
	hdr := []byte{sub}
	if sub >= 0x80 && sub <= 0x8F {
		hdr = append(hdr, 0x01, 0x00, 0x01)
	}
	return PES(0xBD, pts, NoTS, append(hdr, data...))
}

// PackHeader builds a 14-byte MPEG-2 pack header for scr.
func PackHeader(scr int64) []byte {
	return []byte{
		0x00, 0x00, 0x01, 0xBA,
		0x44 | byte(scr>>30&0x07)<<3 | byte(scr>>28&0x03),
		byte(scr >> 20),
		byte(scr>>15&0x1F)<<3 | 0x04 | byte(scr>>13&0x03),
		byte(scr >> 5),
		byte(scr&0x1F)<<3 | 0x04,
		0x01,
		0x01, 0x89, 0xC3,
		0xF8,
	}
}

// SystemHeader builds a minimal system header.
func SystemHeader() []byte {
	return []byte{0x00, 0x00, 0x01, 0xBB, 0x00, 0x06, 0x80, 0xC4, 0xE1, 0x04, 0xE1, 0xFF}
}

// Pack builds a pack with the given PES packets. When sector is positive the
// pack is padded to that size with a padding stream packet.
func Pack(scr int64, sector int, pes ...[]byte) []byte {
	out := PackHeader(scr)
	for _, p := range pes {
		out = append(out, p...)
	}
	if sector > 0 && len(out)+6 <= sector {
		n := sector - len(out) - 6
		out = append(out, 0x00, 0x00, 0x01, 0xBE, byte(n>>8), byte(n))
		for range n {
			out = append(out, 0xFF)
		}
	}
	return out
}
