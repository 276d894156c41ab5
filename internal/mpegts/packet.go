package mpegts

import "fmt"

const (
	packetSize = 188
	// m2tsPacketSize is a BDAV packet: a 4-byte arrival timestamp followed
	// by a standard transport packet.
	m2tsPacketSize = 192
	syncByte       = 0x47
)

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) == m2tsPacketSize {
		buf = buf[4:]
	}
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < packetSize {
			flags := buf[offset+1]
			p.Header.DiscontinuityIndicator = flags&0x80 != 0
			// PCR_flag; the PCR occupies the six bytes after the flags.
			if flags&0x10 != 0 && afLen >= 7 && offset+8 <= packetSize {
				p.Header.HasPCR = true
				p.Header.PCR = parsePCR(buf[offset+2 : offset+8])
			}
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = make([]byte, packetSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}

// parsePCR extracts the 33-bit 90 kHz base of a program clock reference.
// The 9-bit 27 MHz extension is dropped.
func parsePCR(bs []byte) int64 {
	return int64(bs[0])<<25 |
		int64(bs[1])<<17 |
		int64(bs[2])<<9 |
		int64(bs[3])<<1 |
		int64(bs[4]>>7)
}
