package mpegts

import "fmt"

// isPESPayload checks for the packet_start_code_prefix 00 00 01.
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasPESOptionalHeader reports whether the stream id carries the optional
// PES header. Padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and
// the program stream directory do not.
func hasPESOptionalHeader(id uint8) bool {
	switch id {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet of %d bytes", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	id := payload[3]
	length := int(payload[4])<<8 | int(payload[5])
	pes := &PESData{Header: &PESHeader{StreamID: id, PacketLength: length}}

	// A zero length is only legal for video in a transport stream and means
	// the packet runs to the end of the unit.
	end := len(payload)
	if length > 0 && 6+length < end {
		end = 6 + length
	}

	if !hasPESOptionalHeader(id) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header truncated")
	}

	opt := &PESOptionalHeader{}
	switch payload[7] >> 6 {
	case 2:
		if len(payload) >= 14 {
			opt.PTS = parsePTSOrDTS(payload[9:14])
		}
	case 3:
		if len(payload) >= 19 {
			opt.PTS = parsePTSOrDTS(payload[9:14])
			opt.DTS = parsePTSOrDTS(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt

	start := min(9+int(payload[8]), end)
	pes.Data = payload[start:end]
	return pes, nil
}

// parsePTSOrDTS extracts a 33-bit timestamp from five PES header bytes.
func parsePTSOrDTS(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	return &ClockReference{Base: int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)}
}
