package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

// parsePSI walks every section in a reassembled PSI payload.
func parsePSI(payload []byte, first *Packet) ([]*DemuxerData, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("mpegts: empty PSI payload")
	}
	pos := 1 + int(payload[0])
	if pos >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field %d beyond payload", payload[0])
	}

	var out []*DemuxerData
	for pos+3 <= len(payload) {
		table := payload[pos]
		// 0xFF is stuffing; a clear section_syntax_indicator is zero padding.
		if table == 0xFF || payload[pos+1]&0x80 == 0 {
			break
		}
		end := pos + 3 + (int(payload[pos+1]&0x0F)<<8 | int(payload[pos+2]))
		if end > len(payload) {
			break
		}
		section := payload[pos:end]
		pos = end

		switch table {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: first, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return out, err
			}
			out = append(out, &DemuxerData{FirstPacket: first, PMT: pmt})
		}
	}
	return out, nil
}

// parsePATSection decodes a PAT section: an 8-byte header, 4-byte program
// entries and the CRC trailer.
func parsePATSection(s []byte) (*PATData, error) {
	if len(s) < 12 {
		return nil, fmt.Errorf("mpegts: PAT section of %d bytes", len(s))
	}
	if err := checkSection(s); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}
	pat := &PATData{}
	for i := 8; i+4 <= len(s)-4; i += 4 {
		num := uint16(s[i])<<8 | uint16(s[i+1])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: num,
			ProgramMapID:  uint16(s[i+2]&0x1F)<<8 | uint16(s[i+3]),
		})
	}
	return pat, nil
}

// parsePMTSection decodes a PMT section: 12-byte header carrying the PCR PID
// and program_info_length, program descriptors, then 5-byte stream entries
// each followed by ES descriptors.
func parsePMTSection(s []byte) (*PMTData, error) {
	if len(s) < 16 {
		return nil, fmt.Errorf("mpegts: PMT section of %d bytes", len(s))
	}
	if err := checkSection(s); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}
	pmt := &PMTData{PCRPID: uint16(s[8]&0x1F)<<8 | uint16(s[9])}
	pos := 12 + (int(s[10]&0x0F)<<8 | int(s[11]))
	limit := len(s) - 4
	for pos+5 <= limit {
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    s[pos],
			ElementaryPID: uint16(s[pos+1]&0x1F)<<8 | uint16(s[pos+2]),
		})
		pos += 5 + (int(s[pos+3]&0x0F)<<8 | int(s[pos+4]))
	}
	return pmt, nil
}
