package mpegts

import (
	"encoding/binary"
	"testing"
)

// psiSection wraps body in a long-form section header and CRC trailer.
func psiSection(tableID byte, body []byte) []byte {
	length := 5 + len(body) + 4
	s := []byte{tableID, 0xB0 | byte(length>>8)&0x0F, byte(length), 0x00, 0x01, 0xC1, 0x00, 0x00}
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, crc32MPEG(s))
}

func patBody(programs ...[2]uint16) []byte {
	var b []byte
	for _, p := range programs {
		b = append(b, byte(p[0]>>8), byte(p[0]), 0xE0|byte(p[1]>>8)&0x1F, byte(p[1]))
	}
	return b
}

func TestParsePATSection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		programs [][2]uint16
		want     []uint16
	}{
		{"one program", [][2]uint16{{1, 0x1000}}, []uint16{0x1000}},
		{"two programs", [][2]uint16{{1, 0x100}, {2, 0x200}}, []uint16{0x100, 0x200}},
		{"network PID skipped", [][2]uint16{{0, 0x10}, {1, 0x100}}, []uint16{0x100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pat, err := parsePATSection(psiSection(tableIDPAT, patBody(tt.programs...)))
			if err != nil {
				t.Fatal(err)
			}
			if len(pat.Programs) != len(tt.want) {
				t.Fatalf("got %d programs, want %d", len(pat.Programs), len(tt.want))
			}
			for i, pid := range tt.want {
				if got := pat.Programs[i].ProgramMapID; got != pid {
					t.Errorf("program %d: PMT PID 0x%X, want 0x%X", i, got, pid)
				}
			}
		})
	}
}

func TestParsePMTSection(t *testing.T) {
	t.Parallel()
	body := []byte{
		0xE1, 0xE1, // PCR PID 481
		0xF0, 0x03, 0x0A, 0x01, 0x00, // one 3-byte program descriptor
		0x1B, 0xE1, 0xE1, 0xF0, 0x00, // H.264 on 481
		0x0F, 0xE1, 0xEE, 0xF0, 0x02, 0x52, 0x00, // AAC on 494 with a descriptor
	}
	pmt, err := parsePMTSection(psiSection(tableIDPMT, body))
	if err != nil {
		t.Fatal(err)
	}
	if pmt.PCRPID != 481 {
		t.Errorf("PCR PID: got %d, want 481", pmt.PCRPID)
	}
	if len(pmt.ElementaryStreams) != 2 {
		t.Fatalf("got %d streams, want 2", len(pmt.ElementaryStreams))
	}
	want := []PMTElementaryStream{{ElementaryPID: 481, StreamType: 0x1B}, {ElementaryPID: 494, StreamType: 0x0F}}
	for i, w := range want {
		if got := *pmt.ElementaryStreams[i]; got != w {
			t.Errorf("stream %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestParsePSI_BadCRC(t *testing.T) {
	t.Parallel()
	for _, table := range []byte{tableIDPAT, tableIDPMT} {
		s := psiSection(table, []byte{0xE1, 0x00, 0xF0, 0x00, 0x1B, 0xE1, 0x00, 0xF0, 0x00})
		s[len(s)-1] ^= 0xFF
		if _, err := parsePSI(append([]byte{0}, s...), &Packet{}); err == nil {
			t.Errorf("table 0x%02X: expected CRC error", table)
		}
	}
}

func TestParsePSI_PointerAndStuffing(t *testing.T) {
	t.Parallel()
	s := psiSection(tableIDPAT, patBody([2]uint16{1, 0x1000}))
	payload := append([]byte{0x03, 0xFF, 0xFF, 0xFF}, s...)
	payload = append(payload, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

	first := &Packet{Header: PacketHeader{PID: pidPAT}}
	got, err := parsePSI(payload, first)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PAT == nil {
		t.Fatalf("got %d results, want one PAT", len(got))
	}
	if got[0].FirstPacket != first {
		t.Error("result does not carry its first packet")
	}

	if _, err := parsePSI([]byte{0x09, 0x00}, first); err == nil {
		t.Error("pointer beyond payload should fail")
	}
}
