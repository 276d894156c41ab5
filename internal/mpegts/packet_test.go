package mpegts

import "testing"

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

// makePCRPacket builds a packet whose adaptation field carries pcr.
func makePCRPacket(pid uint16, pcr int64, disc bool) []byte {
	buf := make([]byte, packetSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x20 // adaptation only
	buf[4] = 183
	buf[5] = 0x10
	if disc {
		buf[5] |= 0x80
	}
	buf[6] = byte(pcr >> 25)
	buf[7] = byte(pcr >> 17)
	buf[8] = byte(pcr >> 9)
	buf[9] = byte(pcr >> 1)
	buf[10] = byte(pcr&1)<<7 | 0x7E
	return buf
}

func TestParsePacket_Fields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		pkt     []byte
		pid     uint16
		cc      uint8
		pusi    bool
		payload int
	}{
		{"payload only", makePacket(0x100, 5, false, []byte{1, 2, 3}), 0x100, 5, false, 184},
		{"unit start", makePacket(0x0, 0, true, nil), 0x0, 0, true, 184},
		{"max pid", makePacket(0x1FFF, 15, false, nil), 0x1FFF, 15, false, 184},
		{"adaptation only", makePCRPacket(0x31, 0, false), 0x31, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := parsePacket(tt.pkt)
			if err != nil {
				t.Fatal(err)
			}
			if p.Header.PID != tt.pid {
				t.Errorf("PID: got 0x%X, want 0x%X", p.Header.PID, tt.pid)
			}
			if p.Header.ContinuityCounter != tt.cc {
				t.Errorf("CC: got %d, want %d", p.Header.ContinuityCounter, tt.cc)
			}
			if p.Header.PayloadUnitStartIndicator != tt.pusi {
				t.Errorf("PUSI: got %v, want %v", p.Header.PayloadUnitStartIndicator, tt.pusi)
			}
			if len(p.Payload) != tt.payload {
				t.Errorf("payload: got %d bytes, want %d", len(p.Payload), tt.payload)
			}
		})
	}
}

func TestParsePacket_PCR(t *testing.T) {
	t.Parallel()
	for _, pcr := range []int64{0, 1, 90000, 1<<33 - 1} {
		p, err := parsePacket(makePCRPacket(0x100, pcr, true))
		if err != nil {
			t.Fatal(err)
		}
		if !p.Header.HasPCR {
			t.Fatalf("pcr %d: HasPCR false", pcr)
		}
		if p.Header.PCR != pcr {
			t.Errorf("PCR: got %d, want %d", p.Header.PCR, pcr)
		}
		if !p.Header.DiscontinuityIndicator {
			t.Error("discontinuity indicator not parsed")
		}
	}
}

func TestParsePacket_M2TS(t *testing.T) {
	t.Parallel()
	pkt := append([]byte{0x12, 0x34, 0x56, 0x78}, makePacket(0x101, 3, true, []byte{9})...)
	p, err := parsePacket(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != 0x101 || p.Payload[0] != 9 {
		t.Errorf("got PID 0x%X payload %x", p.Header.PID, p.Payload[:1])
	}
}

func TestParsePacket_Errors(t *testing.T) {
	t.Parallel()
	bad := makePacket(0x100, 0, false, nil)
	bad[0] = 0x48
	if _, err := parsePacket(bad); err == nil {
		t.Error("expected sync byte error")
	}
	if _, err := parsePacket(make([]byte, 100)); err == nil {
		t.Error("expected size error")
	}
}

func TestParsePacket_TEI(t *testing.T) {
	t.Parallel()
	buf := makePacket(0x100, 0, false, nil)
	buf[1] |= 0x80
	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Header.TransportErrorIndicator {
		t.Error("TEI should be set")
	}
}
