package mpegts

import "testing"

func pkt(cc uint8, pusi bool, b byte) *Packet {
	return &Packet{
		Header:  PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: pusi, ContinuityCounter: cc},
		Payload: []byte{b},
	}
}

func TestAccumulator(t *testing.T) {
	t.Parallel()
	disc := pkt(9, false, 3)
	disc.Header.DiscontinuityIndicator = true
	tei := pkt(2, false, 3)
	tei.Header.TransportErrorIndicator = true
	noPayload := &Packet{Header: PacketHeader{PID: 0x100, ContinuityCounter: 2}}

	tests := []struct {
		name    string
		packets []*Packet
		want    int // packets flushed by the final unit start
	}{
		{"unit start flushes", []*Packet{pkt(0, true, 1), pkt(1, false, 2)}, 2},
		{"cc gap drops partial", []*Packet{pkt(0, true, 1), pkt(1, false, 2), pkt(5, false, 3)}, 1},
		{"duplicate dropped", []*Packet{pkt(3, true, 1), pkt(3, false, 1)}, 1},
		{"cc wraps", []*Packet{pkt(14, true, 1), pkt(15, false, 2), pkt(0, false, 3)}, 3},
		{"signaled discontinuity kept", []*Packet{pkt(0, true, 1), pkt(1, false, 2), disc}, 3},
		{"transport error resets", []*Packet{pkt(0, true, 1), pkt(1, false, 2), tei}, 0},
		{"adaptation only ignored", []*Packet{pkt(0, true, 1), pkt(1, false, 2), noPayload}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acc := newPacketAccumulator(0x100, newProgramMap())
			for i, p := range tt.packets {
				if got := acc.add(p); len(got) != 0 {
					t.Fatalf("packet %d flushed early", i)
				}
			}
			last := tt.packets[len(tt.packets)-1].Header.ContinuityCounter
			got := acc.add(pkt((last+1)&0x0F, true, 9))
			n := 0
			if len(got) > 0 {
				n = len(got[0])
			}
			if n != tt.want {
				t.Errorf("flushed %d packets, want %d", n, tt.want)
			}
		})
	}
}

func pesPacket(cc uint8, pusi bool, payload []byte) *Packet {
	return &Packet{
		Header:  PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: pusi, ContinuityCounter: cc},
		Payload: payload,
	}
}

func TestAccumulator_CompletesAtPESLength(t *testing.T) {
	t.Parallel()
	// A 20-byte PES packet: 6-byte header with length 14, then 14 bytes.
	head := append([]byte{0, 0, 1, 0xC0, 0, 14}, make([]byte, 4)...)
	acc := newPacketAccumulator(0x100, newProgramMap())
	if got := acc.add(pesPacket(0, true, head)); len(got) != 0 {
		t.Fatal("incomplete PES flushed")
	}
	got := acc.add(pesPacket(1, false, make([]byte, 10)))
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("got %d units, want the 2-packet PES", len(got))
	}

	// A unit start that completes the previous unbounded PES and is itself
	// complete yields both, oldest first.
	video := pesPacket(2, true, []byte{0, 0, 1, 0xE0, 0, 0, 0x80, 0, 0})
	acc.add(video)
	single := pesPacket(3, true, []byte{0, 0, 1, 0xC0, 0, 3, 0x80, 0, 0})
	got = acc.add(single)
	if len(got) != 2 || got[0][0] != video || got[1][0] != single {
		t.Fatalf("got %d units, want the video PES then the audio PES", len(got))
	}
	if _, ok := newPacketPool(newProgramMap()).oldest(nil); ok {
		t.Error("empty pool reports a pending unit")
	}
}

func TestPacketPool_Oldest(t *testing.T) {
	t.Parallel()
	pp := newPacketPool(newProgramMap())
	unbounded := []byte{0, 0, 1, 0xE0, 0, 0, 0x80, 0, 0}
	for i, pid := range []uint16{0x101, 0x100, 0x102} {
		p := &Packet{Header: PacketHeader{PID: pid, HasPayload: true, PayloadUnitStartIndicator: true}, Payload: unbounded, Index: int64(10 + i)}
		pp.add(p)
	}
	pp.add(&Packet{Header: PacketHeader{PID: pidPAT, HasPayload: true, PayloadUnitStartIndicator: true}, Payload: []byte{0, 0, 0xB0, 0x20}, Index: 1})

	if idx, ok := pp.oldest(nil); !ok || idx != 10 {
		t.Errorf("got %d %v, want 10 true", idx, ok)
	}
	skip101 := func(pid uint16, _ int64) bool { return pid != 0x101 }
	if idx, ok := pp.oldest(skip101); !ok || idx != 11 {
		t.Errorf("filtered: got %d %v, want 11 true", idx, ok)
	}
	pp.dump()
	if _, ok := pp.oldest(nil); ok {
		t.Error("pending unit reported after dump")
	}
}

func TestPacketPool_DumpOrdersByPID(t *testing.T) {
	t.Parallel()
	pp := newPacketPool(newProgramMap())
	for _, pid := range []uint16{0x200, 0x0, 0x100} {
		pp.add(&Packet{Header: PacketHeader{PID: pid, HasPayload: true, PayloadUnitStartIndicator: true}, Payload: []byte{0xFF}})
	}
	all := pp.dump()
	if len(all) != 3 {
		t.Fatalf("got %d groups, want 3", len(all))
	}
	if all[0][0].Header.PID != 0 {
		t.Errorf("first group PID 0x%X, want PAT", all[0][0].Header.PID)
	}
	if len(pp.dump()) != 0 {
		t.Error("second dump should be empty")
	}
}

func TestIsPSIComplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"single section", []byte{0x00, 0x00, 0x80, 0x05, 1, 2, 3, 4, 5}, true},
		{"incomplete", []byte{0x00, 0x00, 0x80, 0x0A, 1, 2, 3}, false},
		{"stuffing after section", []byte{0x00, 0x00, 0x80, 0x02, 1, 2, 0xFF, 0xFF}, true},
		{"zero padding", []byte{0x00, 0x00, 0x80, 0x01, 1, 0x00, 0x00, 0x00}, true},
		{"pointer past end", []byte{0x05, 0x00}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isPSIComplete([]*Packet{{Payload: tt.payload}}); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
