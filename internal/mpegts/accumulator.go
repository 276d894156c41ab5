package mpegts

import "slices"

const pidPAT = 0x0000

// programMap is the set of PIDs announced as carrying PMT sections.
type programMap struct {
	pids map[uint16]struct{}
}

func newProgramMap() *programMap {
	return &programMap{pids: make(map[uint16]struct{})}
}

func (pm *programMap) addPMTPID(pid uint16) { pm.pids[pid] = struct{}{} }

func (pm *programMap) isPMTPID(pid uint16) bool {
	_, ok := pm.pids[pid]
	return ok
}

// packetAccumulator gathers the packets of one PID until a unit completes:
// the next payload_unit_start or the announced PES_packet_length for PES,
// a complete section for PSI.
type packetAccumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
	size       int
	want       int
}

func newPacketAccumulator(pid uint16, pm *programMap) *packetAccumulator {
	return &packetAccumulator{pid: pid, programMap: pm}
}

// add returns the units completed by p, oldest first. A unit start can
// complete the previous unit and, when it fits in one packet, its own.
func (pa *packetAccumulator) add(p *Packet) [][]*Packet {
	if p.Header.TransportErrorIndicator {
		pa.reset()
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	if n := len(pa.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[n-1].Header.ContinuityCounter
		switch p.Header.ContinuityCounter {
		case (prev + 1) & 0x0F:
		case prev:
			return nil // retransmitted duplicate
		default:
			// Lost packets: the partial unit cannot be trusted.
			pa.reset()
		}
	}

	var done [][]*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		done = append(done, pa.packets)
		pa.reset()
	}
	pa.packets = append(pa.packets, p)
	pa.size += len(p.Payload)
	if pa.complete() {
		done = append(done, pa.packets)
		pa.reset()
	}
	return done
}

func (pa *packetAccumulator) complete() bool {
	if pa.isPSI() {
		return isPSIComplete(pa.packets)
	}
	if len(pa.packets) == 1 {
		pa.want = pesLength(pa.packets[0].Payload)
	}
	return pa.want > 0 && pa.size >= pa.want
}

func (pa *packetAccumulator) reset() {
	pa.packets = nil
	pa.size = 0
	pa.want = 0
}

func (pa *packetAccumulator) isPSI() bool {
	return isPSIPayload(pa.pid, pa.programMap)
}

func (pa *packetAccumulator) flush() []*Packet {
	done := pa.packets
	pa.reset()
	return done
}

// pesLength is the total size of the PES packet starting payload, or 0
// when it is unbounded or payload does not start one.
func pesLength(payload []byte) int {
	if len(payload) < 6 || !isPESPayload(payload) {
		return 0
	}
	if n := int(payload[4])<<8 | int(payload[5]); n > 0 {
		return 6 + n
	}
	return 0
}

// isPSIComplete reports whether the accumulated payload holds every section
// it announces.
func isPSIComplete(packets []*Packet) bool {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return false
	}
	pos := 1 + int(payload[0])
	if pos >= len(payload) {
		return false
	}
	for pos < len(payload) {
		if payload[pos] == 0xFF {
			return true
		}
		if pos+3 > len(payload) {
			return false
		}
		if payload[pos+1]&0x80 == 0 {
			return true // zero padding after the last section
		}
		pos += 3 + (int(payload[pos+1]&0x0F)<<8 | int(payload[pos+2]))
		if pos > len(payload) {
			return false
		}
	}
	return true
}

// packetPool owns one accumulator per PID.
type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{accs: make(map[uint16]*packetAccumulator), programMap: pm}
}

func (pp *packetPool) add(p *Packet) [][]*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = newPacketAccumulator(p.Header.PID, pp.programMap)
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// oldest returns the first packet index of the oldest PES unit still being
// accumulated on a PID that keep accepts.
func (pp *packetPool) oldest(keep func(pid uint16, first int64) bool) (int64, bool) {
	var idx int64
	found := false
	for pid, acc := range pp.accs {
		if len(acc.packets) == 0 || acc.isPSI() {
			continue
		}
		first := acc.packets[0].Index
		if keep != nil && !keep(pid, first) {
			continue
		}
		if !found || first < idx {
			idx, found = first, true
		}
	}
	return idx, found
}

// dump flushes every accumulator in PID order so the PAT precedes PMTs.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[pid].flush(); len(packets) > 0 {
			all = append(all, packets)
		}
	}
	return all
}
