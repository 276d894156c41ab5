package mpegts

// Demuxer turns transport stream bytes into parsed PAT, PMT and PES units.
// It is push-based: callers Feed arbitrary slices (packet boundaries need not
// align with slice boundaries) and Flush at end of input.
type Demuxer struct {
	pool          *packetPool
	programMap    *programMap
	packetsParser PacketsParser
	pktSize       int
	pending       []byte
	corrupt       int
	count         int64
}

// NewDemuxer creates a transport stream demuxer.
func NewDemuxer(opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		pktSize:    packetSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptPacketSize sets the packet size: 188 for plain transport
// streams, 192 for BDAV/M2TS streams with a timestamp prefix.
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// DemuxerOptPacketsParser sets a custom packet parser callback.
func DemuxerOptPacketsParser(p PacketsParser) func(*Demuxer) {
	return func(d *Demuxer) {
		d.packetsParser = p
	}
}

// PacketSize reports the configured packet size.
func (d *Demuxer) PacketSize() int { return d.pktSize }

// Corrupt reports how many packets were discarded for bad framing.
func (d *Demuxer) Corrupt() int { return d.corrupt }

// Feed consumes data and returns every unit completed by it. Bytes that do
// not form a whole packet are kept for the next call. Lost sync is recovered
// by scanning for the next sync byte.
func (d *Demuxer) Feed(data []byte) []*DemuxerData {
	buf := data
	if len(d.pending) > 0 {
		buf = append(d.pending, data...)
		d.pending = nil
	}

	var out []*DemuxerData
	syncOff := d.pktSize - packetSize
	for len(buf) >= d.pktSize {
		if buf[syncOff] != syncByte {
			d.corrupt++
			buf = d.resync(buf)
			continue
		}
		pkt, err := parsePacket(buf[:d.pktSize])
		buf = buf[d.pktSize:]
		if err != nil {
			d.corrupt++
			continue
		}
		pkt.Index = d.count
		d.count++
		out = append(out, d.handle(pkt)...)
	}
	if len(buf) > 0 {
		d.pending = append([]byte(nil), buf...)
	}
	return out
}

// resync drops bytes until a sync byte that is followed by another sync byte
// one packet later, or until too little data remains to tell.
func (d *Demuxer) resync(buf []byte) []byte {
	off := d.pktSize - packetSize
	for i := 1; i+off < len(buf); i++ {
		if buf[i+off] != syncByte {
			continue
		}
		if next := i + off + d.pktSize; next >= len(buf) || buf[next] == syncByte {
			return buf[i:]
		}
	}
	return nil
}

// Flush emits every partially accumulated unit. Call it at end of input.
func (d *Demuxer) Flush() []*DemuxerData {
	d.pending = nil
	var out []*DemuxerData
	for _, packets := range d.pool.dump() {
		results, err := d.processPackets(packets)
		if err != nil {
			continue
		}
		d.learnPMTs(results)
		out = append(out, results...)
	}
	return out
}

// Reset discards accumulated packets after a seek. Learned PMT PIDs are kept.
func (d *Demuxer) Reset() {
	d.pending = nil
	d.pool.dump()
}

func (d *Demuxer) handle(pkt *Packet) []*DemuxerData {
	var out []*DemuxerData
	pcr := pkt.Header.HasPCR
	for _, packets := range d.pool.add(pkt) {
		if pcr && packets[0] == pkt {
			out = append(out, pcrData(pkt))
			pcr = false
		}
		results, err := d.processPackets(packets)
		if err != nil {
			d.corrupt++
			continue
		}
		d.learnPMTs(results)
		out = append(out, results...)
	}
	if pcr {
		out = append(out, pcrData(pkt))
	}
	return out
}

func pcrData(pkt *Packet) *DemuxerData {
	return &DemuxerData{FirstPacket: pkt, PCR: &PCRData{
		PID:           pkt.Header.PID,
		Base:          pkt.Header.PCR,
		Discontinuity: pkt.Header.DiscontinuityIndicator,
	}}
}

// Packets reports how many packets have been parsed. Packet.Index values
// are below it.
func (d *Demuxer) Packets() int64 { return d.count }

// OldestPending returns the first packet index of the oldest PES unit that
// has started but not completed, considering only units keep accepts. A
// nil keep accepts every unit.
func (d *Demuxer) OldestPending(keep func(pid uint16, first int64) bool) (int64, bool) {
	return d.pool.oldest(keep)
}

// learnPMTs records PMT PIDs announced by a PAT so later sections on those
// PIDs are parsed as PSI.
func (d *Demuxer) learnPMTs(results []*DemuxerData) {
	for _, r := range results {
		if r.PAT == nil {
			continue
		}
		for _, p := range r.PAT.Programs {
			d.programMap.addPMTPID(p.ProgramMapID)
		}
	}
}

func (d *Demuxer) processPackets(packets []*Packet) ([]*DemuxerData, error) {
	if len(packets) == 0 {
		return nil, nil
	}
	first := packets[0]

	if d.packetsParser != nil {
		ds, skip, err := d.packetsParser(packets)
		if err != nil {
			return nil, err
		}
		if skip {
			return ds, nil
		}
	}

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	if isPSIPayload(first.Header.PID, d.programMap) {
		return parsePSI(payload, first)
	}
	if !isPESPayload(payload) {
		return nil, nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil, err
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}, nil
}

// PacketPCR returns the PCR carried by a single transport packet, if any.
// It is used for timestamp seeking without running a full demuxer.
func PacketPCR(pkt []byte) (int64, bool) {
	p, err := parsePacket(pkt)
	if err != nil || !p.Header.HasPCR {
		return 0, false
	}
	return p.Header.PCR, true
}
