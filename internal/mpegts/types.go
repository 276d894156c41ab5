// Package mpegts implements MPEG-2 systems framing for the reader: transport
// stream packet parsing with PAT/PMT discovery, PES reassembly with PTS/DTS
// and PCR extraction, and program stream pack parsing with SCR extraction.
package mpegts

// Packet is a parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	// Index is the packet's position in the stream fed to a Demuxer.
	Index int64
}

// PacketHeader contains the parsed header and adaptation field of a
// transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	HasPCR                    bool
	PCR                       int64 // 33-bit base, 90 kHz
}

// DemuxerData is the output of the demuxer for each logical unit (PAT, PMT,
// PES packet, or program clock reference). Exactly one of PAT, PMT, PES, or
// PCR will be non-nil.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
	PCR         *PCRData
}

// PCRData is a program clock reference seen on PID. It is emitted after
// units that started before the packet carrying it and before a unit that
// starts on that packet.
type PCRData struct {
	PID           uint16
	Base          int64
	Discontinuity bool
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData contains a reassembled Packetized Elementary Stream.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
	PacketLength   int
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// PacketsParser is a callback invoked with accumulated packets for a PID
// before standard parsing. If skip is true, the demuxer skips its own
// parsing for those packets.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)
