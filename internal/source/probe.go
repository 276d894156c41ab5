package source

import (
	"errors"

	"github.com/zsiec/reel/internal/demux"
)

// ErrUnknownFormat is returned when probing finds neither a transport
// stream nor a program stream.
var ErrUnknownFormat = errors.New("source: unrecognized container")

// probeSyncs is how many consecutive sync bytes identify a transport stream.
const probeSyncs = 4

// Probe identifies the container of b, returning the demultiplexer kind and,
// for transport streams, the packet size.
func Probe(b []byte) (demux.Kind, int, error) {
	for _, size := range []int{188, 192} {
		if off, ok := findSync(b, size); ok && off < size {
			return demux.KindTransportStream, size, nil
		}
	}
	for i := 0; i+4 <= len(b) && i < 64*1024; i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 && b[i+3] == 0xBA {
			return demux.KindProgramStream, 0, nil
		}
	}
	return 0, 0, ErrUnknownFormat
}

// findSync returns the offset of the first packet in b when probeSyncs
// packets of size line up. For 192-byte packets the offset is of the
// timestamp prefix.
func findSync(b []byte, size int) (int, bool) {
	lead := size - 188
	for off := 0; off < size && off+lead+size*(probeSyncs-1) < len(b); off++ {
		ok := true
		for k := range probeSyncs {
			if b[off+lead+k*size] != 0x47 {
				ok = false
				break
			}
		}
		if ok {
			return off, true
		}
	}
	return 0, false
}
