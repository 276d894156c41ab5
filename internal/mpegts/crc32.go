package mpegts

import "errors"

var errCRC = errors.New("mpegts: section CRC32 mismatch")

// crcTable is the MSB-first table for the MPEG-2 CRC32 (poly 0x04C11DB7).
// hash/crc32 only provides the reflected form.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, b := range data {
		c = c<<8 ^ crcTable[byte(c>>24)^b]
	}
	return c
}

// checkSection verifies a PSI section whose last four bytes are its CRC.
// Running the CRC over the whole section including the trailer yields zero.
func checkSection(section []byte) error {
	if len(section) < 4 || crc32MPEG(section) != 0 {
		return errCRC
	}
	return nil
}

// CRC32 computes the MPEG-2 CRC32 of data.
func CRC32(data []byte) uint32 { return crc32MPEG(data) }
