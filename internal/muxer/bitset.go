package muxer

// MaxTracks is the size of the track table.
const MaxTracks = 256

// bitset is a fixed-size set of track indices.
type bitset [MaxTracks / 64]uint64

func (b *bitset) set(i int)      { b[i>>6] |= 1 << (i & 63) }
func (b *bitset) clear(i int)    { b[i>>6] &^= 1 << (i & 63) }
func (b *bitset) has(i int) bool { return b[i>>6]&(1<<(i&63)) != 0 }

// covers reports whether every bit of mask is set in b.
func (b *bitset) covers(mask *bitset) bool {
	for i := range b {
		if b[i]&mask[i] != mask[i] {
			return false
		}
	}
	return true
}
