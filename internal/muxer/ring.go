package muxer

import "github.com/zsiec/reel/internal/media"

const minRing = 8

// ring is a growable FIFO whose capacity is always a power of two. in and
// out count forever; their difference is the length.
type ring struct {
	buf []*media.Buffer
	in  uint
	out uint
}

func (r *ring) len() int    { return int(r.in - r.out) }
func (r *ring) empty() bool { return r.in == r.out }
func (r *ring) mask() uint  { return uint(len(r.buf) - 1) }
func (r *ring) cap() int    { return len(r.buf) }

// push appends b, doubling the ring when full. It fails with ErrRingLimit
// when the ring would grow past limit entries.
func (r *ring) push(b *media.Buffer, limit int) error {
	if r.len() == len(r.buf) {
		n := max(minRing, 2*len(r.buf))
		if n > limit {
			return ErrRingLimit
		}
		grown := make([]*media.Buffer, n)
		for i := range r.len() {
			grown[i] = r.buf[(r.out+uint(i))&r.mask()]
		}
		r.in, r.out = uint(r.len()), 0
		r.buf = grown
	}
	r.buf[r.in&r.mask()] = b
	r.in++
	return nil
}

func (r *ring) peek() *media.Buffer {
	if r.empty() {
		return nil
	}
	return r.buf[r.out&r.mask()]
}

// newest returns the most recently pushed buffer.
func (r *ring) newest() *media.Buffer {
	if r.empty() {
		return nil
	}
	return r.buf[(r.in-1)&r.mask()]
}

func (r *ring) pop() *media.Buffer {
	if r.empty() {
		return nil
	}
	i := r.out & r.mask()
	b := r.buf[i]
	r.buf[i] = nil
	r.out++
	return b
}
