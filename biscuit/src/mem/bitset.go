package mem

import "math/bits"

/// Bitvec is a fixed-size bit vector, one bit per tracked unit. Grounded
/// on the original kernel's BitVec (common/bitvec.rs): a word-backed
/// vector with a bit count, resized once at construction.
type Bitvec struct {
	words []uint64
	n     int
}

/// NewBitvec allocates a Bitvec large enough to address n bits, all
/// initially clear.
func NewBitvec(n int) Bitvec {
	nwords := n / 64
	if n%64 != 0 {
		nwords++
	}
	return Bitvec{words: make([]uint64, nwords), n: n}
}

/// Set sets bit i.
func (b *Bitvec) Set(i int) {
	b.words[i/64] |= 1 << uint(i%64)
}

/// Clear clears bit i.
func (b *Bitvec) Clear(i int) {
	b.words[i/64] &^= 1 << uint(i%64)
}

/// Test reports whether bit i is set.
func (b *Bitvec) Test(i int) bool {
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

/// FirstOne returns the index of the lowest set bit, or (0, false) if
/// the vector is entirely clear.
func (b *Bitvec) FirstOne() (int, bool) {
	return b.FirstOneFrom(0)
}

/// FirstOneFrom returns the index of the lowest set bit at or after
/// start, or (0, false) if none exists.
func (b *Bitvec) FirstOneFrom(start int) (int, bool) {
	if start < 0 {
		start = 0
	}
	if start >= b.n {
		return 0, false
	}
	wi := start / 64
	// mask off bits below start in the first word
	first := b.words[wi] &^ ((uint64(1) << uint(start%64)) - 1)
	if first != 0 {
		idx := wi*64 + bits.TrailingZeros64(first)
		if idx < b.n {
			return idx, true
		}
		return 0, false
	}
	for wi++; wi < len(b.words); wi++ {
		if b.words[wi] != 0 {
			idx := wi*64 + bits.TrailingZeros64(b.words[wi])
			if idx < b.n {
				return idx, true
			}
			return 0, false
		}
	}
	return 0, false
}

/// PopCount returns the number of set bits.
func (b *Bitvec) PopCount() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

/// Len returns the number of bits the vector addresses.
func (b *Bitvec) Len() int {
	return b.n
}
