package ur

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
	"sort"
)

// xoshiro256 is the xoshiro256** generator the UR scheme uses to pick
// which fragments a redundant part mixes together. Seeding it from the
// part's sequence number and the payload checksum makes the choice
// deterministic for both sides of the air gap.
type xoshiro256 struct {
	s [4]uint64
}

// newFragmentRNG seeds the generator for one part of one payload.
func newFragmentRNG(seqNum, checksum uint32) *xoshiro256 {
	var seed [8]byte
	binary.BigEndian.PutUint32(seed[0:4], seqNum)
	binary.BigEndian.PutUint32(seed[4:8], checksum)

	digest := sha256.Sum256(seed[:])

	var rng xoshiro256
	for i := 0; i < 4; i++ {
		rng.s[i] = binary.BigEndian.Uint64(digest[i*8 : i*8+8])
	}

	return &rng
}

// next returns the next 64 bits of the stream.
func (x *xoshiro256) next() uint64 {
	result := bits.RotateLeft64(x.s[1]*5, 7) * 9

	t := x.s[1] << 17
	x.s[2] ^= x.s[0]
	x.s[3] ^= x.s[1]
	x.s[1] ^= x.s[2]
	x.s[0] ^= x.s[3]
	x.s[2] ^= t
	x.s[3] = bits.RotateLeft64(x.s[3], 45)

	return result
}

// nextDouble returns a float in [0, 1).
func (x *xoshiro256) nextDouble() float64 {
	return float64(x.next()>>11) / float64(uint64(1)<<53)
}

// nextInt returns an integer in [0, n).
func (x *xoshiro256) nextInt(n int) int {
	return int(x.nextDouble() * float64(n))
}

// chooseDegree picks how many fragments a mixed part combines. The
// distribution weights degree d with 1/d, favoring low degrees so most
// redundant parts are useful immediately.
func chooseDegree(seqLen int, rng *xoshiro256) int {
	var total float64
	for d := 1; d <= seqLen; d++ {
		total += 1 / float64(d)
	}

	target := rng.nextDouble() * total
	for d := 1; d <= seqLen; d++ {
		target -= 1 / float64(d)
		if target <= 0 {
			return d
		}
	}

	return seqLen
}

// chooseFragments returns the set of fragment indexes mixed into the part
// with the given sequence number. Parts numbered 1..seqLen are the pure
// fragments in order; later parts mix a pseudo-randomly chosen subset.
func chooseFragments(seqNum, seqLen, checksum uint32) []int {
	if seqNum <= seqLen {
		return []int{int(seqNum) - 1}
	}

	rng := newFragmentRNG(seqNum, checksum)
	degree := chooseDegree(int(seqLen), rng)

	// Partial Fisher-Yates: shuffle just enough of the index space to
	// take the first degree entries.
	indexes := make([]int, seqLen)
	for i := range indexes {
		indexes[i] = i
	}
	for i := 0; i < degree; i++ {
		j := i + rng.nextInt(len(indexes)-i)
		indexes[i], indexes[j] = indexes[j], indexes[i]
	}

	chosen := indexes[:degree]
	sort.Ints(chosen)

	return chosen
}

// fragmentLength computes the equal fragment size for a payload, honoring
// the caller's maximum. Every fragment is the same length; the final one
// is zero padded.
func fragmentLength(messageLen, maxFragmentLen int) int {
	if maxFragmentLen < 1 {
		maxFragmentLen = 1
	}

	fragmentCount := (messageLen + maxFragmentLen - 1) / maxFragmentLen
	if fragmentCount == 0 {
		fragmentCount = 1
	}

	return (messageLen + fragmentCount - 1) / fragmentCount
}

// partitionMessage splits the payload into equal sized, zero padded
// fragments.
func partitionMessage(message []byte, fragmentLen int) [][]byte {
	fragmentCount := (len(message) + fragmentLen - 1) / fragmentLen
	if fragmentCount == 0 {
		fragmentCount = 1
	}

	fragments := make([][]byte, 0, fragmentCount)
	for i := 0; i < fragmentCount; i++ {
		fragment := make([]byte, fragmentLen)
		start := i * fragmentLen
		if start < len(message) {
			copy(fragment, message[start:])
		}
		fragments = append(fragments, fragment)
	}

	return fragments
}

// xorInto XORs src into dst in place. Both slices must have equal length.
func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
