// Package bloom implements the per-holder bloom filter spec.md §2 item 1
// and §4.5 describe ("Hierarchical bloom filters"). No example repo in
// the retrieval pack ships a bloom-filter library as in-tree code (only
// as an indirect manifest entry), so the bitset itself is a small
// stdlib-only structure; the hash function is github.com/cespare/xxhash/v2,
// which is already present in the teacher's own dependency closure.
package bloom

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is a standard k-hash-function bloom filter over a fixed-size
// bit array, using double hashing (Kirsch-Mitzenmacher) to derive the k
// hash values from two xxhash seeds.
type Filter struct {
	bits     []uint64
	nbits    uint64
	k        uint64
	inserted int
}

// New sizes a filter for n expected elements at the given false-positive
// rate p, using the standard optimal-parameter formulas.
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := optimalBits(n, p)
	k := optimalHashes(m, n)
	words := (m + 63) / 64
	return &Filter{
		bits:  make([]uint64, words),
		nbits: uint64(words * 64),
		k:     uint64(k),
	}
}

func optimalBits(n int, p float64) int {
	m := -1.0 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return int(math.Ceil(m))
}

func optimalHashes(m, n int) int {
	if n == 0 {
		return 1
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

func (f *Filter) indexes(data []byte) []uint64 {
	h1 := xxhash.Sum64(data)
	h2 := xxhash.Sum64([]byte{byte(h1), byte(h1 >> 8), byte(h1 >> 16), byte(h1 >> 24)})
	idx := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		idx[i] = (h1 + i*h2) % f.nbits
	}
	return idx
}

// Add inserts data into the filter.
func (f *Filter) Add(data []byte) {
	for _, i := range f.indexes(data) {
		f.bits[i/64] |= 1 << (i % 64)
	}
	f.inserted++
}

// MayContain reports whether data might have been added. False
// positives are possible; false negatives are not.
func (f *Filter) MayContain(data []byte) bool {
	for _, i := range f.indexes(data) {
		if f.bits[i/64]&(1<<(i%64)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the filter's resident memory footprint, for the
// process-wide bloom-filter memory limiter (§4.5).
func (f *Filter) Bytes() int64 {
	return int64(len(f.bits) * 8)
}

// Or computes the bitwise OR of any number of same-sized filters into a
// new filter, used to build the Group's hierarchical aggregate filter
// (§4.5): "Groups expose an aggregated filter computed as the bitwise OR
// of child filters."
func Or(filters ...*Filter) *Filter {
	if len(filters) == 0 {
		return nil
	}
	words := len(filters[0].bits)
	out := &Filter{
		bits:  make([]uint64, words),
		nbits: filters[0].nbits,
		k:     filters[0].k,
	}
	for _, f := range filters {
		if len(f.bits) != words {
			// Aggregating filters of different sizes can't be done
			// bitwise; callers are expected to size all child filters
			// identically via the holder/group memory-budget config.
			continue
		}
		for i, w := range f.bits {
			out.bits[i] |= w
		}
	}
	return out
}
