/*
 * Copyright 2024 The Rublo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package rublo implements a network-accessible server for named, scalable
// Bloom filters. Filters grow on demand while keeping a target false-positive
// probability, are persisted to disk, and are tiered between a hot in-memory
// set and a cold on-disk set by access recency.
package rublo

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
)

// ErrFull is returned by BloomFilter.Set once the filter has absorbed as many
// distinct elements as it was sized for.
var ErrFull = errors.New("full capacity reached")

// BloomFilter is a fixed-size probabilistic set. It supports insertion and
// membership tests with no false negatives and a bounded false-positive
// probability. Once sized, a filter never grows; ScalableBloomFilter stacks
// several of these to lift that limit.
type BloomFilter struct {
	capacity uint64 // elements the filter was sized for
	bits     uint64 // bitmap length in bits
	hashes   uint32 // hash functions per element
	bitmap   *bitset.BitSet
	size     uint64 // distinct insertions observed
	hits     uint64
	miss     uint64
}

// newBloomFilter sizes a filter for capacity elements at false-positive
// probability fpp. It panics if capacity is zero or fpp is not positive:
// both are programmer errors, callers validate user input before reaching
// this point.
func newBloomFilter(capacity uint64, fpp float64) *BloomFilter {
	if capacity == 0 || fpp <= 0 {
		panic("rublo: bloom filter requires capacity > 0 and fpp > 0")
	}
	m := bitmapBits(capacity, fpp)
	return &BloomFilter{
		capacity: capacity,
		bits:     m,
		hashes:   optimalHashCount(m, capacity),
		bitmap:   bitset.New(uint(m)),
	}
}

// bitmapBits returns the optimal bitmap length in bits for the requested
// element count and false-positive probability:
//
//	m = ceil(-n * ln(p) / ln(2)^2)
func bitmapBits(n uint64, p float64) uint64 {
	ln2sq := math.Ln2 * math.Ln2
	m := -float64(n) * math.Log(p) / ln2sq
	return uint64(math.Ceil(m))
}

// optimalHashCount returns the number of hash functions minimizing the
// false-positive probability for a bitmap of m bits holding n elements:
//
//	k = ceil((m / n) * ln(2))
func optimalHashCount(m, n uint64) uint32 {
	k := float64(m) / float64(n) * math.Ln2
	return uint32(math.Ceil(k))
}

// position returns the bit position for data under the i-th hash function.
// The family is a single 32-bit farm hash parameterized by the seed; the
// persisted format depends on it staying fixed.
func (f *BloomFilter) position(data []byte, i uint32) uint {
	return uint(uint64(farm.Hash32WithSeed(data, i)) % f.bits)
}

// Set inserts data into the filter. It reports whether the element was
// probably already present, that is, whether every one of its bits was
// already 1. The distinct-insertion counter moves only when at least one bit
// flips. Returns ErrFull when the filter is at capacity.
func (f *BloomFilter) Set(data []byte) (bool, error) {
	if f.size == f.capacity {
		return false, ErrFull
	}
	present := true
	for i := uint32(0); i < f.hashes; i++ {
		pos := f.position(data, i)
		if !f.bitmap.Test(pos) {
			present = false
			f.bitmap.Set(pos)
		}
	}
	if !present {
		f.size++
	}
	return present, nil
}

// Check reports whether data is probably in the filter. A false result is
// definitive. Each call moves exactly one of the hit or miss counters.
func (f *BloomFilter) Check(data []byte) bool {
	for i := uint32(0); i < f.hashes; i++ {
		if !f.bitmap.Test(f.position(data, i)) {
			f.miss++
			return false
		}
	}
	f.hits++
	return true
}

// Clear resets the bitmap and the distinct-insertion counter. The hit and
// miss counters carry over.
func (f *BloomFilter) Clear() {
	f.bitmap.ClearAll()
	f.size = 0
}

// Full reports whether the filter has reached its rated element capacity.
func (f *BloomFilter) Full() bool {
	return f.size == f.capacity
}

// Capacity returns the bitmap length in bits.
func (f *BloomFilter) Capacity() uint64 { return f.bits }

// Size returns the number of distinct insertions observed.
func (f *BloomFilter) Size() uint64 { return f.size }

// HashCount returns the number of hash functions applied per element.
func (f *BloomFilter) HashCount() uint32 { return f.hashes }

// ByteSpace returns the bitmap size in whole bytes.
func (f *BloomFilter) ByteSpace() uint64 { return f.bits / 8 }

// Hits returns the number of positive membership tests.
func (f *BloomFilter) Hits() uint64 { return f.hits }

// Miss returns the number of negative membership tests.
func (f *BloomFilter) Miss() uint64 { return f.miss }
