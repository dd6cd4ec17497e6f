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

package rublo

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
)

// tighteningRatio shrinks the false-positive budget of each new stage so the
// compound probability of the whole sequence stays bounded.
const tighteningRatio = 0.9

// ScaleFactor is the multiplier applied to the initial capacity when a
// scalable filter appends a new stage.
type ScaleFactor int

const (
	// SmallScaleFactor sizes each growth stage at twice the initial
	// capacity. Conservative on memory, produces more stages.
	SmallScaleFactor ScaleFactor = 2
	// LargeScaleFactor sizes each growth stage at four times the initial
	// capacity. Fewer stages, more memory per stage.
	LargeScaleFactor ScaleFactor = 4
)

// ParseScaleFactor maps the configuration names "small" and "large" to their
// scale factors.
func ParseScaleFactor(s string) (ScaleFactor, error) {
	switch s {
	case "small":
		return SmallScaleFactor, nil
	case "large":
		return LargeScaleFactor, nil
	}
	return 0, errors.Errorf("unknown scale factor %q", s)
}

func (s ScaleFactor) String() string {
	if s == LargeScaleFactor {
		return "large"
	}
	return "small"
}

// ScalableBloomFilter is a named Bloom filter that grows as items are added.
// It keeps an append-only sequence of fixed-size stages: the first stage is
// sized for the requested capacity, and every further stage for the initial
// capacity times the scale factor, with a geometrically tightened
// false-positive probability. Membership is the OR of stage memberships, so
// elements never become false negatives as the filter grows.
type ScalableBloomFilter struct {
	name            string
	initialCapacity uint64
	fpp             float64
	scale           ScaleFactor
	stages          []*BloomFilter
	creationTime    time.Time
	lastAccessTime  time.Time
}

// NewScalableBloomFilter creates an empty scalable filter. The first stage is
// allocated lazily on the first insertion. Panics if initialCapacity is zero
// or fpp is not positive, like newBloomFilter.
func NewScalableBloomFilter(name string, initialCapacity uint64, fpp float64, scale ScaleFactor) *ScalableBloomFilter {
	if initialCapacity == 0 || fpp <= 0 {
		panic("rublo: scalable bloom filter requires capacity > 0 and fpp > 0")
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &ScalableBloomFilter{
		name:            name,
		initialCapacity: initialCapacity,
		fpp:             fpp,
		scale:           scale,
		creationTime:    now,
		lastAccessTime:  now,
	}
}

// touch records activity. Recency drives the warm/cold tiering, so every
// Set, Check and Clear goes through here.
func (s *ScalableBloomFilter) touch() {
	s.lastAccessTime = time.Now().UTC().Truncate(time.Second)
}

// addStage appends the i-th stage. Stage 0 uses the requested capacity and
// fpp as given; stage i >= 1 uses initialCapacity * scale and an fpp
// tightened by ratio^i. Growth stages are always sized from the initial
// capacity, never compounded from the previous stage.
func (s *ScalableBloomFilter) addStage() {
	i := len(s.stages)
	if i == 0 {
		s.stages = append(s.stages, newBloomFilter(s.initialCapacity, s.fpp))
		return
	}
	capacity := s.initialCapacity * uint64(s.scale)
	fpp := s.fpp * math.Pow(tighteningRatio, float64(i))
	s.stages = append(s.stages, newBloomFilter(capacity, fpp))
}

// Set inserts data. If the element is probably already present no stage is
// touched and Set reports true. Otherwise the insertion goes to the newest
// stage, appending a fresh one first when the sequence is empty or the
// newest stage is at capacity. A freshly appended stage cannot itself be
// full, so the only error path is a misconfigured filter.
func (s *ScalableBloomFilter) Set(data []byte) (bool, error) {
	if s.Check(data) {
		return true, nil
	}
	if n := len(s.stages); n == 0 || s.stages[n-1].Full() {
		s.addStage()
	}
	return s.stages[len(s.stages)-1].Set(data)
}

// Check reports whether data is probably in the filter. Stages are scanned
// newest first: recent insertions tend to be the ones queried.
func (s *ScalableBloomFilter) Check(data []byte) bool {
	s.touch()
	for i := len(s.stages) - 1; i >= 0; i-- {
		if s.stages[i].Check(data) {
			return true
		}
	}
	return false
}

// Clear resets every stage. The stage sequence itself is preserved.
func (s *ScalableBloomFilter) Clear() {
	s.touch()
	for _, f := range s.stages {
		f.Clear()
	}
}

// Name returns the filter's unique identifier.
func (s *ScalableBloomFilter) Name() string { return s.name }

// Fpp returns the false-positive probability the first stage was sized for.
func (s *ScalableBloomFilter) Fpp() float64 { return s.fpp }

// FilterCount returns the number of stages.
func (s *ScalableBloomFilter) FilterCount() int { return len(s.stages) }

// Capacity returns the total bitmap length in bits across stages, or the
// requested initial capacity while the filter is still empty.
func (s *ScalableBloomFilter) Capacity() uint64 {
	if len(s.stages) == 0 {
		return s.initialCapacity
	}
	var total uint64
	for _, f := range s.stages {
		total += f.Capacity()
	}
	return total
}

// Size returns the total number of distinct insertions across stages.
func (s *ScalableBloomFilter) Size() uint64 {
	var total uint64
	for _, f := range s.stages {
		total += f.Size()
	}
	return total
}

// ByteSpace returns the total bitmap size in bytes across stages, or the
// requested initial capacity divided by eight while the filter is still
// empty.
func (s *ScalableBloomFilter) ByteSpace() uint64 {
	if len(s.stages) == 0 {
		return s.initialCapacity / 8
	}
	var total uint64
	for _, f := range s.stages {
		total += f.ByteSpace()
	}
	return total
}

// Hits returns the total positive membership tests across stages.
func (s *ScalableBloomFilter) Hits() uint64 {
	var total uint64
	for _, f := range s.stages {
		total += f.Hits()
	}
	return total
}

// Miss returns the total negative membership tests across stages.
func (s *ScalableBloomFilter) Miss() uint64 {
	var total uint64
	for _, f := range s.stages {
		total += f.Miss()
	}
	return total
}

// HashCount returns the largest per-stage hash function count.
func (s *ScalableBloomFilter) HashCount() uint32 {
	var max uint32
	for _, f := range s.stages {
		if k := f.HashCount(); k > max {
			max = k
		}
	}
	return max
}

// CreationTime returns when the filter was created, UTC second precision.
func (s *ScalableBloomFilter) CreationTime() time.Time { return s.creationTime }

// LastAccessTime returns the most recent Set, Check or Clear, UTC second
// precision.
func (s *ScalableBloomFilter) LastAccessTime() time.Time { return s.lastAccessTime }

func (s *ScalableBloomFilter) String() string {
	return fmt.Sprintf("<name=%s, capacity=%d, fpp=%g, size=%d>",
		s.name, s.Capacity(), s.fpp, s.Size())
}
