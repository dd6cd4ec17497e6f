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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fill inserts distinct generated keys until the filter holds total distinct
// elements, skipping over probabilistic duplicates, and returns how many
// keys were offered.
func fill(t *testing.T, s *ScalableBloomFilter, total uint64) int {
	t.Helper()
	offered := 0
	for i := 0; s.Size() < total; i++ {
		_, err := s.Set([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		offered++
		require.Less(t, offered, int(total)*2+16, "filter refuses to fill")
	}
	return offered
}

func TestScalableParseScaleFactor(t *testing.T) {
	small, err := ParseScaleFactor("small")
	require.NoError(t, err)
	require.Equal(t, SmallScaleFactor, small)

	large, err := ParseScaleFactor("large")
	require.NoError(t, err)
	require.Equal(t, LargeScaleFactor, large)

	_, err = ParseScaleFactor("huge")
	require.Error(t, err, "unknown scale factor must be rejected")
}

func TestScalableSetCheck(t *testing.T) {
	s := NewScalableBloomFilter("test-sbf", 5, 0.001, SmallScaleFactor)
	for _, word := range []string{"Nexus", "Ilios", "Vega", "Pandora", "Magnetar", "Pulsar", "Nebula"} {
		_, err := s.Set([]byte(word))
		require.NoError(t, err, "set %s", word)
	}
	for _, tt := range []struct {
		word string
		want bool
	}{
		{"Pandora", true},
		{"Magnetar", true},
		{"Blazar", false},
		{"Vega", true},
		{"Dwarf", false},
		{"Trail", false},
	} {
		require.Equal(t, tt.want, s.Check([]byte(tt.word)), "check %s", tt.word)
	}
}

func TestScalableGrowth(t *testing.T) {
	s := NewScalableBloomFilter("growth", 5, 0.01, SmallScaleFactor)
	require.Zero(t, s.FilterCount(), "no stage before the first insertion")
	require.Equal(t, uint64(5), s.Capacity(), "empty filter reports the requested capacity")

	fill(t, s, 5)
	require.Equal(t, 1, s.FilterCount(), "five distinct elements fit the first stage")
	require.Equal(t, uint64(48), s.Capacity(), "first stage is sized from the initial capacity")

	fill(t, s, 6)
	require.Equal(t, 2, s.FilterCount(), "the sixth distinct element opens a second stage")

	fill(t, s, 10)
	require.Equal(t, 2, s.FilterCount())
	require.Equal(t, uint64(10), s.Size(), "aggregate size counts every distinct insertion")

	var sum uint64
	for _, f := range s.stages {
		sum += f.Size()
	}
	require.Equal(t, sum, s.Size(), "aggregate size is the sum over stages")
}

func TestScalableGrowthStageSizing(t *testing.T) {
	s := NewScalableBloomFilter("sizing", 5, 0.01, SmallScaleFactor)
	fill(t, s, 6)
	require.Equal(t, 2, s.FilterCount())

	first, second := s.stages[0], s.stages[1]
	require.Equal(t, uint64(5), first.capacity, "stage 0 holds the initial capacity")
	require.Equal(t, uint64(10), second.capacity, "growth stages hold initial capacity times scale")
	require.Equal(t, bitmapBits(10, 0.01*tighteningRatio), second.Capacity(),
		"growth stage fpp is tightened by the ratio")
}

func TestScalableLargeScale(t *testing.T) {
	s := NewScalableBloomFilter("large", 5, 0.01, LargeScaleFactor)
	fill(t, s, 6)
	require.Equal(t, 2, s.FilterCount())
	require.Equal(t, uint64(20), s.stages[1].capacity, "large scale factor quadruples growth stages")
}

func TestScalableNoFalseNegatives(t *testing.T) {
	s := NewScalableBloomFilter("nfn", 10, 0.01, SmallScaleFactor)
	const members = 200
	for i := 0; i < members; i++ {
		_, err := s.Set([]byte(fmt.Sprintf("member-%d", i)))
		require.NoError(t, err)
	}
	require.Greater(t, s.FilterCount(), 1, "growth expected across %d members", members)
	for i := 0; i < members; i++ {
		require.True(t, s.Check([]byte(fmt.Sprintf("member-%d", i))),
			"member-%d lost after growth", i)
	}
}

func TestScalableIdempotentSet(t *testing.T) {
	s := NewScalableBloomFilter("dup", 100, 0.01, SmallScaleFactor)
	present, err := s.Set([]byte("dup-key"))
	require.NoError(t, err)
	require.False(t, present)
	require.Equal(t, uint64(1), s.Size())

	present, err = s.Set([]byte("dup-key"))
	require.NoError(t, err)
	require.True(t, present, "re-insert reports the element as present")
	require.Equal(t, uint64(1), s.Size(), "re-insert must not grow the filter")
}

func TestScalableClear(t *testing.T) {
	s := NewScalableBloomFilter("clr", 5, 0.01, SmallScaleFactor)
	fill(t, s, 8)
	stages := s.FilterCount()
	require.Greater(t, stages, 1)

	s.Clear()
	require.Zero(t, s.Size(), "clear resets every stage")
	require.Equal(t, stages, s.FilterCount(), "clear keeps the stage sequence")
	for _, f := range s.stages {
		require.Zero(t, f.Size())
	}
	require.False(t, s.Check([]byte("key-0")), "cleared members are gone")
}

func TestScalableAggregates(t *testing.T) {
	s := NewScalableBloomFilter("agg", 5, 0.01, SmallScaleFactor)
	require.Equal(t, uint64(0), s.ByteSpace(), "empty filter byte space from initial capacity")

	fill(t, s, 6)
	var capacity, space, hits, miss uint64
	var hashes uint32
	for _, f := range s.stages {
		capacity += f.Capacity()
		space += f.ByteSpace()
		hits += f.Hits()
		miss += f.Miss()
		if f.HashCount() > hashes {
			hashes = f.HashCount()
		}
	}
	require.Equal(t, capacity, s.Capacity())
	require.Equal(t, space, s.ByteSpace())
	require.Equal(t, hits, s.Hits())
	require.Equal(t, miss, s.Miss())
	require.Equal(t, hashes, s.HashCount())
}

func TestScalableTouchesLastAccess(t *testing.T) {
	s := NewScalableBloomFilter("touch", 5, 0.01, SmallScaleFactor)
	created := s.CreationTime()
	require.False(t, created.IsZero())
	require.Equal(t, time.UTC, created.Location(), "timestamps are UTC")

	s.lastAccessTime = created.Add(-2 * time.Hour)
	s.Check([]byte("x"))
	require.True(t, s.LastAccessTime().After(created.Add(-time.Hour)),
		"check refreshes the last access time")

	s.lastAccessTime = created.Add(-2 * time.Hour)
	_, err := s.Set([]byte("x"))
	require.NoError(t, err)
	require.True(t, s.LastAccessTime().After(created.Add(-time.Hour)),
		"set refreshes the last access time")

	s.lastAccessTime = created.Add(-2 * time.Hour)
	s.Clear()
	require.True(t, s.LastAccessTime().After(created.Add(-time.Hour)),
		"clear refreshes the last access time")
}
