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
	"bytes"
	"fmt"
	"sync/atomic"
)

type metricType int

const (
	// The following 2 keep track of positive and negative membership tests
	// served, summed across all filters.
	checkHit = iota
	checkMiss
	// The following 2 keep track of filters created and dropped.
	filterAdd
	filterDrop
	// The following 2 keep track of the warm/cold tiering: filters evicted
	// to disk by the sweep and filters pulled back on access.
	filterEvict
	filterLoad
	// The following 2 keep track of filters written by dump passes and
	// persist requests, and of write failures (dump, persist and sweep
	// combined). Sweep eviction writes are not counted as dumps.
	dumpWrite
	dumpError
	// This should be the final enum. Other enums should be set before this.
	doNotUse
)

func stringFor(t metricType) string {
	switch t {
	case checkHit:
		return "hit"
	case checkMiss:
		return "miss"
	case filterAdd:
		return "filters-added"
	case filterDrop:
		return "filters-dropped"
	case filterEvict:
		return "filters-evicted"
	case filterLoad:
		return "cold-loads"
	case dumpWrite:
		return "dumps"
	case dumpError:
		return "dump-errors"
	default:
		return "unidentified"
	}
}

// Metrics is a snapshot of performance statistics for the lifetime of a
// filter database instance.
type Metrics struct {
	all [doNotUse]*uint64
}

func newMetrics() *Metrics {
	s := &Metrics{}
	for i := 0; i < doNotUse; i++ {
		s.all[i] = new(uint64)
	}
	return s
}

func (p *Metrics) add(t metricType, delta uint64) {
	if p == nil {
		return
	}
	atomic.AddUint64(p.all[t], delta)
}

func (p *Metrics) get(t metricType) uint64 {
	if p == nil {
		return 0
	}
	return atomic.LoadUint64(p.all[t])
}

// Hits is the number of check requests answered True.
func (p *Metrics) Hits() uint64 {
	return p.get(checkHit)
}

// Misses is the number of check requests answered False.
func (p *Metrics) Misses() uint64 {
	return p.get(checkMiss)
}

// FiltersAdded is the number of filters created.
func (p *Metrics) FiltersAdded() uint64 {
	return p.get(filterAdd)
}

// FiltersDropped is the number of filters dropped.
func (p *Metrics) FiltersDropped() uint64 {
	return p.get(filterDrop)
}

// FiltersEvicted is the number of warm filters moved to the cold set.
func (p *Metrics) FiltersEvicted() uint64 {
	return p.get(filterEvict)
}

// ColdLoads is the number of filters read back from disk.
func (p *Metrics) ColdLoads() uint64 {
	return p.get(filterLoad)
}

// Dumps is the number of filter blobs written by dump passes and persist
// requests.
func (p *Metrics) Dumps() uint64 {
	return p.get(dumpWrite)
}

// DumpErrors is the number of failed filter writes.
func (p *Metrics) DumpErrors() uint64 {
	return p.get(dumpError)
}

// Ratio is the number of Hits over all membership tests (Hits + Misses).
func (p *Metrics) Ratio() float64 {
	if p == nil {
		return 0.0
	}
	hits, misses := p.get(checkHit), p.get(checkMiss)
	if hits == 0 && misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}

// Clear resets all the metrics.
func (p *Metrics) Clear() {
	if p == nil {
		return
	}
	for i := 0; i < doNotUse; i++ {
		atomic.StoreUint64(p.all[i], 0)
	}
}

// String returns a string representation of the metrics.
func (p *Metrics) String() string {
	if p == nil {
		return ""
	}
	var buf bytes.Buffer
	for i := 0; i < doNotUse; i++ {
		t := metricType(i)
		fmt.Fprintf(&buf, "%s: %d ", stringFor(t), p.get(t))
	}
	fmt.Fprintf(&buf, "checks-total: %d ", p.get(checkHit)+p.get(checkMiss))
	fmt.Fprintf(&buf, "hit-ratio: %.2f", p.Ratio())
	return buf.String()
}
