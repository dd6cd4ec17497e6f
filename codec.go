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
	"encoding/binary"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// On-disk filter blob layout: a fixed header followed by a msgpack payload.
//
//	[0:4]  magic "RBL1"
//	[4]    format version
//	[5:13] xxhash64 of the payload, big endian
//	[13:]  msgpack-encoded filterBlob
const (
	blobMagic   = "RBL1"
	blobVersion = 1
	headerSize  = 13
)

type stageBlob struct {
	Capacity uint64 `msgpack:"capacity"`
	Bits     uint64 `msgpack:"bits"`
	Hashes   uint32 `msgpack:"hashes"`
	Size     uint64 `msgpack:"size"`
	Hits     uint64 `msgpack:"hits"`
	Miss     uint64 `msgpack:"miss"`
	Bitmap   []byte `msgpack:"bitmap"`
}

type filterBlob struct {
	Name            string      `msgpack:"name"`
	InitialCapacity uint64      `msgpack:"initial_capacity"`
	Fpp             float64     `msgpack:"fpp"`
	ScaleFactor     int         `msgpack:"scale_factor"`
	CreationTime    time.Time   `msgpack:"creation_time"`
	LastAccessTime  time.Time   `msgpack:"last_access_time"`
	Stages          []stageBlob `msgpack:"stages"`
}

// MarshalBinary encodes the filter, every stage bitmap and counter included,
// into the self-describing blob stored in .rbl files.
func (s *ScalableBloomFilter) MarshalBinary() ([]byte, error) {
	blob := filterBlob{
		Name:            s.name,
		InitialCapacity: s.initialCapacity,
		Fpp:             s.fpp,
		ScaleFactor:     int(s.scale),
		CreationTime:    s.creationTime,
		LastAccessTime:  s.lastAccessTime,
		Stages:          make([]stageBlob, 0, len(s.stages)),
	}
	for _, f := range s.stages {
		bm, err := f.bitmap.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "encoding stage bitmap")
		}
		blob.Stages = append(blob.Stages, stageBlob{
			Capacity: f.capacity,
			Bits:     f.bits,
			Hashes:   f.hashes,
			Size:     f.size,
			Hits:     f.hits,
			Miss:     f.miss,
			Bitmap:   bm,
		})
	}
	payload, err := msgpack.Marshal(blob)
	if err != nil {
		return nil, errors.Wrap(err, "encoding filter")
	}
	out := make([]byte, headerSize+len(payload))
	copy(out, blobMagic)
	out[4] = blobVersion
	binary.BigEndian.PutUint64(out[5:13], xxhash.Sum64(payload))
	copy(out[headerSize:], payload)
	return out, nil
}

// UnmarshalBinary restores a filter from a blob produced by MarshalBinary.
// The header magic, version and checksum are verified before the payload is
// decoded, so truncated or corrupt files fail loudly instead of producing a
// silently wrong filter.
func (s *ScalableBloomFilter) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return errors.New("filter blob too short")
	}
	if string(data[:4]) != blobMagic {
		return errors.New("filter blob has bad magic")
	}
	if data[4] != blobVersion {
		return errors.Errorf("unsupported filter blob version %d", data[4])
	}
	payload := data[headerSize:]
	if sum := binary.BigEndian.Uint64(data[5:13]); sum != xxhash.Sum64(payload) {
		return errors.New("filter blob checksum mismatch")
	}
	var blob filterBlob
	if err := msgpack.Unmarshal(payload, &blob); err != nil {
		return errors.Wrap(err, "decoding filter")
	}
	stages := make([]*BloomFilter, 0, len(blob.Stages))
	for _, sb := range blob.Stages {
		bm := new(bitset.BitSet)
		if err := bm.UnmarshalBinary(sb.Bitmap); err != nil {
			return errors.Wrap(err, "decoding stage bitmap")
		}
		stages = append(stages, &BloomFilter{
			capacity: sb.Capacity,
			bits:     sb.Bits,
			hashes:   sb.Hashes,
			bitmap:   bm,
			size:     sb.Size,
			hits:     sb.Hits,
			miss:     sb.Miss,
		})
	}
	s.name = blob.Name
	s.initialCapacity = blob.InitialCapacity
	s.fpp = blob.Fpp
	s.scale = ScaleFactor(blob.ScaleFactor)
	s.creationTime = blob.CreationTime.UTC()
	s.lastAccessTime = blob.LastAccessTime.UTC()
	s.stages = stages
	return nil
}
