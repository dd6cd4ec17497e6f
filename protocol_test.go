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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchBasicScenario(t *testing.T) {
	d := openTestDB(t)
	for _, tt := range []struct {
		request  string
		response string
	}{
		{"create foo 5 0.01", "Done"},
		{"set foo vega", "Done"},
		{"check foo vega", "True"},
		{"check foo blazar", "False"},
	} {
		require.Equal(t, tt.response, Dispatch(d, tt.request), "request %q", tt.request)
	}
}

func TestDispatchUnknownFilter(t *testing.T) {
	d := openTestDB(t)
	require.Equal(t, "Error: no scalable filter named bar", Dispatch(d, "check bar x"))
}

func TestDispatchCreateDefaults(t *testing.T) {
	d := openTestDB(t)
	require.Equal(t, "Done", Dispatch(d, "create foo"))
	require.Equal(t, "Done", Dispatch(d, "set foo vega"))

	info, err := d.Info("foo")
	require.NoError(t, err)
	require.Equal(t, bitmapBits(DefaultCapacity, DefaultFpp), info.Capacity,
		"defaulted create sizes the first stage for 50000 at 0.05")
}

func TestDispatchParseErrors(t *testing.T) {
	d := openTestDB(t)
	for _, tt := range []struct {
		request  string
		response string
	}{
		{"create bad foo 0.01", "Error: parser error: capacity must be an i64 value"},
		{"create bad 5 high", "Error: parser error: fpp must be an f64 value"},
		{"create bad -5 0.01", "Error: parser error: capacity must be a positive value"},
		{"create bad 5 1.5", "Error: parser error: fpp must be in the (0, 1) range"},
		{"create sub/dir", "Error: parser error: invalid filter name 'sub/dir'"},
		{"create", "Error: parser error: wrong number of arguments for 'create'"},
		{"set foo", "Error: parser error: wrong number of arguments for 'set'"},
		{"check foo", "Error: parser error: wrong number of arguments for 'check'"},
		{"info", "Error: parser error: wrong number of arguments for 'info'"},
		{"frobnicate foo", "Error: parser error: unknown command 'frobnicate'"},
	} {
		require.Equal(t, tt.response, Dispatch(d, tt.request), "request %q", tt.request)
	}
}

func TestDispatchInfo(t *testing.T) {
	d := openTestDB(t)
	require.Equal(t, "Done", Dispatch(d, "create foo 5 0.01"))
	require.Equal(t, "Done", Dispatch(d, "set foo vega"))
	require.Equal(t, "True", Dispatch(d, "check foo vega"))
	require.Equal(t, "False", Dispatch(d, "check foo blazar"))

	resp := Dispatch(d, "info foo")
	lines := strings.Split(resp, "\n")
	require.Len(t, lines, 10)
	require.Equal(t, "name: foo", lines[0])
	require.Equal(t, "capacity: 48", lines[1])
	require.Equal(t, "size: 1", lines[2])
	require.Equal(t, "space: 6", lines[3])
	require.Equal(t, "filters: 1", lines[4])
	require.Equal(t, "hash functions: 7", lines[5])
	require.Equal(t, "hits: 1", lines[6])
	require.Equal(t, "miss: 1", lines[7])
	require.True(t, strings.HasPrefix(lines[8], "creation: "), "line %q", lines[8])
	require.True(t, strings.HasPrefix(lines[9], "last access: "), "line %q", lines[9])
	require.Regexp(t, `^creation: \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`, lines[8],
		"RFC 3339 UTC, second precision")
}

func TestDispatchGrowthScenario(t *testing.T) {
	d := openTestDB(t)
	require.Equal(t, "Done", Dispatch(d, "create foo 5 0.01"))
	inserted := 0
	for i := 0; inserted < 10; i++ {
		require.Equal(t, "Done", Dispatch(d, fmt.Sprintf("set foo item-%d", i)))
		info, err := d.Info("foo")
		require.NoError(t, err)
		inserted = int(info.Size)
	}
	info, err := d.Info("foo")
	require.NoError(t, err)
	require.Equal(t, 2, info.FilterCount, "ten distinct items need two stages")
	require.Equal(t, uint64(10), info.Size)
}

func TestDispatchList(t *testing.T) {
	d := openTestDB(t)
	require.Equal(t, "", Dispatch(d, "list"))

	require.Equal(t, "Done", Dispatch(d, "create foo 5 0.01"))
	require.Equal(t, "Done", Dispatch(d, "create bar"))
	require.Equal(t, "Done", Dispatch(d, "set foo vega"))

	resp := Dispatch(d, "list")
	require.Equal(t, "bar 50000 0.05\nfoo 48 0.01", resp)
}

func TestDispatchDropClearPersist(t *testing.T) {
	d := openTestDB(t)
	require.Equal(t, "Done", Dispatch(d, "create foo 5 0.01"))
	require.Equal(t, "Done", Dispatch(d, "set foo vega"))
	require.Equal(t, "Done", Dispatch(d, "persist foo"))
	require.FileExists(t, d.path("foo"))

	require.Equal(t, "Done", Dispatch(d, "clear foo"))
	require.Equal(t, "False", Dispatch(d, "check foo vega"))

	require.Equal(t, "Done", Dispatch(d, "drop foo"))
	require.Equal(t, "Error: no scalable filter named foo", Dispatch(d, "check foo vega"))
}

func TestDispatchConcurrentClients(t *testing.T) {
	d := openTestDB(t)
	const (
		workers = 8
		keys    = 100
	)
	require.Equal(t, "Done", Dispatch(d, "create shared"))

	var wg sync.WaitGroup
	errs := make(chan string, workers*keys*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("own-%d", w)
			if resp := Dispatch(d, "create "+name); resp != "Done" {
				errs <- resp
			}
			for i := 0; i < keys; i++ {
				key := fmt.Sprintf("key-%d-%d", w, i)
				if resp := Dispatch(d, "set shared "+key); resp != "Done" {
					errs <- resp
				}
				if resp := Dispatch(d, "set "+name+" "+key); resp != "Done" {
					errs <- resp
				}
				if resp := Dispatch(d, "check shared "+key); resp != "True" {
					errs <- resp
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for resp := range errs {
		require.Fail(t, "unexpected response", resp)
	}

	info, err := d.Info("shared")
	require.NoError(t, err)
	require.Equal(t, uint64(workers*keys), info.Size,
		"aggregate size equals the union of inserted keys")
	for w := 0; w < workers; w++ {
		info, err := d.Info(fmt.Sprintf("own-%d", w))
		require.NoError(t, err)
		require.Equal(t, uint64(keys), info.Size)
	}
}
