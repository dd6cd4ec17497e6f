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
	"strconv"
	"strings"
	"time"
)

// Defaults applied when create omits the optional arguments.
const (
	DefaultCapacity = 50000
	DefaultFpp      = 0.05
)

const (
	respDone  = "Done"
	respTrue  = "True"
	respFalse = "False"
)

func errorResponse(err error) string {
	return "Error: " + err.Error()
}

func parserError(msg string) string {
	return "Error: parser error: " + msg
}

func wrongArgs(cmd string) string {
	return parserError(fmt.Sprintf("wrong number of arguments for '%s'", cmd))
}

// validName rejects names that cannot be used as a file name inside the
// data directory.
func validName(name string) bool {
	if name == "" || len(name) > 255 || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// Dispatch parses one request line, executes it against db and returns the
// response. Requests are whitespace-split with positional arguments; the
// commands are case-sensitive. Any failure comes back as an "Error: ..."
// response, never as a dropped connection.
func Dispatch(db *DB, line string) string {
	args := strings.Fields(line)
	if len(args) == 0 {
		return ""
	}
	switch args[0] {
	case "create":
		return dispatchCreate(db, args)
	case "set":
		if len(args) != 3 {
			return wrongArgs("set")
		}
		if err := db.Set(args[1], []byte(args[2])); err != nil {
			return errorResponse(err)
		}
		return respDone
	case "check":
		if len(args) != 3 {
			return wrongArgs("check")
		}
		found, err := db.Check(args[1], []byte(args[2]))
		if err != nil {
			return errorResponse(err)
		}
		if found {
			return respTrue
		}
		return respFalse
	case "info":
		if len(args) != 2 {
			return wrongArgs("info")
		}
		info, err := db.Info(args[1])
		if err != nil {
			return errorResponse(err)
		}
		return renderInfo(info)
	case "drop":
		if len(args) != 2 {
			return wrongArgs("drop")
		}
		if err := db.Drop(args[1]); err != nil {
			return errorResponse(err)
		}
		return respDone
	case "clear":
		if len(args) != 2 {
			return wrongArgs("clear")
		}
		if err := db.Clear(args[1]); err != nil {
			return errorResponse(err)
		}
		return respDone
	case "persist":
		if len(args) != 2 {
			return wrongArgs("persist")
		}
		if err := db.Persist(args[1]); err != nil {
			return errorResponse(err)
		}
		return respDone
	case "list":
		if len(args) != 1 {
			return wrongArgs("list")
		}
		return renderList(db.List())
	}
	return parserError(fmt.Sprintf("unknown command '%s'", args[0]))
}

func dispatchCreate(db *DB, args []string) string {
	if len(args) < 2 || len(args) > 4 {
		return wrongArgs("create")
	}
	name := args[1]
	if !validName(name) {
		return parserError(fmt.Sprintf("invalid filter name '%s'", name))
	}
	capacity := uint64(DefaultCapacity)
	fpp := DefaultFpp
	if len(args) > 2 {
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return parserError("capacity must be an i64 value")
		}
		if n <= 0 {
			return parserError("capacity must be a positive value")
		}
		capacity = uint64(n)
	}
	if len(args) > 3 {
		p, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return parserError("fpp must be an f64 value")
		}
		if p <= 0 || p >= 1 {
			return parserError("fpp must be in the (0, 1) range")
		}
		fpp = p
	}
	if err := db.Create(name, capacity, fpp); err != nil {
		return errorResponse(err)
	}
	return respDone
}

func renderInfo(i *FilterInfo) string {
	return fmt.Sprintf("name: %s\n"+
		"capacity: %d\n"+
		"size: %d\n"+
		"space: %d\n"+
		"filters: %d\n"+
		"hash functions: %d\n"+
		"hits: %d\n"+
		"miss: %d\n"+
		"creation: %s\n"+
		"last access: %s",
		i.Name, i.Capacity, i.Size, i.ByteSpace, i.FilterCount, i.HashCount,
		i.Hits, i.Miss,
		i.CreationTime.Format(time.RFC3339),
		i.LastAccessTime.Format(time.RFC3339))
}

func renderList(entries []ListEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s %d %s",
			e.Name, e.Capacity, strconv.FormatFloat(e.Fpp, 'g', -1, 64)))
	}
	return strings.Join(lines, "\n")
}
