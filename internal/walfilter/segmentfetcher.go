// Copyright 2015 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package walfilter

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/prometheus/walfilter/internal/xlog"
)

// Direction names which neighbor of the current segment a SegmentFetcher
// request wants.
type Direction int

const (
	// DirectionPrev requests the segment immediately before the current one.
	DirectionPrev Direction = iota
	// DirectionNext requests the segment immediately after the current one.
	DirectionNext
)

// Store is the archive collaborator a SegmentFetcher delegates to: list the
// one object in dir matching expression and open it. Implementations live
// in package archive; this interface is declared here, not imported from
// there, so walfilter has no dependency on any particular backend.
type Store interface {
	Open(ctx context.Context, dir, expression string) (io.ReadCloser, error)
}

// ErrNotFound is returned by a Store when no object matches the requested
// expression -- the WAL chain genuinely starts or ends at the current
// segment, not a transient failure.
var ErrNotFound = fmt.Errorf("walfilter: no matching archive object")

// SegmentFetcher builds the filename of a neighboring WAL segment from the
// current page header and fetches its full contents from an archive Store.
// It holds no state of its own: every call is independent, matching
// getNearWal/xLogFileName in the original reassembler.
type SegmentFetcher struct {
	Store   Store
	SegSize uint32
}

// xlogSegmentsPerID mirrors XLogSegmentsPerXLogId: how many segment numbers
// share one 8-hex-digit WAL "log" component.
func xlogSegmentsPerID(segSize uint32) uint64 {
	return 0x100000000 / uint64(segSize)
}

// segmentFileName mirrors xLogFileName / XLogFilePath.
func segmentFileName(timeline uint32, segno uint64, segSize uint32) string {
	perID := xlogSegmentsPerID(segSize)
	return fmt.Sprintf("%08X%08X%08X", timeline, uint32(segno/perID), uint32(segno%perID))
}

var compressSuffix = `(\.gz|\.bz2|\.zst|\.lz4)?`

// Fetch reads the full contents of the segment adjacent to hdr in the
// requested direction, or returns (nil, nil) if none exists -- a boundary
// of the WAL chain, not an error.
func (f *SegmentFetcher) Fetch(ctx context.Context, hdr xlog.PageHeader, dir Direction) ([]byte, error) {
	if f == nil || f.Store == nil {
		return nil, nil
	}

	timeline := hdr.TimelineID
	segno := hdr.PageAddr / uint64(f.SegSize)

	if dir == DirectionNext {
		segno++
	} else {
		if segno == 0 {
			return nil, nil
		}
		segno--
	}

	name := segmentFileName(timeline, segno, f.SegSize)
	dirName := fmt.Sprintf("%08X%08X", timeline, uint32(segno/xlogSegmentsPerID(f.SegSize)))

	var expr string
	// A "next" segment may carry a .partial suffix if the timeline switched
	// mid-segment; a "previous" segment never does.
	if dir == DirectionNext {
		expr = fmt.Sprintf(`^%s(\.partial)?-[0-9a-f]{40}%s$`, regexp.QuoteMeta(name), compressSuffix)
	} else {
		expr = fmt.Sprintf(`^%s-[0-9a-f]{40}%s$`, regexp.QuoteMeta(name), compressSuffix)
	}

	r, err := f.Store.Open(ctx, dirName, expr)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, &ServiceError{Op: "fetch neighbor wal segment", Err: err}
	}
	defer r.Close()

	return readAll(r)
}

func readAll(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 64*1024)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return nil, err
		}
	}
}
