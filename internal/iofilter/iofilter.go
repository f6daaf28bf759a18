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

// Package iofilter drives a chunked filter -- something that consumes
// whole input buffers and may ask to see the same buffer again before
// taking a new one -- across a plain io.Reader/io.Writer pair. It knows
// nothing about WAL; ReassemblyState.Process is wired in as the Filter
// this package calls by the command built in cmd/walfilter.
package iofilter

import (
	"bytes"
	"io"
)

// Filter is the contract a chunked filter exposes: Process consumes (or
// partially consumes) input, appending any filtered output to out. InputSame
// reports whether the driver must call Process again with the identical
// input slice before reading more from the source; Done reports whether
// the filter has been told input is finished and has flushed everything it
// owed the output.
type Filter interface {
	Process(input []byte, out *bytes.Buffer) error
	InputSame() bool
	Done() bool
}

// ChunkSize is the default read buffer size, large enough to hold many WAL
// pages per call without growing unbounded for a slow reader.
const ChunkSize = 1 << 20

// Run drives f across r, writing every filtered byte to w, until f reports
// Done. It is the chunk-boundary-agnostic counterpart of walFilterProcess's
// read/filter/write driving loop: the filter itself, not this function,
// decides how much of an input buffer it consumed and whether reassembly
// left a record in flight.
func Run(f Filter, r io.Reader, w io.Writer) error {
	buf := make([]byte, ChunkSize)
	var out bytes.Buffer

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for {
				out.Reset()
				if err := f.Process(chunk, &out); err != nil {
					return err
				}
				if out.Len() > 0 {
					if _, err := w.Write(out.Bytes()); err != nil {
						return err
					}
				}
				if !f.InputSame() {
					break
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	for !f.Done() {
		out.Reset()
		if err := f.Process(nil, &out); err != nil {
			return err
		}
		if out.Len() > 0 {
			if _, err := w.Write(out.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}
