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
	"bytes"
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/prometheus/walfilter/internal/relfilter"
	"github.com/prometheus/walfilter/internal/xlog"
)

// Metrics is the injected sink ReassemblyState reports to. A nil Metrics is
// valid and every method is then a no-op; package walfiltermetrics provides
// the Prometheus-backed implementation used outside tests.
type Metrics interface {
	RecordFiltered(action FilterAction)
	BytesProcessed(n int)
	SegmentFetch(dir Direction, found bool)
}

// resumeStep records which phase of record reassembly a suspended Process
// call should resume at. readRecord's helper methods are named after the
// step they resume, so that the dispatch in readRecord is a direct map from
// step to method -- no goto, since Go cannot jump into a loop body from
// outside it the way the C original's goto-based reader does.
type resumeStep int

const (
	stepNone resumeStep = iota
	stepBeginOfRecord
	stepReadHeader
	stepReadBody
)

type readOutcome int

const (
	readNeedBuffer readOutcome = iota
	readSuccess
)

// ReassemblyState streams WAL segment bytes through a version-specific
// WalInterface decoder, reassembling records that straddle page and segment
// boundaries, filtering each complete record, and re-emitting it. One
// ReassemblyState processes exactly one WAL segment stream from start to
// end; construct a fresh one per segment.
type ReassemblyState struct {
	decoder WalInterface
	filter  *relfilter.Set
	fetcher *SegmentFetcher
	logger  log.Logger
	metrics Metrics

	walPageSize uint32
	segSize     uint32

	currentStep        resumeStep
	isBegin            bool
	isReadOrphanedData bool
	isSwitchWal        bool
	done               bool
	inputSame          bool

	beginOffset int
	pageOffset  int
	inputOffset int
	recPtr      uint64

	currentPage    []byte
	currentPageHdr xlog.PageHeader
	pageHeaders    [][]byte

	record []byte
	gotLen int

	recordNum uint64
}

// Option configures a ReassemblyState at construction time.
type Option func(*ReassemblyState)

// WithFetcher supplies the collaborator used to stitch a record across a
// segment boundary by fetching the neighboring segment from an archive.
// Without one, a record left incomplete at end-of-stream, or continuing
// from a file this stream did not begin in, is copied through unfiltered
// instead of being reassembled.
func WithFetcher(f *SegmentFetcher) Option { return func(s *ReassemblyState) { s.fetcher = f } }

// WithLogger supplies the logger used for warnings about degraded
// reassembly (a missing neighbor segment, an orphaned continuation record).
func WithLogger(l log.Logger) Option { return func(s *ReassemblyState) { s.logger = l } }

// WithMetrics supplies the sink incremented as records are filtered and
// segments fetched.
func WithMetrics(m Metrics) Option { return func(s *ReassemblyState) { s.metrics = m } }

// NewReassemblyState constructs a state machine for one WAL segment,
// filtering records through set with decoder and split into pages of
// walPageSize bytes within segments of segSize bytes.
func NewReassemblyState(decoder WalInterface, set *relfilter.Set, walPageSize, segSize uint32, opts ...Option) *ReassemblyState {
	s := &ReassemblyState{
		decoder:     decoder,
		filter:      set,
		walPageSize: walPageSize,
		segSize:     segSize,
		isBegin:     true,
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Done reports whether the stream has been fully flushed: Process has been
// called with a nil input once.
func (s *ReassemblyState) Done() bool { return s.done }

// InputSame reports whether the caller should immediately re-invoke Process
// with the same input slice (a complete record or an orphaned continuation
// was produced and there may be more within it) rather than supply a new
// chunk.
func (s *ReassemblyState) InputSame() bool { return s.inputSame }

func (s *ReassemblyState) logWarn(msg string, err error) {
	level.Warn(s.logger).Log("msg", msg, "err", err, "record", s.recordNum)
}

// Process advances the state machine by one step, consuming from input (or,
// if input is nil, flushing whatever record was already in flight) and
// appending filtered bytes to output. Call it repeatedly, supplying a fresh
// input each time InputSame reports false, until Done reports true.
func (s *ReassemblyState) Process(input []byte, output *bytes.Buffer) error {
	if input == nil {
		return s.finish(output)
	}

	if s.isReadOrphanedData {
		return s.readOrphanedData(input, output)
	}

	if s.isBegin {
		if err := s.processBeginOfStream(input, output); err != nil {
			return err
		}
		if s.isReadOrphanedData {
			return s.readOrphanedData(input, output)
		}
	}

	if s.isSwitchWal {
		s.passThroughSwitch(input, output)
		return nil
	}

	outcome, err := s.readRecord(input)
	if err != nil {
		return err
	}
	if outcome != readSuccess {
		return nil
	}
	return s.completeRecord(output)
}

// finish flushes a record that was still in flight when the caller ran out
// of input: it completes a straddling record from the next segment if a
// fetcher is configured, then writes whatever was assembled.
func (s *ReassemblyState) finish(output *bytes.Buffer) error {
	if s.currentStep == stepReadHeader || s.currentStep == stepReadBody {
		if s.fetcher != nil {
			if err := s.getEndOfRecord(); err != nil {
				s.logWarn("reading end of record from next wal segment", err)
			}
		}
		if s.gotLen == len(s.record) && len(s.record) > 0 {
			if err := s.filterAndCount(); err != nil {
				return err
			}
		}
		s.writeRecord(output, s.record)
	}
	s.done = true
	return nil
}

// processBeginOfStream handles the first page of the segment: if it begins
// mid-record, that continuation either completes a record whose start this
// stream never saw (reconstructed from the previous segment) or, lacking a
// fetcher or a previous segment, is orphaned data copied through unfiltered.
func (s *ReassemblyState) processBeginOfStream(input []byte, output *bytes.Buffer) error {
	s.isBegin = false
	ok, err := s.getNextPage(input)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertError{Reason: "first page of segment could not be read"}
	}
	s.recPtr = s.currentPageHdr.PageAddr

	if s.currentPageHdr.Info&xlog.XlpFirstIsContRecord == 0 ||
		s.currentPageHdr.Info&xlog.XlpFirstIsOverwriteContRecord != 0 {
		return nil
	}

	if s.readBeginOfRecord() {
		s.beginOffset = s.gotLen
		s.inputOffset = 0
		s.pageHeaders = s.pageHeaders[:0]
		return nil
	}

	s.logWarn("could not reconstruct record spanning into previous wal segment; copying through unfiltered", nil)
	s.inputOffset = 0
	s.isReadOrphanedData = true
	return nil
}

// passThroughSwitch copies the remainder of the stream verbatim once a WAL
// switch record has been seen: nothing after it in the segment is a record
// this filter needs to inspect.
func (s *ReassemblyState) passThroughSwitch(input []byte, output *bytes.Buffer) {
	if s.pageOffset != 0 {
		output.Write(s.currentPage[s.pageOffset:s.walPageSize])
		s.pageOffset = 0
	}
	if len(input) > s.inputOffset {
		output.Write(input[s.inputOffset:])
	}
	s.inputOffset = 0
	s.inputSame = false
}

func (s *ReassemblyState) filterAndCount() error {
	outcome, err := s.decoder.FilterRecord(s.record, s.filter)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordFiltered(outcome.Action)
	}
	return nil
}

func (s *ReassemblyState) completeRecord(output *bytes.Buffer) error {
	record := s.record
	incomplete := s.gotLen < len(s.record)
	if incomplete {
		// Overwrite-contrecord: emit only what was assembled, and keep the
		// header of the page the next record begins on.
		record = s.record[:s.gotLen]
	} else if err := s.filterAndCount(); err != nil {
		return err
	}
	s.writeRecord(output, record)
	s.inputSame = true
	if incomplete && len(s.pageHeaders) > 0 {
		s.pageHeaders = s.pageHeaders[len(s.pageHeaders)-1:]
	} else {
		s.pageHeaders = s.pageHeaders[:0]
	}
	return nil
}

// readOrphanedData copies page headers and continuation bytes through
// unfiltered until the orphaned record's tail is reached, for the rare case
// where the previous segment needed to reconstruct a straddling record
// could not be found.
func (s *ReassemblyState) readOrphanedData(input []byte, output *bytes.Buffer) error {
	for {
		ok, err := s.getNextPage(input)
		if err != nil {
			return err
		}
		if !ok {
			s.inputSame = false
			s.inputOffset = 0
			return nil
		}

		hdrSize := s.currentPageHdr.HeaderSize()
		output.Write(s.currentPage[:hdrSize])
		s.recPtr += uint64(hdrSize)

		avail := int(s.walPageSize) - s.pageOffset
		toCopy := xlog.MaxAlign(int(s.currentPageHdr.RemLen))
		if toCopy > avail {
			toCopy = avail
		}
		output.Write(s.currentPage[s.pageOffset : s.pageOffset+toCopy])
		s.recPtr += uint64(toCopy)

		if int(s.currentPageHdr.RemLen) <= avail {
			break
		}
	}

	s.isReadOrphanedData = false
	s.pageOffset += xlog.MaxAlign(int(s.currentPageHdr.RemLen))
	s.pageHeaders = s.pageHeaders[:0]
	s.inputSame = true
	return nil
}

// getNextPage advances to the next walPageSize-sized page of input,
// validating and recording its header. It returns (false, nil) when input
// is exhausted -- the caller should suspend and resume on the next call
// with a fresh buffer -- and (false, err) on a malformed page.
func (s *ReassemblyState) getNextPage(input []byte) (bool, error) {
	if s.inputOffset >= len(input) {
		s.inputOffset = 0
		s.inputSame = false
		return false, nil
	}

	s.currentStep = stepNone
	s.currentPage = input[s.inputOffset:]
	hdr, err := xlog.ParsePageHeader(s.currentPage)
	if err != nil {
		return false, &FormatError{Op: "page header", Err: err}
	}
	if hdr.Magic != s.decoder.HeaderMagic() {
		return false, &FormatError{Op: "page header", Err: errors.Errorf("unexpected page magic %#x at lsn %d", hdr.Magic, s.recPtr)}
	}

	s.currentPageHdr = hdr
	s.pageOffset = hdr.HeaderSize()
	s.inputOffset += int(s.walPageSize)

	raw := make([]byte, hdr.HeaderSize())
	copy(raw, s.currentPage[:hdr.HeaderSize()])
	s.pageHeaders = append(s.pageHeaders, raw)
	return true, nil
}

// readRecord dispatches to the method that resumes at the state machine's
// current step. Every helper below returns readNeedBuffer the instant
// getNextPage runs out of input, leaving currentStep and every other field
// it has already updated in place so the next call continues correctly.
func (s *ReassemblyState) readRecord(input []byte) (readOutcome, error) {
	switch s.currentStep {
	case stepNone:
		if s.pageOffset == int(s.walPageSize) {
			s.currentStep = stepBeginOfRecord
			return s.resumeBeginOfRecord(input)
		}
		return s.readHeaderPhase(input)
	case stepBeginOfRecord:
		return s.resumeBeginOfRecord(input)
	case stepReadHeader:
		return s.resumeReadHeader(input)
	case stepReadBody:
		return s.bodyLoop(input)
	}
	return readNeedBuffer, &AssertError{Reason: "readRecord: unreachable resume step"}
}

func (s *ReassemblyState) resumeBeginOfRecord(input []byte) (readOutcome, error) {
	ok, err := s.getNextPage(input)
	if err != nil {
		return readNeedBuffer, err
	}
	if !ok {
		return readNeedBuffer, nil
	}
	if s.currentPageHdr.Info&xlog.XlpFirstIsContRecord != 0 {
		return readNeedBuffer, &FormatError{Op: "wal record", Err: errors.New("unexpected continuation record at start of page")}
	}
	return s.readHeaderPhase(input)
}

// readHeaderPhase reads xl_tot_len (always whole on a single page, by the
// format's own page-size constraints) and as much of the fixed header as
// fits on the current page.
func (s *ReassemblyState) readHeaderPhase(input []byte) (readOutcome, error) {
	pageBytes := s.currentPage[s.pageOffset:]
	if len(pageBytes) < 4 {
		return readNeedBuffer, &AssertError{Reason: "xl_tot_len split across pages"}
	}
	recordSize := s.decoder.TotalLength(pageBytes)
	if recordSize == 0 {
		return readNeedBuffer, &FormatError{Op: "wal record", Err: errors.New("zero-length record")}
	}
	if cap(s.record) < int(recordSize) {
		s.record = make([]byte, recordSize)
	} else {
		s.record = s.record[:recordSize]
	}

	headerSize := s.decoder.HeaderSize()
	avail := int(s.walPageSize) - s.pageOffset
	n := headerSize
	if n > avail {
		n = avail
	}
	copy(s.record[:n], pageBytes[:n])

	if headerSize > avail {
		s.gotLen = avail
		s.currentStep = stepReadHeader
		return s.resumeReadHeader(input)
	}

	s.pageOffset += headerSize
	s.gotLen = headerSize
	return s.afterHeader(input)
}

func (s *ReassemblyState) resumeReadHeader(input []byte) (readOutcome, error) {
	ok, err := s.getNextPage(input)
	if err != nil {
		return readNeedBuffer, err
	}
	if !ok {
		return readNeedBuffer, nil
	}
	if s.currentPageHdr.Info&xlog.XlpFirstIsOverwriteContRecord != 0 {
		s.currentStep = stepNone
		return readSuccess, nil
	}
	if s.currentPageHdr.Info&xlog.XlpFirstIsContRecord == 0 {
		return readNeedBuffer, &FormatError{Op: "wal record", Err: errors.New("missing continuation record for split header")}
	}

	headerSize := s.decoder.HeaderSize()
	remaining := headerSize - s.gotLen
	copy(s.record[s.gotLen:headerSize], s.currentPage[s.pageOffset:s.pageOffset+remaining])
	s.pageOffset += remaining
	s.gotLen = headerSize
	return s.afterHeader(input)
}

func (s *ReassemblyState) afterHeader(input []byte) (readOutcome, error) {
	if err := s.decoder.ValidateHeader(s.record); err != nil {
		return readNeedBuffer, err
	}

	headerSize := s.decoder.HeaderSize()
	avail := int(s.walPageSize) - s.pageOffset
	toRead := len(s.record) - headerSize
	if toRead > avail {
		toRead = avail
	}
	copy(s.record[headerSize:headerSize+toRead], s.currentPage[s.pageOffset:s.pageOffset+toRead])
	s.gotLen += toRead
	s.pageOffset += xlog.MaxAlign(toRead)

	return s.bodyLoop(input)
}

func (s *ReassemblyState) bodyLoop(input []byte) (readOutcome, error) {
	for s.gotLen < len(s.record) {
		s.currentStep = stepReadBody
		ok, err := s.getNextPage(input)
		if err != nil {
			return readNeedBuffer, err
		}
		if !ok {
			return readNeedBuffer, nil
		}

		done, err := s.bodyStep()
		if err != nil {
			return readNeedBuffer, err
		}
		if done {
			s.currentStep = stepNone
			return readSuccess, nil
		}
	}

	s.currentStep = stepNone
	if err := s.decoder.ValidateBody(s.record); err != nil {
		return readNeedBuffer, err
	}
	s.isSwitchWal = s.decoder.IsSwitch(s.record)
	s.recordNum++
	return readSuccess, nil
}

// bodyStep consumes one continuation page's worth of record body. It
// reports done=true for the overwrite-contrecord case, where the record is
// handed back incomplete (gotLen < len(record)) by design: the next record
// in the stream begins a fresh page rather than continuing this one.
func (s *ReassemblyState) bodyStep() (done bool, err error) {
	hdr := s.currentPageHdr
	if hdr.Info&xlog.XlpFirstIsOverwriteContRecord != 0 {
		return true, nil
	}
	if hdr.Info&xlog.XlpFirstIsContRecord == 0 {
		return false, &FormatError{Op: "wal record", Err: errors.New("missing continuation record for split body")}
	}
	recordSize := len(s.record)
	if hdr.RemLen == 0 || uint32(recordSize) != hdr.RemLen+uint32(s.gotLen) {
		return false, &FormatError{Op: "wal record", Err: errors.New("inconsistent continuation record length")}
	}

	avail := int(s.walPageSize) - s.pageOffset
	toWrite := int(hdr.RemLen)
	if toWrite > avail {
		toWrite = avail
	}
	copy(s.record[s.gotLen:s.gotLen+toWrite], s.currentPage[s.pageOffset:s.pageOffset+toWrite])
	s.pageOffset += xlog.MaxAlign(toWrite)
	s.gotLen += toWrite
	return false, nil
}

// writeRecord emits record (or, for a record still incomplete at
// end-of-stream, whatever of it was assembled) to output, reinserting a
// page header at every page boundary the record crosses and MAXALIGN
// padding at its end, mirroring how the bytes were laid out on input.
func (s *ReassemblyState) writeRecord(output *bytes.Buffer, record []byte) {
	if s.beginOffset != 0 {
		record = record[s.beginOffset:]
		s.beginOffset = 0
	}

	headerIdx := 0
	if s.recPtr%uint64(s.walPageSize) == 0 && headerIdx < len(s.pageHeaders) {
		hdr := s.pageHeaders[headerIdx]
		output.Write(hdr)
		headerIdx++
		s.recPtr += uint64(len(hdr))
	}

	wrote := 0
	for wrote < len(record) {
		spaceOnPage := int(s.walPageSize) - int(s.recPtr%uint64(s.walPageSize))
		toWrite := len(record) - wrote
		if toWrite > spaceOnPage {
			toWrite = spaceOnPage
		}
		output.Write(record[wrote : wrote+toWrite])
		wrote += toWrite
		s.recPtr += uint64(toWrite)

		if s.metrics != nil {
			s.metrics.BytesProcessed(toWrite)
		}

		if s.recPtr%uint64(s.segSize) == 0 {
			s.gotLen = 0
			return
		}
		if wrote < len(record) && headerIdx < len(s.pageHeaders) {
			output.Write(s.pageHeaders[headerIdx][:xlog.PageHeaderSize])
			s.recPtr += uint64(xlog.PageHeaderSize)
			headerIdx++
		}
	}

	pad := xlog.MaxAlign(len(record)) - len(record)
	if pad > 0 {
		output.Write(make([]byte, pad))
		s.recPtr += uint64(pad)
	}
	s.gotLen = 0
}

// readBeginOfRecord reconstructs the head of a record that began in the
// previous segment: it fetches that segment in full, skips any record
// orphaned at its own start, then replays readRecord across it so that the
// trailing bytes land in s.record/s.gotLen exactly as if this stream had
// started there. It returns false if no previous segment is available or
// it does not resolve the continuation, in which case the caller falls
// back to copying the orphaned data through unfiltered.
func (s *ReassemblyState) readBeginOfRecord() bool {
	if s.fetcher == nil {
		return false
	}
	buf, err := s.fetcher.Fetch(context.Background(), s.currentPageHdr, DirectionPrev)
	if s.metrics != nil {
		s.metrics.SegmentFetch(DirectionPrev, err == nil && buf != nil)
	}
	if err != nil {
		s.logWarn("fetching previous wal segment", err)
		return false
	}
	if buf == nil {
		return false
	}

	s.inputOffset = 0
	s.pageOffset = 0
	s.currentStep = stepNone

	ok, err := s.getNextPage(buf)
	if err != nil || !ok {
		return false
	}
	for s.currentPageHdr.Info&xlog.XlpFirstIsContRecord != 0 &&
		s.currentPageHdr.Info&xlog.XlpFirstIsOverwriteContRecord == 0 {
		avail := int(s.walPageSize) - s.pageOffset
		if int(s.currentPageHdr.RemLen) <= avail {
			s.pageOffset += xlog.MaxAlign(int(s.currentPageHdr.RemLen))
			break
		}
		// The orphaned record at the start of the previous segment spans
		// more than this single fetched buffer; there is nothing further
		// to fetch from, so give up.
		return false
	}

	for {
		outcome, err := s.readRecord(buf)
		if err != nil {
			return false
		}
		if outcome == readNeedBuffer {
			// The previous segment ran out inside a record's header or
			// body: that partial record is the head this stream continues.
			return s.currentStep == stepReadHeader || s.currentStep == stepReadBody
		}
		s.pageHeaders = s.pageHeaders[:0]
	}
}

// getEndOfRecord reconstructs the tail of a record left incomplete at
// end-of-stream by fetching successive next segments until readRecord
// reports success.
func (s *ReassemblyState) getEndOfRecord() error {
	for {
		buf, err := s.fetcher.Fetch(context.Background(), s.currentPageHdr, DirectionNext)
		if s.metrics != nil {
			s.metrics.SegmentFetch(DirectionNext, err == nil && buf != nil)
		}
		if err != nil {
			return &ServiceError{Op: "fetch next wal segment", Err: err}
		}
		if buf == nil {
			return errors.New("missing next wal segment to complete straddling record")
		}

		s.inputOffset = 0
		outcome, err := s.readRecord(buf)
		if err != nil {
			return err
		}
		if outcome == readSuccess {
			return nil
		}
		// The record spans more than one further segment; currentPageHdr
		// was advanced by getNextPage to the last page consumed from buf,
		// so the next Fetch computes the segment after that one.
	}
}
