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

// Package gpdb7 decodes the Greenplum 7 (PostgreSQL 12-era) WAL record
// format: a 24-byte fixed header followed by a variable run of block
// reference sub-headers and a trailing main-data header.
package gpdb7

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/prometheus/walfilter/internal/relfilter"
	"github.com/prometheus/walfilter/internal/walfilter"
	"github.com/prometheus/walfilter/internal/xlog"
)

// Header field byte offsets within XLogRecordGPDB7.
const (
	offTotLen = 0
	offXid    = 4
	offPrev   = 8
	offInfo   = 16
	offRmid   = 17
	offCrc    = 20
)

// HeaderSize is sizeof(XLogRecordGPDB7); no MAXALIGN padding follows it.
const HeaderSize = 24

const relFileNodeSize = 12
const blockNumberSize = 4

// Resource manager IDs relevant to RelFileNode extraction, matching the
// RM7_* enum.
const (
	rmXlog       = xlog.RmXlogID
	rmSmgr       = 2
	rmHeap2      = 9
	rmBtree      = 11
	rmGin        = 13
	rmGist       = 14
	rmSeq        = 15
	rmBitmap     = 22
	rmAppendOnly = 24
	rmMaxID      = rmAppendOnly
)

const xlrInfoMask = xlog.XlrInfoMask

const (
	xlogSwitch = xlog.XlogSwitch
	xlogNoop   = xlog.XlogNoop

	smgrCreate   = 0x10
	smgrTruncate = 0x20

	heap2CleanupInfo = 0x30
	heap2NewCID      = 0x70

	btreeReusePage = 0xD0

	ginSplit          = 0x30
	ginUpdateMetaPage = 0x60

	gistPageReuse = 0x20

	seqLog = 0x00

	bitmapInsertWords          = 0x50
	bitmapUpdateWord           = 0x70
	bitmapUpdateWords          = 0x80
	bitmapInsertLovItem        = 0x20
	bitmapInsertBitmapLastwords = 0x40
	bitmapInsertMeta           = 0x30

	appendOnlyInsert   = 0x00
	appendOnlyTruncate = 0x10
)

const (
	blockIDDataShort = 255
	blockIDDataLong  = 254
	blockIDOrigin    = 253
	maxBlockID       = 32

	bkpblockHasImage = 0x10
	bkpblockHasData  = 0x20
	bkpblockSameRel  = 0x80

	bkpimageHasHole     = 0x01
	bkpimageIsCompressed = 0x02
)

// Decoder implements walfilter.WalInterface for the GPDB7 record format.
type Decoder struct {
	HeapPageSize uint32
}

var _ walfilter.WalInterface = Decoder{}

// headerMagic is XLOG_PAGE_MAGIC for the PostgreSQL 12 lineage GPDB7 is
// built from.
const headerMagic = 0xD101

func (Decoder) HeaderMagic() uint16 { return headerMagic }

func (Decoder) HeaderSize() int { return HeaderSize }

func (d Decoder) TotalLength(rec []byte) uint32 {
	return binary.LittleEndian.Uint32(rec[offTotLen:])
}

func (d Decoder) IsSwitch(rec []byte) bool {
	return rec[offRmid] == rmXlog && rec[offInfo] == xlogSwitch
}

func (d Decoder) ValidateHeader(rec []byte) error {
	if len(rec) < HeaderSize {
		return &walfilter.FormatError{Op: "gpdb7 header", Err: errors.New("record shorter than header")}
	}
	totLen := d.TotalLength(rec)
	if totLen < HeaderSize {
		return &walfilter.FormatError{Op: "gpdb7 header", Err: errors.Errorf("invalid record length: wanted at least %d, got %d", HeaderSize, totLen)}
	}
	if rec[offRmid] > rmMaxID {
		return &walfilter.FormatError{Op: "gpdb7 header", Err: errors.New("invalid resource manager ID")}
	}
	return nil
}

func (d Decoder) checksum(rec []byte) uint32 {
	totLen := d.TotalLength(rec)
	crc := walfilter.Crc32cInit()
	crc = walfilter.Crc32cUpdate(crc, rec[HeaderSize:totLen])
	crc = walfilter.Crc32cUpdate(crc, rec[:offCrc])
	return walfilter.Crc32cFinish(crc)
}

func (d Decoder) ValidateBody(rec []byte) error {
	want := binary.LittleEndian.Uint32(rec[offCrc:])
	got := d.checksum(rec)
	if want != got {
		return &walfilter.FormatError{Op: "gpdb7 body", Err: errors.Errorf("checksum mismatch: expect %x got %x", want, got)}
	}
	return nil
}

// getRelFileNodeFromMainData implements getRelFileNodeFromMainData: the
// fixed table of rmgr/opcode pairs whose main-data payload begins with (or
// contains) a RelFileNode.
func getRelFileNodeFromMainData(rmid, info uint8, mainData []byte) (xlog.RelFileNode, bool, error) {
	switch rmid {
	case rmSmgr:
		switch info {
		case smgrCreate:
			return readRelFileNode(mainData), true, nil
		case smgrTruncate:
			return readRelFileNode(mainData[blockNumberSize:]), true, nil
		}
		return xlog.RelFileNode{}, false, &walfilter.FormatError{Op: "gpdb7 smgr rmgr", Err: errors.Errorf("unknown Storage record: %d", info)}

	case rmHeap2:
		switch info {
		case heap2CleanupInfo:
			return readRelFileNode(mainData), true, nil
		case heap2NewCID:
			return readRelFileNode(mainData[16:]), true, nil
		}
		return xlog.RelFileNode{}, false, nil

	case rmBtree:
		if info == btreeReusePage {
			return readRelFileNode(mainData), true, nil
		}
		return xlog.RelFileNode{}, false, nil

	case rmGin:
		switch info {
		case ginSplit, ginUpdateMetaPage:
			return readRelFileNode(mainData), true, nil
		}
		return xlog.RelFileNode{}, false, nil

	case rmGist:
		if info == gistPageReuse {
			return readRelFileNode(mainData), true, nil
		}
		return xlog.RelFileNode{}, false, nil

	case rmSeq:
		if info == seqLog {
			return readRelFileNode(mainData), true, nil
		}
		return xlog.RelFileNode{}, false, &walfilter.FormatError{Op: "gpdb7 seq rmgr", Err: errors.Errorf("unknown Sequence: %d", info)}

	case rmBitmap:
		switch info {
		case bitmapInsertWords, bitmapUpdateWord, bitmapUpdateWords, bitmapInsertLovItem,
			bitmapInsertBitmapLastwords, bitmapInsertMeta:
			return readRelFileNode(mainData), true, nil
		}
		return xlog.RelFileNode{}, false, nil

	case rmAppendOnly:
		switch info {
		case appendOnlyInsert, appendOnlyTruncate:
			return readRelFileNode(mainData), true, nil
		}
		return xlog.RelFileNode{}, false, &walfilter.FormatError{Op: "gpdb7 appendonly rmgr", Err: errors.Errorf("unknown Appendonly: %d", info)}
	}
	return xlog.RelFileNode{}, false, nil
}

func readRelFileNode(b []byte) xlog.RelFileNode {
	return xlog.RelFileNode{
		SpcNode: binary.LittleEndian.Uint32(b[0:]),
		DbNode:  binary.LittleEndian.Uint32(b[4:]),
		RelNode: binary.LittleEndian.Uint32(b[8:]),
	}
}

// getRelFileNodes walks the block-reference sub-headers that follow the
// fixed header, then the trailing main-data payload, collecting every
// referenced RelFileNode. It is a direct port of getRelFileNodes, with one
// deliberate fix: when skipping an XLR_BLOCK_ID_ORIGIN sub-header (a bare
// 2-byte replication-origin ID with no further fields), it advances offset,
// not a separate read cursor. The original C advances the wrong variable
// there (a tracked source bug); advancing offset is the only reading under
// which subsequent COPY_HEADER_FIELD reads land on the right bytes.
func (d Decoder) getRelFileNodes(rec []byte) ([]xlog.RelFileNode, error) {
	totLen := int(d.TotalLength(rec))
	offset := HeaderSize
	dataTotal := 0
	maxSeenBlockID := -1
	var nodes []xlog.RelFileNode
	haveNode := false
	var mainDataSize uint32

	readField := func(n int) ([]byte, error) {
		if totLen-offset < n {
			return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.New("record truncated in block header")}
		}
		b := rec[offset : offset+n]
		offset += n
		return b, nil
	}

	for totLen-offset > dataTotal {
		idB, err := readField(1)
		if err != nil {
			return nil, err
		}
		blockID := idB[0]

		if blockID == blockIDDataShort {
			sizeB, err := readField(1)
			if err != nil {
				return nil, err
			}
			mainDataSize = uint32(sizeB[0])
			break
		}
		if blockID == blockIDDataLong {
			szB, err := readField(4)
			if err != nil {
				return nil, err
			}
			mainDataSize = binary.LittleEndian.Uint32(szB)
			break
		}
		if blockID == blockIDOrigin {
			if _, err := readField(2); err != nil {
				return nil, err
			}
			continue
		}
		if int(blockID) > maxBlockID {
			return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.Errorf("invalid block_id %d", blockID)}
		}
		if int(blockID) <= maxSeenBlockID {
			return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.Errorf("out-of-order block_id %d", blockID)}
		}
		maxSeenBlockID = int(blockID)

		forkFlagsB, err := readField(1)
		if err != nil {
			return nil, err
		}
		forkFlags := forkFlagsB[0]

		dataLenB, err := readField(2)
		if err != nil {
			return nil, err
		}
		dataLen := binary.LittleEndian.Uint16(dataLenB)

		if forkFlags&bkpblockHasData != 0 {
			if dataLen == 0 {
				return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.New("BKPBLOCK_HAS_DATA set, but no data included")}
			}
		} else if dataLen != 0 {
			return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.Errorf("BKPBLOCK_HAS_DATA not set, but data length is %d", dataLen)}
		}
		dataTotal += int(dataLen)

		if forkFlags&bkpblockHasImage != 0 {
			bimgLenB, err := readField(2)
			if err != nil {
				return nil, err
			}
			bimgLen := binary.LittleEndian.Uint16(bimgLenB)

			holeOffsetB, err := readField(2)
			if err != nil {
				return nil, err
			}
			holeOffset := binary.LittleEndian.Uint16(holeOffsetB)

			bimgInfoB, err := readField(1)
			if err != nil {
				return nil, err
			}
			bimgInfo := bimgInfoB[0]

			var holeLength uint16
			if bimgInfo&bkpimageIsCompressed != 0 {
				if bimgInfo&bkpimageHasHole != 0 {
					hlB, err := readField(2)
					if err != nil {
						return nil, err
					}
					holeLength = binary.LittleEndian.Uint16(hlB)
				}
			} else {
				holeLength = uint16(d.HeapPageSize) - bimgLen
			}
			dataTotal += int(bimgLen)

			if bimgInfo&bkpimageHasHole != 0 && (holeOffset == 0 || holeLength == 0 || uint32(bimgLen) == d.HeapPageSize) {
				return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.Errorf("BKPIMAGE_HAS_HOLE set, but hole offset %d length %d block image length %d", holeOffset, holeLength, bimgLen)}
			}
			if bimgInfo&bkpimageHasHole == 0 && (holeOffset != 0 || holeLength != 0) {
				return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.Errorf("BKPIMAGE_HAS_HOLE not set, but hole offset %d length %d", holeOffset, holeLength)}
			}
			if bimgInfo&bkpimageIsCompressed != 0 && uint32(bimgLen) == d.HeapPageSize {
				return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.Errorf("BKPIMAGE_IS_COMPRESSED set, but block image length %d", bimgLen)}
			}
		}

		if forkFlags&bkpblockSameRel != 0 {
			if !haveNode {
				return nil, &walfilter.FormatError{Op: "gpdb7 block headers", Err: errors.New("BKPBLOCK_SAME_REL set but no previous rel")}
			}
		} else {
			nodeB, err := readField(relFileNodeSize)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, readRelFileNode(nodeB))
			haveNode = true
		}
		if _, err := readField(blockNumberSize); err != nil {
			return nil, err
		}
	}

	if mainDataSize != 0 {
		if totLen <= int(mainDataSize) {
			return nil, &walfilter.FormatError{Op: "gpdb7 main data", Err: errors.New("main data size exceeds record length")}
		}
		mainData := rec[totLen-int(mainDataSize):]
		node, ok, err := getRelFileNodeFromMainData(rec[offRmid], rec[offInfo]&^xlrInfoMask, mainData)
		if err != nil {
			return nil, err
		}
		if ok {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// overrideXLogRecordBody rewrites the record body into a single short or
// long main-data header spanning everything after the fixed header,
// matching overrideXLogRecordBody.
func (d Decoder) overrideXLogRecordBody(rec []byte) {
	totLen := int(d.TotalLength(rec))
	body := rec[HeaderSize:totLen]
	shortPayload := totLen - HeaderSize - 2
	if shortPayload <= 0xFF {
		body[0] = blockIDDataShort
		body[1] = byte(shortPayload)
		for i := 2; i < len(body); i++ {
			body[i] = 0
		}
		return
	}
	longPayload := uint32(totLen - HeaderSize - 5)
	body[0] = blockIDDataLong
	binary.LittleEndian.PutUint32(body[1:], longPayload)
	for i := 5; i < len(body); i++ {
		body[i] = 0
	}
}

// FilterRecord is a direct port of filterRecordGPDB7.
func (d Decoder) FilterRecord(rec []byte, set *relfilter.Set) (walfilter.FilterOutcome, error) {
	if rec[offRmid] == rmXlog && rec[offInfo] == xlogNoop {
		return walfilter.FilterOutcome{Action: walfilter.ActionPass}, nil
	}

	nodes, err := d.getRelFileNodes(rec)
	if err != nil {
		return walfilter.FilterOutcome{}, err
	}
	if len(nodes) == 0 {
		return walfilter.FilterOutcome{Action: walfilter.ActionPass}, nil
	}

	var kept, dropped []xlog.RelFileNode
	for _, n := range nodes {
		if set.IsNeeded(n.DbNode, n.SpcNode, n.RelNode) {
			kept = append(kept, n)
		} else {
			dropped = append(dropped, n)
		}
	}

	if len(kept) > 0 && len(dropped) > 0 {
		return walfilter.FilterOutcome{}, &walfilter.ConfigError{
			Dropped: dropped,
			Kept:    kept,
			Hint:    "add these RelFileNodes to your filter",
		}
	}
	if len(kept) > 0 {
		return walfilter.FilterOutcome{Action: walfilter.ActionPass}, nil
	}

	d.overrideXLogRecordBody(rec)
	rec[offInfo] = xlogNoop
	rec[offRmid] = rmXlog
	binary.LittleEndian.PutUint32(rec[offCrc:], d.checksum(rec))
	return walfilter.FilterOutcome{Action: walfilter.ActionNoop}, nil
}

func (d Decoder) String() string {
	return fmt.Sprintf("gpdb7.Decoder{HeapPageSize: %d}", d.HeapPageSize)
}
