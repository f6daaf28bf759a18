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

// Package xlog holds the on-disk types and constants shared by every WAL
// format version: page headers, alignment arithmetic and the RelFileNode
// triple. It has no knowledge of any particular record layout.
package xlog

import (
	"encoding/binary"
	"errors"
)

// MaximumAlignof is PostgreSQL's MAXIMUM_ALIGNOF. All versions supported
// here run on platforms where it is 8.
const MaximumAlignof = 8

// MaxAlign rounds x up to the next MaximumAlignof boundary.
func MaxAlign(x int) int {
	return TypeAlign(MaximumAlignof, x)
}

// TypeAlign rounds x up to the next multiple of alignTo, which must be a
// power of two.
func TypeAlign(alignTo, x int) int {
	return (x + (alignTo - 1)) &^ (alignTo - 1)
}

// Page header flag bits (XLogPageHeaderData.xlp_info).
const (
	XlpLongHeader               uint16 = 0x0002
	XlpFirstIsContRecord        uint16 = 0x0001
	XlpFirstIsOverwriteContRecord uint16 = 0x0008
)

// XlrInfoMask masks the low bits of xl_info reserved for the WAL machinery
// itself; the rmgr opcode is xl_info &^ XlrInfoMask.
const XlrInfoMask uint8 = 0x0F

// RmXlogID is the resource manager ID used for XLOG bookkeeping records,
// including the NOOP records this filter writes in place of a neutralized
// record.
const RmXlogID uint8 = 0

// XlogNoop is the xl_info opcode meaning "ignore me at replay", assigned
// by this filter to every record it neutralizes.
const XlogNoop uint8 = 0x20

// XlogSwitch is the rmgr-xlog opcode for a WAL segment switch record;
// switch records are always passed through untouched.
const XlogSwitch uint8 = 0x40

// PageHeaderSize is the short page header's encoded size.
const PageHeaderSize = 24

// LongPageHeaderSize is the long (first-of-segment) page header's encoded size.
const LongPageHeaderSize = 40

// PageHeader is the decoded form of XLogPageHeaderData / XLogLongPageHeaderData.
type PageHeader struct {
	Magic       uint16
	Info        uint16
	TimelineID  uint32
	PageAddr    uint64
	RemLen      uint32
	IsLong      bool
	SysID       uint64 // only set when IsLong
	SegSize     uint32 // only set when IsLong
	XlogBlcksz  uint32 // only set when IsLong
}

// HeaderSize returns PageHeaderSize or LongPageHeaderSize depending on whether
// this is the first page header in a segment.
func (h PageHeader) HeaderSize() int {
	if h.IsLong {
		return LongPageHeaderSize
	}
	return PageHeaderSize
}

// RelFileNode identifies a physical relation file by tablespace, database
// and relation OID, mirroring PostgreSQL's RelFileNode struct.
type RelFileNode struct {
	SpcNode uint32
	DbNode  uint32
	RelNode uint32
}

// DefaultTablespaceOid is PostgreSQL's DEFAULTTABLESPACE_OID. A filter-spec
// entry that omits its tablespace is loaded with this value.
const DefaultTablespaceOid uint32 = 1663

// SystemCatalogMaxOid is the pg_catalog/information_schema OID ceiling:
// OIDs below it are system objects. A relation whose database and relation
// OIDs are both below it is passed through by the filter, independent of
// any configured filter set.
const SystemCatalogMaxOid uint32 = 16384

// IsSystemOid reports whether oid belongs to the fixed pg_catalog range.
func IsSystemOid(oid uint32) bool {
	return oid < SystemCatalogMaxOid
}

// ParsePageHeader decodes a page header from the start of buf. buf must
// hold at least PageHeaderSize bytes; if the XlpLongHeader bit is set it
// must hold at least LongPageHeaderSize bytes.
func ParsePageHeader(buf []byte) (PageHeader, error) {
	if len(buf) < PageHeaderSize {
		return PageHeader{}, errShortPageHeader
	}
	h := PageHeader{
		Magic:      binary.LittleEndian.Uint16(buf[0:]),
		Info:       binary.LittleEndian.Uint16(buf[2:]),
		TimelineID: binary.LittleEndian.Uint32(buf[4:]),
		PageAddr:   binary.LittleEndian.Uint64(buf[8:]),
		RemLen:     binary.LittleEndian.Uint32(buf[16:]),
	}
	h.IsLong = h.Info&XlpLongHeader != 0
	if h.IsLong {
		if len(buf) < LongPageHeaderSize {
			return PageHeader{}, errShortPageHeader
		}
		h.SysID = binary.LittleEndian.Uint64(buf[20:])
		h.SegSize = binary.LittleEndian.Uint32(buf[28:])
		h.XlogBlcksz = binary.LittleEndian.Uint32(buf[32:])
	}
	return h, nil
}

var errShortPageHeader = errors.New("xlog: buffer shorter than page header")
