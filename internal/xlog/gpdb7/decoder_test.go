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

package gpdb7

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/walfilter/internal/relfilter"
	"github.com/prometheus/walfilter/internal/walfilter"
	"github.com/prometheus/walfilter/internal/xlog"
)

// buildSeqRecord constructs a minimal well-formed record whose only
// RelFileNode reference comes from the main-data payload of an RM_SEQ/
// XLOG_SEQ_LOG record: header, a short main-data sub-header, then the
// RelFileNode itself as main data.
func buildSeqRecord(t *testing.T, node xlog.RelFileNode) []byte {
	t.Helper()
	mainData := make([]byte, relFileNodeSize)
	binary.LittleEndian.PutUint32(mainData[0:], node.SpcNode)
	binary.LittleEndian.PutUint32(mainData[4:], node.DbNode)
	binary.LittleEndian.PutUint32(mainData[8:], node.RelNode)

	totLen := HeaderSize + 2 + len(mainData)
	rec := make([]byte, totLen)
	binary.LittleEndian.PutUint32(rec[offTotLen:], uint32(totLen))
	rec[offRmid] = rmSeq
	rec[offInfo] = seqLog
	rec[HeaderSize] = blockIDDataShort
	rec[HeaderSize+1] = byte(len(mainData))
	copy(rec[HeaderSize+2:], mainData)

	d := Decoder{HeapPageSize: 8192}
	binary.LittleEndian.PutUint32(rec[offCrc:], d.checksum(rec))
	return rec
}

// buildRecordWithMainData constructs a minimal well-formed record for an
// arbitrary rmgr/info pair whose RelFileNode reference comes entirely from
// the main-data payload, the same sub-header shape buildSeqRecord uses.
func buildRecordWithMainData(t *testing.T, rmid, info uint8, mainData []byte) []byte {
	t.Helper()
	totLen := HeaderSize + 2 + len(mainData)
	rec := make([]byte, totLen)
	binary.LittleEndian.PutUint32(rec[offTotLen:], uint32(totLen))
	rec[offRmid] = rmid
	rec[offInfo] = info
	rec[HeaderSize] = blockIDDataShort
	rec[HeaderSize+1] = byte(len(mainData))
	copy(rec[HeaderSize+2:], mainData)

	d := Decoder{HeapPageSize: 8192}
	binary.LittleEndian.PutUint32(rec[offCrc:], d.checksum(rec))
	return rec
}

func mustSet(t *testing.T, jsonBody string) *relfilter.Set {
	t.Helper()
	set, err := relfilter.Load(strings.NewReader(jsonBody))
	require.NoError(t, err)
	return set
}

func TestDecoderValidateRoundTrip(t *testing.T) {
	d := Decoder{HeapPageSize: 8192}
	node := xlog.RelFileNode{SpcNode: xlog.DefaultTablespaceOid, DbNode: 20000, RelNode: 30000}
	rec := buildSeqRecord(t, node)

	require.NoError(t, d.ValidateHeader(rec))
	require.NoError(t, d.ValidateBody(rec))
	require.False(t, d.IsSwitch(rec))
}

func TestDecoderValidateBodyDetectsCorruption(t *testing.T) {
	d := Decoder{HeapPageSize: 8192}
	rec := buildSeqRecord(t, xlog.RelFileNode{SpcNode: 1663, DbNode: 1, RelNode: 2})
	rec[HeaderSize] ^= 0xFF // corrupt main-data sub-header without fixing CRC

	err := d.ValidateBody(rec)
	require.Error(t, err)
	var fe *walfilter.FormatError
	require.ErrorAs(t, err, &fe)
}

func TestFilterRecordPassesNeededRelation(t *testing.T) {
	d := Decoder{HeapPageSize: 8192}
	node := xlog.RelFileNode{SpcNode: xlog.DefaultTablespaceOid, DbNode: 20000, RelNode: 30000}
	rec := buildSeqRecord(t, node)
	set := mustSet(t, `{"tables":[{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30000}]}`)

	outcome, err := d.FilterRecord(rec, set)
	require.NoError(t, err)
	require.Equal(t, walfilter.ActionPass, outcome.Action)
	require.NoError(t, d.ValidateBody(rec))
}

func TestFilterRecordRewritesUnneededRelationToNoop(t *testing.T) {
	d := Decoder{HeapPageSize: 8192}
	node := xlog.RelFileNode{SpcNode: xlog.DefaultTablespaceOid, DbNode: 20000, RelNode: 30000}
	rec := buildSeqRecord(t, node)
	set := mustSet(t, `{"tables":[{"db-oid":99999,"tablespace-oid":1663,"rel-oid":1}]}`)

	outcome, err := d.FilterRecord(rec, set)
	require.NoError(t, err)
	require.Equal(t, walfilter.ActionNoop, outcome.Action)
	require.Equal(t, uint8(rmXlog), rec[offRmid])
	require.Equal(t, uint8(xlogNoop), rec[offInfo])
	require.NoError(t, d.ValidateBody(rec))
	require.True(t, d.IsSwitch(rec) == false)
}

// TestFilterRecordMainDataOpcodeTable exercises every rmgr/info pair in
// getRelFileNodeFromMainData whose opcode value was corrected against
// postgresCommon.h, confirming each now extracts its RelFileNode from the
// main-data payload at the right offset instead of falling through to
// "no RelFileNode" or an unknown-opcode FormatError.
func TestFilterRecordMainDataOpcodeTable(t *testing.T) {
	needed := xlog.RelFileNode{SpcNode: xlog.DefaultTablespaceOid, DbNode: 20000, RelNode: 30000}
	set := mustSet(t, `{"tables":[{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30000}]}`)

	mainDataFor := func(node xlog.RelFileNode, prefixLen int) []byte {
		md := make([]byte, prefixLen+relFileNodeSize)
		binary.LittleEndian.PutUint32(md[prefixLen+0:], node.SpcNode)
		binary.LittleEndian.PutUint32(md[prefixLen+4:], node.DbNode)
		binary.LittleEndian.PutUint32(md[prefixLen+8:], node.RelNode)
		return md
	}

	cases := []struct {
		name      string
		rmid      uint8
		info      uint8
		prefixLen int
	}{
		{"heap2CleanupInfo", rmHeap2, heap2CleanupInfo, 0},
		{"btreeReusePage", rmBtree, btreeReusePage, 0},
		{"gistPageReuse", rmGist, gistPageReuse, 0},
		{"bitmapUpdateWord", rmBitmap, bitmapUpdateWord, 0},
		{"bitmapUpdateWords", rmBitmap, bitmapUpdateWords, 0},
		{"bitmapInsertLovItem", rmBitmap, bitmapInsertLovItem, 0},
		{"bitmapInsertBitmapLastwords", rmBitmap, bitmapInsertBitmapLastwords, 0},
		{"bitmapInsertMeta", rmBitmap, bitmapInsertMeta, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decoder{HeapPageSize: 8192}
			rec := buildRecordWithMainData(t, tc.rmid, tc.info, mainDataFor(needed, tc.prefixLen))

			nodes, err := d.getRelFileNodes(rec)
			require.NoError(t, err)
			require.Equal(t, []xlog.RelFileNode{needed}, nodes)

			outcome, err := d.FilterRecord(rec, set)
			require.NoError(t, err)
			require.Equal(t, walfilter.ActionPass, outcome.Action)
		})
	}
}

func TestFilterRecordSkipsSystemCatalogTraffic(t *testing.T) {
	d := Decoder{HeapPageSize: 8192}
	node := xlog.RelFileNode{SpcNode: xlog.DefaultTablespaceOid, DbNode: 1, RelNode: 1259}
	rec := buildSeqRecord(t, node)
	set := mustSet(t, `{"tables":[{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30000}]}`)

	outcome, err := d.FilterRecord(rec, set)
	require.NoError(t, err)
	require.Equal(t, walfilter.ActionPass, outcome.Action)
}
