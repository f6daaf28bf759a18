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

package xlog

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxAlign(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 28: 32, 32: 32}
	for in, want := range cases {
		require.Equal(t, want, MaxAlign(in), "MaxAlign(%d)", in)
	}
}

func TestIsSystemOid(t *testing.T) {
	require.True(t, IsSystemOid(0))
	require.True(t, IsSystemOid(16383))
	require.False(t, IsSystemOid(16384))
	require.False(t, IsSystemOid(30000))
}

func TestParsePageHeaderShort(t *testing.T) {
	buf := make([]byte, PageHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:], 0xD106)
	binary.LittleEndian.PutUint16(buf[2:], 0)
	binary.LittleEndian.PutUint32(buf[4:], 1)
	binary.LittleEndian.PutUint64(buf[8:], 0x1700000)
	binary.LittleEndian.PutUint32(buf[16:], 0)

	h, err := ParsePageHeader(buf)
	require.NoError(t, err)
	require.False(t, h.IsLong)
	require.Equal(t, PageHeaderSize, h.HeaderSize())
	require.EqualValues(t, 0xD106, h.Magic)
	require.EqualValues(t, 1, h.TimelineID)
}

func TestParsePageHeaderLong(t *testing.T) {
	buf := make([]byte, LongPageHeaderSize)
	binary.LittleEndian.PutUint16(buf[2:], XlpLongHeader)
	binary.LittleEndian.PutUint64(buf[20:], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(buf[28:], 16<<20)
	binary.LittleEndian.PutUint32(buf[32:], 8192)

	h, err := ParsePageHeader(buf)
	require.NoError(t, err)
	require.True(t, h.IsLong)
	require.Equal(t, LongPageHeaderSize, h.HeaderSize())
	require.EqualValues(t, 16<<20, h.SegSize)
}

func TestParsePageHeaderTooShort(t *testing.T) {
	_, err := ParsePageHeader(make([]byte, 4))
	require.Error(t, err)
}
