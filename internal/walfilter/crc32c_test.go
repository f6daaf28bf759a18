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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrc32cMatchesKnownVector(t *testing.T) {
	// "123456789" is the standard CRC-32C (Castagnoli) check value vector;
	// its checksum is well known to be 0xE3069283.
	require.Equal(t, uint32(0xE3069283), Crc32c([]byte("123456789")))
}

func TestCrc32cIncrementalMatchesWholeBuffer(t *testing.T) {
	buf := []byte("the quick brown fox jumps over the lazy dog")
	whole := Crc32c(buf)

	crc := Crc32cInit()
	crc = Crc32cUpdate(crc, buf[:10])
	crc = Crc32cUpdate(crc, buf[10:])
	incremental := Crc32cFinish(crc)

	require.Equal(t, whole, incremental)
}

func TestCrc32cEmptyBuffer(t *testing.T) {
	require.Equal(t, uint32(0), Crc32c(nil))
}
