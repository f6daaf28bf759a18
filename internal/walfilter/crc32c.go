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

import "hash/crc32"

// castagnoliTable is built once at init time rather than lazily, sidestepping
// the documented data race in crc32.MakeTable when called concurrently from
// multiple goroutines the first time it runs.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Crc32cInit returns the initial value for an incremental CRC-32C
// computation, matching PostgreSQL's INIT_CRC32C (all-ones).
func Crc32cInit() uint32 {
	return 0xFFFFFFFF
}

// Crc32cUpdate folds buf into the running CRC-32C value crc. crc32.Update
// complements its running value on entry and exit, so crc is complemented
// around the call to keep the raw register form Crc32cInit/Crc32cFinish use.
func Crc32cUpdate(crc uint32, buf []byte) uint32 {
	return ^crc32.Update(^crc, castagnoliTable, buf)
}

// Crc32cFinish finalizes an incremental CRC-32C value, matching
// PostgreSQL's FIN_CRC32C (complement).
func Crc32cFinish(crc uint32) uint32 {
	return crc ^ 0xFFFFFFFF
}

// Crc32c computes the CRC-32C of a single contiguous buffer.
func Crc32c(buf []byte) uint32 {
	return Crc32cFinish(Crc32cUpdate(Crc32cInit(), buf))
}
