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

import "github.com/prometheus/walfilter/internal/relfilter"

// FilterAction is the outcome of running a single record through a
// decoder's FilterRecord.
type FilterAction int

const (
	// ActionPass leaves the record bytes untouched.
	ActionPass FilterAction = iota
	// ActionNoop means the decoder rewrote the record in place into an
	// XLOG_NOOP record of identical length.
	ActionNoop
)

// FilterOutcome is what FilterRecord did to a record, for logging and
// metrics; the record bytes themselves are mutated in place by the decoder.
type FilterOutcome struct {
	Action FilterAction
}

// WalInterface is the version-specific decoder contract. Exactly one
// implementation -- gpdb6.Decoder or gpdb7.Decoder -- is selected once, at
// ReassemblyState construction time, from the operator's configured
// PostgreSQL/Greenplum version; the choice never changes mid-stream, so a
// plain interface field gives static-dispatch-like call sites without the
// added type-parameter ceremony a generic would need for a decision that is
// made exactly once per process.
type WalInterface interface {
	// HeaderMagic returns the XLogPageHeaderData.xlp_magic value this
	// version stamps on every page; ParsePageHeader succeeding is not by
	// itself proof the page belongs to the expected format.
	HeaderMagic() uint16

	// HeaderSize returns the fixed record header length for this version:
	// 32 bytes for GPDB6 (its 28-byte struct MAXALIGNed), 24 for GPDB7.
	HeaderSize() int

	// ValidateHeader checks the fixed header fields of rec (which must be
	// at least HeaderSize() bytes): total length sanity and resource
	// manager ID range. Padding bytes are not checked.
	ValidateHeader(rec []byte) error

	// ValidateBody checks rec (which must be exactly TotalLength(rec)
	// bytes) against its own CRC, including any backup-block payloads.
	ValidateBody(rec []byte) error

	// TotalLength reads xl_tot_len from a header-sized prefix of rec.
	TotalLength(rec []byte) uint32

	// IsSwitch reports whether rec is a WAL segment switch record, which
	// is always passed through unfiltered regardless of FilterRecord.
	IsSwitch(rec []byte) bool

	// FilterRecord decides whether rec references only relations the
	// filter set admits. If every referenced relation is needed, rec is
	// left untouched and FilterOutcome.Action is ActionPass. If none are
	// needed, rec is rewritten in place to an XLOG_NOOP record of
	// identical length and its CRC is recomputed; Action is ActionNoop.
	// If rec references a mix of needed and unneeded relations, it
	// returns a *ConfigError: a record cannot be partially neutralized.
	FilterRecord(rec []byte, set *relfilter.Set) (FilterOutcome, error)
}
