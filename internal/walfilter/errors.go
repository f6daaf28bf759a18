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
	"fmt"

	"github.com/prometheus/walfilter/internal/xlog"
)

// FormatError reports malformed WAL content: a bad magic number, an
// impossible record length, a CRC mismatch. It is always fatal.
type FormatError struct {
	Op  string
	Err error
}

func (e *FormatError) Error() string { return fmt.Sprintf("wal format error during %s: %v", e.Op, e.Err) }
func (e *FormatError) Unwrap() error { return e.Err }

// VersionNotSupportedError reports a requested PostgreSQL/Greenplum version
// for which no decoder exists.
type VersionNotSupportedError struct {
	Reason string
}

func (e *VersionNotSupportedError) Error() string { return "wal version not supported: " + e.Reason }

// ConfigError reports a record whose referenced relations straddle the
// filter's keep/drop line: some blocks belong to a kept relation, others to
// a dropped one, and the record cannot be partially neutralized.
type ConfigError struct {
	Dropped []xlog.RelFileNode
	Kept    []xlog.RelFileNode
	Hint    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf(
		"record references both filtered-out and filtered-in relations (dropped=%v kept=%v): %s",
		e.Dropped, e.Kept, e.Hint,
	)
}

// AssertError reports an internal invariant violation: a resume state the
// state machine should never reach, an alignment computation that produced
// a negative offset. It indicates a bug in this filter, not bad input.
type AssertError struct {
	Reason string
}

func (e *AssertError) Error() string { return "assertion failed: " + e.Reason }

// ServiceError reports failure of an external collaborator -- typically the
// archive store -- that the caller may choose to downgrade to a warning
// (missing neighbor segment) rather than treat as fatal.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ServiceError) Unwrap() error { return e.Err }
