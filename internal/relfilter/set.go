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

// Package relfilter loads the filter-specification JSON (which databases
// and tables the operator wants kept in the output WAL) and answers
// isNeeded queries against it during reassembly.
package relfilter

import (
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/prometheus/walfilter/internal/xlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// table is one (tablespace, relation) pair kept by the filter within a
// database.
type table struct {
	SpcNode uint32
	RelNode uint32
}

type database struct {
	DbOid  uint32
	Tables []table
}

// rawSpec is the on-disk shape of the filter-specification file.
type rawSpec struct {
	Tables []rawTable `json:"tables"`
}

type rawTable struct {
	DbOid   uint32 `json:"db-oid"`
	SpcNode uint32 `json:"tablespace-oid"`
	RelNode uint32 `json:"rel-oid"`
}

// Set is the loaded, binary-search-ready form of the filter specification.
// A nil *Set always answers IsNeeded with true: "no filter configured" means
// every relation passes through unchanged.
type Set struct {
	databases []database
}

// Load decodes the filter-specification JSON read from r.
//
// Every entry must name a nonzero database OID (db-oid) and a nonzero
// relation OID (rel-oid); a tablespace-oid of 0 is rewritten to the default
// tablespace, matching buildFilterList's handling of the omitted field.
func Load(r io.Reader) (*Set, error) {
	var spec rawSpec
	dec := json.NewDecoder(r)
	if err := dec.Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "parse filter specification")
	}
	if len(spec.Tables) == 0 {
		return nil, errors.New(`filter specification missing required "tables" key`)
	}

	byDB := make(map[uint32][]table)
	for _, t := range spec.Tables {
		if t.DbOid == 0 {
			return nil, errors.New("filter specification entry has db-oid 0")
		}
		if t.RelNode == 0 {
			return nil, errors.New("filter specification entry has rel-oid 0")
		}
		spc := t.SpcNode
		if spc == 0 {
			spc = xlog.DefaultTablespaceOid
		}
		byDB[t.DbOid] = append(byDB[t.DbOid], table{SpcNode: spc, RelNode: t.RelNode})
	}

	set := &Set{}
	for dbOid, tables := range byDB {
		sort.Slice(tables, func(i, j int) bool {
			if tables[i].SpcNode != tables[j].SpcNode {
				return tables[i].SpcNode < tables[j].SpcNode
			}
			return tables[i].RelNode < tables[j].RelNode
		})
		set.databases = append(set.databases, database{DbOid: dbOid, Tables: tables})
	}
	sort.Slice(set.databases, func(i, j int) bool { return set.databases[i].DbOid < set.databases[j].DbOid })

	return set, nil
}

// IsNeeded reports whether a record touching relation (spc, db, rel) must be
// kept in the output. It implements, in order:
//
//  1. No filter configured (s == nil) -> always needed.
//  2. Both db and rel are system catalog OIDs -> always needed (bootstrap
//     and catalog traffic must survive regardless of the operator's list).
//  3. db is below the system ceiling but rel names a configured database's
//     row -> fall through to the table lookup anyway; system databases can
//     still carry user tables (template1, postgres).
//  4. db is present in the filter set -> needed iff rel is in its table list.
//  5. db is absent from the filter set entirely -> not needed.
func (s *Set) IsNeeded(db, spc, rel uint32) bool {
	if s == nil {
		return true
	}
	if xlog.IsSystemOid(db) && xlog.IsSystemOid(rel) {
		return true
	}

	idx := sort.Search(len(s.databases), func(i int) bool { return s.databases[i].DbOid >= db })
	if idx == len(s.databases) || s.databases[idx].DbOid != db {
		return false
	}
	tables := s.databases[idx].Tables
	j := sort.Search(len(tables), func(i int) bool {
		if tables[i].SpcNode != spc {
			return tables[i].SpcNode >= spc
		}
		return tables[i].RelNode >= rel
	})
	return j < len(tables) && tables[j].SpcNode == spc && tables[j].RelNode == rel
}
