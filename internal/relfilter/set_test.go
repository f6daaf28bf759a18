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

package relfilter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/walfilter/internal/xlog"
)

func TestNilSetAlwaysNeeded(t *testing.T) {
	var set *Set
	require.True(t, set.IsNeeded(20000, 1663, 30000))
}

func TestLoadRejectsEmptySpec(t *testing.T) {
	_, err := Load(strings.NewReader(`{"tables":[]}`))
	require.Error(t, err)
}

func TestLoadRejectsZeroOids(t *testing.T) {
	_, err := Load(strings.NewReader(`{"tables":[{"db-oid":0,"rel-oid":1}]}`))
	require.Error(t, err)

	_, err = Load(strings.NewReader(`{"tables":[{"db-oid":1,"rel-oid":0}]}`))
	require.Error(t, err)
}

func TestLoadDefaultsOmittedTablespace(t *testing.T) {
	set, err := Load(strings.NewReader(`{"tables":[{"db-oid":20000,"rel-oid":30000}]}`))
	require.NoError(t, err)
	require.True(t, set.IsNeeded(20000, xlog.DefaultTablespaceOid, 30000))
}

func TestIsNeededSystemCatalogAlwaysPasses(t *testing.T) {
	set, err := Load(strings.NewReader(`{"tables":[{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30000}]}`))
	require.NoError(t, err)

	require.True(t, set.IsNeeded(1, 1663, 1259))
}

func TestIsNeededUnconfiguredDatabaseIsNotNeeded(t *testing.T) {
	set, err := Load(strings.NewReader(`{"tables":[{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30000}]}`))
	require.NoError(t, err)

	require.False(t, set.IsNeeded(40000, 1663, 1))
}

func TestIsNeededConfiguredDatabaseChecksTableList(t *testing.T) {
	set, err := Load(strings.NewReader(`{"tables":[
		{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30000},
		{"db-oid":20000,"tablespace-oid":1663,"rel-oid":30001}
	]}`))
	require.NoError(t, err)

	require.True(t, set.IsNeeded(20000, 1663, 30000))
	require.True(t, set.IsNeeded(20000, 1663, 30001))
	require.False(t, set.IsNeeded(20000, 1663, 30002))
	require.False(t, set.IsNeeded(20000, 1700, 30000))
}
