// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package merge implements the Merge Engine (spec §4.4): a pure
// function that folds local and incoming oplog contributions for a
// primary key into a single resolved write. There is no teacher
// analogue for tagged-oplog conflict resolution itself; the shape of
// the package (a pure function over a slice of typed inputs, with the
// deterministic last-one-wins idiom) is grounded on
// internal/util/msort.UniqueByKey, which the engine's snapshot and
// merge paths both build on for the same "pick the later write per
// key" primitive.
package merge

import (
	"encoding/json"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/tag"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Contribution is one write, local or incoming, competing to resolve
// a single primary key. It is the common shape both types.OplogEntry
// (local) and an incoming types.Mutation (wire) are projected into
// before merging.
type Contribution struct {
	Origin    string
	OpType    types.OpType
	Timestamp int64
	NewRow    types.Row
	Incoming  bool // true if this contribution came from incomingEntries
}

// ColumnValue is the winning value for one column, along with the
// timestamp and origin that won it (spec §4.4 step 1/4).
type ColumnValue struct {
	Value     json.RawMessage
	Timestamp int64
	Origin    string
}

// ResolvedRow is the Merge Engine's output for one primary key (spec
// §4.4).
type ResolvedRow struct {
	Table   ident.Table
	PK      json.RawMessage
	OpType  types.OpType // OpUpsert, OpDelete, or OpGone
	Changes map[string]ColumnValue
	Tags    tag.Set
}

// FullRow renders Changes as a plain Row, for callers (the Apply
// Engine) that want to build an INSERT/UPSERT statement directly.
func (r *ResolvedRow) FullRow() types.Row {
	if len(r.Changes) == 0 {
		return nil
	}
	row := make(types.Row, len(r.Changes))
	for col, cv := range r.Changes {
		row[col] = cv.Value
	}
	return row
}

type key struct {
	table string
	pk    string
}

// Result is keyed qualifiedTable -> pk-json -> *ResolvedRow (spec
// §4.4 "Output: a mapping qualifiedTable → pk-json → ResolvedRow").
type Result map[string]map[string]*ResolvedRow

func (r Result) put(row *ResolvedRow) {
	table := row.Table.Raw()
	byPK, ok := r[table]
	if !ok {
		byPK = make(map[string]*ResolvedRow)
		r[table] = byPK
	}
	byPK[string(row.PK)] = row
}

// Merge resolves localEntries (all attributed to clientID) and
// incomingEntries (all attributed to incomingOrigin) into a Result
// (spec §4.4). relations is accepted per the spec's signature for
// schema-aware extensions (e.g. validating PK columns); the core
// algorithm below needs only the per-row data the contributions
// already carry.
func Merge(
	clientID string,
	localEntries []types.OplogEntry,
	incomingOrigin string,
	incomingEntries []types.Mutation,
	relations *types.SchemaData,
) (Result, error) {
	_ = relations

	grouped := make(map[key][]Contribution)
	order := make(map[key]ident.Table)
	pks := make(map[key]json.RawMessage)

	for _, e := range localEntries {
		k := key{table: e.QualifiedTable().Raw(), pk: string(e.PrimaryKey)}
		order[k] = e.QualifiedTable()
		pks[k] = e.PrimaryKey
		grouped[k] = append(grouped[k], Contribution{
			Origin:    clientID,
			OpType:    e.OpType,
			Timestamp: e.Timestamp,
			NewRow:    e.NewRow,
			Incoming:  false,
		})
	}
	for _, m := range incomingEntries {
		k := key{table: m.Table.Raw(), pk: string(m.Key)}
		order[k] = m.Table
		pks[k] = m.Key
		data, err := decodeData(m)
		if err != nil {
			return nil, err
		}
		grouped[k] = append(grouped[k], Contribution{
			Origin:    incomingOrigin,
			OpType:    m.Type,
			Timestamp: m.Timestamp,
			NewRow:    data,
			Incoming:  true,
		})
	}

	ret := make(Result, len(grouped))
	for k, contributions := range grouped {
		ret.put(resolveOne(order[k], pks[k], contributions))
	}
	return ret, nil
}

// resolveOne implements spec §4.4's per-primary-key resolution.
//
// A DELETE only wins outright (empty final tag set, row removed) if no
// INSERT/UPDATE/UPSERT contribution for the same key has a timestamp
// greater than or equal to the latest DELETE's timestamp -- that
// comparison is made once, against the single latest surviving
// timestamp, not per contribution. Once the row is decided to survive,
// every non-delete contribution participates in the merge below, not
// just the ones at or after the delete: an older INSERT restored by a
// concurrent or later sibling INSERT still contributes its columns and
// tag ("INSERT wins over DELETE with restore", spec §4.4, §9 open
// question on DELETE/INSERT interaction).
func resolveOne(table ident.Table, pk json.RawMessage, contributions []Contribution) *ResolvedRow {
	var latestDelete int64
	haveDelete := false
	var survivors []Contribution
	var maxSurvivorTimestamp int64
	haveSurvivor := false
	for _, c := range contributions {
		if c.OpType == types.OpDelete {
			haveDelete = true
			if c.Timestamp > latestDelete {
				latestDelete = c.Timestamp
			}
			continue
		}
		survivors = append(survivors, c)
		if !haveSurvivor || c.Timestamp > maxSurvivorTimestamp {
			maxSurvivorTimestamp = c.Timestamp
		}
		haveSurvivor = true
	}

	if !haveSurvivor || (haveDelete && latestDelete > maxSurvivorTimestamp) {
		return &ResolvedRow{
			Table:  table,
			PK:     pk,
			OpType: types.OpDelete,
			Tags:   tag.Set{},
		}
	}

	optype := types.OpUpsert
	for _, c := range survivors {
		if c.OpType == types.OpGone {
			optype = types.OpGone
		}
	}

	changes := make(map[string]ColumnValue)
	tags := tag.Set{}
	for _, c := range survivors {
		tags[tag.Generate(c.Origin, c.Timestamp)] = struct{}{}
		for col, val := range c.NewRow {
			existing, ok := changes[col]
			if !ok || c.Timestamp > existing.Timestamp || (c.Timestamp == existing.Timestamp && c.Incoming) {
				changes[col] = ColumnValue{Value: val, Timestamp: c.Timestamp, Origin: c.Origin}
			}
		}
	}

	return &ResolvedRow{
		Table:   table,
		PK:      pk,
		OpType:  optype,
		Changes: changes,
		Tags:    tags,
	}
}

func decodeData(m types.Mutation) (types.Row, error) {
	if m.IsDelete() {
		return nil, nil
	}
	if len(m.Data) == 0 {
		return nil, nil
	}
	var row types.Row
	if err := json.Unmarshal(m.Data, &row); err != nil {
		return nil, err
	}
	return row, nil
}
