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

// Package apply implements the Apply Engine (spec §4.5): it runs an
// incoming transaction through the Merge Engine against
// not-yet-acknowledged local writes, writes the resolved rows into
// user tables, and advances the shadow table and the `lsn` meta key.
// The single-transaction, per-change loop is grounded on the
// teacher's serialEvents (internal/source/logical/serial_events.go):
// OnBegin opens the transaction, OnData folds each change in, and
// OnCommit durably advances the checkpoint, all inside one caller
// transaction.
package apply

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/replichain/satellite/internal/satellite/errkind"
	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/merge"
	"github.com/replichain/satellite/internal/satellite/metastore"
	"github.com/replichain/satellite/internal/satellite/notify"
	"github.com/replichain/satellite/internal/satellite/oplog"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Engine runs incoming transactions against the local database.
type Engine struct {
	db       types.DBAdapter
	qb       types.QueryBuilder
	store    *oplog.Store
	meta     *metastore.Store
	clientID string

	oplogTable  ident.Table
	shadowTable ident.Table
	schemaLabel string

	compensations bool
	relations     *types.SchemaData

	changes *notify.Var[types.DataChangePayload]
}

// New constructs an apply Engine. relations must be kept current by
// the caller (e.g. via a types.Watcher) across calls to Apply.
func New(
	db types.DBAdapter, qb types.QueryBuilder, store *oplog.Store, meta *metastore.Store,
	clientID string, oplogTable, shadowTable ident.Table, compensations bool, relations *types.SchemaData,
) *Engine {
	return &Engine{
		db:            db,
		qb:            qb,
		store:         store,
		meta:          meta,
		clientID:      clientID,
		oplogTable:    oplogTable,
		shadowTable:   shadowTable,
		schemaLabel:   oplogTable.Schema().Raw(),
		compensations: compensations,
		relations:     relations,
		changes:       &notify.Var[types.DataChangePayload]{},
	}
}

// Changes returns the notify.Var a Notifier adapter subscribes to for
// apply-driven data-change notifications (spec §4.5 step 6).
func (e *Engine) Changes() *notify.Var[types.DataChangePayload] { return e.changes }

// Apply runs one incoming transaction (spec §4.5): origin and
// mutations come from the wire DataTransaction, lsn is the
// transaction's position to persist once applied.
func (e *Engine) Apply(ctx context.Context, origin string, commitTimestamp int64, mutations []types.Mutation, lsn int64) error {
	start := time.Now()
	changed := make(map[ident.Table]int)

	err := e.db.Transaction(ctx, func(ctx context.Context, tx types.DBAdapter) error {
		local, err := e.store.GetEntries(ctx, tx, e.oplogTable, 0)
		if err != nil {
			return err
		}

		result, err := merge.Merge(e.clientID, local, origin, mutations, e.relations)
		if err != nil {
			return err
		}

		for tableName, rows := range result {
			table, err := ident.ParseTable(tableName)
			if err != nil {
				return err
			}
			for _, resolved := range rows {
				if err := e.applyResolved(ctx, tx, table, resolved); err != nil {
					return err
				}
				changed[table]++
			}
		}

		// A resolved round trip: the server is echoing back a
		// transaction this client itself originated. Our own
		// not-yet-acknowledged writes are now acknowledged, so they are
		// safe to garbage-collect (spec §4.4 "no-op on round trip",
		// §4.5 step 5).
		if origin == e.clientID {
			if err := e.store.GarbageCollect(ctx, tx, e.oplogTable, commitTimestamp); err != nil {
				return err
			}
		}

		if e.meta != nil {
			if err := e.meta.Set(ctx, tx, types.MetaLSN, strconv.FormatInt(lsn, 10)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	applyDurations.WithLabelValues(e.schemaLabel).Observe(time.Since(start).Seconds())
	for table := range changed {
		e.changes.Set(types.DataChangePayload{Table: table})
	}
	return nil
}

func (e *Engine) applyResolved(ctx context.Context, tx types.DBAdapter, table ident.Table, resolved *merge.ResolvedRow) error {
	switch resolved.OpType {
	case types.OpDelete:
		if err := e.deleteRow(ctx, tx, table, resolved.PK); err != nil {
			return err
		}
		if err := e.store.DeleteShadow(ctx, tx, e.shadowTable, table, resolved.PK); err != nil {
			return err
		}
	default:
		if err := e.upsertRow(ctx, tx, table, resolved); err != nil {
			return err
		}
		if err := e.store.UpsertShadow(ctx, tx, e.shadowTable, types.ShadowEntry{
			Table:      table,
			PrimaryKey: resolved.PK,
			Tags:       resolved.Tags,
		}); err != nil {
			return err
		}
	}
	applyRowsWritten.WithLabelValues(table.Raw()).Inc()
	return nil
}

func (e *Engine) upsertRow(ctx context.Context, tx types.DBAdapter, table ident.Table, resolved *merge.ResolvedRow) error {
	cols, err := e.primaryKeyColumns(table)
	if err != nil {
		return err
	}
	pkValues, err := decodeJSONArray(resolved.PK)
	if err != nil {
		return err
	}
	if len(pkValues) != len(cols) {
		return errkind.New(errkind.Internal, nil)
	}

	colNames := make([]string, 0, len(resolved.Changes)+len(cols))
	args := make([]any, 0, len(resolved.Changes)+len(cols))
	seen := make(map[string]bool)
	for i, col := range cols {
		colNames = append(colNames, col.Name.Raw())
		args = append(args, pkValues[i])
		seen[col.Name.Raw()] = true
	}
	for col, cv := range resolved.Changes {
		if seen[col] {
			continue
		}
		var v any
		if err := json.Unmarshal(cv.Value, &v); err != nil {
			return err
		}
		colNames = append(colNames, col)
		args = append(args, v)
	}

	err = e.runUpsert(ctx, tx, table, colNames, args, cols)
	if err != nil && e.compensations && isFKViolation(err) {
		if compErr := e.insertCompensation(ctx, tx, table, pkValues, cols); compErr != nil {
			return compErr
		}
		err = e.runUpsert(ctx, tx, table, colNames, args, cols)
	}
	if err != nil {
		if isFKViolation(err) {
			return errkind.New(errkind.FKViolation, err)
		}
		return err
	}
	return nil
}

func (e *Engine) runUpsert(ctx context.Context, tx types.DBAdapter, table ident.Table, colNames []string, args []any, pkCols []types.ColData) error {
	placeholders := make([]string, len(colNames))
	updateSet := make([]string, 0, len(colNames))
	pkNames := make(map[string]bool, len(pkCols))
	for _, c := range pkCols {
		pkNames[c.Name.Raw()] = true
	}
	quoted := make([]string, len(colNames))
	for i, col := range colNames {
		placeholders[i] = e.qb.MakePositionalParam(i + 1)
		quoted[i] = strconv.Quote(col)
		if !pkNames[col] {
			updateSet = append(updateSet, strconv.Quote(col)+" = excluded."+strconv.Quote(col))
		}
	}
	conflictCols := make([]string, len(pkCols))
	for i, c := range pkCols {
		conflictCols[i] = strconv.Quote(c.Name.Raw())
	}

	sqlStr := "INSERT INTO " + e.qb.MakeQT(table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")" +
		" ON CONFLICT (" + strings.Join(conflictCols, ", ") + ")"
	if len(updateSet) == 0 {
		sqlStr += " DO NOTHING"
	} else {
		sqlStr += " DO UPDATE SET " + strings.Join(updateSet, ", ")
	}
	return tx.Run(ctx, sqlStr, args...)
}

func (e *Engine) deleteRow(ctx context.Context, tx types.DBAdapter, table ident.Table, pk json.RawMessage) error {
	cols, err := e.primaryKeyColumns(table)
	if err != nil {
		return err
	}
	pkValues, err := decodeJSONArray(pk)
	if err != nil {
		return err
	}
	conds := make([]string, len(cols))
	for i, c := range cols {
		conds[i] = strconv.Quote(c.Name.Raw()) + " = " + e.qb.MakePositionalParam(i+1)
	}
	sqlStr := "DELETE FROM " + e.qb.MakeQT(table) + " WHERE " + strings.Join(conds, " AND ")
	return tx.Run(ctx, sqlStr, pkValues...)
}

// insertCompensation synthesizes a minimal parent row so that a
// pending child insert does not violate its foreign key (spec §4.5,
// compensations). The synthetic row carries only its own primary key;
// a later, real write for the same key overwrites it through the
// ordinary upsert path.
func (e *Engine) insertCompensation(ctx context.Context, tx types.DBAdapter, child ident.Table, childPK []any, childPKCols []types.ColData) error {
	if e.relations == nil {
		return nil
	}
	for _, fk := range e.relations.ForeignKeys {
		if fk.Child.Raw() != child.Raw() {
			continue
		}
		parentCols, err := e.primaryKeyColumns(fk.Parent)
		if err != nil {
			return err
		}
		colNames := make([]string, len(parentCols))
		placeholders := make([]string, len(parentCols))
		args := make([]any, len(parentCols))
		for i, c := range parentCols {
			colNames[i] = strconv.Quote(c.Name.Raw())
			placeholders[i] = e.qb.MakePositionalParam(i + 1)
			args[i] = lookupFKValue(fk, c, childPKCols, childPK)
		}
		sqlStr := "INSERT INTO " + e.qb.MakeQT(fk.Parent) +
			" (" + strings.Join(colNames, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")" +
			" ON CONFLICT DO NOTHING"
		if err := tx.Run(ctx, sqlStr, args...); err != nil {
			return err
		}
		applyCompensations.WithLabelValues(fk.Parent.Raw()).Inc()
	}
	return nil
}

// lookupFKValue finds the value the child row supplies for a foreign
// key's referenced parent column. When the FK's child-side column
// happens to be part of the child's own primary key, its value is
// already in hand; otherwise this returns nil, matching the
// compensation's minimal-row contract (only the referenced column
// itself must be non-null to satisfy the constraint).
func lookupFKValue(fk types.ForeignKey, parentCol types.ColData, childPKCols []types.ColData, childPK []any) any {
	for i, c := range fk.ParentColumns {
		if c.Raw() != parentCol.Name.Raw() {
			continue
		}
		childCol := fk.ChildColumns[i]
		for j, pkCol := range childPKCols {
			if pkCol.Name.Raw() == childCol.Raw() {
				return childPK[j]
			}
		}
	}
	return nil
}

func (e *Engine) primaryKeyColumns(table ident.Table) ([]types.ColData, error) {
	if e.relations == nil {
		return nil, errkind.New(errkind.TableNotFound, nil)
	}
	all, ok := e.relations.Columns[table.Raw()]
	if !ok {
		return nil, errkind.New(errkind.TableNotFound, nil)
	}
	var pk []types.ColData
	for _, c := range all {
		if c.Primary {
			pk = append(pk, c)
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].Name.Raw() < pk[j].Name.Raw() })
	return pk, nil
}

func decodeJSONArray(raw json.RawMessage) ([]any, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	ret := make([]any, len(items))
	for i, item := range items {
		var v any
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}

// isFKViolation recognizes the driver-level error text both SQLite
// (modernc.org/sqlite) and Postgres (lib/pq) produce for a foreign
// key violation. Neither driver exposes a typed sentinel for this, so
// matching on message text is the same approach the teacher's
// chaos.go uses to recognize injected failures.
func isFKViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "violates foreign key constraint")
}
