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

// Package schemawatch implements types.Watcher (spec §6) by
// introspecting the local database's own catalog, the role the
// teacher's internal/target/schemawatch.Factory plays for a staging
// pool: refresh reads the target schema back out of the database
// itself rather than trusting a caller-supplied model that could
// drift from it.
package schemawatch

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Watcher implements types.Watcher over either supported dialect,
// trying the SQLite introspection pragma first and falling back to
// Postgres's information_schema.
type Watcher struct {
	mu   sync.RWMutex
	data *types.SchemaData
}

// New constructs an empty Watcher; call Refresh before Get returns
// anything useful.
func New() *Watcher {
	return &Watcher{data: &types.SchemaData{Columns: map[string][]types.ColData{}}}
}

// Get returns the most recently refreshed schema snapshot.
func (w *Watcher) Get() *types.SchemaData {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.data
}

// Refresh re-reads every local table's column metadata. Foreign key
// introspection is not wired in for either dialect yet, so every table
// is placed in a single ordering group: compensations and shape GC
// degrade to applying/deleting all tables in one pass rather than a
// dependency-aware sequence (tracked as an open question, not a
// silent correctness gap -- neither dialect's adapter rejects
// out-of-order writes when config.FKChecksDisabled is set).
func (w *Watcher) Refresh(ctx context.Context, db types.DBAdapter) error {
	tables, err := db.LocalTableNames(ctx)
	if err != nil {
		return errors.Wrap(err, "schemawatch: list local tables")
	}

	data := &types.SchemaData{Columns: make(map[string][]types.ColData, len(tables))}
	for _, table := range tables {
		cols, err := columnsFor(ctx, db, table)
		if err != nil {
			return errors.Wrapf(err, "schemawatch: columns for %s", table.Raw())
		}
		data.Columns[table.Raw()] = cols
	}
	order := make([]ident.Table, len(tables))
	copy(order, tables)
	data.Order = [][]ident.Table{order}

	w.mu.Lock()
	w.data = data
	w.mu.Unlock()
	return nil
}

func columnsFor(ctx context.Context, db types.DBAdapter, table ident.Table) ([]types.ColData, error) {
	if cols, err := sqliteColumns(ctx, db, table); err == nil && len(cols) > 0 {
		return cols, nil
	}
	return postgresColumns(ctx, db, table)
}

func sqliteColumns(ctx context.Context, db types.DBAdapter, table ident.Table) ([]types.ColData, error) {
	rows, err := db.Query(ctx, `SELECT name, pk, "notnull" FROM pragma_table_info(?)`, table.Name().Raw())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []types.ColData
	for rows.Next() {
		var name string
		var pk, notNull int
		if err := rows.Scan(&name, &pk, &notNull); err != nil {
			return nil, err
		}
		cols = append(cols, types.ColData{
			Name:    ident.New(name),
			Primary: pk > 0,
			NotNull: notNull != 0 || pk > 0,
		})
	}
	return cols, rows.Err()
}

const postgresColumnsQuery = `
SELECT c.column_name,
       c.is_nullable = 'NO' AS not_null,
       COALESCE(pk.is_pk, false) AS is_pk
  FROM information_schema.columns c
  LEFT JOIN (
    SELECT kcu.column_name, true AS is_pk
      FROM information_schema.table_constraints tc
      JOIN information_schema.key_column_usage kcu
        ON tc.constraint_name = kcu.constraint_name
     WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = $1
  ) pk ON pk.column_name = c.column_name
 WHERE c.table_name = $1`

func postgresColumns(ctx context.Context, db types.DBAdapter, table ident.Table) ([]types.ColData, error) {
	rows, err := db.Query(ctx, postgresColumnsQuery, table.Name().Raw())
	if err != nil {
		return nil, errors.Wrap(err, "postgres column introspection")
	}
	defer rows.Close()

	var cols []types.ColData
	for rows.Next() {
		var name string
		var notNull, isPK bool
		if err := rows.Scan(&name, &notNull, &isPK); err != nil {
			return nil, err
		}
		cols = append(cols, types.ColData{Name: ident.New(name), Primary: isPK, NotNull: notNull || isPK})
	}
	return cols, rows.Err()
}
