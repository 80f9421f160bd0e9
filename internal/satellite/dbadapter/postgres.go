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

package dbadapter

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/stmtcache"
	"github.com/replichain/satellite/internal/satellite/types"
)

// postgresStmtCacheSize mirrors sqliteStmtCacheSize; a server-side
// client issues the same small set of parameterized queries per table.
const postgresStmtCacheSize = 64

// Postgres adapts a *sql.DB opened against github.com/lib/pq to
// types.DBAdapter, for a Satellite client embedded in a Postgres-based
// service rather than a mobile/edge SQLite store.
type Postgres struct {
	db execer // execer is declared in sqlite.go, shared by both adapters
	// cache is nil on the tx-scoped adapter Transaction hands to its
	// callback, the same reasoning as SQLite.cache.
	cache *stmtcache.Cache[string]
}

// OpenPostgres opens dsn with lib/pq and wraps it as a types.DBAdapter.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "dbadapter: open postgres")
	}
	return &Postgres{db: db, cache: stmtcache.New[string](db, postgresStmtCacheSize)}, nil
}

// Diagnostic implements diag.Diagnostic, reporting the prepared
// statement cache's occupancy.
func (a *Postgres) Diagnostic(ctx context.Context) (any, error) {
	if a.cache == nil {
		return map[string]int{"resident": 0}, nil
	}
	return a.cache.Diagnostic(ctx)
}

// SetForeignKeys mirrors SQLite's pragma toggle using Postgres's
// session_replication_role: setting it to "replica" suppresses FK and
// trigger enforcement for the current session (spec §6 fkChecks).
func (a *Postgres) SetForeignKeys(ctx context.Context, enabled bool) error {
	role := "origin"
	if !enabled {
		role = "replica"
	}
	return a.Run(ctx, "SET session_replication_role = '"+role+"'")
}

func (a *Postgres) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if a.cache != nil {
		stmt, err := a.cache.Prepare(ctx, query, query)
		if err == nil {
			return stmt.QueryContext(ctx, args...)
		}
	}
	return a.db.QueryContext(ctx, query, args...)
}

// Run executes query, preparing it through the statement cache when
// possible; multi-statement DDL can't be prepared as a single
// statement, and falls back to a direct Exec the same way SQLite.Run
// does.
func (a *Postgres) Run(ctx context.Context, query string, args ...any) error {
	if a.cache != nil {
		stmt, err := a.cache.Prepare(ctx, query, query)
		if err == nil {
			_, err := stmt.ExecContext(ctx, args...)
			return err
		}
	}
	_, err := a.db.ExecContext(ctx, query, args...)
	return err
}

func (a *Postgres) Transaction(ctx context.Context, fn func(ctx context.Context, tx types.DBAdapter) error) error {
	sqlDB, ok := a.db.(*sql.DB)
	if !ok {
		return errors.New("dbadapter: Transaction called on a non-root adapter")
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "dbadapter: begin")
	}
	if err := fn(ctx, &Postgres{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "dbadapter: rollback also failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "dbadapter: commit")
	}
	return nil
}

const pgLocalTableNames = `
SELECT table_schema, table_name
  FROM information_schema.tables
 WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
   AND table_name NOT LIKE '\_electric\_%'`

func (a *Postgres) LocalTableNames(ctx context.Context) ([]ident.Table, error) {
	rows, err := a.Query(ctx, pgLocalTableNames)
	if err != nil {
		return nil, errors.Wrap(err, "dbadapter: local table names")
	}
	defer rows.Close()

	var ret []ident.Table
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, err
		}
		ret = append(ret, ident.NewTable(ident.NewSchema(schema), name))
	}
	return ret, rows.Err()
}
