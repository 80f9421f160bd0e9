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

// Package querybuilder implements types.QueryBuilder (spec §6) for
// the two dialects the engine targets: SQLite, the embedded local
// database most Satellite clients run against, and Postgres, for a
// server-side client. It is grounded on the teacher's types.Product
// enum plus its per-dialect SQL-quoting helpers scattered across
// internal/sinktest/{sqlite,pg}, collapsed here into one small
// interface implementation per dialect.
package querybuilder

import (
	"context"
	"fmt"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/types"
)

// SQLite implements types.QueryBuilder for the embedded local database
// (driven by modernc.org/sqlite).
type SQLite struct {
	db types.DBAdapter
}

// NewSQLite constructs a SQLite QueryBuilder bound to db, used for
// GetLocalTableNames.
func NewSQLite(db types.DBAdapter) *SQLite { return &SQLite{db: db} }

func (q *SQLite) Dialect() types.Dialect { return types.DialectSQLite }

// MakePositionalParam renders SQLite's "?" placeholder, which (unlike
// Postgres) does not carry a position number.
func (q *SQLite) MakePositionalParam(int) string { return "?" }

// MakeQT quotes a qualified table name the way SQLite expects: a bare
// quoted name, since SQLite has no notion of a schema search path
// beyond ATTACHed databases.
func (q *SQLite) MakeQT(name ident.Table) string {
	return fmt.Sprintf("%q", name.Name().Raw())
}

// PgOnly always returns "" on SQLite: this dialect has no deferrable
// constraints, no sequences, and no equivalent for anything gated
// behind PgOnly.
func (q *SQLite) PgOnly(string) string { return "" }

const sqliteTableNamesQuery = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE '_electric_%' AND name NOT LIKE 'sqlite_%'`

func (q *SQLite) GetLocalTableNames(ctx context.Context) ([]ident.Table, error) {
	rows, err := q.db.Query(ctx, sqliteTableNamesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []ident.Table
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		ret = append(ret, ident.NewTable(ident.Schema{}, name))
	}
	return ret, rows.Err()
}

// Postgres implements types.QueryBuilder for a Postgres-as-client
// deployment (driven by github.com/lib/pq).
type Postgres struct {
	db types.DBAdapter
}

// NewPostgres constructs a Postgres QueryBuilder bound to db.
func NewPostgres(db types.DBAdapter) *Postgres { return &Postgres{db: db} }

func (q *Postgres) Dialect() types.Dialect { return types.DialectPostgres }

// MakePositionalParam renders Postgres's "$N" placeholder.
func (q *Postgres) MakePositionalParam(i int) string { return fmt.Sprintf("$%d", i) }

// MakeQT quotes a qualified table name as "schema"."table".
func (q *Postgres) MakeQT(name ident.Table) string {
	if name.Schema().Raw() == "" {
		return fmt.Sprintf("%q", name.Name().Raw())
	}
	return fmt.Sprintf("%q.%q", name.Schema().Raw(), name.Name().Raw())
}

// PgOnly returns fragment unmodified: every Postgres-only feature is
// available on Postgres.
func (q *Postgres) PgOnly(fragment string) string { return fragment }

const pgTableNamesQuery = `
SELECT table_schema, table_name
  FROM information_schema.tables
 WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
   AND table_name NOT LIKE '\_electric\_%'`

func (q *Postgres) GetLocalTableNames(ctx context.Context) ([]ident.Table, error) {
	rows, err := q.db.Query(ctx, pgTableNamesQuery)
	if err != nil {
		return nil, err
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
