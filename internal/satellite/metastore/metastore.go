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

// Package metastore persists the engine's single-row-per-key state
// (clientId, lsn, subscriptions, compensations, seenAdditionalData;
// spec §3, §6) in the local `_electric_meta` table, grounded on the
// teacher's stamp.Stamp-backed resolver state, which is likewise a
// single persisted row read at startup and advanced transactionally.
package metastore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Store provides durable get/set access to one schema's `_electric_meta`
// table.
type Store struct {
	qb    types.QueryBuilder
	table ident.Table
}

// New constructs a Store bound to the given QueryBuilder and meta
// table name.
func New(qb types.QueryBuilder, table ident.Table) *Store {
	return &Store{qb: qb, table: table}
}

// Schema returns the DDL for the meta table.
func (s *Store) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  key   TEXT PRIMARY KEY,
  value TEXT
);
`, s.qb.MakeQT(s.table))
}

// Get returns the value stored under key, or false if it is unset.
func (s *Store) Get(ctx context.Context, db types.DBAdapter, key string) (string, bool, error) {
	sqlStr := fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, s.qb.MakeQT(s.table), s.qb.MakePositionalParam(1))
	rows, err := db.Query(ctx, sqlStr, key)
	if err != nil {
		return "", false, errors.Wrap(err, "metastore: get")
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var value string
	if err := rows.Scan(&value); err != nil {
		return "", false, errors.Wrap(err, "metastore: scan")
	}
	return value, true, nil
}

// Set stores value under key, replacing any existing value.
func (s *Store) Set(ctx context.Context, db types.DBAdapter, key, value string) error {
	sqlStr := fmt.Sprintf(`
INSERT INTO %[1]s (key, value) VALUES (%[2]s, %[3]s)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, s.qb.MakeQT(s.table),
		s.qb.MakePositionalParam(1), s.qb.MakePositionalParam(2))
	if err := db.Run(ctx, sqlStr, key, value); err != nil {
		return errors.Wrap(err, "metastore: set")
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, db types.DBAdapter, key string) error {
	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, s.qb.MakeQT(s.table), s.qb.MakePositionalParam(1))
	if err := db.Run(ctx, sqlStr, key); err != nil {
		return errors.Wrap(err, "metastore: delete")
	}
	return nil
}
