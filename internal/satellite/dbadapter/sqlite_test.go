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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/types"
)

var errRollbackProbe = errors.New("dbadapter: rollback probe")

func TestSQLiteRunAndQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	require.NoError(t, db.Run(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`))
	require.NoError(t, db.Run(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, 1, "gear"))

	// Run the same parameterized query twice so the statement cache is
	// exercised on its hit path, not just its miss path.
	for i := 0; i < 2; i++ {
		rows, err := db.Query(ctx, `SELECT name FROM widgets WHERE id = ?`, 1)
		require.NoError(t, err)
		require.True(t, rows.Next())
		var name string
		require.NoError(t, rows.Scan(&name))
		require.Equal(t, "gear", name)
		require.NoError(t, rows.Close())
	}

	report, err := db.Diagnostic(ctx)
	require.NoError(t, err)
	counts, ok := report.(map[string]int)
	require.True(t, ok)
	require.GreaterOrEqual(t, counts["resident"], 1)
}

func TestSQLiteSetForeignKeysTogglesThePragma(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	require.NoError(t, db.SetForeignKeys(ctx, false))
	rows, err := db.Query(ctx, `PRAGMA foreign_keys`)
	require.NoError(t, err)
	require.True(t, rows.Next())
	var enabled int
	require.NoError(t, rows.Scan(&enabled))
	require.NoError(t, rows.Close())
	require.Equal(t, 0, enabled)

	require.NoError(t, db.SetForeignKeys(ctx, true))
}

func TestSQLiteTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Run(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`))

	err = db.Transaction(ctx, func(ctx context.Context, tx types.DBAdapter) error {
		if err := tx.Run(ctx, `INSERT INTO widgets (id) VALUES (1)`); err != nil {
			return err
		}
		return errRollbackProbe
	})
	require.ErrorIs(t, err, errRollbackProbe)

	rows, err := db.Query(ctx, `SELECT count(*) FROM widgets`)
	require.NoError(t, err)
	require.True(t, rows.Next())
	var count int
	require.NoError(t, rows.Scan(&count))
	require.NoError(t, rows.Close())
	require.Zero(t, count)
}
