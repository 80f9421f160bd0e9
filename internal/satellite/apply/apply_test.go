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

package apply

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/metastore"
	"github.com/replichain/satellite/internal/satellite/testfixture"
	"github.com/replichain/satellite/internal/satellite/types"
)

func rawOf(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func relationsFor(table ident.Table) *types.SchemaData {
	return &types.SchemaData{
		Columns: map[string][]types.ColData{
			table.Raw(): {
				{Name: ident.New("id"), Primary: true, NotNull: true},
				{Name: ident.New("value"), Primary: false},
			},
		},
	}
}

func TestApplyUpsertsIncomingInsert(t *testing.T) {
	fx := testfixture.New(t)
	parent := ident.NewTable(ident.NewSchema("main"), "parent")
	fx.CreateTable(t, `CREATE TABLE "parent" (id INTEGER PRIMARY KEY, value TEXT)`)

	metaTable := ident.NewTable(ident.NewSchema("main"), "_electric_meta")
	meta := metastore.New(fx.QB, metaTable)
	require.NoError(t, fx.DB.Run(context.Background(), meta.Schema()))

	eng := New(fx.DB, fx.QB, fx.Store, meta, fx.ClientID, fx.OplogTable, fx.ShadowTable, false, relationsFor(parent))

	mutation := types.Mutation{
		Table:     parent,
		Type:      types.OpInsert,
		Key:       rawOf(t, []any{1}),
		Data:      rawOf(t, types.Row{"value": rawOf(t, "hello")}),
		Timestamp: 1000,
	}
	require.NoError(t, eng.Apply(context.Background(), "server", 1000, []types.Mutation{mutation}, 42))

	rows, err := fx.DB.Query(context.Background(), `SELECT value FROM "parent" WHERE id = 1`)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var value string
	require.NoError(t, rows.Scan(&value))
	require.Equal(t, "hello", value)

	lsn, found, err := meta.Get(context.Background(), fx.DB, types.MetaLSN)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "42", lsn)
}

func TestApplyDeletesIncomingDelete(t *testing.T) {
	fx := testfixture.New(t)
	parent := ident.NewTable(ident.NewSchema("main"), "parent")
	fx.CreateTable(t, `CREATE TABLE "parent" (id INTEGER PRIMARY KEY, value TEXT)`)
	fx.CreateTable(t, `INSERT INTO "parent" (id, value) VALUES (1, 'hello')`)

	metaTable := ident.NewTable(ident.NewSchema("main"), "_electric_meta")
	meta := metastore.New(fx.QB, metaTable)
	require.NoError(t, fx.DB.Run(context.Background(), meta.Schema()))

	eng := New(fx.DB, fx.QB, fx.Store, meta, fx.ClientID, fx.OplogTable, fx.ShadowTable, false, relationsFor(parent))

	mutation := types.Mutation{
		Table:     parent,
		Type:      types.OpDelete,
		Key:       rawOf(t, []any{1}),
		Timestamp: 1000,
	}
	require.NoError(t, eng.Apply(context.Background(), "server", 1000, []types.Mutation{mutation}, 43))

	rows, err := fx.DB.Query(context.Background(), `SELECT id FROM "parent" WHERE id = 1`)
	require.NoError(t, err)
	defer rows.Close()
	require.False(t, rows.Next())

	_, found, err := fx.Store.GetShadow(context.Background(), fx.DB, fx.ShadowTable, parent, rawOf(t, []any{1}))
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyGarbageCollectsOwnOplogOnRoundTrip(t *testing.T) {
	fx := testfixture.New(t)
	parent := ident.NewTable(ident.NewSchema("main"), "parent")
	fx.CreateTable(t, `CREATE TABLE "parent" (id INTEGER PRIMARY KEY, value TEXT)`)

	metaTable := ident.NewTable(ident.NewSchema("main"), "_electric_meta")
	meta := metastore.New(fx.QB, metaTable)
	require.NoError(t, fx.DB.Run(context.Background(), meta.Schema()))

	require.NoError(t, fx.Store.Append(context.Background(), fx.DB, fx.OplogTable, types.OplogEntry{
		Namespace:  ident.NewSchema("main"),
		Table:      ident.New("parent"),
		OpType:     types.OpInsert,
		PrimaryKey: rawOf(t, []any{1}),
		NewRow:     types.Row{"value": rawOf(t, "mine")},
		Timestamp:  500,
	}))

	eng := New(fx.DB, fx.QB, fx.Store, meta, fx.ClientID, fx.OplogTable, fx.ShadowTable, false, relationsFor(parent))

	mutation := types.Mutation{
		Table:     parent,
		Type:      types.OpInsert,
		Key:       rawOf(t, []any{1}),
		Data:      rawOf(t, types.Row{"value": rawOf(t, "mine")}),
		Timestamp: 500,
	}
	require.NoError(t, eng.Apply(context.Background(), fx.ClientID, 900, []types.Mutation{mutation}, 7))

	entries, err := fx.Store.GetEntries(context.Background(), fx.DB, fx.OplogTable, 0)
	require.NoError(t, err)
	require.Empty(t, entries, "own entries acknowledged by the round trip are GC'd")
}
