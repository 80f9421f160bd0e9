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

package snapshot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/testfixture"
	"github.com/replichain/satellite/internal/satellite/types"
)

func rawOf(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func appendRaw(t *testing.T, fx *testfixture.Fixture, table ident.Table, optype types.OpType, pk json.RawMessage, newRow types.Row) {
	t.Helper()
	ctx := context.Background()
	err := fx.Store.Append(ctx, fx.DB, fx.OplogTable, types.OplogEntry{
		Namespace:  table.Schema(),
		Table:      table.Name(),
		OpType:     optype,
		PrimaryKey: pk,
		NewRow:     newRow,
	})
	require.NoError(t, err)
}

func TestSnapshotStampsEachRowOnce(t *testing.T) {
	fx := testfixture.New(t)
	parent := ident.NewTable(ident.NewSchema("main"), "parent")
	pk := rawOf(t, []any{1})

	appendRaw(t, fx, parent, types.OpInsert, pk, types.Row{"value": rawOf(t, "v1")})

	eng := New(fx.DB, fx.Store, fx.ClientID, fx.OplogTable, fx.ShadowTable, 0)
	require.NoError(t, eng.Snapshot(context.Background()))

	entries, err := fx.Store.GetEntries(context.Background(), fx.DB, fx.OplogTable, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, types.OpInsert, entries[0].OpType)
	require.NotZero(t, entries[0].Timestamp)
	require.Len(t, entries[0].ClearTags, 1)

	shadow, found, err := fx.Store.GetShadow(context.Background(), fx.DB, fx.ShadowTable, parent, pk)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, shadow.Tags, 1)
}

func TestSnapshotCoalescesWindowAndNullifiesPostDeleteInsert(t *testing.T) {
	fx := testfixture.New(t)
	parent := ident.NewTable(ident.NewSchema("main"), "parent")
	pk := rawOf(t, []any{1})

	appendRaw(t, fx, parent, types.OpInsert, pk, types.Row{"value": rawOf(t, "v1"), "other": rawOf(t, 1)})
	appendRaw(t, fx, parent, types.OpDelete, pk, nil)
	appendRaw(t, fx, parent, types.OpInsert, pk, types.Row{"other": rawOf(t, 2)})

	eng := New(fx.DB, fx.Store, fx.ClientID, fx.OplogTable, fx.ShadowTable, 0)
	require.NoError(t, eng.Snapshot(context.Background()))

	entries, err := fx.Store.GetEntries(context.Background(), fx.DB, fx.OplogTable, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the whole window collapses to a single net entry")

	entry := entries[0]
	require.Equal(t, types.OpInsert, entry.OpType)
	require.Equal(t, rawOf(t, 2), entry.NewRow["other"])
	require.JSONEq(t, "null", string(entry.NewRow["value"]))
}

func TestSnapshotRejectsConcurrentCall(t *testing.T) {
	fx := testfixture.New(t)
	eng := New(fx.DB, fx.Store, fx.ClientID, fx.OplogTable, fx.ShadowTable, 0)

	eng.mu.Lock()
	eng.running = true
	eng.mu.Unlock()

	err := eng.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}
