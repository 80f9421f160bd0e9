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

package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/tag"
	"github.com/replichain/satellite/internal/satellite/types"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func table(t *testing.T, name string) ident.Table {
	t.Helper()
	return ident.NewTable(ident.NewSchema("public"), name)
}

func TestMergeLWWLocalWins(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpInsert,
		PrimaryKey: pk,
		NewRow:     types.Row{"value": raw(t, "local"), "other": raw(t, 1)},
		Timestamp:  1000,
	}}
	incoming := []types.Mutation{{
		Table:     parent,
		Type:      types.OpInsert,
		Key:       pk,
		Data:      raw(t, types.Row{"value": raw(t, "incoming")}),
		Timestamp: 500,
	}}

	result, err := Merge("client-a", local, "client-b", incoming, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.NotNil(t, row)
	require.Equal(t, types.OpUpsert, row.OpType)
	require.Equal(t, raw(t, "local"), row.Changes["value"].Value)
	require.Equal(t, raw(t, 1), row.Changes["other"].Value)
	require.Len(t, row.Tags, 2)
	require.True(t, row.Tags.Contains(tag.Generate("client-a", 1000)))
	require.True(t, row.Tags.Contains(tag.Generate("client-b", 500)))
}

func TestMergeLWWIncomingWinsOnTie(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpUpdate,
		PrimaryKey: pk,
		NewRow:     types.Row{"value": raw(t, "local")},
		Timestamp:  1000,
	}}
	incoming := []types.Mutation{{
		Table:     parent,
		Type:      types.OpUpdate,
		Key:       pk,
		Data:      raw(t, types.Row{"value": raw(t, "incoming")}),
		Timestamp: 1000,
	}}

	result, err := Merge("client-a", local, "client-b", incoming, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.Equal(t, raw(t, "incoming"), row.Changes["value"].Value)
}

func TestMergeDisjointConcurrentUpdatesBothSurvive(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpUpdate,
		PrimaryKey: pk,
		NewRow:     types.Row{"other": raw(t, 1)},
		Timestamp:  1000,
	}}
	incoming := []types.Mutation{{
		Table:     parent,
		Type:      types.OpUpdate,
		Key:       pk,
		Data:      raw(t, types.Row{"value": raw(t, "remote")}),
		Timestamp: 1001,
	}}

	result, err := Merge("client-a", local, "client-b", incoming, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.Equal(t, raw(t, 1), row.Changes["other"].Value)
	require.Equal(t, raw(t, "remote"), row.Changes["value"].Value)
	require.Len(t, row.Tags, 2)
}

func TestMergePlainDeleteEmptiesTagSet(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpDelete,
		PrimaryKey: pk,
		Timestamp:  1000,
	}}

	result, err := Merge("client-a", local, "", nil, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.Equal(t, types.OpDelete, row.OpType)
	require.True(t, row.Tags.Empty())
}

func TestMergeInsertWinsOverConcurrentDelete(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpInsert,
		PrimaryKey: pk,
		NewRow:     types.Row{"value": raw(t, "local")},
		Timestamp:  500,
	}}
	incoming := []types.Mutation{
		{
			Table:     parent,
			Type:      types.OpInsert,
			Key:       pk,
			Data:      raw(t, types.Row{"other": raw(t, 1)}),
			Timestamp: 1000,
		},
		{
			Table:     parent,
			Type:      types.OpDelete,
			Key:       pk,
			Timestamp: 1000,
		},
	}

	result, err := Merge("client-a", local, "client-b", incoming, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.Equal(t, types.OpUpsert, row.OpType)
	require.Equal(t, raw(t, "local"), row.Changes["value"].Value)
	require.Equal(t, raw(t, 1), row.Changes["other"].Value)
	require.Len(t, row.Tags, 2)
}

func TestMergeOlderInsertDoesNotSurviveLaterDelete(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpInsert,
		PrimaryKey: pk,
		NewRow:     types.Row{"value": raw(t, "local")},
		Timestamp:  500,
	}}
	incoming := []types.Mutation{{
		Table:     parent,
		Type:      types.OpDelete,
		Key:       pk,
		Timestamp: 1000,
	}}

	result, err := Merge("client-a", local, "client-b", incoming, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.Equal(t, types.OpDelete, row.OpType)
	require.True(t, row.Tags.Empty())
}

func TestMergeResolvedRoundTripIsIdempotent(t *testing.T) {
	parent := table(t, "parent")
	pk := raw(t, []any{1})

	local := []types.OplogEntry{{
		Namespace:  ident.NewSchema("public"),
		Table:      ident.New("parent"),
		OpType:     types.OpInsert,
		PrimaryKey: pk,
		NewRow:     types.Row{"value": raw(t, "x")},
		Timestamp:  1000,
	}}
	incoming := []types.Mutation{{
		Table:     parent,
		Type:      types.OpInsert,
		Key:       pk,
		Data:      raw(t, types.Row{"value": raw(t, "x")}),
		Timestamp: 1000,
		Tags:      tag.NewSet(tag.Generate("client-a", 1000)),
	}}

	result, err := Merge("client-a", local, "client-a", incoming, nil)
	require.NoError(t, err)

	row := result[parent.Raw()][string(pk)]
	require.Len(t, row.Tags, 1)
	require.True(t, row.Tags.Contains(tag.Generate("client-a", 1000)))
}
