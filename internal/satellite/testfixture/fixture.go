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

// Package testfixture composes a throwaway in-memory SQLite database,
// a SQLite-dialect QueryBuilder and an Oplog Store into one object
// every other package's tests can build on, the same role the
// teacher's internal/sinktest/all.Fixture plays for cdc-sink's tests.
package testfixture

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/dbadapter"
	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/oplog"
	"github.com/replichain/satellite/internal/satellite/querybuilder"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Fixture bundles everything a component test needs: a live
// in-memory database, the query builder for it, and the Oplog Store
// built on top.
type Fixture struct {
	DB          types.DBAdapter
	QB          types.QueryBuilder
	Store       *oplog.Store
	ClientID    string
	OplogTable  ident.Table
	ShadowTable ident.Table
}

// New opens a fresh in-memory SQLite database, creates the oplog and
// shadow tables, and returns a ready-to-use Fixture. Each call gets an
// independent, unshared database, the way sinktest/all.Fixture hands
// every test its own schema.
func New(t *testing.T) *Fixture {
	t.Helper()

	db, err := dbadapter.OpenSQLite(":memory:")
	require.NoError(t, err)

	qb := querybuilder.NewSQLite(db)
	store := oplog.New(qb)

	schema := ident.NewSchema("main")
	oplogTable := ident.NewTable(schema, "_electric_oplog")
	shadowTable := ident.NewTable(schema, "_electric_shadow")

	ctx := context.Background()
	require.NoError(t, db.Run(ctx, store.Schema(oplogTable, shadowTable)))

	return &Fixture{
		DB:          db,
		QB:          qb,
		Store:       store,
		ClientID:    uuid.NewString(),
		OplogTable:  oplogTable,
		ShadowTable: shadowTable,
	}
}

// CreateTable runs an arbitrary CREATE TABLE statement against the
// fixture's database, for tests that need a user table to apply
// writes into.
func (f *Fixture) CreateTable(t *testing.T, ddl string) {
	t.Helper()
	require.NoError(t, f.DB.Run(context.Background(), ddl))
}
