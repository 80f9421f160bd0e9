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

// Package di assembles a full replication Session from a
// config.Config and a conn.Transport, the way the teacher's
// internal/source/logical/provider.go assembles a MYLogical loop from
// a server.Config and a source-specific dialect. provider.go holds the
// Session type and every ProvideX function named by di.go's wire.Set;
// di.go (wireinject-tagged) and wire_gen.go (its hand-written stand-in)
// each declare their own New, selected by build tag.
package di

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/apply"
	"github.com/replichain/satellite/internal/satellite/conn"
	"github.com/replichain/satellite/internal/satellite/config"
	"github.com/replichain/satellite/internal/satellite/dbadapter"
	"github.com/replichain/satellite/internal/satellite/diag"
	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/metastore"
	"github.com/replichain/satellite/internal/satellite/oplog"
	"github.com/replichain/satellite/internal/satellite/querybuilder"
	"github.com/replichain/satellite/internal/satellite/schemawatch"
	"github.com/replichain/satellite/internal/satellite/shape"
	"github.com/replichain/satellite/internal/satellite/snapshot"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Session is every long-lived collaborator a running Satellite client
// needs, bundled for a caller (typically cmd/satellite) to drive.
type Session struct {
	DB          types.DBAdapter
	Diagnostics *diag.Diagnostics
	Watcher     *schemawatch.Watcher
	Snapshots   *snapshot.Engine
	Apply       *apply.Engine
	Shapes      *shape.Manager
	Conn        *conn.Controller
}

// Tables is the fixed set of namespaced table names a Session needs,
// derived once so every collaborator agrees on where the oplog,
// shadow, and meta tables live.
type Tables struct {
	Oplog  ident.Table
	Shadow ident.Table
	Meta   ident.Table
}

// ProvideDiagnostics constructs the self-diagnostics registry every
// other component registers against.
func ProvideDiagnostics() *diag.Diagnostics {
	return diag.New()
}

// isPostgresDSN distinguishes a Postgres DSN (URL-form or libpq
// keyword-form) from a SQLite file path/":memory:" the same way the
// teacher's server.Config inspects a --bindAddr scheme, by sniffing
// the string rather than requiring a separate --dialect flag.
func isPostgresDSN(dbPath string) bool {
	return strings.HasPrefix(dbPath, "postgres://") ||
		strings.HasPrefix(dbPath, "postgresql://") ||
		strings.Contains(dbPath, "host=")
}

// ProvideDB opens the local database named by cfg.DBPath, picking the
// SQLite or Postgres adapter by sniffing the DSN, and registers its
// prepared-statement cache with diagnostics under the "db" name.
func ProvideDB(cfg *config.Config, diagnostics *diag.Diagnostics) (types.DBAdapter, error) {
	var db types.DBAdapter
	var err error
	if isPostgresDSN(cfg.DBPath) {
		db, err = dbadapter.OpenPostgres(cfg.DBPath)
	} else {
		db, err = dbadapter.OpenSQLite(cfg.DBPath)
	}
	if err != nil {
		return nil, err
	}
	if d, ok := db.(diag.Diagnostic); ok {
		if err := diagnostics.Register("db", d); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// ProvideQueryBuilder picks the dialect-appropriate types.QueryBuilder
// for db, mirroring ProvideDB's dialect sniff.
func ProvideQueryBuilder(cfg *config.Config, db types.DBAdapter) types.QueryBuilder {
	if isPostgresDSN(cfg.DBPath) {
		return querybuilder.NewPostgres(db)
	}
	return querybuilder.NewSQLite(db)
}

// ProvideTables names the engine's fixed-schema tables in the `main`
// namespace with an `_electric_` name prefix, the way the teacher
// reserves names for its own resolver bookkeeping (internal/source/cdc
// resolver tables), so a client's own user tables never collide with
// replication state.
func ProvideTables() Tables {
	schema := ident.NewSchema("main")
	return Tables{
		Oplog:  ident.NewTable(schema, "_electric_oplog"),
		Shadow: ident.NewTable(schema, "_electric_shadow"),
		Meta:   ident.NewTable(schema, "_electric_meta"),
	}
}

// ProvideOplogStore constructs the oplog Store and ensures its tables
// exist.
func ProvideOplogStore(ctx context.Context, db types.DBAdapter, qb types.QueryBuilder, tables Tables) (*oplog.Store, error) {
	store := oplog.New(qb)
	if err := db.Run(ctx, store.Schema(tables.Oplog, tables.Shadow)); err != nil {
		return nil, errors.Wrap(err, "di: create oplog/shadow tables")
	}
	return store, nil
}

// ProvideMetastore constructs the metastore Store and ensures its
// table exists.
func ProvideMetastore(ctx context.Context, db types.DBAdapter, qb types.QueryBuilder, tables Tables) (*metastore.Store, error) {
	store := metastore.New(qb, tables.Meta)
	if err := db.Run(ctx, store.Schema()); err != nil {
		return nil, errors.Wrap(err, "di: create meta table")
	}
	return store, nil
}

// ProvideWatcher constructs and primes a schemawatch.Watcher with an
// initial Refresh, so relations-dependent collaborators (apply, shape)
// start with a real schema snapshot instead of an empty one.
func ProvideWatcher(ctx context.Context, db types.DBAdapter) (*schemawatch.Watcher, error) {
	w := schemawatch.New()
	if err := w.Refresh(ctx, db); err != nil {
		return nil, errors.Wrap(err, "di: initial schema refresh")
	}
	return w, nil
}

// ProvideClientID resolves the persisted clientId/userId pair ahead of
// conn.Controller.Start, which needs the same identity for a
// different reason: the apply and snapshot engines are stamped with
// clientID at construction time, before the Controller exists to
// resolve it on their behalf. Start re-resolves (and validates) the
// same persisted row once it runs; this is a deliberately redundant
// read, not a second source of truth, since both paths write and read
// the same types.MetaClientID/MetaUserID keys.
func ProvideClientID(ctx context.Context, cfg *config.Config, db types.DBAdapter, meta *metastore.Store, auth conn.AuthState) (string, error) {
	if cfg.ClientID != "" {
		if err := meta.Set(ctx, db, types.MetaClientID, cfg.ClientID); err != nil {
			return "", err
		}
		if err := meta.Set(ctx, db, types.MetaUserID, auth.Sub); err != nil {
			return "", err
		}
		return cfg.ClientID, nil
	}

	persistedID, found, err := meta.Get(ctx, db, types.MetaClientID)
	if err != nil {
		return "", err
	}
	if found {
		return persistedID, nil
	}

	clientID := uuid.NewString()
	if err := meta.Set(ctx, db, types.MetaClientID, clientID); err != nil {
		return "", err
	}
	if err := meta.Set(ctx, db, types.MetaUserID, auth.Sub); err != nil {
		return "", err
	}
	return clientID, nil
}

// ProvideSnapshotEngine constructs the Snapshot Engine for the
// resolved client identity.
func ProvideSnapshotEngine(cfg *config.Config, db types.DBAdapter, store *oplog.Store, tables Tables, clientID string) *snapshot.Engine {
	return snapshot.New(db, store, clientID, tables.Oplog, tables.Shadow, cfg.MinSnapshotWindow)
}

// ProvideApplyEngine constructs the Apply Engine against the
// schemawatch-derived relations.
func ProvideApplyEngine(
	cfg *config.Config, db types.DBAdapter, qb types.QueryBuilder, store *oplog.Store,
	meta *metastore.Store, tables Tables, clientID string, watcher *schemawatch.Watcher,
) *apply.Engine {
	return apply.New(db, qb, store, meta, clientID, tables.Oplog, tables.Shadow, cfg.Compensations, watcher.Get())
}

// ProvideShapeManager constructs the shape Manager with a nil
// Requester: conn.Controller (the real Requester) is itself
// constructed from this Manager, so the cycle is closed afterward with
// shape.Manager.SetRequester rather than through the provider graph.
func ProvideShapeManager(db types.DBAdapter, meta *metastore.Store, tables Tables, watcher *schemawatch.Watcher) *shape.Manager {
	return shape.New(db, meta, nil, watcher.Get(), tables.Oplog.Schema().Raw())
}

// ProvideController constructs the Connection Controller. Its
// constructor also needs a schemaLabel; tables.Oplog's own schema
// segment doubles as the engine's single replication schema the way
// every other collaborator derives schemaLabel from oplogTable.
func ProvideController(
	cfg *config.Config, db types.DBAdapter, meta *metastore.Store, transport conn.Transport,
	snapshots *snapshot.Engine, applyEng *apply.Engine, shapes *shape.Manager,
	store *oplog.Store, tables Tables,
) *conn.Controller {
	return conn.New(
		db, meta, transport, snapshots, applyEng, shapes, store, tables.Oplog,
		cfg.ConnectionBackoff, cfg.ApplyTimeout, tables.Oplog.Schema().Raw(),
	)
}
