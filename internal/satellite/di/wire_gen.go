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

// Hand-written stand-in for the injector Wire would generate from di.go.

//go:generate go run github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package di

import (
	"context"

	"github.com/replichain/satellite/internal/satellite/config"
	"github.com/replichain/satellite/internal/satellite/conn"
	"github.com/replichain/satellite/internal/satellite/dbadapter"
	"github.com/replichain/satellite/internal/satellite/stopper"
	"github.com/replichain/satellite/internal/satellite/types"
)

// New wires together a full Session for cfg, speaking to the upstream
// server over transport under auth.
func New(
	ctx *stopper.Context, cfg *config.Config, transport conn.Transport, auth conn.AuthState,
) (*Session, func(), error) {
	if err := cfg.Preflight(); err != nil {
		return nil, nil, err
	}

	diagnostics := ProvideDiagnostics()

	db, err := ProvideDB(cfg, diagnostics)
	if err != nil {
		return nil, nil, err
	}

	qb := ProvideQueryBuilder(cfg, db)
	tables := ProvideTables()

	store, err := ProvideOplogStore(ctx, db, qb, tables)
	if err != nil {
		return nil, nil, err
	}
	meta, err := ProvideMetastore(ctx, db, qb, tables)
	if err != nil {
		return nil, nil, err
	}
	watcher, err := ProvideWatcher(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	clientID, err := ProvideClientID(ctx, cfg, db, meta, auth)
	if err != nil {
		return nil, nil, err
	}
	if err := applyFKChecks(ctx, db, cfg); err != nil {
		return nil, nil, err
	}

	snapshots := ProvideSnapshotEngine(cfg, db, store, tables, clientID)
	applyEng := ProvideApplyEngine(cfg, db, qb, store, meta, tables, clientID, watcher)
	shapes := ProvideShapeManager(db, meta, tables, watcher)
	ctrl := ProvideController(cfg, db, meta, transport, snapshots, applyEng, shapes, store, tables)

	// conn.Controller implements shape.Requester; closing the
	// constructor cycle here is the one step wire.Build can't express,
	// since it requires a value (ctrl) built from shapes itself.
	shapes.SetRequester(ctrl)

	session := &Session{
		DB:          db,
		Diagnostics: diagnostics,
		Watcher:     watcher,
		Snapshots:   snapshots,
		Apply:       applyEng,
		Shapes:      shapes,
		Conn:        ctrl,
	}
	cleanup := func() {}
	return session, cleanup, nil
}

// fkToggler is implemented by both concrete dbadapter types but is
// deliberately not part of types.DBAdapter: most callers never need
// to suppress FK enforcement, and adding it to the narrow interface
// would force every future adapter to implement a no-op.
type fkToggler interface {
	SetForeignKeys(ctx context.Context, enabled bool) error
}

// applyFKChecks disables foreign-key enforcement on db's underlying
// connection when cfg asks for it, so the apply engine can write an
// incoming transaction's rows out of dependency order (spec §6
// fkChecks) without every caller needing to know which concrete
// adapter it holds.
func applyFKChecks(ctx context.Context, db types.DBAdapter, cfg *config.Config) error {
	if cfg.FKChecks != config.FKChecksDisabled {
		return nil
	}
	switch a := db.(type) {
	case *dbadapter.SQLite:
		return a.SetForeignKeys(ctx, false)
	case *dbadapter.Postgres:
		return a.SetForeignKeys(ctx, false)
	default:
		return nil
	}
}

var _ fkToggler = (*dbadapter.SQLite)(nil)
var _ fkToggler = (*dbadapter.Postgres)(nil)
