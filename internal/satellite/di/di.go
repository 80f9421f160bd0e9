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

//go:build wireinject
// +build wireinject

// Package di wires a full replication Session together from a
// config.Config and a conn.Transport, the same provider-set-plus-
// injector shape the teacher's internal/source/logical/provider.go
// gives a logical replication loop.
//
// This file is never built (the wireinject tag excludes it); wire_gen.go
// is the hand-written stand-in for what `go run github.com/google/wire/cmd/wire`
// would emit from it. One collaborator pair is cyclic -- shape.Manager
// and conn.Controller each hold a reference to the other -- which
// isn't something Wire's provider graph expresses directly, so the
// real injector in wire_gen.go closes the cycle with an explicit
// shape.Manager.SetRequester call after both halves exist rather than
// through the provider graph.
package di

import (
	"github.com/google/wire"

	"github.com/replichain/satellite/internal/satellite/config"
	"github.com/replichain/satellite/internal/satellite/conn"
	"github.com/replichain/satellite/internal/satellite/stopper"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideDiagnostics,
	ProvideDB,
	ProvideQueryBuilder,
	ProvideTables,
	ProvideOplogStore,
	ProvideMetastore,
	ProvideWatcher,
	ProvideClientID,
	ProvideSnapshotEngine,
	ProvideApplyEngine,
	ProvideShapeManager,
	ProvideController,
	wire.Struct(new(Session), "*"),
)

// New wires together a full Session for cfg, speaking to the upstream
// server over transport under auth.
func New(
	ctx *stopper.Context, cfg *config.Config, transport conn.Transport, auth conn.AuthState,
) (*Session, func(), error) {
	panic(wire.Build(Set))
}
