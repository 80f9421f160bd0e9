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

// Package types contains the data model (spec §3) and the narrow
// external-collaborator interfaces (spec §6) that every other package
// in the engine is built against. Keeping them in one leaf package,
// the way the teacher's internal/types does, lets the oplog,
// snapshot, merge, apply, shape and connection packages all depend on
// a single, stable vocabulary instead of on each other.
package types

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/tag"
)

// OpType enumerates the kinds of change an OplogEntry or a wire
// DataChange can represent (spec §3).
type OpType int

const (
	// OpUnknown is the zero value and is never valid on the wire.
	OpUnknown OpType = iota
	OpInsert
	OpUpdate
	OpDelete
	OpUpsert
	// OpGone marks a row the server has told us it will never send
	// again (a permanently-removed shape member).
	OpGone
	// OpCompensation marks a synthetic insert manufactured by the
	// Apply Engine to satisfy a foreign key (spec §4.5).
	OpCompensation
	// OpInitial marks shape-subscription initial-data rows (spec §2).
	OpInitial
)

// String implements fmt.Stringer.
func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpUpsert:
		return "UPSERT"
	case OpGone:
		return "GONE"
	case OpCompensation:
		return "COMPENSATION"
	case OpInitial:
		return "INITIAL"
	default:
		return "UNKNOWN"
	}
}

// Row is a decoded column-name to JSON-value row.
type Row map[string]json.RawMessage

// OplogEntry is one row of the local `_electric_oplog` table: a
// single captured mutation, not yet folded into a snapshot (spec §3).
type OplogEntry struct {
	RowID      int64 // monotonic local id, gap-free per session
	Namespace  ident.Schema
	Table      ident.Ident
	OpType     OpType
	PrimaryKey json.RawMessage // stable-sorted JSON of PK columns
	NewRow     Row
	OldRow     Row
	Timestamp  int64 // UTC ms, assigned at snapshot time
	ClearTags  tag.Set
}

// QualifiedTable returns the namespace-qualified table name.
func (e OplogEntry) QualifiedTable() ident.Table {
	return ident.NewTable(e.Namespace, e.Table.Raw())
}

// ShadowEntry is the per-(table,primaryKey) causal-history record for
// a row that currently exists locally (spec §3). Absence of a Shadow
// entry is the implicit tombstone for a deleted row.
type ShadowEntry struct {
	Table      ident.Table
	PrimaryKey json.RawMessage
	Tags       tag.Set
}

// Meta keys (spec §3, §6). Stored as one row per key in
// `_electric_meta`.
const (
	MetaClientID           = "clientId"
	MetaUserID             = "userId"
	MetaLSN                = "lsn"
	MetaSentRowID          = "sentRowId"
	MetaCompensations      = "compensations"
	MetaSubscriptions      = "subscriptions"
	MetaSeenAdditionalData = "seenAdditionalData"
)

// OriginServer is the reserved origin string used for tags generated
// by the server rather than by a local client (spec §3).
const OriginServer = "__server__"

// SubscriptionProgress distinguishes the two establishing-state
// sub-phases of a shape subscription (spec §4.6).
type SubscriptionProgress int

const (
	ProgressNone SubscriptionProgress = iota
	ProgressReceivingData
	ProgressRemovingData
)

// SubscriptionStatus is the shape subscription state machine's state
// (spec §4.6).
type SubscriptionStatus int

const (
	SubNone SubscriptionStatus = iota
	SubEstablishing
	SubActive
	SubCancelling
	SubGone
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubEstablishing:
		return "establishing"
	case SubActive:
		return "active"
	case SubCancelling:
		return "cancelling"
	case SubGone:
		return "gone"
	default:
		return "none"
	}
}

// ShapeDef is a declarative predicate over a single table: a shape
// subscription streams the matching partial dataset (spec §2).
type ShapeDef struct {
	Table ident.Table
	Where string // dialect-opaque predicate fragment, may be empty
}

// Subscription is the manager's persisted record for one caller
// supplied key (spec §3).
type Subscription struct {
	Key         string
	ServerID    string
	Shapes      []ShapeDef
	Status      SubscriptionStatus
	Progress    SubscriptionProgress
	OldServerID string
}

// Mutation is a single row's worth of change data as it travels
// between the wire protocol and the apply/merge engines. It
// generalizes the teacher's types.Mutation (Data/Key/Time/Meta) with
// the Tags field the tagged-oplog merge algorithm needs.
type Mutation struct {
	Table     ident.Table
	Type      OpType
	Key       json.RawMessage // encoded JSON array of PK column values
	Data      json.RawMessage // encoded JSON object, nil/absent on delete
	Timestamp int64           // UTC ms
	Tags      tag.Set
	Meta      map[string]any
}

// IsDelete reports whether the Mutation represents a deletion, the
// same nil-or-null-data convention the teacher's types.Mutation uses.
func (m Mutation) IsDelete() bool {
	return m.Type == OpDelete || len(m.Data) == 0
}

// DBAdapter is the external collaborator (spec §6) through which the
// engine executes SQL. Implementations must preserve binary column
// values and 64-bit integers end-to-end.
type DBAdapter interface {
	Query(ctx context.Context, sql string, args ...any) (*sql.Rows, error)
	Run(ctx context.Context, sql string, args ...any) error
	Transaction(ctx context.Context, fn func(ctx context.Context, tx DBAdapter) error) error
	// LocalTableNames streams the local table metadata the snapshot
	// and shape engines need to reason about FK ordering.
	LocalTableNames(ctx context.Context) ([]ident.Table, error)
}

// Dialect enumerates the SQL dialects a QueryBuilder can target (spec
// §6), mirroring the teacher's types.Product enum.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectSQLite
	DialectPostgres
)

// QueryBuilder is the external collaborator (spec §6) that knows how
// to render dialect-specific SQL fragments. The engine never embeds
// dialect-specific strings itself.
type QueryBuilder interface {
	Dialect() Dialect
	MakePositionalParam(i int) string
	GetLocalTableNames(ctx context.Context) ([]ident.Table, error)
	MakeQT(name ident.Table) string
	// PgOnly returns fragment unmodified on Postgres and "" on every
	// other dialect, for SQL that has no SQLite equivalent (e.g.
	// deferrable FK constraints).
	PgOnly(fragment string) string
}

// ColData holds SQL column metadata (spec §6 QueryBuilder, spec §4.5
// compensations, spec §4.6 shape GC ordering).
type ColData struct {
	Name    ident.Ident
	Primary bool
	NotNull bool
}

// ForeignKey describes a single FK relationship used by the Apply
// Engine's compensation mechanism (spec §4.5) and the shape manager's
// reverse-FK delete ordering (spec §4.6).
type ForeignKey struct {
	Child        ident.Table
	ChildColumns []ident.Ident
	Parent       ident.Table
	ParentColumns []ident.Ident
}

// SchemaData holds per-schema table metadata, including a
// topologically-sorted FK ordering: applying all of Order[N] before
// Order[N+1] never violates a foreign key (mirrors the teacher's
// types.SchemaData.Order).
type SchemaData struct {
	Columns     map[string][]ColData // keyed by table.Raw()
	ForeignKeys []ForeignKey
	Order       [][]ident.Table
}

// Watcher observes a schema's table metadata (spec §6, consumed via
// DBAdapter.LocalTableNames plus migration-installed FK metadata).
type Watcher interface {
	Get() *SchemaData
	Refresh(ctx context.Context, db DBAdapter) error
}

// ConnectivityStatus is carried by Notifier connectivity
// notifications (spec §7).
type ConnectivityStatus int

const (
	ConnStopped ConnectivityStatus = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
)

// ConnectivityState is the payload of a connectivity notification
// (spec §7): "{dbName, connectivityState: {status, reason?}}".
type ConnectivityState struct {
	DBName string
	Status ConnectivityStatus
	Reason error
}

// DataChangePayload is a notifier payload describing rows that
// changed in a single qualified table as a result of a snapshot or an
// apply (spec §4.3 step 4).
type DataChangePayload struct {
	Table        ident.Table
	RowIDs       []int64
	RecordChange []Row
}

// ShapeStateChange is a notifier payload describing a subscription
// transition (spec §4.6).
type ShapeStateChange struct {
	Key      string
	Status   SubscriptionStatus
	Progress SubscriptionProgress
	Err      error
}

// Notifier is the produced external interface (spec §6): a pure
// message bus with no back-reference to the engine, per the
// redesign note in spec §9.
type Notifier interface {
	SubscribeToDataChanges() (<-chan DataChangePayload, func())
	SubscribeToConnectivityStateChanges() (<-chan ConnectivityState, func())
	SubscribeToShapeStateChanges() (<-chan ShapeStateChange, func())
}
