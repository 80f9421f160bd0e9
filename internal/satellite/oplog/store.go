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

// Package oplog implements the Oplog Store (spec §4.2): persistence
// for OplogEntry and ShadowEntry rows in the same transactional store
// as user data. It is grounded on the teacher's types.Stager /
// types.Stagers interface shape (Store/Select/Retire/
// TransactionTimes) and on internal/staging/stage's metrics.
package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/tag"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Store provides durable access to the local `_electric_oplog` and
// `_electric_shadow` tables. All methods accept the types.DBAdapter
// to operate against, so that callers running inside a transaction
// (the Snapshot Engine, the Apply Engine) simply pass the tx-scoped
// adapter and get transactional semantics for free (spec §4.2: "All
// operations participate in the caller's transaction when
// provided.").
type Store struct {
	qb types.QueryBuilder
}

// New constructs a Store bound to the given QueryBuilder.
func New(qb types.QueryBuilder) *Store {
	return &Store{qb: qb}
}

// Schema returns the DDL for the oplog and shadow tables, dialect
// qualified via PgOnly for features SQLite lacks (the rowid identity
// default; SQLite's INTEGER PRIMARY KEY assigns rowids on its own).
func (s *Store) Schema(oplogTable, shadowTable ident.Table) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  rowid       INTEGER PRIMARY KEY%[3]s,
  namespace   TEXT NOT NULL,
  tablename   TEXT NOT NULL,
  optype      TEXT NOT NULL,
  primaryKey  TEXT NOT NULL,
  newRow      TEXT,
  oldRow      TEXT,
  timestamp   INTEGER NOT NULL,
  clearTags   TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS %[2]s (
  namespace   TEXT NOT NULL,
  tablename   TEXT NOT NULL,
  primaryKey  TEXT NOT NULL,
  tags        TEXT NOT NULL DEFAULT '[]',
  PRIMARY KEY (namespace, tablename, primaryKey)
);
`, s.qb.MakeQT(oplogTable), s.qb.MakeQT(shadowTable), s.qb.PgOnly(" GENERATED BY DEFAULT AS IDENTITY"))
}

const insertOplogTemplate = `
INSERT INTO %s (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`

// Append writes one OplogEntry. The database assigns its rowid;
// entry.RowID is ignored. A raw capture is appended with
// Timestamp/ClearTags at their zero values; the Snapshot Engine
// appends its stamped entries through this same method.
func (s *Store) Append(
	ctx context.Context, db types.DBAdapter, table ident.Table, entry types.OplogEntry,
) error {
	newRow, err := encodeRow(entry.NewRow)
	if err != nil {
		return err
	}
	oldRow, err := encodeRow(entry.OldRow)
	if err != nil {
		return err
	}
	encTags, err := entry.ClearTags.Encode()
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(insertOplogTemplate, s.qb.MakeQT(table),
		s.qb.MakePositionalParam(1), s.qb.MakePositionalParam(2), s.qb.MakePositionalParam(3),
		s.qb.MakePositionalParam(4), s.qb.MakePositionalParam(5), s.qb.MakePositionalParam(6),
		s.qb.MakePositionalParam(7), s.qb.MakePositionalParam(8))

	return db.Run(ctx, sql,
		entry.Namespace.Raw(), entry.Table.Raw(), entry.OpType.String(),
		string(entry.PrimaryKey), newRow, oldRow, entry.Timestamp, encTags)
}

const selectEntriesTemplate = `
SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
  FROM %s
 WHERE rowid > %s
 ORDER BY rowid`

// GetEntries returns every raw oplog entry with rowid greater than
// sinceRowid, in rowid order (spec §4.2 getEntries(sinceRowid?)).
func (s *Store) GetEntries(
	ctx context.Context, db types.DBAdapter, oplogTable ident.Table, sinceRowid int64,
) ([]types.OplogEntry, error) {
	start := time.Now()
	sql := fmt.Sprintf(selectEntriesTemplate, s.qb.MakeQT(oplogTable), s.qb.MakePositionalParam(1))
	rows, err := db.Query(ctx, sql, sinceRowid)
	if err != nil {
		return nil, errors.Wrap(err, "oplog: get entries")
	}
	defer rows.Close()

	var ret []types.OplogEntry
	for rows.Next() {
		var (
			rowid                          int64
			namespace, tablename, optype   string
			pk                             string
			newRow, oldRow                 *string
			timestamp                      int64
			clearTags                      string
		)
		if err := rows.Scan(&rowid, &namespace, &tablename, &optype, &pk, &newRow, &oldRow, &timestamp, &clearTags); err != nil {
			return nil, errors.Wrap(err, "oplog: scan entry")
		}
		tags, err := tag.Decode(clearTags)
		if err != nil {
			return nil, err
		}
		entry := types.OplogEntry{
			RowID:      rowid,
			Namespace:  ident.NewSchema(namespace),
			Table:      ident.New(tablename),
			OpType:     parseOpType(optype),
			PrimaryKey: json.RawMessage(pk),
			Timestamp:  timestamp,
			ClearTags:  tags,
		}
		if newRow != nil {
			row, err := decodeRow(*newRow)
			if err != nil {
				return nil, err
			}
			entry.NewRow = row
		}
		if oldRow != nil {
			row, err := decodeRow(*oldRow)
			if err != nil {
				return nil, err
			}
			entry.OldRow = row
		}
		ret = append(ret, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "oplog: iterate entries")
	}

	oplogSelectCount.WithLabelValues(oplogTable.Raw()).Add(float64(len(ret)))
	oplogSelectDurations.WithLabelValues(oplogTable.Raw()).Observe(time.Since(start).Seconds())
	return ret, nil
}

const garbageCollectTemplate = `DELETE FROM %s WHERE timestamp <= %s`

// GarbageCollect deletes every oplog entry with timestamp <=
// uptoTimestamp (spec §4.2 garbageCollect, and the GC invariant in
// spec §3: an entry is never observed after its originating
// transaction is acknowledged).
func (s *Store) GarbageCollect(
	ctx context.Context, db types.DBAdapter, oplogTable ident.Table, uptoTimestamp int64,
) error {
	start := time.Now()
	sql := fmt.Sprintf(garbageCollectTemplate, s.qb.MakeQT(oplogTable), s.qb.MakePositionalParam(1))
	if err := db.Run(ctx, sql, uptoTimestamp); err != nil {
		oplogRetireErrors.WithLabelValues(oplogTable.Raw()).Inc()
		return errors.Wrap(err, "oplog: garbage collect")
	}
	oplogRetireDurations.WithLabelValues(oplogTable.Raw()).Observe(time.Since(start).Seconds())
	return nil
}

// GarbageCollectUpToRowID deletes every oplog entry with rowid <=
// uptoRowID. Nothing in the engine calls it: the Apply Engine's
// round-trip acknowledgement GC uses the timestamp-driven
// GarbageCollect above.
func (s *Store) GarbageCollectUpToRowID(
	ctx context.Context, db types.DBAdapter, oplogTable ident.Table, uptoRowID int64,
) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE rowid <= %s`, s.qb.MakeQT(oplogTable), s.qb.MakePositionalParam(1))
	if err := db.Run(ctx, sql, uptoRowID); err != nil {
		oplogRetireErrors.WithLabelValues(oplogTable.Raw()).Inc()
		return errors.Wrap(err, "oplog: garbage collect by rowid")
	}
	return nil
}

const selectShadowTemplate = `SELECT tags FROM %s WHERE namespace = %s AND tablename = %s AND primaryKey = %s`

// GetShadow returns the current shadow entry for (table, pk), or
// false if no shadow row exists (the row is either deleted or was
// never seen, spec §3).
func (s *Store) GetShadow(
	ctx context.Context, db types.DBAdapter, shadowTable, table ident.Table, pk json.RawMessage,
) (types.ShadowEntry, bool, error) {
	sql := fmt.Sprintf(selectShadowTemplate, s.qb.MakeQT(shadowTable),
		s.qb.MakePositionalParam(1), s.qb.MakePositionalParam(2), s.qb.MakePositionalParam(3))
	rows, err := db.Query(ctx, sql, table.Schema().Raw(), table.Name().Raw(), string(pk))
	if err != nil {
		return types.ShadowEntry{}, false, errors.Wrap(err, "oplog: get shadow")
	}
	defer rows.Close()

	if !rows.Next() {
		return types.ShadowEntry{}, false, rows.Err()
	}
	var encTags string
	if err := rows.Scan(&encTags); err != nil {
		return types.ShadowEntry{}, false, errors.Wrap(err, "oplog: scan shadow")
	}
	tags, err := tag.Decode(encTags)
	if err != nil {
		return types.ShadowEntry{}, false, err
	}
	return types.ShadowEntry{Table: table, PrimaryKey: pk, Tags: tags}, true, nil
}

const upsertShadowTemplate = `
INSERT INTO %[1]s (namespace, tablename, primaryKey, tags) VALUES (%[2]s, %[3]s, %[4]s, %[5]s)
ON CONFLICT (namespace, tablename, primaryKey) DO UPDATE SET tags = excluded.tags`

// UpsertShadow replaces the shadow tag set for (table, pk) (spec
// §4.3 step 3, §4.5 step 4).
func (s *Store) UpsertShadow(
	ctx context.Context, db types.DBAdapter, shadowTable ident.Table, entry types.ShadowEntry,
) error {
	encTags, err := entry.Tags.Encode()
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(upsertShadowTemplate, s.qb.MakeQT(shadowTable),
		s.qb.MakePositionalParam(1), s.qb.MakePositionalParam(2), s.qb.MakePositionalParam(3), s.qb.MakePositionalParam(4))
	if err := db.Run(ctx, sql,
		entry.Table.Schema().Raw(), entry.Table.Name().Raw(), string(entry.PrimaryKey), encTags); err != nil {
		return errors.Wrap(err, "oplog: upsert shadow")
	}
	oplogShadowUpserts.WithLabelValues(entry.Table.Raw()).Inc()
	return nil
}

const deleteShadowTemplate = `DELETE FROM %s WHERE namespace = %s AND tablename = %s AND primaryKey = %s`

// DeleteShadow removes the shadow row for (table, pk): the implicit
// tombstone (spec §3, §4.3 step 3 for deletes).
func (s *Store) DeleteShadow(
	ctx context.Context, db types.DBAdapter, shadowTable, table ident.Table, pk json.RawMessage,
) error {
	sql := fmt.Sprintf(deleteShadowTemplate, s.qb.MakeQT(shadowTable),
		s.qb.MakePositionalParam(1), s.qb.MakePositionalParam(2), s.qb.MakePositionalParam(3))
	if err := db.Run(ctx, sql, table.Schema().Raw(), table.Name().Raw(), string(pk)); err != nil {
		return errors.Wrap(err, "oplog: delete shadow")
	}
	oplogShadowDeletes.WithLabelValues(table.Raw()).Inc()
	return nil
}

func encodeRow(r types.Row) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "oplog: encode row")
	}
	return string(b), nil
}

func decodeRow(raw string) (types.Row, error) {
	if raw == "" {
		return nil, nil
	}
	var r types.Row
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, errors.Wrap(err, "oplog: decode row")
	}
	return r, nil
}

func parseOpType(s string) types.OpType {
	switch s {
	case "INSERT":
		return types.OpInsert
	case "UPDATE":
		return types.OpUpdate
	case "DELETE":
		return types.OpDelete
	case "UPSERT":
		return types.OpUpsert
	case "GONE":
		return types.OpGone
	case "COMPENSATION":
		return types.OpCompensation
	case "INITIAL":
		return types.OpInitial
	default:
		return types.OpUnknown
	}
}
