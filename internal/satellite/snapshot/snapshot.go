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

// Package snapshot implements the Snapshot Engine (spec §4.3): it
// folds the raw, trigger-captured oplog rows accumulated since the
// last snapshot into one causally-tagged entry per changed primary
// key, and advances the shadow table accordingly. The serializing
// mutex plus throttled-coalesce pattern is grounded on the teacher's
// resolver.go readInto/nextProposedStmp loop (one goroutine performs
// the read-and-advance step at a time; a concurrent caller either
// waits for it or is rejected), and the per-key last-write-wins fold
// is grounded on internal/util/msort.UniqueByKey.
package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/notify"
	"github.com/replichain/satellite/internal/satellite/oplog"
	"github.com/replichain/satellite/internal/satellite/tag"
	"github.com/replichain/satellite/internal/satellite/types"
)

// ErrAlreadyRunning is returned by Snapshot when another snapshot
// transaction is already in flight (spec §4.3: "a concurrent call
// while one is in progress fails immediately").
var ErrAlreadyRunning = errors.New("snapshot: already performing a snapshot")

// Engine runs the fold-and-stamp snapshot transaction against a
// single schema's oplog and shadow tables.
type Engine struct {
	db       types.DBAdapter
	store    *oplog.Store
	clientID string

	oplogTable  ident.Table
	shadowTable ident.Table
	schemaLabel string

	minWindow time.Duration

	mu         sync.Mutex
	running    bool
	lastRowID  int64
	lastStamp  int64

	coalesceMu   sync.Mutex
	coalesceWait chan struct{}
	coalesceErr  error

	changes *notify.Var[types.DataChangePayload]
}

// New constructs a snapshot Engine for one schema.
func New(
	db types.DBAdapter, store *oplog.Store, clientID string,
	oplogTable, shadowTable ident.Table, minWindow time.Duration,
) *Engine {
	return &Engine{
		db:          db,
		store:       store,
		clientID:    clientID,
		oplogTable:  oplogTable,
		shadowTable: shadowTable,
		schemaLabel: oplogTable.Schema().Raw(),
		minWindow:   minWindow,
		changes:     &notify.Var[types.DataChangePayload]{},
	}
}

// Changes returns the notify.Var that a Notifier adapter subscribes
// to for spec §4.3 step 4's data-change notifications.
func (e *Engine) Changes() *notify.Var[types.DataChangePayload] { return e.changes }

// Snapshot runs one fold-and-stamp transaction. It returns
// ErrAlreadyRunning, without blocking, if another Snapshot call is
// already in flight (spec §4.3).
func (e *Engine) Snapshot(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		snapshotAlreadyRunning.WithLabelValues(e.schemaLabel).Inc()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	start := time.Now()
	changed, err := e.runOnce(ctx)
	if err != nil {
		snapshotErrors.WithLabelValues(e.schemaLabel).Inc()
		return err
	}
	snapshotDurations.WithLabelValues(e.schemaLabel).Observe(time.Since(start).Seconds())

	for table, rowIDs := range changed {
		e.changes.Set(types.DataChangePayload{Table: table, RowIDs: rowIDs})
	}
	return nil
}

// Throttled coalesces concurrent callers within minWindow into a
// single snapshot transaction: every caller that arrives while one is
// already waiting or running observes the same result (spec §4.3:
// "the engine may coalesce concurrent requests into a single snapshot
// transaction").
func (e *Engine) Throttled(ctx context.Context) error {
	e.coalesceMu.Lock()
	if e.coalesceWait != nil {
		wait := e.coalesceWait
		e.coalesceMu.Unlock()
		select {
		case <-wait:
			return e.coalesceErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wait := make(chan struct{})
	e.coalesceWait = wait
	e.coalesceMu.Unlock()

	if e.minWindow > 0 {
		timer := time.NewTimer(e.minWindow)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	err := e.Snapshot(ctx)
	if errors.Is(err, ErrAlreadyRunning) {
		// A concurrent, non-throttled Snapshot call beat us to it; the
		// fold it performed covers our callers' oplog rows too.
		err = nil
	}

	e.coalesceMu.Lock()
	e.coalesceErr = err
	close(wait)
	e.coalesceWait = nil
	e.coalesceMu.Unlock()
	return err
}

func (e *Engine) runOnce(ctx context.Context) (map[ident.Table][]int64, error) {
	changed := make(map[ident.Table][]int64)

	err := e.db.Transaction(ctx, func(ctx context.Context, tx types.DBAdapter) error {
		raw, err := e.store.GetEntries(ctx, tx, e.oplogTable, e.lastRowID)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}

		stamp := e.lastStamp + 1
		if now := time.Now().UnixMilli(); now > stamp {
			stamp = now
		}

		windows := fold(raw)
		var rowCount int
		for _, w := range windows {
			entry := w.entry(stamp)

			shadow, found, err := e.store.GetShadow(ctx, tx, e.shadowTable, entry.QualifiedTable(), entry.PrimaryKey)
			if err != nil {
				return err
			}
			own := tag.Generate(e.clientID, stamp)
			switch entry.OpType {
			case types.OpInsert:
				entry.ClearTags = tag.NewSet(own)
			default: // OpUpdate, OpDelete
				if found {
					entry.ClearTags = shadow.Tags.Union(tag.NewSet(own))
				} else {
					entry.ClearTags = tag.NewSet(own)
				}
			}

			if err := e.store.Append(ctx, tx, e.oplogTable, entry); err != nil {
				return err
			}

			if entry.OpType == types.OpDelete {
				if err := e.store.DeleteShadow(ctx, tx, e.shadowTable, entry.QualifiedTable(), entry.PrimaryKey); err != nil {
					return err
				}
			} else {
				if err := e.store.UpsertShadow(ctx, tx, e.shadowTable, types.ShadowEntry{
					Table:      entry.QualifiedTable(),
					PrimaryKey: entry.PrimaryKey,
					Tags:       tag.NewSet(own),
				}); err != nil {
					return err
				}
			}

			qt := entry.QualifiedTable()
			changed[qt] = append(changed[qt], w.rowID)
			rowCount++
		}

		e.lastRowID = raw[len(raw)-1].RowID
		e.lastStamp = stamp
		snapshotRowsStamped.WithLabelValues(e.schemaLabel).Add(float64(rowCount))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

type pkKey struct {
	table string
	pk    string
}

// window accumulates the net effect of every raw oplog row captured
// for one primary key within a single snapshot window.
type window struct {
	namespace ident.Schema
	table     ident.Ident
	pk        json.RawMessage

	op      types.OpType
	current types.Row // accumulated column values of the "currently alive" row
	rowID   int64

	// deletedCols holds the column set the row carried at the moment it
	// was deleted, so a later INSERT in the same window can null them
	// out explicitly instead of merely omitting them. Cleared once an
	// insert consumes it.
	deletedCols types.Row
}

// fold collapses raw, trigger-captured entries into one window per
// primary key, in first-seen order, preserving the monotone ordering
// of changed tables' notifications.
func fold(raw []types.OplogEntry) []*window {
	var order []pkKey
	windows := make(map[pkKey]*window)

	for _, e := range raw {
		k := pkKey{table: e.QualifiedTable().Raw(), pk: string(e.PrimaryKey)}
		w, ok := windows[k]
		if !ok {
			w = &window{namespace: e.Namespace, table: e.Table, pk: e.PrimaryKey}
			windows[k] = w
			order = append(order, k)
		}
		w.apply(e)
	}

	ret := make([]*window, 0, len(order))
	for _, k := range order {
		ret = append(ret, windows[k])
	}
	return ret
}

// apply folds one raw entry into the window's running state. An
// INSERT observed immediately after a DELETE within the same window
// is rewritten so that columns the prior, now-superseded row held but
// this insert does not supply become explicit nulls (spec §4.3,
// "INSERT immediately following a DELETE").
func (w *window) apply(e types.OplogEntry) {
	switch e.OpType {
	case types.OpInsert:
		if w.op == types.OpDelete && w.deletedCols != nil {
			merged := make(types.Row, len(w.deletedCols)+len(e.NewRow))
			for col := range w.deletedCols {
				merged[col] = json.RawMessage("null")
			}
			for col, v := range e.NewRow {
				merged[col] = v
			}
			w.current = merged
			w.deletedCols = nil
		} else {
			w.current = cloneRow(e.NewRow)
		}
		w.op = types.OpInsert
	case types.OpUpdate:
		if w.current == nil {
			w.current = make(types.Row, len(e.NewRow))
		}
		for col, v := range e.NewRow {
			w.current[col] = v
		}
		if w.op != types.OpInsert {
			w.op = types.OpUpdate
		}
	case types.OpDelete:
		w.deletedCols = w.current
		w.current = nil
		w.op = types.OpDelete
	}
	w.rowID = e.RowID
}

func (w *window) entry(stamp int64) types.OplogEntry {
	return types.OplogEntry{
		RowID:      w.rowID,
		Namespace:  w.namespace,
		Table:      w.table,
		OpType:     w.op,
		PrimaryKey: w.pk,
		NewRow:     w.current,
		Timestamp:  stamp,
	}
}

func cloneRow(r types.Row) types.Row {
	if r == nil {
		return nil
	}
	ret := make(types.Row, len(r))
	for k, v := range r {
		ret[k] = v
	}
	return ret
}
