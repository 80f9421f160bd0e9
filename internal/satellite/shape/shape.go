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

// Package shape implements the Shape Subscription Manager (spec
// §4.6): the none→establishing→active→cancelling→gone state machine
// for declarative, predicate-based partial dataset sync, persisted so
// an interrupted establish or cancel resumes on restart. It is
// grounded on the teacher's Resolvers type
// (internal/source/cdc/resolver.go), which plays the analogous role
// of a persisted, restart-resumable per-key state machine driven by
// an external stream.
package shape

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/metastore"
	"github.com/replichain/satellite/internal/satellite/notify"
	"github.com/replichain/satellite/internal/satellite/stopper"
	"github.com/replichain/satellite/internal/satellite/types"
)

// Requester is the narrow external collaborator the manager speaks to
// for the actual network round trip (the Connection Controller's
// outbound stream). It is deliberately synchronous from the manager's
// point of view; the caller is responsible for timing it out.
type Requester interface {
	RequestSubscribe(ctx context.Context, key string, shapes []types.ShapeDef) (serverID string, err error)
	RequestUnsubscribe(ctx context.Context, serverID string) error
}

type entry struct {
	sub     types.Subscription
	synced  chan struct{}
	syncErr error
}

// Manager owns every shape subscription for one schema.
type Manager struct {
	db        types.DBAdapter
	meta      *metastore.Store
	requester Requester
	relations *types.SchemaData

	schemaLabel string

	mu   sync.Mutex
	subs map[string]*entry

	changes *notify.Var[types.ShapeStateChange]
}

// New constructs a Manager. relations, if kept current by the caller,
// drives the reverse-FK GC ordering on unsubscribe.
func New(db types.DBAdapter, meta *metastore.Store, requester Requester, relations *types.SchemaData, schemaLabel string) *Manager {
	return &Manager{
		db:          db,
		meta:        meta,
		requester:   requester,
		relations:   relations,
		schemaLabel: schemaLabel,
		subs:        make(map[string]*entry),
		changes:     &notify.Var[types.ShapeStateChange]{},
	}
}

// Changes returns the notify.Var a Notifier adapter subscribes to for
// subscription state transitions (spec §4.6).
func (m *Manager) Changes() *notify.Var[types.ShapeStateChange] { return m.changes }

// SetRequester binds the collaborator used for the network round
// trip. It exists because the Connection Controller that normally
// plays Requester also holds a reference back to this Manager (for
// BEHIND_WINDOW's ResubscribeActive call): a caller wiring both up
// constructs the Manager first with a nil Requester, builds the
// Controller from it, then closes the cycle with SetRequester.
func (m *Manager) SetRequester(r Requester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requester = r
}

// Resume reloads persisted subscriptions at startup and re-drives
// every unfulfilled one (anything not settled in `active`) through
// establish/cancel again, the same restart-resume contract the
// teacher's Resolvers.resume gives its persisted cursor (spec §4.6:
// "on restart, any unfulfilled subscribe or unsubscribe picks up where
// it left off").
func (m *Manager) Resume(ctx *stopper.Context) error {
	raw, found, err := m.meta.Get(ctx, m.db, types.MetaSubscriptions)
	if err != nil || !found {
		return err
	}
	var persisted persistedState
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		return errors.Wrap(err, "shape: decode persisted subscriptions")
	}

	m.mu.Lock()
	for key, sub := range persisted.Active {
		m.subs[key] = &entry{sub: sub, synced: closedChan()}
	}
	var unfulfilled []*entry
	for key, sub := range persisted.Unfulfilled {
		e := &entry{sub: sub, synced: make(chan struct{})}
		m.subs[key] = e
		unfulfilled = append(unfulfilled, e)
	}
	m.mu.Unlock()

	for _, e := range unfulfilled {
		e := e
		switch e.sub.Status {
		case types.SubCancelling:
			ctx.Go(func() error { return m.finishCancel(ctx, e) })
		default:
			ctx.Go(func() error { m.establish(ctx, e); return nil })
		}
	}
	return nil
}

// Subscribe registers (or replaces) the shapes associated with key
// and returns a channel that closes once the subscription settles
// (active, or gone on failure). Concurrent calls for the same key and
// an identical shape set collapse into one server request and share
// the same channel (spec §4.6 "deduplication of concurrent identical
// subscribe calls").
func (m *Manager) Subscribe(ctx *stopper.Context, key string, shapes []types.ShapeDef) (<-chan struct{}, error) {
	m.mu.Lock()
	if existing, ok := m.subs[key]; ok && existing.sub.Status != types.SubGone && shapesEqual(existing.sub.Shapes, shapes) {
		synced := existing.synced
		m.mu.Unlock()
		shapeDedupedRequests.WithLabelValues(m.schemaLabel).Inc()
		return synced, nil
	}

	oldServerID := ""
	if existing, ok := m.subs[key]; ok {
		oldServerID = existing.sub.ServerID
	}

	e := &entry{
		sub: types.Subscription{
			Key:         key,
			Shapes:      shapes,
			Status:      types.SubEstablishing,
			Progress:    types.ProgressReceivingData,
			OldServerID: oldServerID,
		},
		synced: make(chan struct{}),
	}
	m.subs[key] = e
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	shapeTransitions.WithLabelValues(types.SubEstablishing.String()).Inc()
	ctx.Go(func() error { m.establish(ctx, e); return nil })
	return e.synced, nil
}

// ResubscribeActive re-drives every currently active subscription
// through establish again, without changing its key or shape
// definition. The connection controller calls this after a
// BEHIND_WINDOW reset (spec §4.7): the server has discarded its
// record of what this client has already seen, so every active shape
// must be re-requested as if newly subscribed.
func (m *Manager) ResubscribeActive(ctx *stopper.Context) error {
	m.mu.Lock()
	var toResume []*entry
	for _, e := range m.subs {
		if e.sub.Status != types.SubActive {
			continue
		}
		e.sub.OldServerID = e.sub.ServerID
		e.sub.Status = types.SubEstablishing
		e.synced = make(chan struct{})
		toResume = append(toResume, e)
	}
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return err
	}
	for _, e := range toResume {
		e := e
		shapeTransitions.WithLabelValues(types.SubEstablishing.String()).Inc()
		ctx.Go(func() error { m.establish(ctx, e); return nil })
	}
	return nil
}

// Err returns the failure a settled subscription encountered, if any.
func (m *Manager) Err(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.subs[key]; ok {
		return e.syncErr
	}
	return nil
}

func (m *Manager) establish(ctx *stopper.Context, e *entry) {
	if e.sub.OldServerID != "" {
		_ = m.requester.RequestUnsubscribe(ctx, e.sub.OldServerID)
	}

	serverID, err := m.requester.RequestSubscribe(ctx, e.sub.Key, e.sub.Shapes)
	m.mu.Lock()
	if err != nil {
		e.sub.Status = types.SubGone
		e.syncErr = err
		m.mu.Unlock()
		_ = m.persist(ctx)
		close(e.synced)
		shapeTransitions.WithLabelValues(types.SubGone.String()).Inc()
		m.changes.Set(types.ShapeStateChange{Key: e.sub.Key, Status: types.SubGone, Err: err})
		return
	}
	e.sub.ServerID = serverID
	e.sub.Status = types.SubActive
	e.sub.Progress = types.ProgressNone
	e.sub.OldServerID = ""
	m.mu.Unlock()

	_ = m.persist(ctx)
	close(e.synced)
	shapeTransitions.WithLabelValues(types.SubActive.String()).Inc()
	m.changes.Set(types.ShapeStateChange{Key: e.sub.Key, Status: types.SubActive})
}

// Unsubscribe cancels a subscription: it tells the server, then
// garbage-collects the shape's rows in reverse foreign-key dependency
// order within a single transaction, the same ordering constraint the
// teacher enforces for drop-table DDL fanout (spec §4.6).
func (m *Manager) Unsubscribe(ctx *stopper.Context, key string) error {
	m.mu.Lock()
	e, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	e.sub.Status = types.SubCancelling
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return err
	}
	shapeTransitions.WithLabelValues(types.SubCancelling.String()).Inc()
	m.changes.Set(types.ShapeStateChange{Key: key, Status: types.SubCancelling})

	if err := m.requester.RequestUnsubscribe(ctx, e.sub.ServerID); err != nil {
		return err
	}
	return m.finishCancel(ctx, e)
}

func (m *Manager) finishCancel(ctx context.Context, e *entry) error {
	if err := m.gcShape(ctx, e.sub.Shapes); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.subs, e.sub.Key)
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return err
	}
	shapeTransitions.WithLabelValues(types.SubGone.String()).Inc()
	m.changes.Set(types.ShapeStateChange{Key: e.sub.Key, Status: types.SubGone})
	return nil
}

// gcShape deletes every row the shapes selected, table by table, in
// reverse topological foreign-key order so a child row is never left
// dangling mid-transaction. Shape tables the FK ordering does not list
// are deleted after the listed ones. This builds its DELETE text directly
// rather than through a types.QueryBuilder: the Manager isn't handed
// one (its collaborators are db, meta, requester, and relations), and
// a def.Where predicate is already a caller-supplied SQL fragment the
// query builder has no placeholder for.
func (m *Manager) gcShape(ctx context.Context, shapes []types.ShapeDef) error {
	order := m.reverseOrder()
	byTable := make(map[string][]types.ShapeDef)
	for _, s := range shapes {
		byTable[s.Table.Raw()] = append(byTable[s.Table.Raw()], s)
	}
	listed := make(map[string]bool)
	for _, tables := range order {
		for _, table := range tables {
			listed[table.Raw()] = true
		}
	}
	var rest []ident.Table
	for _, s := range shapes {
		if !listed[s.Table.Raw()] {
			listed[s.Table.Raw()] = true
			rest = append(rest, s.Table)
		}
	}
	order = append(order, rest)

	return m.db.Transaction(ctx, func(ctx context.Context, tx types.DBAdapter) error {
		for _, tables := range order {
			for _, table := range tables {
				defs, ok := byTable[table.Raw()]
				if !ok {
					continue
				}
				for _, def := range defs {
					sqlStr := `DELETE FROM "` + table.Name().Raw() + `"`
					if def.Where != "" {
						sqlStr += " WHERE " + def.Where
					}
					if err := tx.Run(ctx, sqlStr); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// reverseOrder returns the schema's FK topological order reversed, so
// children are deleted before the parents they reference.
func (m *Manager) reverseOrder() [][]ident.Table {
	if m.relations == nil {
		return nil
	}
	n := len(m.relations.Order)
	ret := make([][]ident.Table, n)
	for i, level := range m.relations.Order {
		ret[n-1-i] = level
	}
	return ret
}

type persistedState struct {
	Active      map[string]types.Subscription `json:"active"`
	Unfulfilled map[string]types.Subscription `json:"unfulfilled"`
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	state := persistedState{
		Active:      make(map[string]types.Subscription),
		Unfulfilled: make(map[string]types.Subscription),
	}
	for key, e := range m.subs {
		if e.sub.Status == types.SubActive {
			state.Active[key] = e.sub
		} else {
			state.Unfulfilled[key] = e.sub
		}
	}
	m.mu.Unlock()

	b, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "shape: encode persisted subscriptions")
	}
	return m.meta.Set(ctx, m.db, types.MetaSubscriptions, string(b))
}

func shapesEqual(a, b []types.ShapeDef) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortedShapeStrings(a)
	bs := sortedShapeStrings(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedShapeStrings(shapes []types.ShapeDef) []string {
	ret := make([]string, len(shapes))
	for i, s := range shapes {
		ret[i] = s.Table.Raw() + "|" + s.Where
	}
	sort.Strings(ret)
	return ret
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
