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

// Package conn implements the Connection Controller (spec §4.7): the
// stopped→initializing→connecting→connected↔disconnected→stopped
// lifecycle state machine that owns the outbound stream to the
// upstream replication server, drives reconnection with backoff, and
// dispatches BEHIND_WINDOW and AUTH_EXPIRED conditions. It is the
// orchestration root: it is the thing that calls the snapshot, apply
// and shape packages in response to the wire protocol, the same role
// the teacher's internal/source/logical main loop plays for a
// Dialect/Events pair, generalized from one fixed upstream dialect to
// an explicit Transport collaborator.
package conn

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/replichain/satellite/internal/satellite/apply"
	"github.com/replichain/satellite/internal/satellite/config"
	"github.com/replichain/satellite/internal/satellite/errkind"
	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/metastore"
	"github.com/replichain/satellite/internal/satellite/notify"
	"github.com/replichain/satellite/internal/satellite/oplog"
	"github.com/replichain/satellite/internal/satellite/shape"
	"github.com/replichain/satellite/internal/satellite/snapshot"
	"github.com/replichain/satellite/internal/satellite/stopper"
	"github.com/replichain/satellite/internal/satellite/tag"
	"github.com/replichain/satellite/internal/satellite/types"
	"github.com/replichain/satellite/internal/satellite/wire"
)

// AuthState is the caller-supplied identity the controller validates
// and persists on Start (spec §4.7).
type AuthState struct {
	// Token is the bearer credential sent on every outbound request.
	Token string
	// Sub is the stable subject claim the token carries: the same user
	// reconnecting must always present the same Sub.
	Sub string
}

// Stream is one open duplex session with the upstream server.
type Stream interface {
	Recv() (wire.DataTransaction, error)
	Close() error
}

// Transport is the narrow external collaborator (spec §6) through
// which the controller speaks the wire protocol. A concrete
// implementation owns the actual network connection (HTTP/2, a
// websocket, whatever the upstream server speaks); this package only
// depends on the interface.
type Transport interface {
	// Open establishes a new Stream authenticated with auth. It
	// returns an *errkind.Error classified as errkind.AuthExpired or
	// errkind.AuthRequired when the server rejects the credential.
	Open(ctx context.Context, auth AuthState) (Stream, error)
	RequestSubscribe(ctx context.Context, key string, shapes []types.ShapeDef) (serverID string, err error)
	RequestUnsubscribe(ctx context.Context, serverID string) error
	// Send pushes one locally-originated transaction upstream and
	// returns the lsn the server assigned it.
	Send(ctx context.Context, txn wire.DataTransaction) (lsn int64, err error)
}

// state is the controller's lifecycle state (spec §4.7).
type state int

const (
	stateStopped state = iota
	stateInitializing
	stateConnecting
	stateConnected
	stateDisconnected
)

func (s state) status() types.ConnectivityStatus {
	switch s {
	case stateConnecting, stateInitializing:
		return types.ConnConnecting
	case stateConnected:
		return types.ConnConnected
	case stateDisconnected:
		return types.ConnDisconnected
	default:
		return types.ConnStopped
	}
}

// Controller owns the lifecycle of one schema's connection to the
// upstream replication server.
type Controller struct {
	db   types.DBAdapter
	meta *metastore.Store

	transport Transport
	snapshots *snapshot.Engine
	applyEng  *apply.Engine
	shapes    *shape.Manager

	oplogStore *oplog.Store
	oplogTable ident.Table

	backoffCfg   config.Backoff
	applyTimeout time.Duration
	dbName       string

	mu         sync.Mutex
	st         state
	clientID   string
	auth       AuthState
	cancelLoop context.CancelFunc
	stream     Stream
	rootCtx    *stopper.Context

	connectivity *notify.Var[types.ConnectivityState]

	log *logrus.Entry
}

// New constructs a Controller. relations passed to the apply/shape
// engines at construction time must be kept current by the caller.
func New(
	db types.DBAdapter, meta *metastore.Store, transport Transport,
	snapshots *snapshot.Engine, applyEng *apply.Engine, shapes *shape.Manager,
	oplogStore *oplog.Store, oplogTable ident.Table,
	backoffCfg config.Backoff, applyTimeout time.Duration, dbName string,
) *Controller {
	return &Controller{
		db:           db,
		meta:         meta,
		transport:    transport,
		snapshots:    snapshots,
		applyEng:     applyEng,
		shapes:       shapes,
		oplogStore:   oplogStore,
		oplogTable:   oplogTable,
		backoffCfg:   backoffCfg,
		applyTimeout: applyTimeout,
		dbName:       dbName,
		st:           stateStopped,
		connectivity: &notify.Var[types.ConnectivityState]{},
		log:          logrus.WithField("satellite", dbName),
	}
}

// Changes returns the notify.Var a Notifier adapter subscribes to for
// connectivity-state notifications (spec §7).
func (c *Controller) Changes() *notify.Var[types.ConnectivityState] { return c.connectivity }

// ClientID returns the persisted or generated client identity. It is
// only valid once Start has returned successfully.
func (c *Controller) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Start transitions stopped→initializing→connecting: it loads or
// generates the persisted clientId, rejecting a restart under a
// different identity's auth state (spec §4.7), then launches the
// reconnect-with-backoff loop in the background.
func (c *Controller) Start(ctx *stopper.Context, auth AuthState) error {
	c.mu.Lock()
	if c.st != stateStopped {
		c.mu.Unlock()
		return errors.New("conn: controller already started")
	}
	c.st = stateInitializing
	c.auth = auth
	c.rootCtx = ctx
	c.mu.Unlock()

	clientID, err := c.resolveClientID(ctx, auth)
	if err != nil {
		c.setState(stateStopped, nil)
		return err
	}

	c.mu.Lock()
	c.clientID = clientID
	c.st = stateConnecting
	c.mu.Unlock()
	c.emitConnectivity(stateConnecting, nil)

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelLoop = cancel
	c.mu.Unlock()

	ctx.Go(func() error {
		c.runLoop(loopCtx)
		return nil
	})
	return nil
}

// resolveClientID loads the persisted clientId/userId pair, or
// generates and persists a fresh one on first start. A persisted
// identity belonging to a different Sub is rejected outright: the
// local database's oplog and shadow tables are only meaningful under
// the identity that produced them.
func (c *Controller) resolveClientID(ctx context.Context, auth AuthState) (string, error) {
	persistedID, found, err := c.meta.Get(ctx, c.db, types.MetaClientID)
	if err != nil {
		return "", err
	}
	if found {
		persistedSub, _, err := c.meta.Get(ctx, c.db, types.MetaUserID)
		if err != nil {
			return "", err
		}
		if persistedSub != "" && persistedSub != auth.Sub {
			return "", errkind.New(errkind.AuthRequired,
				errors.Errorf("local database belongs to a different identity"))
		}
		return persistedID, nil
	}

	clientID := uuid.NewString()
	if err := c.meta.Set(ctx, c.db, types.MetaClientID, clientID); err != nil {
		return "", err
	}
	if err := c.meta.Set(ctx, c.db, types.MetaUserID, auth.Sub); err != nil {
		return "", err
	}
	return clientID, nil
}

// SetToken updates the bearer credential used on the next (or
// current) connection attempt. If the controller is disconnected
// because the prior token expired, this wakes the reconnect loop
// immediately instead of waiting on it to be polled (spec §4.7
// "AUTH_EXPIRED ... no automatic retry until a new token is set").
func (c *Controller) SetToken(token string) error {
	if token == "" {
		return errors.New("conn: empty token")
	}
	c.mu.Lock()
	c.auth.Token = token
	wasDisconnected := c.st == stateDisconnected
	c.mu.Unlock()

	if wasDisconnected {
		return c.reconnect()
	}
	return nil
}

// reconnect re-enters the connecting state from disconnected,
// restarting the background loop.
func (c *Controller) reconnect() error {
	c.mu.Lock()
	if c.st != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.st = stateConnecting
	root := c.rootCtx
	c.mu.Unlock()
	c.emitConnectivity(stateConnecting, nil)

	loopCtx, cancel := context.WithCancel(root)
	c.mu.Lock()
	c.cancelLoop = cancel
	c.mu.Unlock()
	root.Go(func() error {
		c.runLoop(loopCtx)
		return nil
	})
	return nil
}

// Disconnect tears down any open stream and moves the controller to
// stopped (spec §4.7): the outbound stream is closed, shape-stream
// subscriptions are left registered locally (they resume on the next
// connect), and the local oplog is left untouched. A connect attempt in
// flight is abandoned through context cancellation and reports no error
// of its own; the stopped-state connectivity notification carries
// errkind.ConnectionCancelledByDisconnect as its reason.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.cancelLoop != nil {
		c.cancelLoop()
		c.cancelLoop = nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	c.st = stateStopped
	c.mu.Unlock()
	c.emitConnectivity(stateStopped, errkind.New(errkind.ConnectionCancelledByDisconnect, nil))
}

// runLoop is the background reconnect-with-backoff loop: it opens a
// stream, reads it to exhaustion (or failure), and retries unless the
// failure is non-retryable (auth expiry) or the context was canceled
// by Disconnect.
func (c *Controller) runLoop(ctx context.Context) {
	for {
		stream, err := c.connectWithBackoff(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errkind.Is(err, errkind.AuthExpired) {
				c.setState(stateDisconnected, err)
				return
			}
			// Any other permanent error (e.g. AuthRequired) ends the
			// loop; surface it as a disconnect.
			c.setState(stateDisconnected, err)
			return
		}

		c.mu.Lock()
		c.stream = stream
		c.st = stateConnected
		c.mu.Unlock()
		c.emitConnectivity(stateConnected, nil)

		outboundCtx, stopOutbound := context.WithCancel(ctx)
		go c.outboundLoop(outboundCtx)

		err = c.receiveLoop(ctx, stream)
		stopOutbound()
		_ = stream.Close()

		c.mu.Lock()
		if c.stream == stream {
			c.stream = nil
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if errkind.Is(err, errkind.AuthExpired) {
			c.setState(stateDisconnected, err)
			return
		}
		c.setState(stateConnecting, err)
		c.emitConnectivity(stateConnecting, err)
	}
}

// connectWithBackoff retries Transport.Open using an exponential
// backoff curve built from the configured config.Backoff, stopping
// early (without exhausting the curve) on a non-retryable classified
// error or context cancellation -- the same caller-supplied-predicate
// shape the teacher's Lessor.Acquire retry gives a lease-busy error
// (internal/source/logical/chaos.go's LeaseBusyError path), adapted
// here to a reconnect loop instead of a lease.
func (c *Controller) connectWithBackoff(ctx context.Context) (Stream, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(c.backoffCfg.InitialMs) * time.Millisecond
	bo.MaxInterval = time.Duration(c.backoffCfg.MaxMs) * time.Millisecond
	bo.Multiplier = c.backoffCfg.Factor
	bo.RandomizationFactor = c.backoffCfg.Jitter
	bo.MaxElapsedTime = 0 // retry until canceled

	var stream Stream
	op := func() error {
		c.mu.Lock()
		auth := c.auth
		c.mu.Unlock()

		s, err := c.transport.Open(ctx, auth)
		if err != nil {
			if kind, ok := errkind.As(err); ok &&
				(kind == errkind.AuthExpired || kind == errkind.AuthRequired ||
					kind == errkind.ConnectionCancelledByDisconnect) {
				return backoff.Permanent(err)
			}
			c.log.WithError(err).Warn("connect attempt failed, retrying")
			return err
		}
		stream = s
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return stream, nil
}

// receiveLoop reads transactions off stream until it errors or ctx is
// done, applying each one and dispatching BEHIND_WINDOW specially
// (spec §4.7).
func (c *Controller) receiveLoop(ctx context.Context, stream Stream) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		txn, err := stream.Recv()
		if err != nil {
			return err
		}

		applyCtx := ctx
		var cancel context.CancelFunc
		if c.applyTimeout > 0 {
			applyCtx, cancel = context.WithTimeout(ctx, c.applyTimeout)
		}
		err = c.applyTransaction(applyCtx, txn)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			continue
		}

		if errkind.Is(err, errkind.BehindWindow) {
			if recoverErr := c.handleBehindWindow(ctx); recoverErr != nil {
				return recoverErr
			}
			continue
		}
		return err
	}
}

// outboundLoop pushes newly-stamped local oplog entries upstream for
// as long as the current stream is connected, waking on the snapshot
// engine's change notification rather than polling (spec §4.7, and
// the same wakeup-channel idiom notify.Var gives the apply loop and
// the shape GC worker). Entries are grouped into one wire transaction
// per distinct snapshot timestamp, mirroring how the Snapshot Engine
// stamps every row in one fold with a single timestamp.
func (c *Controller) outboundLoop(ctx context.Context) {
	sentRowID, err := c.loadSentRowID(ctx)
	if err != nil {
		c.log.WithError(err).Warn("outbound: failed to load send cursor")
		return
	}

	for {
		_, changed := c.snapshots.Changes().Get()

		entries, err := c.oplogStore.GetEntries(ctx, c.db, c.oplogTable, sentRowID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("outbound: failed to read pending oplog entries")
		} else {
			for _, group := range groupByTimestamp(entries) {
				group.txn.Origin = c.ClientID()
				if _, err := c.transport.Send(ctx, group.txn); err != nil {
					if ctx.Err() != nil {
						return
					}
					c.log.WithError(err).Warn("outbound: send failed, will retry on next wakeup")
					break
				}
				sentRowID = group.maxRowID
				if err := c.meta.Set(ctx, c.db, types.MetaSentRowID, strconv.FormatInt(sentRowID, 10)); err != nil {
					c.log.WithError(err).Warn("outbound: failed to persist send cursor")
				}
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) loadSentRowID(ctx context.Context) (int64, error) {
	raw, found, err := c.meta.Get(ctx, c.db, types.MetaSentRowID)
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// outboundGroup pairs one outgoing transaction with the highest local
// oplog rowid it covers, so the send cursor can advance past exactly
// what was included once the send succeeds.
type outboundGroup struct {
	txn      wire.DataTransaction
	maxRowID int64
}

// groupByTimestamp folds raw oplog entries into one outbound
// transaction per distinct stamp: every row a single snapshot fold
// stamped together travels upstream together.
func groupByTimestamp(entries []types.OplogEntry) []outboundGroup {
	var order []int64
	byStamp := make(map[int64]*outboundGroup)
	for _, e := range entries {
		g, ok := byStamp[e.Timestamp]
		if !ok {
			g = &outboundGroup{txn: wire.DataTransaction{CommitTimestamp: e.Timestamp}}
			byStamp[e.Timestamp] = g
			order = append(order, e.Timestamp)
		}
		if e.RowID > g.maxRowID {
			g.maxRowID = e.RowID
		}
		change, err := oplogEntryToDataChange(e)
		if err != nil {
			continue
		}
		g.txn.Changes = append(g.txn.Changes, change)
	}
	ret := make([]outboundGroup, 0, len(order))
	for _, stamp := range order {
		ret = append(ret, *byStamp[stamp])
	}
	return ret
}

func oplogEntryToDataChange(e types.OplogEntry) (wire.DataChange, error) {
	tags := make([]string, 0, len(e.ClearTags))
	for t := range e.ClearTags {
		tags = append(tags, t.String())
	}
	var record json.RawMessage
	if e.OpType != types.OpDelete {
		b, err := json.Marshal(e.NewRow)
		if err != nil {
			return wire.DataChange{}, err
		}
		record = b
	}
	return wire.DataChange{
		Relation: e.QualifiedTable().Raw(),
		Type:     strings.ToLower(e.OpType.String()),
		Key:      e.PrimaryKey,
		Record:   record,
		Tags:     tags,
	}, nil
}

func (c *Controller) applyTransaction(ctx context.Context, txn wire.DataTransaction) error {
	mutations := make([]types.Mutation, 0, len(txn.Changes))
	for _, change := range txn.Changes {
		m, err := dataChangeToMutation(change, txn.CommitTimestamp)
		if err != nil {
			return err
		}
		mutations = append(mutations, m)
	}
	return c.applyEng.Apply(ctx, txn.Origin, txn.CommitTimestamp, mutations, txn.LSN)
}

func dataChangeToMutation(change wire.DataChange, commitTimestamp int64) (types.Mutation, error) {
	table, err := ident.ParseTable(change.Relation)
	if err != nil {
		return types.Mutation{}, err
	}
	var op types.OpType
	switch change.Type {
	case "insert":
		op = types.OpInsert
	case "update":
		op = types.OpUpdate
	case "delete":
		op = types.OpDelete
	case "upsert":
		op = types.OpUpsert
	default:
		op = types.OpUnknown
	}

	tags := make(tag.Set, len(change.Tags))
	for _, raw := range change.Tags {
		t, err := tag.Parse(raw)
		if err != nil {
			return types.Mutation{}, err
		}
		tags[t] = struct{}{}
	}

	return types.Mutation{
		Table:     table,
		Type:      op,
		Key:       change.Key,
		Data:      change.Record,
		Timestamp: commitTimestamp,
		Tags:      tags,
	}, nil
}

// handleBehindWindow deletes the persisted lsn (leaving every other
// meta value, including the clientId, in place) and re-subscribes to
// every active shape from scratch. It does not delete rows already
// replicated into user tables, nor their shadow entries. It does not
// touch the local oplog: not-yet-acknowledged local writes survive a
// behind-window reset exactly as they survive an ordinary disconnect.
func (c *Controller) handleBehindWindow(ctx context.Context) error {
	if err := c.meta.Delete(ctx, c.db, types.MetaLSN); err != nil {
		return err
	}
	c.mu.Lock()
	root := c.rootCtx
	c.mu.Unlock()
	return c.shapes.ResubscribeActive(root)
}

// RequestSubscribe implements shape.Requester by delegating to the
// transport over the currently-open stream.
func (c *Controller) RequestSubscribe(ctx context.Context, key string, shapes []types.ShapeDef) (string, error) {
	c.mu.Lock()
	connected := c.st == stateConnected
	c.mu.Unlock()
	if !connected {
		return "", errors.New("conn: not connected")
	}
	return c.transport.RequestSubscribe(ctx, key, shapes)
}

// RequestUnsubscribe implements shape.Requester.
func (c *Controller) RequestUnsubscribe(ctx context.Context, serverID string) error {
	c.mu.Lock()
	connected := c.st == stateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.transport.RequestUnsubscribe(ctx, serverID)
}

func (c *Controller) setState(s state, reason error) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
	c.emitConnectivity(s, reason)
}

func (c *Controller) emitConnectivity(s state, reason error) {
	c.connectivity.Set(types.ConnectivityState{
		DBName: c.dbName,
		Status: s.status(),
		Reason: reason,
	})
}
