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

// Package pgnotify implements conn.Transport over a single Postgres
// database's LISTEN/NOTIFY mechanism: a reference transport a
// Satellite client can run against without standing up a dedicated
// replication server, the same role a pgxpool-backed adapter plays in
// the other_examples realtime-subscription code this package is
// grounded on. Outgoing transactions are appended to an outbox table
// and announced with pg_notify; incoming ones are read back off the
// same channel by any other client listening on it.
package pgnotify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/replichain/satellite/internal/satellite/conn"
	"github.com/replichain/satellite/internal/satellite/errkind"
	"github.com/replichain/satellite/internal/satellite/types"
	"github.com/replichain/satellite/internal/satellite/wire"
)

// Transport adapts a pgxpool.Pool into conn.Transport, speaking a
// tiny protocol of its own: a bearer token table for auth, a
// subscriptions table for shape requests, and an outbox table whose
// inserts are announced over one NOTIFY channel.
type Transport struct {
	pool    *pgxpool.Pool
	channel string
}

// New constructs a Transport bound to pool, publishing and listening
// on channel.
func New(pool *pgxpool.Pool, channel string) *Transport {
	return &Transport{pool: pool, channel: channel}
}

// Schema returns the DDL for the tables this transport needs, for a
// caller that owns provisioning the shared Postgres database both
// sides of the channel connect to.
func (t *Transport) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS satellite_tokens (
  token TEXT PRIMARY KEY,
  sub   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS satellite_subscriptions (
  id     BIGSERIAL PRIMARY KEY,
  key    TEXT NOT NULL,
  shapes JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS satellite_outbox (
  id         BIGSERIAL PRIMARY KEY,
  payload    JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
}

// stream wraps one dedicated pgxpool connection kept in LISTEN mode
// for the lifetime of a Satellite connection.
type stream struct {
	conn *pgxpool.Conn
}

func (s *stream) Recv() (wire.DataTransaction, error) {
	notification, err := s.conn.Conn().WaitForNotification(context.Background())
	if err != nil {
		return wire.DataTransaction{}, err
	}
	var txn wire.DataTransaction
	if err := json.Unmarshal([]byte(notification.Payload), &txn); err != nil {
		return wire.DataTransaction{}, errors.Wrap(err, "pgnotify: decode notification payload")
	}
	return txn, nil
}

func (s *stream) Close() error {
	s.conn.Release()
	return nil
}

// Open validates auth.Token against the tokens table and, once
// accepted, dedicates one pooled connection to LISTEN on the shared
// channel for the life of the returned Stream.
func (t *Transport) Open(ctx context.Context, auth conn.AuthState) (conn.Stream, error) {
	var sub string
	err := t.pool.QueryRow(ctx, `SELECT sub FROM satellite_tokens WHERE token = $1`, auth.Token).Scan(&sub)
	if err == pgx.ErrNoRows {
		return nil, errkind.New(errkind.AuthExpired, errors.New("pgnotify: token not recognized"))
	}
	if err != nil {
		return nil, errors.Wrap(err, "pgnotify: token lookup")
	}
	if sub != auth.Sub {
		return nil, errkind.New(errkind.AuthRequired, errors.New("pgnotify: token does not match subject"))
	}

	c, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pgnotify: acquire listen connection")
	}
	if _, err := c.Exec(ctx, `LISTEN `+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		c.Release()
		return nil, errors.Wrap(err, "pgnotify: listen")
	}
	return &stream{conn: c}, nil
}

// RequestSubscribe records key's shape set and returns its row id as
// the server-assigned subscription identity.
func (t *Transport) RequestSubscribe(ctx context.Context, key string, shapes []types.ShapeDef) (string, error) {
	encoded, err := json.Marshal(shapes)
	if err != nil {
		return "", err
	}
	var id int64
	err = t.pool.QueryRow(ctx,
		`INSERT INTO satellite_subscriptions (key, shapes) VALUES ($1, $2) RETURNING id`,
		key, encoded).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "pgnotify: insert subscription")
	}
	return strconv.FormatInt(id, 10), nil
}

// RequestUnsubscribe removes a previously-recorded subscription.
func (t *Transport) RequestUnsubscribe(ctx context.Context, serverID string) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM satellite_subscriptions WHERE id::text = $1`, serverID)
	return err
}

// Send appends txn to the outbox and announces its arrival on the
// shared channel, returning the outbox row id as the assigned lsn.
func (t *Transport) Send(ctx context.Context, txn wire.DataTransaction) (int64, error) {
	encoded, err := json.Marshal(txn)
	if err != nil {
		return 0, err
	}

	var id int64
	err = t.pool.QueryRow(ctx,
		`INSERT INTO satellite_outbox (payload) VALUES ($1) RETURNING id`, encoded).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "pgnotify: insert outbox")
	}
	if _, err := t.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, t.channel, string(encoded)); err != nil {
		return 0, errors.Wrap(err, "pgnotify: notify")
	}
	return id, nil
}
