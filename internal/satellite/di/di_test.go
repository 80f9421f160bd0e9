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

package di

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/config"
	"github.com/replichain/satellite/internal/satellite/conn"
	"github.com/replichain/satellite/internal/satellite/stopper"
	"github.com/replichain/satellite/internal/satellite/types"
	"github.com/replichain/satellite/internal/satellite/wire"
)

// fakeStream blocks on Recv until Close is called, the same shape
// conn's own tests use for an idle connection.
type fakeStream struct {
	closed chan struct{}
}

func newFakeStream() *fakeStream { return &fakeStream{closed: make(chan struct{})} }

func (s *fakeStream) Recv() (wire.DataTransaction, error) {
	<-s.closed
	return wire.DataTransaction{}, context.Canceled
}

func (s *fakeStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// fakeTransport is a minimal conn.Transport that never talks to a real
// network, letting this test exercise the full construction graph
// without a live Postgres instance.
type fakeTransport struct{ stream *fakeStream }

func (t *fakeTransport) Open(ctx context.Context, auth conn.AuthState) (conn.Stream, error) {
	t.stream = newFakeStream()
	return t.stream, nil
}

func (t *fakeTransport) RequestSubscribe(ctx context.Context, key string, shapes []types.ShapeDef) (string, error) {
	return "server-" + key, nil
}

func (t *fakeTransport) RequestUnsubscribe(ctx context.Context, serverID string) error { return nil }

func (t *fakeTransport) Send(ctx context.Context, txn wire.DataTransaction) (int64, error) {
	return 0, nil
}

func TestNewAssemblesASessionAndClosesTheRequesterCycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.ServerAddr = "inline-test-transport"
	cfg.ConnectionBackoff = config.Backoff{InitialMs: 5, MaxMs: 20, Factor: 2, Jitter: 0}
	cfg.ApplyTimeout = time.Second

	transport := &fakeTransport{}
	auth := conn.AuthState{Token: "t", Sub: "user-1"}

	rootCtx := stopper.WithContext(context.Background())
	session, cleanup, err := New(rootCtx, cfg, transport, auth)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, session.DB)
	require.NotNil(t, session.Diagnostics)
	require.NotNil(t, session.Watcher)
	require.NotNil(t, session.Snapshots)
	require.NotNil(t, session.Apply)
	require.NotNil(t, session.Shapes)
	require.NotNil(t, session.Conn)

	require.NoError(t, session.Conn.Start(rootCtx, auth))
	require.Eventually(t, func() bool {
		return transport.stream != nil
	}, time.Second, 5*time.Millisecond)

	session.Conn.Disconnect()
	require.NoError(t, rootCtx.Stop(2*time.Second))
}

func TestNewRejectsAnUnpreparedConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	// DBPath and ServerAddr are deliberately left unset so Preflight fails.
	rootCtx := stopper.WithContext(context.Background())
	_, _, err := New(rootCtx, cfg, &fakeTransport{}, conn.AuthState{Sub: "u"})
	require.Error(t, err)
}
