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

package shape

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/ident"
	"github.com/replichain/satellite/internal/satellite/metastore"
	"github.com/replichain/satellite/internal/satellite/stopper"
	"github.com/replichain/satellite/internal/satellite/testfixture"
	"github.com/replichain/satellite/internal/satellite/types"
)

type fakeRequester struct {
	mu          sync.Mutex
	subscribes  int32
	failNext    bool
	unsubscribed []string
}

func (f *fakeRequester) RequestSubscribe(ctx context.Context, key string, shapes []types.ShapeDef) (string, error) {
	atomic.AddInt32(&f.subscribes, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("server rejected subscribe")
	}
	return "server-" + key, nil
}

func (f *fakeRequester) RequestUnsubscribe(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, serverID)
	return nil
}

func newManager(t *testing.T, req Requester) (*Manager, *testfixture.Fixture) {
	t.Helper()
	fx := testfixture.New(t)
	metaTable := ident.NewTable(ident.NewSchema("main"), "_electric_meta")
	meta := metastore.New(fx.QB, metaTable)
	require.NoError(t, fx.DB.Run(context.Background(), meta.Schema()))
	return New(fx.DB, meta, req, nil, "main"), fx
}

func TestSubscribeSettlesActive(t *testing.T) {
	req := &fakeRequester{}
	mgr, _ := newManager(t, req)
	ctx := stopper.WithContext(context.Background())

	synced, err := mgr.Subscribe(ctx, "k1", []types.ShapeDef{{Table: ident.NewTable(ident.NewSchema("main"), "parent")}})
	require.NoError(t, err)

	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("subscribe did not settle")
	}
	require.NoError(t, mgr.Err("k1"))
	require.Equal(t, int32(1), req.subscribes)
}

func TestSubscribeDedupesConcurrentIdenticalCalls(t *testing.T) {
	req := &fakeRequester{}
	mgr, _ := newManager(t, req)
	ctx := stopper.WithContext(context.Background())
	shapes := []types.ShapeDef{{Table: ident.NewTable(ident.NewSchema("main"), "parent")}}

	synced1, err := mgr.Subscribe(ctx, "k1", shapes)
	require.NoError(t, err)
	synced2, err := mgr.Subscribe(ctx, "k1", shapes)
	require.NoError(t, err)
	require.Equal(t, synced1, synced2, "identical concurrent subscribes share one settlement channel")

	<-synced1
	require.Equal(t, int32(1), req.subscribes)
}

func TestSubscribeFailureGoesGone(t *testing.T) {
	req := &fakeRequester{failNext: true}
	mgr, _ := newManager(t, req)
	ctx := stopper.WithContext(context.Background())

	synced, err := mgr.Subscribe(ctx, "k1", []types.ShapeDef{{Table: ident.NewTable(ident.NewSchema("main"), "parent")}})
	require.NoError(t, err)

	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("subscribe did not settle")
	}
	require.Error(t, mgr.Err("k1"))
}

func TestUnsubscribeGCsRowsAndUnregisters(t *testing.T) {
	req := &fakeRequester{}
	mgr, fx := newManager(t, req)
	fx.CreateTable(t, `CREATE TABLE "parent" (id INTEGER PRIMARY KEY, value TEXT)`)
	fx.CreateTable(t, `INSERT INTO "parent" (id, value) VALUES (1, 'a')`)
	ctx := stopper.WithContext(context.Background())

	shapes := []types.ShapeDef{{Table: ident.NewTable(ident.NewSchema("main"), "parent")}}
	synced, err := mgr.Subscribe(ctx, "k1", shapes)
	require.NoError(t, err)
	<-synced

	require.NoError(t, mgr.Unsubscribe(ctx, "k1"))

	rows, err := fx.DB.Query(context.Background(), `SELECT id FROM "parent"`)
	require.NoError(t, err)
	defer rows.Close()
	require.False(t, rows.Next(), "unsubscribe GCs the shape's rows")
	require.Len(t, req.unsubscribed, 1)

	mgr.mu.Lock()
	_, stillTracked := mgr.subs["k1"]
	mgr.mu.Unlock()
	require.False(t, stillTracked)
}
