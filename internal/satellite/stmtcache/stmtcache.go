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

// Package stmtcache caches *sql.Stmt instances keyed by an arbitrary
// comparable key (usually the SQL text itself), so that the snapshot
// and apply engines don't re-prepare the same statement on every
// invocation. Evicted statements are closed.
package stmtcache

import (
	"container/list"
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
)

// DB is the subset of *sql.DB the cache needs.
type DB interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Cache is a bounded, LRU-evicted cache of prepared statements keyed
// by K.
type Cache[K comparable] struct {
	db       DB
	maxSize  int
	mu       sync.Mutex
	order    *list.List
	entries  map[K]*list.Element
}

type entry[K comparable] struct {
	key  K
	stmt *sql.Stmt
}

// New constructs a Cache with the given maximum number of resident
// statements.
func New[K comparable](db DB, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K]{
		db:      db,
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[K]*list.Element),
	}
}

// Prepare returns a cached statement for key, preparing and caching
// prepareSQL via the underlying DB if it is not already resident.
func (c *Cache[K]) Prepare(ctx context.Context, key K, prepareSQL string) (*sql.Stmt, error) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		stmt := el.Value.(*entry[K]).stmt
		c.mu.Unlock()
		return stmt, nil
	}
	c.mu.Unlock()

	stmt, err := c.db.PrepareContext(ctx, prepareSQL)
	if err != nil {
		return nil, errors.Wrap(err, "stmtcache: prepare")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have raced us; prefer the existing entry
	// and close the redundant statement.
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		_ = stmt.Close()
		return el.Value.(*entry[K]).stmt, nil
	}

	el := c.order.PushFront(&entry[K]{key: key, stmt: stmt})
	c.entries[key] = el

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		old := oldest.Value.(*entry[K])
		delete(c.entries, old.key)
		_ = old.stmt.Close()
	}

	return stmt, nil
}

// Len returns the number of resident statements.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Diagnostic implements diag.Diagnostic.
func (c *Cache[K]) Diagnostic(context.Context) (any, error) {
	return map[string]int{"resident": c.Len()}, nil
}

// Close closes every cached statement.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		_ = el.Value.(*entry[K]).stmt.Close()
	}
	c.order.Init()
	c.entries = make(map[K]*list.Element)
}
