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

// Package stopper provides cooperative cancellation for the engine's
// background goroutines: the connection controller's connect-and-receive
// loop and each shape subscription's establish or cancel worker. A Context is a context.Context plus
// an explicit "drain, don't just cancel" signal and a WaitGroup of
// everything launched through it.
package stopper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Context decorates a context.Context with cooperative shutdown.
// Stopping() fires first, to let goroutines finish their current unit
// of work (e.g. a snapshot's current transaction); the embedded
// context.Context is canceled only once every launched goroutine has
// returned or the Stop timeout elapses.
type Context struct {
	context.Context

	stopping chan struct{}
	once     sync.Once
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// WithContext creates a new stopper rooted at the given parent
// context.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		Context:  ctx,
		stopping: make(chan struct{}),
		cancel:   cancel,
	}
}

// Go launches fn in a goroutine tracked by the stopper. The error fn
// returns is discarded.
func (s *Context) Go(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = fn()
	}()
}

// Stopping returns a channel that is closed when Stop is first
// called. Goroutines should select on this to begin draining.
func (s *Context) Stopping() <-chan struct{} {
	return s.stopping
}

// Stop signals Stopping() and then waits up to timeout for all
// goroutines launched via Go to return before canceling the embedded
// context. Stop is idempotent.
func (s *Context) Stop(timeout time.Duration) error {
	s.once.Do(func() { close(s.stopping) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return errors.New("stopper: timed out waiting for goroutines to drain")
	}
}
