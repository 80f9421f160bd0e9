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

// Package diag provides a small self-diagnostics registry. Components
// such as the database adapter (reporting its statement cache) register
// themselves so that a host can expose a combined health report.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Diagnostic is implemented by anything that can report its own
// health.
type Diagnostic interface {
	Diagnostic(ctx context.Context) (any, error)
}

// Diagnostics is a registry of named Diagnostic providers.
type Diagnostics struct {
	mu struct {
		sync.Mutex
		entries map[string]Diagnostic
	}
}

// New constructs an empty registry.
func New() *Diagnostics {
	d := &Diagnostics{}
	d.mu.entries = make(map[string]Diagnostic)
	return d
}

// Register adds a named Diagnostic. It returns an error if the name
// is already registered.
func (d *Diagnostics) Register(name string, diagnostic Diagnostic) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.mu.entries[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.mu.entries[name] = diagnostic
	return nil
}

// Unregister removes a named Diagnostic, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mu.entries, name)
}

// Report runs every registered Diagnostic and returns a map of name to
// result (or error message, if the Diagnostic failed).
func (d *Diagnostics) Report(ctx context.Context) map[string]any {
	d.mu.Lock()
	snapshot := make(map[string]Diagnostic, len(d.mu.entries))
	for name, diagnostic := range d.mu.entries {
		snapshot[name] = diagnostic
	}
	d.mu.Unlock()

	ret := make(map[string]any, len(snapshot))
	for name, diagnostic := range snapshot {
		v, err := diagnostic.Diagnostic(ctx)
		if err != nil {
			ret[name] = err.Error()
			continue
		}
		ret[name] = v
	}
	return ret
}
