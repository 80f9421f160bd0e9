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

// Package ident holds namespace-qualified names for tables and
// schemas. A namespace is first-class: every qualified name the
// engine hands to an adapter or the wire protocol carries one.
package ident

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Ident is a single, unqualified name component (a table name, a
// column name, a namespace name).
type Ident struct {
	raw string
}

// New wraps a raw name.
func New(raw string) Ident { return Ident{raw: raw} }

// Raw returns the unquoted name.
func (i Ident) Raw() string { return i.raw }

// Empty returns true for the zero value.
func (i Ident) Empty() bool { return i.raw == "" }

// String implements fmt.Stringer.
func (i Ident) String() string { return i.raw }

// MarshalJSON renders an Ident as its bare raw string, so persisted
// subscriptions and wire payloads carrying an Ident read back as
// plain JSON strings rather than an opaque struct.
func (i Ident) MarshalJSON() ([]byte, error) { return json.Marshal(i.raw) }

// UnmarshalJSON parses an Ident from its bare raw string.
func (i *Ident) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &i.raw)
}

// Schema is a namespace: the first-class grouping the wire protocol
// and the meta tables qualify every table name with.
type Schema struct {
	namespace Ident
}

// NewSchema wraps a namespace name.
func NewSchema(namespace string) Schema { return Schema{namespace: New(namespace)} }

// Raw returns the namespace's unquoted name.
func (s Schema) Raw() string { return s.namespace.Raw() }

// String implements fmt.Stringer.
func (s Schema) String() string { return s.namespace.String() }

// MarshalJSON renders a Schema as its bare raw string.
func (s Schema) MarshalJSON() ([]byte, error) { return json.Marshal(s.namespace.raw) }

// UnmarshalJSON parses a Schema from its bare raw string.
func (s *Schema) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.namespace.raw)
}

// Table is a namespace-qualified table name: "<namespace>.<table>".
type Table struct {
	schema Schema
	name   Ident
}

// NewTable qualifies a table name with a namespace.
func NewTable(schema Schema, name string) Table {
	return Table{schema: schema, name: New(name)}
}

// Schema returns the table's namespace.
func (t Table) Schema() Schema { return t.schema }

// Name returns the unqualified table name.
func (t Table) Name() Ident { return t.name }

// Raw returns the fully-qualified "namespace.table" string.
func (t Table) Raw() string {
	if t.schema.Raw() == "" {
		return t.name.Raw()
	}
	return fmt.Sprintf("%s.%s", t.schema.Raw(), t.name.Raw())
}

// String implements fmt.Stringer.
func (t Table) String() string { return t.Raw() }

// Empty returns true for the zero value.
func (t Table) Empty() bool { return t.name.Empty() }

// MarshalJSON renders a Table as its "namespace.table" string, so
// persisted subscriptions and wire payloads carrying a Table read
// back as plain JSON strings.
func (t Table) MarshalJSON() ([]byte, error) { return json.Marshal(t.Raw()) }

// UnmarshalJSON parses a Table from its "namespace.table" string.
func (t *Table) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTable(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTable splits a "namespace.table" (or bare "table") string into
// a qualified Table.
func ParseTable(raw string) (Table, error) {
	if raw == "" {
		return Table{}, fmt.Errorf("empty table name")
	}
	idx := strings.LastIndex(raw, ".")
	if idx < 0 {
		return NewTable(Schema{}, raw), nil
	}
	return NewTable(NewSchema(raw[:idx]), raw[idx+1:]), nil
}

// TableMap is an ordered-insertion map keyed by qualified table name.
// It mirrors the teacher's generic ident.TableMap helper: callers
// range over tables in a stable order without needing a
// separately-maintained slice of keys.
type TableMap[V any] struct {
	order []Table
	data  map[string]V
}

// Get returns the value for a table and whether it was present.
func (m *TableMap[V]) Get(t Table) (V, bool) {
	v, ok := m.data[t.Raw()]
	return v, ok
}

// GetZero returns the value for a table, or the zero value if absent.
func (m *TableMap[V]) GetZero(t Table) V {
	v := m.data[t.Raw()]
	return v
}

// Put inserts or replaces the value associated with a table.
func (m *TableMap[V]) Put(t Table, v V) {
	if m.data == nil {
		m.data = make(map[string]V)
	}
	key := t.Raw()
	if _, found := m.data[key]; !found {
		m.order = append(m.order, t)
	}
	m.data[key] = v
}

// Delete removes a table's entry.
func (m *TableMap[V]) Delete(t Table) {
	key := t.Raw()
	if _, found := m.data[key]; !found {
		return
	}
	delete(m.data, key)
	for i, tbl := range m.order {
		if tbl.Raw() == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *TableMap[V]) Len() int { return len(m.order) }

// Range visits entries in insertion order, stopping on the first
// error returned by fn.
func (m *TableMap[V]) Range(fn func(Table, V) error) error {
	for _, t := range m.order {
		if err := fn(t, m.data[t.Raw()]); err != nil {
			return err
		}
	}
	return nil
}
