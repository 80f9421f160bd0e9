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

// Package pgnotify's own tests cover only the logic that doesn't
// require a live Postgres connection (Schema's DDL, and that Transport
// satisfies conn.Transport); Open/RequestSubscribe/Send round trips
// against LISTEN/NOTIFY are exercised by hand against a real database,
// not under this suite.
package pgnotify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/conn"
)

var _ conn.Transport = (*Transport)(nil)

func TestSchemaDeclaresEveryTableTransportNeeds(t *testing.T) {
	tr := New(nil, "satellite_changes")
	ddl := tr.Schema()

	for _, table := range []string{"satellite_tokens", "satellite_subscriptions", "satellite_outbox"} {
		require.True(t, strings.Contains(ddl, table), "schema should declare %s", table)
	}
}
