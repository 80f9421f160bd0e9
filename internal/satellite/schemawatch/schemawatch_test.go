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

package schemawatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replichain/satellite/internal/satellite/testfixture"
)

func TestRefreshReadsColumnsAndPrimaryKeys(t *testing.T) {
	fx := testfixture.New(t)
	fx.CreateTable(t, `CREATE TABLE parent (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)

	w := New()
	require.NoError(t, w.Refresh(context.Background(), fx.DB))

	data := w.Get()
	cols, ok := data.Columns["parent"]
	require.True(t, ok)

	var sawID, sawName bool
	for _, c := range cols {
		switch c.Name.Raw() {
		case "id":
			sawID = true
			require.True(t, c.Primary)
		case "name":
			sawName = true
			require.False(t, c.Primary)
			require.True(t, c.NotNull)
		}
	}
	require.True(t, sawID)
	require.True(t, sawName)
	require.Len(t, data.Order, 1)
	require.Len(t, data.Order[0], 1)
}

func TestGetReturnsEmptySchemaBeforeRefresh(t *testing.T) {
	w := New()
	require.NotNil(t, w.Get())
	require.Empty(t, w.Get().Columns)
}
