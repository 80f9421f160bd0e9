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

// Package wire holds the envelope types exchanged with the upstream
// replication server (spec §6): transactions, individual changes, the
// "additional data" side-channel used to resolve a delete's foreign
// keys, and gone-batches for permanently-removed shape members. These
// mirror the teacher's logical.Batch/Events wire shapes, generalized
// for the tagged-oplog protocol this engine speaks instead of a
// changefeed envelope.
package wire

import "encoding/json"

// DataChange is a single row's worth of change data as it travels on
// the wire (spec §6).
type DataChange struct {
	Relation  string          `json:"relation"`
	Type      string          `json:"type"`
	Key       json.RawMessage `json:"key"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"oldRecord,omitempty"`
	Tags      []string        `json:"tags"`
}

// DataTransaction is one committed transaction as delivered by the
// replication stream (spec §6).
type DataTransaction struct {
	LSN             int64        `json:"lsn"`
	CommitTimestamp int64        `json:"commit_timestamp"`
	Origin          string       `json:"origin"`
	Changes         []DataChange `json:"changes"`
}

// AdditionalData carries out-of-band rows the server sends so the
// client can satisfy a foreign key before applying a delete it would
// otherwise have to reject (spec §6, §4.5 compensations).
type AdditionalData struct {
	Ref     string       `json:"ref"`
	Changes []DataChange `json:"changes"`
}

// GoneRow is a single row in a GoneBatch: a shape member the server
// will never send again.
type GoneRow struct {
	TableName string          `json:"tablename"`
	Record    json.RawMessage `json:"record"`
}

// GoneBatch tells the client that every row it lists has permanently
// left a shape's result set (spec §4.6).
type GoneBatch struct {
	ServerID string    `json:"serverId"`
	Rows     []GoneRow `json:"rows"`
}
