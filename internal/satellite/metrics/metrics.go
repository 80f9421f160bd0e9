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

// Package metrics holds shared Prometheus label sets and bucket
// boundaries so that every component's metrics (oplog, snapshot,
// apply, shape) are reported on a common scale.
package metrics

// LatencyBuckets are the histogram buckets, in seconds, used by every
// duration metric in the engine.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10,
}

// TableLabels is the label set attached to every per-table metric.
var TableLabels = []string{"table"}

// SchemaLabels is the label set attached to every per-namespace
// metric (e.g. the apply engine's per-schema transaction durations).
var SchemaLabels = []string{"schema"}
