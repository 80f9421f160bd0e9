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

package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/replichain/satellite/internal/satellite/metrics"
)

var (
	snapshotDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snapshot_duration_seconds",
		Help:    "the length of time a snapshot transaction took to run",
		Buckets: metrics.LatencyBuckets,
	}, metrics.SchemaLabels)
	snapshotRowsStamped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_rows_stamped_total",
		Help: "the number of coalesced rows stamped into the oplog by a snapshot",
	}, metrics.SchemaLabels)
	snapshotAlreadyRunning = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_already_running_total",
		Help: "the number of snapshot calls rejected because one was already in progress",
	}, metrics.SchemaLabels)
	snapshotErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_errors_total",
		Help: "the number of snapshot transactions that failed",
	}, metrics.SchemaLabels)
)
