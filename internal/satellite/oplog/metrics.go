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

package oplog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/replichain/satellite/internal/satellite/metrics"
)

// Metric names and labels follow internal/staging/stage/metrics.go in
// the teacher tree (stage_{retire,select,store}_*), renamed to the
// oplog_ prefix for this component.
var (
	oplogRetireDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oplog_retire_duration_seconds",
		Help:    "the length of time it took to garbage-collect acknowledged oplog entries",
		Buckets: metrics.LatencyBuckets,
	}, metrics.TableLabels)
	oplogRetireErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_retire_errors_total",
		Help: "the number of times an error was encountered while garbage-collecting the oplog",
	}, metrics.TableLabels)

	oplogSelectCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_select_entries_total",
		Help: "the number of oplog entries read for this table",
	}, metrics.TableLabels)
	oplogSelectDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oplog_select_duration_seconds",
		Help:    "the length of time it took to read oplog entries",
		Buckets: metrics.LatencyBuckets,
	}, metrics.TableLabels)

	oplogShadowUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_shadow_upserts_total",
		Help: "the number of shadow rows written",
	}, metrics.TableLabels)
	oplogShadowDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_shadow_deletes_total",
		Help: "the number of shadow rows deleted",
	}, metrics.TableLabels)
)
