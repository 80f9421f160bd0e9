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

package apply

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/replichain/satellite/internal/satellite/metrics"
)

var (
	applyDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apply_transaction_duration_seconds",
		Help:    "the length of time an incoming transaction's apply took",
		Buckets: metrics.LatencyBuckets,
	}, metrics.SchemaLabels)
	applyRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apply_rows_written_total",
		Help: "the number of resolved rows written by the apply engine",
	}, metrics.TableLabels)
	applyCompensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apply_compensations_total",
		Help: "the number of synthetic compensation rows inserted to satisfy a foreign key",
	}, metrics.TableLabels)
	applyFKErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apply_fk_violations_total",
		Help: "the number of incoming deletes rejected for violating a foreign key",
	}, metrics.TableLabels)
)
