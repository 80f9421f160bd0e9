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

package shape

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/replichain/satellite/internal/satellite/metrics"
)

var (
	shapeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shape_subscription_transitions_total",
		Help: "the number of shape subscription state transitions, by resulting status",
	}, []string{"status"})
	shapeDedupedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shape_subscription_deduped_requests_total",
		Help: "the number of concurrent identical subscribe calls collapsed into one server request",
	}, metrics.SchemaLabels)
	shapeGCDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shape_subscription_gc_duration_seconds",
		Help:    "the length of time an unsubscribe's reverse-FK-ordered GC transaction took",
		Buckets: metrics.LatencyBuckets,
	}, metrics.SchemaLabels)
)
