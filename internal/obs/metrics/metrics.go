// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics exposes Prometheus instrumentation for the graph,
// lockbox, reducer/resolver, and connection subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teamkeys"

// Registry is the Prometheus registry all of this package's collectors
// register against. It is a single package-level registry created once,
// separate from prometheus.DefaultRegisterer.
var Registry = prometheus.NewRegistry()

var (
	// GraphLinksAppended counts links appended to the local graph.
	GraphLinksAppended = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "links_appended_total",
			Help:      "Total number of links appended to the graph.",
		},
	)

	// GraphMergeDuration tracks merge() call latency.
	GraphMergeDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "merge_duration_seconds",
			Help:      "Duration of graph merge operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// GraphTopoSortDuration tracks topoSort() call latency.
	GraphTopoSortDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "topo_sort_duration_seconds",
			Help:      "Duration of topological-sort operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// LockboxRotations counts key-rotation events by scope type.
	LockboxRotations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockbox",
			Name:      "rotations_total",
			Help:      "Total number of keyset rotations, by scope type.",
		},
		[]string{"scope_type"},
	)

	// LockboxOpenErrors counts failed lockbox opens (bad MAC, unknown key).
	LockboxOpenErrors = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockbox",
			Name:      "open_errors_total",
			Help:      "Total number of failed lockbox decryptions.",
		},
	)

	// ResolverFilteredActions counts links dropped by the membership
	// resolver, by rule name.
	ResolverFilteredActions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "filtered_actions_total",
			Help:      "Total number of concurrent actions filtered by the resolver, by rule.",
		},
		[]string{"rule"},
	)

	// ConnectionStateTransitions counts Connection state-machine
	// transitions, by from/to state.
	ConnectionStateTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Total number of connection state-machine transitions.",
		},
		[]string{"from", "to"},
	)

	// ConnectionErrors counts connection errors, by error kind.
	ConnectionErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "errors_total",
			Help:      "Total number of connection errors, by kind.",
		},
		[]string{"kind"},
	)
)
