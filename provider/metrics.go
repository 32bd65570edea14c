/*
   Keychain - OpenPGP keyring storage
   Copyright (C) 2014  The Keychain Developers

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

package provider

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metrics = struct {
	keyringsSaved   *prometheus.CounterVec
	keyringsRemoved prometheus.Counter
	batchFailures   prometheus.Counter
	keyringsArmored prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}{
	keyringsSaved: prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Name:      "keyrings_saved",
			Help:      "Count of saved keyrings",
		},
		[]string{"type"},
	),
	keyringsRemoved: prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Name:      "keyrings_removed",
			Help:      "Count of removed keyrings",
		},
	),
	batchFailures: prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Name:      "keyring_batch_failures",
			Help:      "Count of derived-row batches that failed to apply",
		},
	),
	keyringsArmored: prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Name:      "keyrings_armored",
			Help:      "Count of keyrings written to armored exports",
		},
	),
	cacheHits: prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Name:      "keyring_cache_hits",
			Help:      "Count of decoded keyring cache hits",
		},
	),
	cacheMisses: prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keychain",
			Name:      "keyring_cache_misses",
			Help:      "Count of decoded keyring cache misses",
		},
	),
}

var metricsRegister sync.Once

func registerMetrics() {
	metricsRegister.Do(func() {
		prometheus.MustRegister(metrics.keyringsSaved)
		prometheus.MustRegister(metrics.keyringsRemoved)
		prometheus.MustRegister(metrics.batchFailures)
		prometheus.MustRegister(metrics.keyringsArmored)
		prometheus.MustRegister(metrics.cacheHits)
		prometheus.MustRegister(metrics.cacheMisses)
	})
}
