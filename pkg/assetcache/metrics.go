package assetcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "augment_cache_lookups_total",
		Help: "Cache lookups by result",
	}, []string{"result"})

	storesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "augment_cache_stores_total",
		Help: "Packages written to the cache",
	})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "augment_cache_coalesced_fetches_total",
		Help: "Fetches that waited on an in-flight fetch for the same identifier",
	})

	storedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "augment_cache_stored_bytes_total",
		Help: "Bytes written to the cache",
	})
)
