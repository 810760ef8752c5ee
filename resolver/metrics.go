package resolver

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/did-method-webvh/go-didwebvh/resolver")

var (
	ResolutionCounter metric.Int64Counter
	CacheHitCounter   metric.Int64Counter
	InFlightGauge     metric.Int64Gauge
	WatchQueueGauge   metric.Int64Gauge
	LastRefreshGauge  metric.Int64Gauge
)

var (
	OutcomeOk    = attribute.String("outcome", "ok")
	OutcomeError = attribute.String("outcome", "error")
	OutcomeStale = attribute.String("outcome", "stale")
)

func init() {
	var err error
	ResolutionCounter, err = meter.Int64Counter("webvh_resolver_resolutions",
		metric.WithDescription("Completed DID resolutions by outcome"),
	)
	if err != nil {
		panic(err)
	}
	CacheHitCounter, err = meter.Int64Counter("webvh_resolver_cache_hits",
		metric.WithDescription("Requests served from the local cache"),
	)
	if err != nil {
		panic(err)
	}
	InFlightGauge, err = meter.Int64Gauge("webvh_resolver_inflight",
		metric.WithDescription("Number of DIDs currently being resolved upstream"),
	)
	if err != nil {
		panic(err)
	}
	WatchQueueGauge, err = meter.Int64Gauge("webvh_resolver_watch_queue",
		metric.WithDescription("Number of DIDs on the watcher refresh schedule"),
	)
	if err != nil {
		panic(err)
	}
	LastRefreshGauge, err = meter.Int64Gauge("webvh_resolver_last_refresh_ts",
		metric.WithDescription("Unix timestamp of the most recent watcher refresh"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}
