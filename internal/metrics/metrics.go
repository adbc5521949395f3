// Package metrics exposes Prometheus counters for the provider's cache,
// stream worker and resolvers.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flagd_provider"

// Recorder groups the collectors of one provider instance. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	reconnects    *prometheus.CounterVec
	resolveErrors *prometheus.CounterVec
	ready         prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves the
// collectors unregistered, which keeps instances independent of each other.
// Collectors already registered on reg (by another instance) are reused.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Resolutions answered from the resolution cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Resolutions that missed the resolution cache.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Stream attempts that ended and were scheduled for reconnection.",
		}, []string{"source"}),
		resolveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolve",
			Name:      "errors_total",
			Help:      "Flag resolutions that ended in an error, by error code.",
		}, []string{"code"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the stream worker holds a live, acknowledged stream.",
		}),
	}
	if reg == nil {
		return r, nil
	}

	var err error
	r.cacheHits = register(reg, r.cacheHits, &err)
	r.cacheMisses = register(reg, r.cacheMisses, &err)
	r.reconnects = register(reg, r.reconnects, &err)
	r.resolveErrors = register(reg, r.resolveErrors, &err)
	r.ready = register(reg, r.ready, &err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (r *Recorder) CacheHit() {
	if r != nil {
		r.cacheHits.Inc()
	}
}

func (r *Recorder) CacheMiss() {
	if r != nil {
		r.cacheMisses.Inc()
	}
}

// Reconnect counts one ended stream attempt of the named source.
func (r *Recorder) Reconnect(source string) {
	if r != nil {
		r.reconnects.WithLabelValues(source).Inc()
	}
}

func (r *Recorder) ResolveError(code string) {
	if r != nil {
		r.resolveErrors.WithLabelValues(code).Inc()
	}
}

// Connected flips the connected gauge.
func (r *Recorder) Connected(up bool) {
	if r == nil {
		return
	}
	if up {
		r.ready.Set(1)
	} else {
		r.ready.Set(0)
	}
}
