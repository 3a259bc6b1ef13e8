// Package metrics exports signed-URL cache and export counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"formkeep/internal/fk"
)

const namespace = "formkeep"

// Observer implements fk.CacheObserver and fk.ExportObserver on top of
// Prometheus counters.
type Observer struct {
	cacheLookups   *prometheus.CounterVec
	coalesced      prometheus.Counter
	issuances      *prometheus.CounterVec
	exportFailures *prometheus.CounterVec
	exports        *prometheus.CounterVec
}

var (
	_ fk.CacheObserver  = (*Observer)(nil)
	_ fk.ExportObserver = (*Observer)(nil)
)

// NewObserver creates the counters and registers them with reg. A nil reg
// uses the default registerer. Counters already registered by an earlier
// Observer are reused.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "url_cache",
			Name:      "lookups_total",
			Help:      "Signed-URL cache lookups by result.",
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "url_cache",
			Name:      "coalesced_total",
			Help:      "Requests that joined an issuance already in flight.",
		}),
		issuances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "url_cache",
			Name:      "issuances_total",
			Help:      "Signed-URL issuance calls by outcome.",
		}, []string{"outcome"}),
		exportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "item_failures_total",
			Help:      "Files an export could not include, by export kind.",
		}, []string{"kind"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "completed_total",
			Help:      "Completed exports by kind.",
		}, []string{"kind"}),
	}

	var err error
	if o.cacheLookups, err = register(reg, o.cacheLookups); err != nil {
		return nil, err
	}
	if o.coalesced, err = register(reg, o.coalesced); err != nil {
		return nil, err
	}
	if o.issuances, err = register(reg, o.issuances); err != nil {
		return nil, err
	}
	if o.exportFailures, err = register(reg, o.exportFailures); err != nil {
		return nil, err
	}
	if o.exports, err = register(reg, o.exports); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("registering collector: %w", err)
	}
	return c, nil
}

func (o *Observer) CacheHit()          { o.cacheLookups.WithLabelValues("hit").Inc() }
func (o *Observer) CacheMiss()         { o.cacheLookups.WithLabelValues("miss").Inc() }
func (o *Observer) IssuanceCoalesced() { o.coalesced.Inc() }

func (o *Observer) IssuanceFinished(ok bool) {
	if ok {
		o.issuances.WithLabelValues("ok").Inc()
		return
	}
	o.issuances.WithLabelValues("error").Inc()
}

func (o *Observer) ExportItemFailed(kind string) { o.exportFailures.WithLabelValues(kind).Inc() }
func (o *Observer) ExportCompleted(kind string)  { o.exports.WithLabelValues(kind).Inc() }
