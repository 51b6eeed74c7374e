// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway.
//
// A batch ETL is not scraped, so observations go into a private registry and
// Flush pushes the whole registry under the job's grouping key. Collectors
// are created lazily on first use of a metric name; the label keys seen then
// become that metric's label set.
package prompush

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"movieetl/internal/metrics"
)

// Options configures the pushgateway backend.
type Options struct {
	// URL of the pushgateway, e.g. http://pushgateway:9091.
	URL string
	// JobName is the grouping job. Defaults to "movie_etl".
	JobName string
	// Buckets for every histogram. Defaults to prometheus.DefBuckets.
	Buckets []float64
}

// Backend implements metrics.Backend.
type Backend struct {
	reg     *prometheus.Registry
	pusher  *push.Pusher
	buckets []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// New returns a Backend; nothing is sent until Flush.
func New(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("prompush: missing pushgateway url")
	}
	job := opts.JobName
	if job == "" {
		job = "movie_etl"
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	reg := prometheus.NewRegistry()
	return &Backend{
		reg:        reg,
		pusher:     push.New(opts.URL, job).Gatherer(reg),
		buckets:    buckets,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

// IncCounter implements metrics.Backend. Observations whose label keys differ
// from the metric's first use are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, sortedKeys(labels))
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.counters[name] = vec
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: b.buckets}, sortedKeys(labels))
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.histograms[name] = vec
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

// Flush pushes the registry, replacing the job's previous group.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

// Registry exposes the underlying registry for inspection.
func (b *Backend) Registry() *prometheus.Registry { return b.reg }

func sortedKeys(l metrics.Labels) []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ metrics.Backend = (*Backend)(nil)
