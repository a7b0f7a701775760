// Package metrics provides a small counter registry on top of the
// Prometheus client. Call Init once per process (or per test) before
// creating registries; counters are created lazily on first use.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu        sync.Mutex
	namespace string
	registry  *prometheus.Registry
)

// Init creates a fresh Prometheus registry for the process. The namespace
// is prepended to every metric name.
func Init(ns string) (*prometheus.Registry, error) {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return nil, fmt.Errorf("metrics already initialized with namespace %q", namespace)
	}
	namespace = sanitize(ns)
	registry = prometheus.NewRegistry()
	return registry, nil
}

// Deinit discards the process registry. Intended for tests.
func Deinit() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
	namespace = ""
}

// Handler serves the process registry in the Prometheus text format.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// MetricsRegistry hands out counters scoped to one subsystem.
type MetricsRegistry struct {
	subsystem string

	countersMu sync.Mutex
	counters   map[string]prometheus.Counter
}

func NewMetricsRegistry(subsystem string) *MetricsRegistry {
	return &MetricsRegistry{
		subsystem: sanitize(subsystem),
		counters:  make(map[string]prometheus.Counter),
	}
}

// Counter returns the counter with the given name, registering it on first
// use. Safe for concurrent use.
func (m *MetricsRegistry) Counter(name string) prometheus.Counter {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()

	if c, ok := m.counters[name]; ok {
		return c
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: currentNamespace(),
		Subsystem: m.subsystem,
		Name:      sanitize(name),
	})

	mu.Lock()
	r := registry
	mu.Unlock()
	if r != nil {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				c = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}

	m.counters[name] = c
	return c
}

func currentNamespace() string {
	mu.Lock()
	defer mu.Unlock()
	return namespace
}

// sanitize maps arbitrary labels onto the Prometheus name charset.
func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
