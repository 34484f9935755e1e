// Package telemetry provides in-process counters and latency histograms
// with a Prometheus text exposition endpoint. The handful of series the
// service tracks (requests, webhook outcomes, pipeline steps, shipped log
// batches) does not justify a metrics SDK.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultBuckets are latency bucket bounds in seconds.
var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Registry holds every metric series. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*counterSeries
	histograms map[string]*histogram
	gauges     map[string]func() float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*counterSeries),
		histograms: make(map[string]*histogram),
		gauges:     make(map[string]func() float64),
	}
}

type counterSeries struct {
	mu     sync.Mutex
	values map[string]float64 // encoded label set → value
}

type histogram struct {
	mu      sync.Mutex
	bounds  []float64
	buckets []uint64
	count   uint64
	sum     float64
}

// Counter increments a counter series by 1. Labels are name/value pairs:
// Counter("vetdesk_webhook_events_total", "vendor", "voice", "outcome", "accepted").
func (r *Registry) Counter(name string, labels ...string) {
	r.CounterAdd(name, 1, labels...)
}

// CounterAdd increments a counter series by delta.
func (r *Registry) CounterAdd(name string, delta float64, labels ...string) {
	r.mu.Lock()
	cs, ok := r.counters[name]
	if !ok {
		cs = &counterSeries{values: make(map[string]float64)}
		r.counters[name] = cs
	}
	r.mu.Unlock()

	key := encodeLabels(labels)
	cs.mu.Lock()
	cs.values[key] += delta
	cs.mu.Unlock()
}

// Observe records a duration into a histogram series.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		h = &histogram{bounds: defaultBuckets, buckets: make([]uint64, len(defaultBuckets))}
		r.histograms[name] = h
	}
	r.mu.Unlock()

	secs := d.Seconds()
	h.mu.Lock()
	for i, bound := range h.bounds {
		if secs <= bound {
			h.buckets[i]++
		}
	}
	h.count++
	h.sum += secs
	h.mu.Unlock()
}

// RegisterGauge exposes a value read at render time, for components that
// keep their own atomics (the log shipper's shipped/dropped counts).
func (r *Registry) RegisterGauge(name string, fn func() float64) {
	r.mu.Lock()
	r.gauges[name] = fn
	r.mu.Unlock()
}

// CounterValue returns the current value of one series. Used by tests and
// the health surface.
func (r *Registry) CounterValue(name string, labels ...string) float64 {
	r.mu.RLock()
	cs, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.values[encodeLabels(labels)]
}

// encodeLabels renders a label pair list into its Prometheus form:
// {method="GET",path="/health"}. Pairs are sorted by name so the same label
// set always maps to the same series.
func encodeLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}

	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, pair{labels[i], labels[i+1]})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	var b strings.Builder
	b.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.k)
		b.WriteString(`="`)
		b.WriteString(strings.ReplaceAll(p.v, `"`, `\"`))
		b.WriteString(`"`)
	}
	b.WriteByte('}')
	return b.String()
}

// Render writes every series in Prometheus text exposition format, names
// sorted for stable output.
func (r *Registry) Render() string {
	r.mu.RLock()
	counterNames := make([]string, 0, len(r.counters))
	for name := range r.counters {
		counterNames = append(counterNames, name)
	}
	histNames := make([]string, 0, len(r.histograms))
	for name := range r.histograms {
		histNames = append(histNames, name)
	}
	gaugeNames := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		gaugeNames = append(gaugeNames, name)
	}
	r.mu.RUnlock()

	sort.Strings(counterNames)
	sort.Strings(histNames)
	sort.Strings(gaugeNames)

	var b strings.Builder
	for _, name := range counterNames {
		r.mu.RLock()
		cs := r.counters[name]
		r.mu.RUnlock()

		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		cs.mu.Lock()
		keys := make([]string, 0, len(cs.values))
		for k := range cs.values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s%s %s\n", name, k, formatFloat(cs.values[k]))
		}
		cs.mu.Unlock()
	}

	for _, name := range histNames {
		r.mu.RLock()
		h := r.histograms[name]
		r.mu.RUnlock()

		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		h.mu.Lock()
		for i, bound := range h.bounds {
			fmt.Fprintf(&b, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), h.buckets[i])
		}
		fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		fmt.Fprintf(&b, "%s_sum %s\n", name, formatFloat(h.sum))
		fmt.Fprintf(&b, "%s_count %d\n", name, h.count)
		h.mu.Unlock()
	}

	for _, name := range gaugeNames {
		r.mu.RLock()
		fn := r.gauges[name]
		r.mu.RUnlock()

		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %s\n", name, formatFloat(fn()))
	}

	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Handler serves the registry at /metrics.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, r.Render())
	}
}

// Middleware records a request counter and a latency histogram per request.
// The route template (not the raw URL) labels the series, so /patients/:id
// is one series regardless of how many patients exist.
func Middleware(reg *Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}

			reg.Counter("vetdesk_http_requests_total",
				"method", c.Request().Method,
				"path", path,
				"status", strconv.Itoa(c.Response().Status),
			)
			reg.Observe("vetdesk_http_request_duration_seconds", time.Since(start))

			return err
		}
	}
}
