// Package metrics is a small Prometheus text-format collector for delivery
// and LLM relay statistics.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served at /metrics.
var Collector = NewMetricsCollector()

// MetricsCollector owns every series and renders them in text format.
// Series are identified by name plus a preformatted label set such as
// `encoding="binary-stream"`.
type MetricsCollector struct {
	mu     sync.Mutex
	series map[string]series
	start  time.Time
}

type series interface {
	key() (name, labels string)
	family() (name, help, kind string)
	write(sb *strings.Builder)
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{series: make(map[string]series), start: time.Now()}
}

func (c *MetricsCollector) Uptime() time.Duration { return time.Since(c.start) }

// register returns the series stored under name{labels}, creating it with
// mk on first use.
func register[T series](c *MetricsCollector, name, labels string, mk func() T) T {
	key := seriesName(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.series[key]; ok {
		if t, ok := s.(T); ok {
			return t
		}
		panic(fmt.Sprintf("metrics: %s registered with a different type", key))
	}
	s := mk()
	c.series[key] = s
	return s
}

type meta struct{ name, help, labels string }

func (m meta) key() (string, string) { return m.name, m.labels }

// Counter only goes up.
type Counter struct {
	meta
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) family() (string, string, string) { return c.name, c.help, "counter" }
func (c *Counter) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(c.name, c.labels), c.Value())
}

// Gauge can go up and down.
type Gauge struct {
	meta
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) family() (string, string, string) { return g.name, g.help, "gauge" }
func (g *Gauge) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(g.name, g.labels), g.Value())
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	meta
	mu     sync.Mutex
	bounds []float64
	counts []int64 // counts[i] observations <= bounds[i]
	n      int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) family() (string, string, string) { return h.name, h.help, "histogram" }
func (h *Histogram) write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket := func(le string, n int64) {
		labels := `le="` + le + `"`
		if h.labels != "" {
			labels = h.labels + "," + labels
		}
		fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_bucket", labels), n)
	}
	for i, le := range h.bounds {
		bucket(fmt.Sprintf("%g", le), h.counts[i])
	}
	bucket("+Inf", h.n)
	fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_count", h.labels), h.n)
	fmt.Fprintf(sb, "%s %f\n", seriesName(h.name+"_sum", h.labels), h.sum)
}

func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return register(c, name, labels, func() *Counter {
		return &Counter{meta: meta{name, help, labels}}
	})
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return register(c, name, labels, func() *Gauge {
		return &Gauge{meta: meta{name, help, labels}}
	})
}

func (c *MetricsCollector) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return register(c, name, labels, func() *Histogram {
		b := append([]float64(nil), bounds...)
		sort.Float64s(b)
		return &Histogram{meta: meta{name, help, labels}, bounds: b, counts: make([]int64, len(b))}
	})
}

func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Render(w)
	}
}

// Render writes every series sorted by name then labels, with one HELP and
// TYPE header per metric family.
func (c *MetricsCollector) Render(w io.Writer) {
	c.mu.Lock()
	all := make([]series, 0, len(c.series))
	for _, s := range c.series {
		all = append(all, s)
	}
	c.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		an, al := all[i].key()
		bn, bl := all[j].key()
		if an != bn {
			return an < bn
		}
		return al < bl
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP sendimg_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE sendimg_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "sendimg_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	last := ""
	for _, s := range all {
		name, help, kind := s.family()
		if name != last {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
			last = name
		}
		s.write(&sb)
	}
	io.WriteString(w, sb.String())
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

var (
	MessagesTotal         = Collector.Counter("sendimg_messages_total", "Inbound chat messages handled", "")
	DeliveriesTotal       = Collector.Counter("sendimg_deliveries_total", "Image deliveries attempted", "")
	DeliveriesFailed      = Collector.Counter("sendimg_deliveries_failed_total", "Image deliveries that returned an error", "")
	DeliveriesPartitioned = Collector.Counter("sendimg_deliveries_partitioned_total", "Image deliveries sent as strips", "")
	UnitsSent             = Collector.Counter("sendimg_units_sent_total", "Delivery units accepted by a transport", "")
	UnitsFailed           = Collector.Counter("sendimg_units_failed_total", "Delivery units rejected by a transport", "")
	BytesSent             = Collector.Counter("sendimg_bytes_sent_total", "Payload bytes of accepted delivery units", "")
	LLMRequestsTotal      = Collector.Counter("sendimg_llm_requests_total", "LLM relay requests", "")
	LLMErrorsTotal        = Collector.Counter("sendimg_llm_errors_total", "LLM relay requests that failed", "")
	RateLimited           = Collector.Counter("sendimg_rate_limited_total", "Requests rejected by the per-chat rate limit", "")
	InboundDropped        = Collector.Counter("sendimg_inbound_dropped_total", "Inbound messages dropped because the bus was full or closed", "")
	OutboundUnrouted      = Collector.Counter("sendimg_outbound_unrouted_total", "Replies addressed to a channel with no outbound handler", "")
	InFlightDeliveries    = Collector.Gauge("sendimg_deliveries_in_flight", "Deliveries currently running", "")

	DeliveryLatency = Collector.Histogram("sendimg_delivery_seconds", "Delivery duration in seconds", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
	LLMLatency = Collector.Histogram("sendimg_llm_latency_seconds", "LLM request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60})
)
