// Package observability records per-request gateway metrics as JSON lines,
// running totals and Prometheus series.
package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "maestra"

// RequestMetrics describes one gateway request.
type RequestMetrics struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	SurfaceID      string    `json:"surface_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Mode           string    `json:"mode"`
	LatencyMS      int64     `json:"latency_ms"`
	StatusCode     int       `json:"status_code"`
	Tokens         int       `json:"tokens"`
	CostUSD        float64   `json:"cost_usd"`
	Error          string    `json:"error,omitempty"`
}

// Summary is the aggregate served by the JSON metrics endpoint.
type Summary struct {
	Timestamp           time.Time `json:"timestamp"`
	UptimeSeconds       int64     `json:"uptime_seconds"`
	TotalRequests       int64     `json:"total_requests"`
	TotalErrors         int64     `json:"total_errors"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	TotalCostUSD        float64   `json:"total_cost_usd"`
	ActiveConversations int       `json:"active_conversations"`
}

// Options configures a Collector.
type Options struct {
	// LogPath is the JSONL file each request is appended to. Empty disables the file.
	LogPath    string
	Registerer prometheus.Registerer
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Collector aggregates request metrics. It is safe for concurrent use.
type Collector struct {
	logger logrus.FieldLogger
	now    func() time.Time
	start  time.Time

	mu           sync.Mutex
	file         *os.File
	enc          *json.Encoder
	total        int64
	errors       int64
	latencySumMS int64
	costUSD      float64

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
}

// NewCollector opens the metrics log and registers the Prometheus series.
func NewCollector(opts Options) (*Collector, error) {
	c := &Collector{
		logger: opts.Logger,
		now:    opts.Now,
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.start = c.now()

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	if c.requests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Gateway requests by surface, mode and status code.",
	}, []string{"surface", "mode", "code"})); err != nil {
		return nil, err
	}
	if c.latency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Gateway request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"surface", "mode"})); err != nil {
		return nil, err
	}
	if c.tokens, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Tokens reported by the responder.",
	}, []string{"mode"})); err != nil {
		return nil, err
	}
	if c.cost, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cost_usd_total",
		Help:      "Responder cost in US dollars.",
	}, []string{"mode"})); err != nil {
		return nil, err
	}

	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create metrics log directory: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open metrics log: %w", err)
		}
		c.file = f
		c.enc = json.NewEncoder(f)
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return col, nil
}

// Record adds m to the totals, the Prometheus series and the metrics log.
// A failing log write is reported but does not fail the request.
func (c *Collector) Record(m RequestMetrics) {
	if c == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now().UTC()
	}

	c.requests.WithLabelValues(m.SurfaceID, m.Mode, strconv.Itoa(m.StatusCode)).Inc()
	c.latency.WithLabelValues(m.SurfaceID, m.Mode).Observe(float64(m.LatencyMS) / 1000)
	if m.Tokens > 0 {
		c.tokens.WithLabelValues(m.Mode).Add(float64(m.Tokens))
	}
	if m.CostUSD > 0 {
		c.cost.WithLabelValues(m.Mode).Add(m.CostUSD)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if m.StatusCode >= 400 || m.Error != "" {
		c.errors++
	}
	c.latencySumMS += m.LatencyMS
	c.costUSD += m.CostUSD

	if c.enc != nil {
		if err := c.enc.Encode(m); err != nil {
			c.logger.WithError(err).Warn("failed to append request metrics")
		}
	}
}

// Summary returns the totals since the collector started.
func (c *Collector) Summary(activeConversations int) Summary {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Timestamp:           now.UTC(),
		UptimeSeconds:       int64(now.Sub(c.start).Seconds()),
		TotalRequests:       c.total,
		TotalErrors:         c.errors,
		TotalCostUSD:        c.costUSD,
		ActiveConversations: activeConversations,
	}
	if c.total > 0 {
		s.AvgLatencyMS = float64(c.latencySumMS) / float64(c.total)
	}
	return s
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return c.now().Sub(c.start)
}

// Close closes the metrics log.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.enc = nil
	return err
}
