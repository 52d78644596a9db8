package observability

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCollector_RecordAndSummary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "metrics.jsonl")
	start := time.Date(2025, 11, 12, 9, 0, 0, 0, time.UTC)
	now := start
	reg := prometheus.NewRegistry()

	c, err := NewCollector(Options{LogPath: logPath, Registerer: reg, Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Record(RequestMetrics{SurfaceID: "windsurf", Mode: "advisor", LatencyMS: 100, StatusCode: 200, Tokens: 30, CostUSD: 0.002})
	c.Record(RequestMetrics{SurfaceID: "mobile", Mode: "advisor", LatencyMS: 300, StatusCode: 502, Error: "responder timeout"})

	now = start.Add(90 * time.Second)
	s := c.Summary(4)
	assert.EqualValues(t, 2, s.TotalRequests)
	assert.EqualValues(t, 1, s.TotalErrors)
	assert.InDelta(t, 200.0, s.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 0.002, s.TotalCostUSD, 1e-9)
	assert.EqualValues(t, 90, s.UptimeSeconds)
	assert.Equal(t, 4, s.ActiveConversations)

	assert.InDelta(t, 1, counterValue(t, reg, "maestra_requests_total", map[string]string{"surface": "windsurf", "code": "200"}), 1e-9)
	assert.InDelta(t, 30, counterValue(t, reg, "maestra_tokens_total", map[string]string{"mode": "advisor"}), 1e-9)

	require.NoError(t, c.Close())
	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var lines []RequestMetrics
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m RequestMetrics
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	assert.Equal(t, "responder timeout", lines[1].Error)
	assert.False(t, lines[0].Timestamp.IsZero())
}

func TestCollector_ReusesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(Options{Registerer: reg})
	require.NoError(t, err)
	second, err := NewCollector(Options{Registerer: reg})
	require.NoError(t, err)

	first.Record(RequestMetrics{SurfaceID: "cli", Mode: "advisor", StatusCode: 200})
	second.Record(RequestMetrics{SurfaceID: "cli", Mode: "advisor", StatusCode: 200})
	assert.InDelta(t, 2, counterValue(t, reg, "maestra_requests_total", map[string]string{"surface": "cli"}), 1e-9)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() { c.Record(RequestMetrics{}) })
}
