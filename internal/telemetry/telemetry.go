// Package telemetry provides monitoring for the conversation pipeline:
// an in-process aggregate for the ops endpoint plus Prometheus
// collectors served from /metrics.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuexia/opinio/config"
)

// Telemetry tracks turn, LLM and finalization outcomes.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu              sync.RWMutex
	totalTurns      int64
	failedTurns     int64
	llmRequests     map[string]int64
	llmTotalLatency map[string]time.Duration
	reportsWritten  int64
	reportsFailed   int64

	turnDuration *prometheus.HistogramVec
	llmDuration  *prometheus.HistogramVec
	reports      *prometheus.CounterVec
	tokensOut    prometheus.Counter
}

// NewTelemetry creates a telemetry instance and registers its
// Prometheus collectors on the default registry.
func NewTelemetry(cfg config.TelemetryConfig, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	t := &Telemetry{
		config:          cfg,
		logger:          logger,
		llmRequests:     make(map[string]int64),
		llmTotalLatency: make(map[string]time.Duration),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opinio_turn_duration_seconds",
			Help:    "Wall time of a conversation turn by mode and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opinio_llm_request_duration_seconds",
			Help:    "Latency of gateway calls by model.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opinio_reports_total",
			Help: "Background report finalizations by outcome.",
		}, []string{"outcome"}),
		tokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opinio_stream_tokens_total",
			Help: "Token events emitted to callers.",
		}),
	}
	if cfg.Enabled {
		prometheus.MustRegister(t.turnDuration, t.llmDuration, t.reports, t.tokensOut)
	}
	return t
}

// RecordTurn records a completed (or failed) conversation turn.
func (t *Telemetry) RecordTurn(mode string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.mu.Lock()
	t.totalTurns++
	if err != nil {
		t.failedTurns++
	}
	t.mu.Unlock()
	if t.config.Enabled {
		t.turnDuration.WithLabelValues(mode, outcome).Observe(d.Seconds())
	}
}

// RecordLLMCall records a single gateway request.
func (t *Telemetry) RecordLLMCall(model string, d time.Duration, err error) {
	t.mu.Lock()
	t.llmRequests[model]++
	t.llmTotalLatency[model] += d
	t.mu.Unlock()
	if t.config.Enabled {
		t.llmDuration.WithLabelValues(model).Observe(d.Seconds())
	}
	if t.config.LogLLMCalls {
		if err != nil {
			t.logger.Printf("llm call model=%s took=%s err=%v", model, d, err)
		} else {
			t.logger.Printf("llm call model=%s took=%s", model, d)
		}
	}
}

// RecordTokens counts token events streamed to a caller.
func (t *Telemetry) RecordTokens(n int) {
	if t.config.Enabled && n > 0 {
		t.tokensOut.Add(float64(n))
	}
}

// RecordFinalization records a background report attempt.
func (t *Telemetry) RecordFinalization(err error) {
	outcome := "ok"
	t.mu.Lock()
	if err != nil {
		t.reportsFailed++
		outcome = "error"
	} else {
		t.reportsWritten++
	}
	t.mu.Unlock()
	if t.config.Enabled {
		t.reports.WithLabelValues(outcome).Inc()
	}
}

// Snapshot returns aggregate counters for the ops endpoint.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	llm := make(map[string]interface{}, len(t.llmRequests))
	for model, n := range t.llmRequests {
		avg := time.Duration(0)
		if n > 0 {
			avg = t.llmTotalLatency[model] / time.Duration(n)
		}
		llm[model] = map[string]interface{}{"requests": n, "avg_latency": avg.String()}
	}
	return map[string]interface{}{
		"turns_total":     t.totalTurns,
		"turns_failed":    t.failedTurns,
		"reports_written": t.reportsWritten,
		"reports_failed":  t.reportsFailed,
		"llm":             llm,
	}
}
