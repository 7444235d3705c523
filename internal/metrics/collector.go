package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// Collector implements types.MetricsCollector on top of a Prometheus
// registry, tracking dispatcher operation counts/durations, block
// cache state transitions, and upload queue depth.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter    *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	cacheHitCounter     *prometheus.CounterVec
	cacheStateGauge     *prometheus.GaugeVec
	uploadQueueDepth    prometheus.Gauge
	errorCounter        *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// OperationMetrics tracks metrics for a specific dispatcher operation.
type OperationMetrics struct {
	Count         int64
	TotalDuration time.Duration
	Errors        int64
	LastOperation time.Time
	AvgDuration   time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           8080,
			Path:           "/metrics",
			Namespace:      "s3ql",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

var _ types.MetricsCollector = (*Collector)(nil)

// Start starts the metrics collection server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics collection server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one dispatcher operation's outcome, per the
// types.MetricsCollector contract.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	if err != nil {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if err != nil {
		c.errorCounter.With(prometheus.Labels{"operation": operation, "type": classifyError(err)}).Inc()
	}
}

// RecordCacheState counts one block cache entry transition into the
// given state. The per-state gauge only grows; it does not track how
// many entries are currently in each state.
func (c *Collector) RecordCacheState(blockID types.BlockID, state string) {
	if !c.config.Enabled {
		return
	}
	c.cacheStateGauge.With(prometheus.Labels{"state": state}).Inc()
}

// RecordUploadQueueDepth reports a queue depth; blockmgr.Manager
// reports the deferred-delete queue's depth here (§4.4), since block
// uploads are synchronous and have no queue.
func (c *Collector) RecordUploadQueueDepth(depth int) {
	if !c.config.Enabled {
		return
	}
	c.uploadQueueDepth.Set(float64(depth))
}

// RecordCacheHit records a block cache hit for the named operation.
func (c *Collector) RecordCacheHit(op string) {
	if !c.config.Enabled {
		return
	}
	c.cacheHitCounter.With(prometheus.Labels{"type": "hit", "operation": op}).Inc()
}

// RecordCacheMiss records a block cache miss for the named operation.
func (c *Collector) RecordCacheMiss(op string) {
	if !c.config.Enabled {
		return
	}
	c.cacheHitCounter.With(prometheus.Labels{"type": "miss", "operation": op}).Inc()
}

// GetMetrics returns a snapshot of the internally tracked operation
// counters, for the debug endpoints and tests.
func (c *Collector) GetMetrics() map[string]*OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ResetMetrics resets internally tracked counters.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() error {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "dispatcher_operations_total",
			Help:      "Total number of dispatcher operations by outcome",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "dispatcher_operation_duration_seconds",
			Help:      "Duration of dispatcher operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation"},
	)

	c.cacheHitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "block_cache_requests_total",
			Help:      "Total number of block cache lookups by hit/miss",
		},
		[]string{"type", "operation"},
	)

	c.cacheStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "block_cache_state_transitions_total",
			Help:      "Count of block cache state transitions observed",
		},
		[]string{"state"},
	)

	c.uploadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "upload_queue_depth",
			Help:      "Current number of blocks awaiting upload or deferred delete",
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and class",
		},
		[]string{"operation", "type"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheHitCounter,
		c.cacheStateGauge,
		c.uploadQueueDepth,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	code := string(s3errors.CodeOf(err))
	if code == "" {
		return "other"
	}
	return code
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"s3ql-mountd"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("s3ql dispatcher operations\n")
	writef("==========================\n\n")
	writef("Uptime: %v\n\n", time.Since(c.lastReset))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-16s %10s %10s %14s\n", "Operation", "Count", "Errors", "Avg Duration")
	for name, op := range c.operations {
		writef("%-16s %10d %10d %14v\n", name, op.Count, op.Errors, op.AvgDuration)
	}
}
