package metrics

import (
	"sync"
	"time"
)

// OperationType names one of the dispatcher's FUSE-shaped operations
// (§4.10).
type OperationType string

const (
	OpGetAttr    OperationType = "getattr"
	OpLookup     OperationType = "lookup"
	OpReadDir    OperationType = "readdir"
	OpOpen       OperationType = "open"
	OpRead       OperationType = "read"
	OpWrite      OperationType = "write"
	OpFlush      OperationType = "flush"
	OpRelease    OperationType = "release"
	OpCreate     OperationType = "create"
	OpUnlink     OperationType = "unlink"
	OpMkdir      OperationType = "mkdir"
	OpRmdir      OperationType = "rmdir"
	OpRename     OperationType = "rename"
	OpLink       OperationType = "link"
	OpSymlink    OperationType = "symlink"
	OpReadlink   OperationType = "readlink"
	OpTruncate   OperationType = "truncate"
	OpSetAttr    OperationType = "setattr"
	OpGetXAttr   OperationType = "getxattr"
	OpSetXAttr   OperationType = "setxattr"
	OpListXAttr  OperationType = "listxattr"
	OpRemoveXAttr OperationType = "removexattr"
	OpStatFS     OperationType = "statfs"
	OpFsync      OperationType = "fsync"
)

// DetailedOperationMetrics tracks latency and cache-hit statistics for
// one dispatcher operation type.
type DetailedOperationMetrics struct {
	Count             int64
	TotalLatency      time.Duration
	MinLatency        time.Duration
	MaxLatency        time.Duration
	AverageLatency    time.Duration
	ErrorCount        int64
	BytesProcessed    int64
	CacheHits         int64
	CacheMisses       int64
	CacheHitRate      float64
	LastOperationTime time.Time
}

// CacheBreakdownMetrics tracks block cache outcomes by operation type:
// how often a request was served from a clean/dirty cache entry
// versus requiring a backend fetch.
type CacheBreakdownMetrics struct {
	OperationType OperationType
	CacheHits     int64
	BackendFetch  int64
	TotalRequests int64
	HitRate       float64
}

// DetailedPerformanceMetrics aggregates per-operation and per-cache
// statistics beyond what the Prometheus Collector exports, useful for
// the debug endpoints and offline analysis.
type DetailedPerformanceMetrics struct {
	mu               sync.RWMutex
	OperationMetrics map[OperationType]*DetailedOperationMetrics
	CacheBreakdown   map[OperationType]*CacheBreakdownMetrics
	StartTime        time.Time
	LastUpdateTime   time.Time
	TotalOperations  int64
	TotalErrors      int64
	TotalBytes       int64
	OverallHitRate   float64
	OverallErrorRate float64
}

// NewDetailedPerformanceMetrics creates a new detailed metrics
// collector.
func NewDetailedPerformanceMetrics() *DetailedPerformanceMetrics {
	return &DetailedPerformanceMetrics{
		OperationMetrics: make(map[OperationType]*DetailedOperationMetrics),
		CacheBreakdown:   make(map[OperationType]*CacheBreakdownMetrics),
		StartTime:        time.Now(),
		LastUpdateTime:   time.Now(),
	}
}

// RecordOperation records one operation's outcome: its latency, bytes
// moved, whether it hit the block cache, and whether it errored.
func (dpm *DetailedPerformanceMetrics) RecordOperation(opType OperationType, latency time.Duration, bytes int64, cacheHit bool, err error) {
	dpm.mu.Lock()
	defer dpm.mu.Unlock()

	now := time.Now()
	dpm.LastUpdateTime = now
	dpm.TotalOperations++
	dpm.TotalBytes += bytes

	om, ok := dpm.OperationMetrics[opType]
	if !ok {
		om = &DetailedOperationMetrics{MinLatency: latency}
		dpm.OperationMetrics[opType] = om
	}

	om.Count++
	om.TotalLatency += latency
	om.LastOperationTime = now
	om.BytesProcessed += bytes

	if latency < om.MinLatency || om.MinLatency == 0 {
		om.MinLatency = latency
	}
	if latency > om.MaxLatency {
		om.MaxLatency = latency
	}
	om.AverageLatency = time.Duration(int64(om.TotalLatency) / om.Count)

	if cacheHit {
		om.CacheHits++
	} else {
		om.CacheMisses++
	}
	if total := om.CacheHits + om.CacheMisses; total > 0 {
		om.CacheHitRate = float64(om.CacheHits) / float64(total)
	}

	if err != nil {
		om.ErrorCount++
		dpm.TotalErrors++
	}

	dpm.updateCacheBreakdownLocked(opType, cacheHit)
	dpm.updateOverallLocked()
}

func (dpm *DetailedPerformanceMetrics) updateCacheBreakdownLocked(opType OperationType, cacheHit bool) {
	cb, ok := dpm.CacheBreakdown[opType]
	if !ok {
		cb = &CacheBreakdownMetrics{OperationType: opType}
		dpm.CacheBreakdown[opType] = cb
	}
	cb.TotalRequests++
	if cacheHit {
		cb.CacheHits++
	} else {
		cb.BackendFetch++
	}
	if cb.TotalRequests > 0 {
		cb.HitRate = float64(cb.CacheHits) / float64(cb.TotalRequests)
	}
}

func (dpm *DetailedPerformanceMetrics) updateOverallLocked() {
	var hits, misses int64
	for _, om := range dpm.OperationMetrics {
		hits += om.CacheHits
		misses += om.CacheMisses
	}
	if total := hits + misses; total > 0 {
		dpm.OverallHitRate = float64(hits) / float64(total)
	}
	if dpm.TotalOperations > 0 {
		dpm.OverallErrorRate = float64(dpm.TotalErrors) / float64(dpm.TotalOperations)
	}
}

// GetOperationMetrics returns a copy of the metrics for one operation
// type, or nil if none have been recorded.
func (dpm *DetailedPerformanceMetrics) GetOperationMetrics(opType OperationType) *DetailedOperationMetrics {
	dpm.mu.RLock()
	defer dpm.mu.RUnlock()

	if om, exists := dpm.OperationMetrics[opType]; exists {
		cp := *om
		return &cp
	}
	return nil
}

// GetSummary returns a summary of accumulated metrics.
func (dpm *DetailedPerformanceMetrics) GetSummary() map[string]interface{} {
	dpm.mu.RLock()
	defer dpm.mu.RUnlock()

	uptime := time.Since(dpm.StartTime)
	opsPerSecond := 0.0
	if uptime.Seconds() > 0 {
		opsPerSecond = float64(dpm.TotalOperations) / uptime.Seconds()
	}

	return map[string]interface{}{
		"uptime_seconds":        uptime.Seconds(),
		"total_operations":      dpm.TotalOperations,
		"total_errors":          dpm.TotalErrors,
		"total_bytes_processed": dpm.TotalBytes,
		"overall_cache_hit_rate": dpm.OverallHitRate,
		"overall_error_rate":    dpm.OverallErrorRate,
		"operations_per_second": opsPerSecond,
		"last_update":           dpm.LastUpdateTime.Format(time.RFC3339),
	}
}

// Reset clears all accumulated metrics.
func (dpm *DetailedPerformanceMetrics) Reset() {
	dpm.mu.Lock()
	defer dpm.mu.Unlock()

	dpm.OperationMetrics = make(map[OperationType]*DetailedOperationMetrics)
	dpm.CacheBreakdown = make(map[OperationType]*CacheBreakdownMetrics)
	dpm.StartTime = time.Now()
	dpm.LastUpdateTime = time.Now()
	dpm.TotalOperations = 0
	dpm.TotalErrors = 0
	dpm.TotalBytes = 0
	dpm.OverallHitRate = 0
	dpm.OverallErrorRate = 0
}
