package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNewDetailedPerformanceMetrics(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()
	if dpm.OperationMetrics == nil {
		t.Error("OperationMetrics map is nil")
	}
	if dpm.CacheBreakdown == nil {
		t.Error("CacheBreakdown map is nil")
	}
	if dpm.TotalOperations != 0 {
		t.Errorf("TotalOperations = %d, want 0", dpm.TotalOperations)
	}
}

func TestRecordOperationAccumulatesLatencyAndBytes(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()

	dpm.RecordOperation(OpRead, 10*time.Millisecond, 4096, true, nil)
	dpm.RecordOperation(OpRead, 30*time.Millisecond, 8192, false, nil)
	dpm.RecordOperation(OpRead, 5*time.Millisecond, 1024, true, errors.New("short read"))

	om := dpm.GetOperationMetrics(OpRead)
	if om == nil {
		t.Fatal("GetOperationMetrics(OpRead) returned nil")
	}
	if om.Count != 3 {
		t.Errorf("Count = %d, want 3", om.Count)
	}
	if om.BytesProcessed != 4096+8192+1024 {
		t.Errorf("BytesProcessed = %d, want %d", om.BytesProcessed, 4096+8192+1024)
	}
	if om.MinLatency != 5*time.Millisecond {
		t.Errorf("MinLatency = %v, want 5ms", om.MinLatency)
	}
	if om.MaxLatency != 30*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 30ms", om.MaxLatency)
	}
	if om.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", om.ErrorCount)
	}
	if om.CacheHits != 2 || om.CacheMisses != 1 {
		t.Errorf("CacheHits/Misses = %d/%d, want 2/1", om.CacheHits, om.CacheMisses)
	}
	if got, want := om.CacheHitRate, 2.0/3.0; got != want {
		t.Errorf("CacheHitRate = %v, want %v", got, want)
	}

	if dpm.TotalOperations != 3 {
		t.Errorf("TotalOperations = %d, want 3", dpm.TotalOperations)
	}
	if dpm.TotalErrors != 1 {
		t.Errorf("TotalErrors = %d, want 1", dpm.TotalErrors)
	}
}

func TestRecordOperationUpdatesCacheBreakdown(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()

	dpm.RecordOperation(OpWrite, time.Millisecond, 100, true, nil)
	dpm.RecordOperation(OpWrite, time.Millisecond, 100, false, nil)
	dpm.RecordOperation(OpWrite, time.Millisecond, 100, false, nil)

	cb, ok := dpm.CacheBreakdown[OpWrite]
	if !ok {
		t.Fatal("CacheBreakdown missing OpWrite entry")
	}
	if cb.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", cb.CacheHits)
	}
	if cb.BackendFetch != 2 {
		t.Errorf("BackendFetch = %d, want 2", cb.BackendFetch)
	}
	if got, want := cb.HitRate, 1.0/3.0; got != want {
		t.Errorf("HitRate = %v, want %v", got, want)
	}
}

func TestGetOperationMetricsReturnsCopy(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()
	dpm.RecordOperation(OpFsync, time.Millisecond, 0, true, nil)

	om := dpm.GetOperationMetrics(OpFsync)
	om.Count = 999

	fresh := dpm.GetOperationMetrics(OpFsync)
	if fresh.Count == 999 {
		t.Error("GetOperationMetrics() leaked internal state, expected a copy")
	}
}

func TestGetOperationMetricsUnknownReturnsNil(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()
	if om := dpm.GetOperationMetrics(OpMkdir); om != nil {
		t.Errorf("GetOperationMetrics(unrecorded) = %+v, want nil", om)
	}
}

func TestGetSummary(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()
	dpm.RecordOperation(OpGetAttr, time.Millisecond, 0, true, nil)

	summary := dpm.GetSummary()
	if summary["total_operations"].(int64) != 1 {
		t.Errorf("total_operations = %v, want 1", summary["total_operations"])
	}
	if _, ok := summary["operations_per_second"]; !ok {
		t.Error("summary missing operations_per_second")
	}
}

func TestReset(t *testing.T) {
	dpm := NewDetailedPerformanceMetrics()
	dpm.RecordOperation(OpRename, time.Millisecond, 0, true, nil)

	dpm.Reset()

	if dpm.TotalOperations != 0 {
		t.Errorf("TotalOperations after Reset = %d, want 0", dpm.TotalOperations)
	}
	if len(dpm.OperationMetrics) != 0 {
		t.Error("OperationMetrics not cleared by Reset")
	}
	if len(dpm.CacheBreakdown) != 0 {
		t.Error("CacheBreakdown not cleared by Reset")
	}
}
