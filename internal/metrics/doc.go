/*
Package metrics exports dispatcher and block cache statistics as
Prometheus metrics and as an in-process debug snapshot.

Collector registers a small set of Prometheus series — dispatcher
operation counts and latency histograms, block cache hit/miss counts
and state-transition counts, upload queue depth, and error counts by
class — and serves them over HTTP at the configured path, alongside
/health and /debug/operations.

DetailedPerformanceMetrics keeps a richer in-process breakdown per
operation type (min/max/average latency, cache hit rate, bytes moved)
for the debug endpoint and for tests; it is not exported to Prometheus
directly, since its per-operation maps would produce unbounded label
cardinality there.

Error classification uses pkg/errors.CodeOf, so error counts are
grouped by the same kind vocabulary the dispatcher maps to syscall
errno values.
*/
package metrics
