package tracing

import (
	"math"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// clampUint64 converts a runtime counter into an otel attribute value
func clampUint64(val uint64) int64 {
	if val > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(val)
}

// MemoryStats is a snapshot of the runtime memory counters that are attached
// to discovery spans
type MemoryStats struct {
	Alloc      int64 // bytes allocated and not yet freed
	HeapAlloc  int64 // heap bytes allocated and not yet freed
	Sys        int64 // total bytes obtained from the OS
	NumGC      int64
	PauseTotal int64 // cumulative nanoseconds in GC stop-the-world pauses
}

func ReadMemoryStats() MemoryStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return MemoryStats{
		Alloc:      clampUint64(memStats.Alloc),
		HeapAlloc:  clampUint64(memStats.HeapAlloc),
		Sys:        clampUint64(memStats.Sys),
		NumGC:      int64(memStats.NumGC),
		PauseTotal: clampUint64(memStats.PauseTotalNs),
	}
}

// Sub returns the change from before to m
func (m MemoryStats) Sub(before MemoryStats) MemoryStats {
	return MemoryStats{
		Alloc:      m.Alloc - before.Alloc,
		HeapAlloc:  m.HeapAlloc - before.HeapAlloc,
		Sys:        m.Sys - before.Sys,
		NumGC:      m.NumGC - before.NumGC,
		PauseTotal: m.PauseTotal - before.PauseTotal,
	}
}

func (m MemoryStats) attributes(prefix, infix string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(prefix+".memory"+infix+"Bytes", m.Alloc),
		attribute.Int64(prefix+".memory"+infix+"HeapBytes", m.HeapAlloc),
		attribute.Int64(prefix+".memory"+infix+"SysBytes", m.Sys),
		attribute.Int64(prefix+".memory"+infix+"NumGC", m.NumGC),
		attribute.Int64(prefix+".memory"+infix+"PauseTotalNs", m.PauseTotal),
	}
}

// SetMemoryAttributes sets memory attributes on a span, eg.
// `ovm.discovery.memoryHeapBytes`
func SetMemoryAttributes(span trace.Span, prefix string, memStats MemoryStats) {
	span.SetAttributes(memStats.attributes(prefix, "")...)
}

// SetMemoryDeltaAttributes records how memory changed between two snapshots,
// eg. `ovm.discovery.memoryDeltaHeapBytes`
func SetMemoryDeltaAttributes(span trace.Span, prefix string, before, after MemoryStats) {
	span.SetAttributes(after.Sub(before).attributes(prefix, "Delta")...)
}
