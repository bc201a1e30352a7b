package queue

import (
	"runtime"
	"sync/atomic"
)

// ResourceMonitor supplies the queue's effective concurrency cap together
// with coarse host hints. The cap is re-read on every admission, so lowering
// it takes effect without restarting anything.
type ResourceMonitor struct {
	configured atomic.Int64
}

// NewResourceMonitor starts from the configured container cap.
func NewResourceMonitor(maxConcurrent int) *ResourceMonitor {
	m := &ResourceMonitor{}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	m.configured.Store(int64(maxConcurrent))
	return m
}

// Cap returns the effective concurrency cap: the configured limit, never
// more than the host's CPU count.
func (m *ResourceMonitor) Cap() int {
	c := int(m.configured.Load())
	if n := runtime.NumCPU(); c > n {
		return n
	}
	return c
}

// SetCap adjusts the configured limit at runtime.
func (m *ResourceMonitor) SetCap(n int) {
	if n < 1 {
		n = 1
	}
	m.configured.Store(int64(n))
}

// MemHint reports current heap usage in bytes for observability surfaces.
func (m *ResourceMonitor) MemHint() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
