package resource

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// SystemProbe reports the smaller of the free system memory and the headroom left
// under the Go runtime memory limit (GOMEMLIMIT).
type SystemProbe struct{}

// FreeMemory implements MemoryProbe.
func (SystemProbe) FreeMemory() int64 {
	free := systemFreeMemory()

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		headroom := limit - int64(ms.Sys-ms.HeapReleased)
		if headroom < 0 {
			headroom = 0
		}
		if free < 0 || headroom < free {
			free = headroom
		}
	}

	if free < 0 {
		// Unknown platform without a runtime limit: never block admission.
		return math.MaxInt64
	}
	return free
}

// FixedProbe reports a settable amount of free memory.
type FixedProbe struct {
	free atomic.Int64
}

// NewFixedProbe creates a FixedProbe reporting free bytes.
func NewFixedProbe(free int64) *FixedProbe {
	p := &FixedProbe{}
	p.free.Store(free)
	return p
}

// Set changes the reported free memory.
func (p *FixedProbe) Set(free int64) {
	p.free.Store(free)
}

// FreeMemory implements MemoryProbe.
func (p *FixedProbe) FreeMemory() int64 {
	return p.free.Load()
}
