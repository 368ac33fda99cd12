// Package resource implements the resource controller shared by a cache instance.
//
// The Controller provides centralized management of three concerns:
//
//   - Memory: report free memory through a MemoryProbe and compare it with the
//     configured target (non-blocking, fail-fast)
//   - Concurrency: serialize load-management sweeps (weighted semaphore)
//   - Warnings: per-key token buckets so repeated warnings are logged once per interval
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                        Controller                           │
//	├─────────────────┬─────────────────┬─────────────────────────┤
//	│  Memory         │  Sweeps (sem)   │  Warnings (rate)        │
//	├─────────────────┼─────────────────┼─────────────────────────┤
//	│  FreeMemory     │  AcquireSweep   │  AllowWarning           │
//	│  HasHeadroom    │  TryAcquire     │                         │
//	│  CheckMemory    │  ReleaseSweep   │                         │
//	└─────────────────┴─────────────────┴─────────────────────────┘
//
// # Memory Probes
//
// SystemProbe reads free RAM via sysinfo(2) on Linux and caps it by the headroom
// left under the Go runtime memory limit. FixedProbe reports a settable value and
// is meant for tests and simulations:
//
//	rc := resource.NewController(resource.Config{
//	    MinFreeMemoryBytes: 100 << 20, // keep 100MB free
//	}, nil)
//
//	if err := rc.CheckMemory(); err != nil {
//	    // ErrInsufficientMemory - caller reclaims and retries, or rejects
//	}
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
