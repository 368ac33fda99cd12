// Package testutil provides testing utilities for searchcache.
//
// This package is intended for use in tests only.
//
// # Deterministic time
//
//	clock := testutil.NewManualClock(time.Unix(0, 0))
//	clock.Advance(30 * time.Second)
//
// # Controlling tasks
//
//	gate := testutil.NewGate()
//	go task(gate)   // task blocks in gate.Wait(ctx)
//	gate.Open()
package testutil
