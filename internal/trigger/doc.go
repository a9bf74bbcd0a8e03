// Package trigger turns trigger definitions into timed dispatches.
//
// The engine is fire-only: on each fire it enqueues a pool.Task into the
// worker pool bound to the job. Execution, overlap gating and panic recovery
// live in internal/pool.
package trigger
