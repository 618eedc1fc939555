// Package engine runs the forge and unmask operations.
//
// Each operation is an explicit state machine
//
//	Init -> DeriveSeed -> BuildCarrierMap -> SynthesizeAnd{Embed,Extract}... -> Finalize -> Done
//
// with a single Failed terminal state reachable from any stage. Callers
// drive it with a scanner-style loop:
//
//	op := engine.NewForge(raw, opts, &container)
//	for op.Step() {
//	    fmt.Println(op.Progress())
//	}
//	if err := op.Err(); err != nil { ... }
//
// Every Step performs one stage or one weight chunk, so peak memory is one
// chunk plus the carrier assignments, independent of the container size.
// Chunks are processed strictly in slot order; there is no parallelism
// inside an operation and no cancellation once it has started.
//
// [StartForge] and [StartUnmask] run an operation on its own goroutine and
// report progress over a channel. All per-operation state (seed, carrier
// map, weight stream) lives in the operation value, so concurrent
// operations need no locking.
package engine
