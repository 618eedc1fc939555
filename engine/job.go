package engine

import (
	"bytes"
)

// progressBuffer bounds the events a slow consumer can fall behind by.
// Further events are dropped rather than stalling the operation, except
// the final one.
const progressBuffer = 64

// Job is an operation running on its own goroutine.
type Job[T any] struct {
	progress chan Progress
	done     chan struct{}
	result   T
	err      error
}

// Progress delivers the operation's events. The last event received is
// always the final state, StageDone or StageFailed, and the channel is
// closed right after it.
func (j *Job[T]) Progress() <-chan Progress { return j.progress }

// Done is closed when the operation finishes.
func (j *Job[T]) Done() <-chan struct{} { return j.done }

// Wait blocks until the operation finishes and returns its outcome.
func (j *Job[T]) Wait() (T, error) {
	<-j.done
	return j.result, j.err
}

func start[T any](op stepper, result func() T) *Job[T] {
	j := &Job[T]{
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		defer close(j.progress)

		var lastSent Progress
		j.err = drive(op, func(p Progress) {
			select {
			case j.progress <- p:
				lastSent = p
			default:
			}
		})
		if j.err == nil {
			j.result = result()
		}
		j.finish(op.Progress(), lastSent)
	}()
	return j
}

// finish delivers the final event if it has not been sent, evicting the
// oldest buffered event when the buffer is full. The job goroutine is the
// only sender, so the send after an eviction cannot block.
func (j *Job[T]) finish(final, lastSent Progress) {
	if final == lastSent {
		return
	}
	select {
	case j.progress <- final:
		return
	default:
	}
	select {
	case <-j.progress:
	default:
	}
	j.progress <- final
}

// StartForge forges raw on a new goroutine into an in-memory container.
// raw must not be modified until the job is done.
func StartForge(raw []byte, opts ForgeOptions) *Job[*ForgeResult] {
	container := &Container{}
	op := NewForge(raw, opts, container)
	return start(op, func() *ForgeResult {
		return &ForgeResult{Filename: op.Filename(), Header: op.Header(), Container: container}
	})
}

// StartUnmask unmasks data on a new goroutine. data must not be modified
// until the job is done.
func StartUnmask(data []byte, opts UnmaskOptions) *Job[*UnmaskResult] {
	op := NewUnmask(bytes.NewReader(data), int64(len(data)), opts)
	return start(op, op.Result)
}
