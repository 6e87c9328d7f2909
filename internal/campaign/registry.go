package campaign

import (
	"context"
	"sync"
)

// Registry tracks the in-flight poll session per task. A new campaign for
// the same task cancels and replaces the previous session instead of racing
// its writes.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*pollJob
}

type pollJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*pollJob)}
}

// Start launches fn in the background under a cancellable context,
// superseding any session already running for taskID.
func (r *Registry) Start(taskID string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &pollJob{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if prev, ok := r.jobs[taskID]; ok {
		prev.cancel()
	}
	r.jobs[taskID] = j
	r.mu.Unlock()

	go func() {
		defer close(j.done)
		defer cancel()
		fn(ctx)

		r.mu.Lock()
		if r.jobs[taskID] == j {
			delete(r.jobs, taskID)
		}
		r.mu.Unlock()
	}()
}

// Cancel stops the in-flight session for taskID, if any.
func (r *Registry) Cancel(taskID string) {
	r.mu.Lock()
	j, ok := r.jobs[taskID]
	r.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// Drain blocks until every in-flight poll session has finished, or until
// ctx expires. Sessions run to their own completion; Drain does not cancel.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]<-chan struct{}, 0, len(r.jobs))
	for _, j := range r.jobs {
		pending = append(pending, j.done)
	}
	r.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait returns a channel closed when the current session for taskID ends.
// With no session in flight it returns an already-closed channel.
func (r *Registry) Wait(taskID string) <-chan struct{} {
	r.mu.Lock()
	j, ok := r.jobs[taskID]
	r.mu.Unlock()
	if ok {
		return j.done
	}
	done := make(chan struct{})
	close(done)
	return done
}
