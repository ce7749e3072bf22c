// Package executor implements the cooperative task executor spec.md
// section 5 describes: a small pool of goroutines hosting the long-running
// node tasks (the GlobalNode, every StudyNode, the RPC and HTTP servers).
// The ContactService is not one of these tasks: contact.Service is a
// mutex-guarded struct its callers use directly. It generalizes the teacher's per-component
// `go someRoutine()` + context-cancellation idiom (see
// GossipManager.Start/Stop in the teacher repo) into one place that also
// tracks task lifetimes so shutdown can wait for them to drain.
package executor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is a long-running unit of work. It should return promptly once
// ctx is done.
type Task func(ctx context.Context) error

// Executor spawns and tracks Tasks.
type Executor interface {
	Spawn(name string, task Task)
	Shutdown(ctx context.Context) error
}

// Pool is the production Executor, backed by an errgroup.Group so
// Shutdown can report the first task error instead of only whether
// every task returned. Each spawned Task runs on its own goroutine;
// Pool places no limit on how many run at once and does not read the
// --threads setting.
type Pool struct {
	logger zerolog.Logger

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
	ctx    context.Context
}

func New(logger zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	return &Pool{logger: logger, group: group, ctx: groupCtx, cancel: cancel}
}

func (p *Pool) Spawn(name string, task Task) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	p.group.Go(func() error {
		err := task(ctx)
		if err != nil {
			p.logger.Error().Err(err).Str("task", name).Msg("task terminated")
		} else {
			p.logger.Debug().Str("task", name).Msg("task finished")
		}
		return err
	})
}

// Shutdown cancels every task's context and waits for them to return,
// bounded by ctx. It surfaces the first non-nil Task error, if any.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
