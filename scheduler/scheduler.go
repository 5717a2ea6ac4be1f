// Package scheduler provides single goroutine execution contexts. A live
// reference is owned by the scheduler that opened it and may only be used
// from tasks running on that scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/fulldump/objectdb/logging"
)

var ErrClosed = errors.New("scheduler closed")

var lastId atomic.Uint64

type Scheduler struct {
	id     uint64
	name   string
	logger logging.Logger

	mutex  *sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New starts a scheduler goroutine.
func New(name string, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard
	}
	mutex := &sync.Mutex{}
	s := &Scheduler{
		id:     lastId.Add(1),
		name:   name,
		logger: logger,
		mutex:  mutex,
		cond:   sync.NewCond(mutex),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Scheduler) Name() string {
	return s.name
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("%s#%d", s.name, s.id)
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		s.mutex.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mutex.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mutex.Unlock()

		s.run(task)
	}
}

func (s *Scheduler) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("[%s] task panic: %v\n%s", s.name, r, debug.Stack())
		}
	}()
	task()
}

// Post enqueues a task without blocking. It returns false when the
// scheduler is closed.
func (s *Scheduler) Post(task func()) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	return true
}

// Pending is the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.queue)
}

type panicked struct {
	value any
}

// Invoke runs fn on the scheduler and waits for it. The context passed to
// fn identifies the scheduler, see FromContext. Calling Invoke from a task
// already running on s runs fn inline. A panic in fn is raised again in the
// caller.
func (s *Scheduler) Invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if FromContext(ctx) == s {
		return fn(ctx)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	const (
		pending = iota
		running
		skipped
	)
	state := atomic.Int32{}
	finished := make(chan struct{})
	var err error
	var p *panicked

	ok := s.Post(func() {
		if !state.CompareAndSwap(pending, running) {
			return
		}
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				p = &panicked{value: r}
			}
		}()
		err = fn(WithScheduler(ctx, s))
	})
	if !ok {
		return fmt.Errorf("invoke on %s: %w", s, ErrClosed)
	}

	select {
	case <-finished:
	case <-ctx.Done():
		if state.CompareAndSwap(pending, skipped) {
			return ctx.Err()
		}
		// Already running, it has to finish
		<-finished
	}

	if p != nil {
		panic(p.value)
	}
	return err
}

// Close stops accepting tasks. Tasks already queued still run, see Wait.
func (s *Scheduler) Close() {
	s.mutex.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	s.mutex.Unlock()
}

// Wait blocks until the scheduler has drained and exited after Close.
func (s *Scheduler) Wait() {
	<-s.done
}

// Done is closed once the scheduler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

type contextKey struct{}

// WithScheduler marks ctx as running on s.
func WithScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the scheduler the caller runs on, or nil.
func FromContext(ctx context.Context) *Scheduler {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(contextKey{}).(*Scheduler)
	return s
}
