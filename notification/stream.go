package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/scheduler"
)

// subscription is what the pipeline knows about a stream. Its methods run
// on the notifier.
type subscription interface {
	finish(err error)
}

// Stream is an ordered, bounded sequence of events for one subscription.
// The channel returned by Events is closed when the stream completes.
type Stream[T Snapshot] struct {
	id       string
	pipeline *Pipeline
	events   chan Event[T]
	done     chan struct{}

	mutex *sync.Mutex
	err   error

	closing sync.Once

	// notifier only
	finished bool
	token    engine.Ptr
	target   Snapshot
}

func newStream[T Snapshot](p *Pipeline) *Stream[T] {
	return &Stream[T]{
		id:       p.newId(),
		pipeline: p,
		events:   make(chan Event[T], p.capacity),
		done:     make(chan struct{}),
		mutex:    &sync.Mutex{},
	}
}

func (s *Stream[T]) ID() string {
	return s.id
}

func (s *Stream[T]) Events() <-chan Event[T] {
	return s.events
}

// Done is closed once the stream has completed.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the stream completed, nil when it completed normally.
func (s *Stream[T]) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// Close cancels the subscription. It returns once the native listener is
// gone; events not consumed yet are dropped and their snapshots closed.
func (s *Stream[T]) Close() error {
	var err error
	s.closing.Do(func() {
		err = s.pipeline.notifier.Invoke(context.Background(), func(ctx context.Context) error {
			s.finish(nil)
			return nil
		})
		if errors.Is(err, scheduler.ErrClosed) {
			// The pipeline is closed and already finished every stream
			err = nil
		}
		<-s.done
		for event := range s.events {
			event.Close()
		}
	})
	return err
}

// watch closes the stream when ctx is cancelled.
func (s *Stream[T]) watch(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.done:
	}
}

func (s *Stream[T]) emit(event Event[T]) {
	if s.finished {
		event.Close()
		return
	}
	select {
	case s.events <- event:
	default:
		event.Close()
		s.pipeline.logger.Warningf("subscription %s overflowed at version %d", s.id, event.Version)
		s.finish(&dberr.BufferOverflowError{Subscription: s.id, Capacity: cap(s.events)})
	}
}

func (s *Stream[T]) emitSnapshot(kind Kind, version engine.Version, snapshot T, changes *ChangeSet, fields []string) {
	s.emit(Event[T]{
		Kind:          kind,
		Version:       version,
		Snapshot:      snapshot,
		has:           true,
		Changes:       changes,
		ChangedFields: fields,
	})
}

// fail delivers a terminal error event and completes the stream.
func (s *Stream[T]) fail(version engine.Version, err error) {
	err = &dberr.NotificationError{Subscription: s.id, Err: err}
	s.emit(Event[T]{Kind: Error, Version: version, Err: err})
	s.finish(err)
}

func (s *Stream[T]) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true

	e := s.pipeline.file.Engine
	if s.token != 0 {
		if unregisterErr := e.UnregisterChangeListener(s.token); unregisterErr != nil {
			s.pipeline.logger.Debugf("unregister listener of %s: %s", s.id, unregisterErr)
		}
		s.token = 0
	}
	if s.target != nil {
		s.target.Close()
		s.target = nil
	}

	s.mutex.Lock()
	s.err = err
	s.mutex.Unlock()

	s.pipeline.forget(s.id)
	close(s.events)
	close(s.done)

	if err != nil {
		s.pipeline.logger.Infof("subscription %s finished: %s", s.id, err)
	} else {
		s.pipeline.logger.Debugf("subscription %s finished", s.id)
	}
}
