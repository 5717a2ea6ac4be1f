// Package notification delivers change notifications as streams of events.
//
// All native listeners live on a single notifier scheduler owned by the
// pipeline. The notifier keeps its own live reference, thaws every observed
// target into it and freezes a snapshot for each event, so consumers can
// read the snapshots from any goroutine.
package notification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/logging"
	"github.com/fulldump/objectdb/reference"
	"github.com/fulldump/objectdb/scheduler"
)

const DefaultCapacity = 64

type Pipeline struct {
	file     *reference.File
	notifier *scheduler.Scheduler
	logger   logging.Logger
	capacity int

	entropyMutex *sync.Mutex
	entropy      *ulid.MonotonicEntropy

	active atomic.Int64

	// notifier only
	ctx     context.Context
	live    *reference.Reference
	streams map[string]subscription
	closed  bool
}

func New(file *reference.File, capacity int, logger logging.Logger) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger = logging.WithTag(logger, "notifier")
	notifier := scheduler.New("notifier", logger)
	return &Pipeline{
		file:         file,
		notifier:     notifier,
		logger:       logger,
		capacity:     capacity,
		entropyMutex: &sync.Mutex{},
		entropy:      ulid.Monotonic(rand.Reader, 0),
		ctx:          scheduler.WithScheduler(context.Background(), notifier),
		streams:      map[string]subscription{},
	}
}

func (p *Pipeline) newId() string {
	p.entropyMutex.Lock()
	defer p.entropyMutex.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// Notifier is the scheduler every change listener runs on.
func (p *Pipeline) Notifier() *scheduler.Scheduler {
	return p.notifier
}

// Active is the number of open subscriptions.
func (p *Pipeline) Active() int {
	return int(p.active.Load())
}

func (p *Pipeline) forget(id string) {
	if _, exists := p.streams[id]; exists {
		delete(p.streams, id)
		p.active.Add(-1)
	}
}

// notifierLive opens the live reference of the notifier the first time and
// refreshes it. Subscriptions already registered get their pending events
// before it returns.
func (p *Pipeline) notifierLive(ctx context.Context) (*reference.Reference, error) {
	if p.live == nil {
		live, err := reference.OpenLive(ctx, p.file)
		if err != nil {
			return nil, err
		}
		p.live = live
	}
	if _, err := p.live.Refresh(ctx); err != nil {
		return nil, err
	}
	return p.live, nil
}

func observe[T Snapshot](ctx context.Context, p *Pipeline, setup func(ctx context.Context, s *Stream[T]) error) (*Stream[T], error) {
	s := newStream[T](p)

	err := p.notifier.Invoke(ctx, func(nctx context.Context) error {
		if p.closed {
			return &dberr.IllegalStateError{Op: "observe", Message: "notification pipeline closed"}
		}
		p.streams[s.id] = s
		p.active.Add(1)

		if err := setup(p.ctx, s); err != nil {
			s.finish(err)
			for event := range s.events {
				event.Close()
			}
			return err
		}
		return nil
	})
	if errors.Is(err, scheduler.ErrClosed) {
		return nil, &dberr.IllegalStateError{Op: "observe", Message: "notification pipeline closed", Err: err}
	}
	if err != nil {
		return nil, err
	}

	p.logger.Debugf("subscription %s opened", s.id)
	go s.watch(ctx)
	return s, nil
}

// ObserveDatabase emits one event per committed version. Snapshots are
// frozen references to the whole database.
func (p *Pipeline) ObserveDatabase(ctx context.Context) (*Stream[*reference.Reference], error) {
	return observe(ctx, p, func(ctx context.Context, s *Stream[*reference.Reference]) error {
		live, err := p.notifierLive(ctx)
		if err != nil {
			return err
		}
		livePtr, err := live.Ptr(ctx)
		if err != nil {
			return err
		}

		snapshot, err := live.Freeze(ctx)
		if err != nil {
			return err
		}
		s.emitSnapshot(Initial, snapshot.Version(), snapshot, nil, nil)

		s.token, err = p.file.Engine.RegisterChangeListener(livePtr, func(change *engine.Change) {
			if change.Err != nil {
				s.fail(change.Version, change.Err)
				return
			}
			snapshot, err := live.Freeze(ctx)
			if err != nil {
				s.fail(change.Version, err)
				return
			}
			s.emitSnapshot(Updated, change.Version, snapshot, nil, nil)
		})
		return dberr.Translate("register listener", err)
	})
}

// ObserveQuery emits the results of a query and one event per version that
// changes them.
func (p *Pipeline) ObserveQuery(ctx context.Context, className string, filter engine.Document) (*Stream[*reference.Results], error) {
	return p.observeResults(ctx, func(ctx context.Context, live *reference.Reference) (*reference.Results, bool, error) {
		results, err := live.Query(ctx, className, filter)
		return results, err == nil, err
	})
}

// ObserveResults observes results opened elsewhere. Live results are
// frozen first in the caller's context.
func (p *Pipeline) ObserveResults(ctx context.Context, target *reference.Results) (*Stream[*reference.Results], error) {
	frozen, err := target.Freeze(ctx)
	if err != nil {
		return nil, fmt.Errorf("freeze target: %w", err)
	}
	defer frozen.Close()

	return p.observeResults(ctx, func(ctx context.Context, live *reference.Reference) (*reference.Results, bool, error) {
		return frozen.Thaw(ctx, live)
	})
}

func (p *Pipeline) observeResults(ctx context.Context, open func(ctx context.Context, live *reference.Reference) (*reference.Results, bool, error)) (*Stream[*reference.Results], error) {
	return observe(ctx, p, func(ctx context.Context, s *Stream[*reference.Results]) error {
		live, err := p.notifierLive(ctx)
		if err != nil {
			return err
		}
		results, found, err := open(ctx, live)
		if err != nil {
			return err
		}
		if !found {
			return &dberr.IllegalStateError{Op: "observe", Message: "results not found in the latest version"}
		}
		s.target = results

		resultsPtr, err := results.Ptr(ctx)
		if err != nil {
			return err
		}

		snapshot, err := results.Freeze(ctx)
		if err != nil {
			return err
		}
		s.emitSnapshot(Initial, snapshot.Reference().Version(), snapshot, nil, nil)

		s.token, err = p.file.Engine.RegisterChangeListener(resultsPtr, func(change *engine.Change) {
			if change.Err != nil {
				s.fail(change.Version, change.Err)
				return
			}
			snapshot, err := results.Freeze(ctx)
			if err != nil {
				s.fail(change.Version, err)
				return
			}
			s.emitSnapshot(Updated, change.Version, snapshot, NewChangeSet(change), nil)
		})
		return dberr.Translate("register listener", err)
	})
}

// ObserveObject emits the object and one event per version that changes
// it. The stream completes with a Deleted event when the object goes away.
func (p *Pipeline) ObserveObject(ctx context.Context, className string, key engine.ObjectKey) (*Stream[*reference.Object], error) {
	return p.observeObject(ctx, func(ctx context.Context, live *reference.Reference) (*reference.Object, bool, error) {
		return live.Object(ctx, className, key)
	})
}

// ObserveTarget observes an object opened elsewhere. A live object is
// frozen first in the caller's context.
func (p *Pipeline) ObserveTarget(ctx context.Context, target *reference.Object) (*Stream[*reference.Object], error) {
	frozen, err := target.Freeze(ctx)
	if err != nil {
		return nil, fmt.Errorf("freeze target: %w", err)
	}
	defer frozen.Close()

	return p.observeObject(ctx, func(ctx context.Context, live *reference.Reference) (*reference.Object, bool, error) {
		return frozen.Thaw(ctx, live)
	})
}

func (p *Pipeline) observeObject(ctx context.Context, open func(ctx context.Context, live *reference.Reference) (*reference.Object, bool, error)) (*Stream[*reference.Object], error) {
	return observe(ctx, p, func(ctx context.Context, s *Stream[*reference.Object]) error {
		live, err := p.notifierLive(ctx)
		if err != nil {
			return err
		}
		object, found, err := open(ctx, live)
		if err != nil {
			return err
		}
		if !found {
			s.emit(Event[*reference.Object]{Kind: Deleted, Version: live.Version()})
			s.finish(nil)
			return nil
		}
		s.target = object

		objectPtr, err := object.Ptr(ctx)
		if err != nil {
			return err
		}

		snapshot, err := object.Freeze(ctx)
		if err != nil {
			return err
		}
		s.emitSnapshot(Initial, snapshot.Reference().Version(), snapshot, nil, nil)

		s.token, err = p.file.Engine.RegisterChangeListener(objectPtr, func(change *engine.Change) {
			if change.Err != nil {
				s.fail(change.Version, change.Err)
				return
			}
			if change.Deleted {
				s.emit(Event[*reference.Object]{Kind: Deleted, Version: change.Version})
				s.finish(nil)
				return
			}
			snapshot, err := object.Freeze(ctx)
			if err != nil {
				s.fail(change.Version, err)
				return
			}
			s.emitSnapshot(Updated, change.Version, snapshot, nil, change.ChangedProperties)
		})
		return dberr.Translate("register listener", err)
	})
}

// Close finishes every subscription, releases the notifier live reference
// and stops the notifier.
func (p *Pipeline) Close() error {
	err := p.notifier.Invoke(context.Background(), func(ctx context.Context) error {
		if p.closed {
			return nil
		}
		p.closed = true
		for _, s := range p.streams {
			s.finish(nil)
		}
		if p.live != nil {
			return p.live.Close()
		}
		return nil
	})
	if errors.Is(err, scheduler.ErrClosed) {
		return nil
	}

	p.notifier.Close()
	p.notifier.Wait()
	return err
}
