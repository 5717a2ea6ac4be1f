package memengine

import (
	"fmt"

	"github.com/fulldump/objectdb/engine"
)

type viewKind int

const (
	liveView viewKind = iota
	frozenView
	writeView
)

func (k viewKind) String() string {
	switch k {
	case liveView:
		return "live"
	case frozenView:
		return "frozen"
	case writeView:
		return "write"
	}
	return "unknown"
}

type view struct {
	ptr       engine.Ptr
	kind      viewKind
	file      *file
	state     *state
	scheduler engine.Scheduler
	listeners []*listener
	pending   deliveries // not yet handed to listeners, oldest first
	released  bool

	// writeView only
	parent   *view
	mutation *mutation

	// liveView only, the open write
	writing *view
}

func (e *Engine) newView(f *file, kind viewKind, st *state) *view {
	v := &view{
		kind:  kind,
		file:  f,
		state: st,
	}
	v.ptr = e.register(v)
	f.views[v] = struct{}{}
	return v
}

// detachView makes v unusable. Its pointer stays registered until the owner
// releases it. Must be called with the engine locked.
func (e *Engine) detachView(v *view) {
	if v.released {
		return
	}
	v.released = true
	if v.writing != nil {
		e.detachView(v.writing)
	}
	if v.kind == writeView {
		v.mutation = nil
		if v.parent != nil && v.parent.writing == v {
			v.parent.writing = nil
		}
		if v.file.writer == v {
			v.file.writer = nil
		}
	}
	for _, l := range v.listeners {
		l.removed.Store(true)
		delete(e.resources, l.ptr)
	}
	v.listeners = nil
	v.pending = nil
	delete(v.file.views, v)
}

func (e *Engine) activeView(ptr engine.Ptr) (*view, error) {
	v, err := resolve[*view](e, ptr)
	if err != nil {
		return nil, err
	}
	if v.released {
		return nil, fmt.Errorf("%w: view %d released", engine.ErrInvalidHandle, ptr)
	}
	if v.file.closed {
		return nil, engine.ErrClosed
	}
	return v, nil
}

func (e *Engine) activeLive(ptr engine.Ptr) (*view, error) {
	v, err := e.activeView(ptr)
	if err != nil {
		return nil, err
	}
	if v.kind != liveView {
		return nil, fmt.Errorf("%w: %d is a %s view", engine.ErrInvalidHandle, ptr, v.kind)
	}
	return v, nil
}

func (e *Engine) OpenLive(filePtr engine.Ptr, scheduler engine.Scheduler) (engine.Ptr, engine.Version, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return 0, 0, err
	}

	v := e.newView(f, liveView, f.latest)
	v.scheduler = scheduler

	return v.ptr, v.state.version, nil
}

func (e *Engine) BeginRead(filePtr engine.Ptr) (engine.Ptr, engine.Version, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return 0, 0, err
	}

	v := e.newView(f, frozenView, f.latest)
	return v.ptr, v.state.version, nil
}

func (e *Engine) Freeze(livePtr engine.Ptr) (engine.Ptr, engine.Version, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	live, err := e.activeLive(livePtr)
	if err != nil {
		return 0, 0, err
	}

	v := e.newView(live.file, frozenView, live.state)
	return v.ptr, v.state.version, nil
}

func (e *Engine) ViewVersion(ptr engine.Ptr) (engine.Version, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	v, err := e.activeView(ptr)
	if err != nil {
		return 0, err
	}
	return v.state.version, nil
}

// Refresh advances the live view to the latest version. Listeners of the
// view are called for every intermediate version before it returns.
func (e *Engine) Refresh(livePtr engine.Ptr) (engine.Version, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	live, err := e.activeLive(livePtr)
	if err != nil {
		return 0, err
	}
	if live.writing != nil {
		return 0, fmt.Errorf("refresh: %w", engine.ErrWriteInProgress)
	}

	e.catchUp(live)
	if live.released {
		return 0, fmt.Errorf("%w: view %d released during refresh", engine.ErrInvalidHandle, livePtr)
	}
	return live.state.version, nil
}

func (e *Engine) BeginWrite(livePtr engine.Ptr) (engine.Ptr, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	live, err := e.activeLive(livePtr)
	if err != nil {
		return 0, err
	}
	f := live.file
	if f.writer != nil {
		return 0, engine.ErrWriteInProgress
	}

	e.catchUp(live)
	if live.released {
		return 0, fmt.Errorf("%w: view %d released during begin", engine.ErrInvalidHandle, livePtr)
	}
	// Someone may have started writing while listeners ran
	if f.writer != nil {
		return 0, engine.ErrWriteInProgress
	}

	w := e.newView(f, writeView, nil)
	w.parent = live
	w.mutation = newMutation(f, live.state)
	w.state = w.mutation.state
	live.writing = w
	f.writer = w

	return w.ptr, nil
}

func (e *Engine) activeWrite(ptr engine.Ptr) (*view, error) {
	w, err := e.activeView(ptr)
	if err != nil {
		return nil, err
	}
	if w.kind != writeView {
		return nil, fmt.Errorf("%w: %d is a %s view", engine.ErrNotWritable, ptr, w.kind)
	}
	return w, nil
}

func (e *Engine) Commit(txnPtr engine.Ptr) (engine.Version, error) {
	e.mutex.Lock()

	w, err := e.activeWrite(txnPtr)
	if err != nil {
		e.mutex.Unlock()
		return 0, err
	}
	f := w.file
	m := w.mutation
	live := w.parent

	if m.conflict != nil {
		e.detachView(w)
		e.mutex.Unlock()
		return 0, m.conflict
	}

	version := f.latest.version + 1
	if f.storage != nil {
		err := f.storage.Persist(version, m.ops)
		if err != nil {
			e.detachView(w)
			e.mutex.Unlock()
			return 0, fmt.Errorf("%w: %s", engine.ErrResourceExhausted, err)
		}
	}

	st := m.seal(version)
	f.states[version] = st
	f.latest = st
	e.detachView(w)

	// The committing view moves straight to the new version, its listeners
	// are told through its scheduler like everyone else.
	live.pending = append(live.pending, e.collect(live, live.state, st)...)
	live.state = st

	// Posting under the lock keeps deliveries in commit order
	for v := range f.views {
		if v.kind != liveView || len(v.listeners) == 0 || v.scheduler == nil {
			continue
		}
		v := v
		posted := v.scheduler.Post(func() {
			e.mutex.Lock()
			defer e.mutex.Unlock()
			e.catchUp(v)
		})
		if !posted {
			e.logger.Warningf("scheduler closed, version %d not delivered", version)
		}
	}
	e.mutex.Unlock()

	return version, nil
}

func (e *Engine) Rollback(txnPtr engine.Ptr) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	w, err := e.activeWrite(txnPtr)
	if err != nil {
		return err
	}
	e.detachView(w)
	return nil
}
