package memengine

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"
	"sync/atomic"

	"github.com/fulldump/objectdb/engine"
)

type listener struct {
	ptr      engine.Ptr
	view     *view
	target   any // *view, *results or *object
	callback engine.Callback
	removed  atomic.Bool
}

type delivery struct {
	listener *listener
	change   *engine.Change
}

// deliver calls the callback. Must be called without the engine lock so
// callbacks can use the engine.
func (d delivery) deliver() {
	if d.listener.removed.Load() {
		return
	}
	d.listener.callback(d.change)
}

type deliveries []delivery

func (e *Engine) RegisterChangeListener(targetPtr engine.Ptr, callback engine.Callback) (engine.Ptr, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	resource, exists := e.resources[targetPtr]
	if !exists {
		return 0, fmt.Errorf("%w: %d", engine.ErrInvalidHandle, targetPtr)
	}

	var live *view
	switch target := resource.(type) {
	case *view:
		live = target
	case *results:
		live = target.view
	case *object:
		live = target.view
	default:
		return 0, fmt.Errorf("%w: %T can not be observed", engine.ErrInvalidHandle, resource)
	}

	if live.released {
		return 0, fmt.Errorf("%w: view %d released", engine.ErrInvalidHandle, live.ptr)
	}
	if live.kind != liveView || live.scheduler == nil {
		return 0, fmt.Errorf("%w: only live views with a scheduler can be observed", engine.ErrInvalidHandle)
	}

	l := &listener{
		view:     live,
		target:   resource,
		callback: callback,
	}
	l.ptr = e.register(l)
	live.listeners = append(live.listeners, l)

	return l.ptr, nil
}

func (e *Engine) UnregisterChangeListener(token engine.Ptr) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	l, err := resolve[*listener](e, token)
	if err != nil {
		return err
	}
	e.removeListener(l)
	return nil
}

func (e *Engine) removeListener(l *listener) {
	l.removed.Store(true)
	l.view.listeners = slices.DeleteFunc(l.view.listeners, func(other *listener) bool {
		return other == l
	})
	delete(e.resources, l.ptr)
}

// catchUp hands the queued changes of v to its listeners and then moves v
// to the latest version one retained version at a time. Listeners are
// called while v is at the version they are told about. It is called and
// returns with the engine locked, but unlocks around every callback.
func (e *Engine) catchUp(v *view) {
	for !v.released {
		if len(v.pending) > 0 {
			next := v.pending[0]
			v.pending = v.pending[1:]
			e.deliverUnlocked(next)
			continue
		}
		latest := v.file.latest.version
		if v.state.version >= latest {
			return
		}
		st := e.nextState(v.file, v.state.version, latest)
		v.pending = append(v.pending, e.collect(v, v.state, st)...)
		v.state = st
	}
}

// deliverUnlocked leaves the engine locked even when the callback panics.
func (e *Engine) deliverUnlocked(d delivery) {
	e.mutex.Unlock()
	defer e.mutex.Lock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("listener %d panicked at version %d: %v", d.listener.ptr, d.change.Version, r)
		}
	}()
	d.deliver()
}

func (e *Engine) nextState(f *file, from, to engine.Version) *state {
	for version := from + 1; version < to; version++ {
		if st, exists := f.states[version]; exists {
			return st
		}
	}
	if st, exists := f.states[to]; exists {
		return st
	}
	return f.latest
}

func (e *Engine) collect(v *view, from, to *state) deliveries {
	pending := deliveries{}
	for _, l := range v.listeners {
		change := diff(l.target, from, to)
		if change == nil {
			continue
		}
		pending = append(pending, delivery{listener: l, change: change})
	}
	return pending
}

// diff returns nil when nothing relevant to target changed.
func diff(target any, from, to *state) *engine.Change {
	switch t := target.(type) {
	case *view:
		return &engine.Change{Version: to.version}
	case *results:
		return diffResults(t, from, to)
	case *object:
		return diffObject(t, from, to)
	}
	return nil
}

func diffResults(r *results, from, to *state) *engine.Change {
	before, err := r.evaluate(from)
	if err != nil {
		return &engine.Change{Version: to.version, Err: err}
	}
	after, err := r.evaluate(to)
	if err != nil {
		return &engine.Change{Version: to.version, Err: err}
	}

	change := &engine.Change{
		Version:       to.version,
		Deletions:     []int{},
		Insertions:    []int{},
		Modifications: []int{},
	}

	afterIndex := make(map[engine.ObjectKey]int, len(after))
	for i, item := range after {
		afterIndex[item.key] = i
	}
	beforeIndex := make(map[engine.ObjectKey]int, len(before))
	for i, item := range before {
		beforeIndex[item.key] = i
		if _, exists := afterIndex[item.key]; !exists {
			change.Deletions = append(change.Deletions, i)
		}
	}
	for i, item := range after {
		j, exists := beforeIndex[item.key]
		if !exists {
			change.Insertions = append(change.Insertions, i)
			continue
		}
		if before[j] != item && !bytes.Equal(before[j].payload, item.payload) {
			change.Modifications = append(change.Modifications, i)
		}
	}

	if len(change.Deletions)+len(change.Insertions)+len(change.Modifications) == 0 {
		return nil
	}
	return change
}

func diffObject(o *object, from, to *state) *engine.Change {
	before, existed := from.lookup(o.class, o.key)
	after, exists := to.lookup(o.class, o.key)

	if !existed {
		return nil
	}
	if !exists {
		return &engine.Change{Version: to.version, Deleted: true}
	}
	if before == after || bytes.Equal(before.payload, after.payload) {
		return nil
	}

	return &engine.Change{
		Version:           to.version,
		ChangedProperties: changedProperties(before.doc, after.doc),
	}
}

func changedProperties(before, after engine.Document) []string {
	changed := []string{}
	for k, v := range after {
		if old, exists := before[k]; !exists || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, exists := after[k]; !exists {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}
