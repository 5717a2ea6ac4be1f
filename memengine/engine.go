// Package memengine is an in-memory implementation of engine.Engine.
// Versions are copy-on-write snapshots of btree backed classes. A file can
// optionally be backed by an append-only command log.
package memengine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/logging"
)

type Engine struct {
	mutex     *sync.Mutex
	lastPtr   engine.Ptr
	resources map[engine.Ptr]any
	orphans   map[engine.Ptr]struct{} // views dropped by a file close
	logger    logging.Logger
}

func New(logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard
	}
	return &Engine{
		mutex:     &sync.Mutex{},
		resources: map[engine.Ptr]any{},
		orphans:   map[engine.Ptr]struct{}{},
		logger:    logging.WithTag(logger, "engine"),
	}
}

type file struct {
	ptr     engine.Ptr
	path    string
	states  map[engine.Version]*state
	latest  *state
	lastKey engine.ClassKey
	names   map[engine.ClassKey]string
	views   map[*view]struct{}
	writer  *view
	storage *storage
	closed  bool
}

func (f *file) nextClassKey(name string) engine.ClassKey {
	f.lastKey++
	f.names[f.lastKey] = name
	return f.lastKey
}

// classIn finds the class with key in st. A miss names the class when the
// key was ever assigned.
func (f *file) classIn(st *state, key engine.ClassKey) (*class, error) {
	if c, found := st.classByKey(key); found {
		return c, nil
	}
	if name, known := f.names[key]; known {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownClass, name)
	}
	return nil, fmt.Errorf("%w: key %d", engine.ErrUnknownClass, key)
}

// classByKey searches the latest state and then the states still seen by
// some view, so keys of older schema versions keep resolving.
func (f *file) classByKey(key engine.ClassKey) (*class, error) {
	if c, found := f.latest.classByKey(key); found {
		return c, nil
	}
	for v := range f.views {
		if v.state == nil {
			continue
		}
		if c, found := v.state.classByKey(key); found {
			return c, nil
		}
	}
	return f.classIn(f.latest, key)
}

func (e *Engine) register(resource any) engine.Ptr {
	e.lastPtr++
	e.resources[e.lastPtr] = resource
	return e.lastPtr
}

func resolve[T any](e *Engine, ptr engine.Ptr) (T, error) {
	var zero T
	resource, exists := e.resources[ptr]
	if !exists {
		return zero, fmt.Errorf("%w: %d", engine.ErrInvalidHandle, ptr)
	}
	typed, ok := resource.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %d is a %T", engine.ErrInvalidHandle, ptr, resource)
	}
	return typed, nil
}

func (e *Engine) Open(config *engine.Config) (engine.Ptr, error) {
	f := &file{
		path:   config.Path,
		states: map[engine.Version]*state{},
		names:  map[engine.ClassKey]string{},
		views:  map[*view]struct{}{},
	}

	initial := &state{classes: map[string]*class{}}
	if len(config.Schema) > 0 {
		m := newMutation(f, initial)
		err := m.updateSchema(config.Schema)
		if err != nil {
			return 0, fmt.Errorf("initial schema: %w", err)
		}
		initial = m.seal(0)
	}
	f.latest = initial

	if config.Path != "" {
		err := loadCommands(config.Path, func(cmd *Command, ops []operation) error {
			if cmd.Version != f.latest.version+1 {
				return fmt.Errorf("%w: expected version %d, found %d", engine.ErrCorrupted, f.latest.version+1, cmd.Version)
			}
			m := newMutation(f, f.latest)
			for _, op := range ops {
				if err := m.apply(op); err != nil {
					return err
				}
			}
			f.latest = m.seal(cmd.Version)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("load commands: %w", err)
		}

		f.storage, err = openStorage(config.Path)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", engine.ErrResourceExhausted, err)
		}
		e.logger.Infof("file '%s' loaded at version %d", config.Path, f.latest.version)
	}
	f.states[f.latest.version] = f.latest

	e.mutex.Lock()
	defer e.mutex.Unlock()
	f.ptr = e.register(f)

	return f.ptr, nil
}

func (e *Engine) Close(filePtr engine.Ptr) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := resolve[*file](e, filePtr)
	if err != nil {
		return err
	}

	return e.closeFile(f)
}

func (e *Engine) closeFile(f *file) error {
	for v := range f.views {
		// Owners still release them later
		e.orphans[v.ptr] = struct{}{}
		for _, l := range v.listeners {
			e.orphans[l.ptr] = struct{}{}
		}
		e.detachView(v)
		delete(e.resources, v.ptr)
	}
	f.closed = true
	delete(e.resources, f.ptr)

	if f.storage != nil {
		return f.storage.Close()
	}
	return nil
}

func (e *Engine) openFile(ptr engine.Ptr) (*file, error) {
	f, err := resolve[*file](e, ptr)
	if err != nil {
		return nil, err
	}
	if f.closed {
		return nil, engine.ErrClosed
	}
	return f, nil
}

func (e *Engine) Release(ptr engine.Ptr) error {
	if ptr == 0 {
		return nil
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	resource, exists := e.resources[ptr]
	if !exists {
		if _, orphan := e.orphans[ptr]; orphan {
			delete(e.orphans, ptr)
			return nil
		}
		return fmt.Errorf("%w: %d", engine.ErrInvalidHandle, ptr)
	}

	switch r := resource.(type) {
	case *file:
		return e.closeFile(r)
	case *view:
		e.detachView(r)
		delete(e.resources, ptr)
	case *listener:
		e.removeListener(r)
	default:
		delete(e.resources, ptr)
	}

	return nil
}

func (e *Engine) Reclaim(filePtr engine.Ptr, oldestPinned engine.Version) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return 0, err
	}

	// Live views with listeners step through every version, keep all of
	// them from the oldest one on.
	keepFrom := oldestPinned
	held := map[engine.Version]bool{}
	for v := range f.views {
		held[v.state.version] = true
		if v.kind == liveView && len(v.listeners) > 0 && v.state.version < keepFrom {
			keepFrom = v.state.version
		}
	}

	reclaimed := 0
	for version := range f.states {
		if version == f.latest.version || version >= keepFrom || held[version] {
			continue
		}
		delete(f.states, version)
		reclaimed++
	}

	if reclaimed > 0 {
		e.logger.Debugf("reclaimed %d versions, %d retained", reclaimed, len(f.states))
	}

	return reclaimed, nil
}

func (e *Engine) Stats(filePtr engine.Ptr) (*engine.Stats, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return nil, err
	}

	stats := &engine.Stats{
		Latest:   f.latest.version,
		Retained: []engine.Version{},
		Views:    len(f.views),
	}
	for version := range f.states {
		stats.Retained = append(stats.Retained, version)
	}
	slices.Sort(stats.Retained)
	for v := range f.views {
		stats.Listeners += len(v.listeners)
	}

	return stats, nil
}
