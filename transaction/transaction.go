// Package transaction serializes the writers of a database file.
package transaction

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/handle"
	"github.com/fulldump/objectdb/logging"
	"github.com/fulldump/objectdb/reference"
)

// Coordinator holds the write lock of one file. At most one Write is open
// at any time.
type Coordinator struct {
	file   *reference.File
	logger logging.Logger
	lock   chan struct{}

	mutex  *sync.Mutex
	active map[*reference.Reference]*Write

	// OnCommit is called on the committing goroutine after every
	// successful commit, with the write lock already released.
	OnCommit func(ctx context.Context, version engine.Version)
}

func New(file *reference.File, logger logging.Logger) *Coordinator {
	return &Coordinator{
		file:   file,
		logger: logging.WithTag(logger, "writer"),
		lock:   make(chan struct{}, 1),
		mutex:  &sync.Mutex{},
		active: map[*reference.Reference]*Write{},
	}
}

// InProgress tells whether a write is open.
func (c *Coordinator) InProgress() bool {
	return len(c.lock) > 0
}

// BeginWrite waits for the write lock, advances live to the latest version
// and opens a write on top of it.
func (c *Coordinator) BeginWrite(ctx context.Context, live *reference.Reference) (*Write, error) {
	if err := live.CheckThread(ctx); err != nil {
		return nil, err
	}
	if live.Mode() != reference.Live {
		return nil, &dberr.IllegalStateError{Op: "begin write", Message: fmt.Sprintf("writes need a live reference, got %s", live.Mode())}
	}

	c.mutex.Lock()
	_, nested := c.active[live]
	c.mutex.Unlock()
	if nested {
		return nil, &dberr.IllegalStateError{Op: "begin write", Message: "a write is already open on this reference"}
	}

	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w, err := c.open(ctx, live)
	if err != nil {
		<-c.lock
		return nil, err
	}

	c.mutex.Lock()
	c.active[live] = w
	c.mutex.Unlock()

	return w, nil
}

func (c *Coordinator) open(ctx context.Context, live *reference.Reference) (*Write, error) {
	livePtr, err := live.Ptr(ctx)
	if err != nil {
		return nil, err
	}
	txn, err := c.file.Engine.BeginWrite(livePtr)
	if err != nil {
		return nil, dberr.Translate("begin write", err)
	}
	if _, err := live.Sync(ctx); err != nil {
		c.file.Engine.Rollback(txn)
		c.file.Engine.Release(txn)
		return nil, err
	}

	return &Write{
		coordinator: c,
		live:        live,
		handle:      handle.Acquire("write", txn, c.file.Engine.Release),
	}, nil
}

func (c *Coordinator) finish(w *Write) {
	c.mutex.Lock()
	delete(c.active, w.live)
	c.mutex.Unlock()

	if err := w.handle.Release(); err != nil {
		c.logger.Warningf("release write on %s: %s", w.live, err)
	}
	<-c.lock
}

// Run opens a write, runs f and commits. When f fails or panics the write
// is rolled back and the error or panic propagates.
func (c *Coordinator) Run(ctx context.Context, live *reference.Reference, f func(ctx context.Context, w *Write) error) (version engine.Version, err error) {
	w, err := c.BeginWrite(ctx, live)
	if err != nil {
		return 0, err
	}

	defer func() {
		if r := recover(); r != nil {
			w.Cancel()
			panic(r)
		}
	}()

	if err := f(ctx, w); err != nil {
		w.Cancel()
		return 0, err
	}

	return w.Commit(ctx)
}

// Write is an open write transaction.
type Write struct {
	coordinator *Coordinator
	live        *reference.Reference
	handle      *handle.Handle
	done        atomic.Bool
	schema      bool
	classes     []string // touched by UpdateSchema
}

func (w *Write) Live() *reference.Reference {
	return w.live
}

func (w *Write) ptr(ctx context.Context) (engine.Ptr, error) {
	if err := w.live.CheckThread(ctx); err != nil {
		return 0, err
	}
	if w.done.Load() {
		return 0, &dberr.IllegalStateError{Op: "write", Message: "transaction already finished"}
	}
	return w.handle.Ptr()
}

// class resolves against the write itself, so classes changed earlier in
// the same write are seen.
func (w *Write) class(ptr engine.Ptr, className string) (engine.ClassKey, error) {
	metadata, err := w.coordinator.file.Schema.At(ptr, className)
	if err != nil {
		return 0, err
	}
	return metadata.Key, nil
}

func (w *Write) Insert(ctx context.Context, className string, doc engine.Document) (engine.ObjectKey, error) {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return 0, err
	}
	class, err := w.class(ptr, className)
	if err != nil {
		return 0, err
	}
	key, err := w.coordinator.file.Engine.Insert(ptr, class, doc)
	if err != nil {
		return 0, dberr.Translate(fmt.Sprintf("insert into '%s'", className), err)
	}
	return key, nil
}

func (w *Write) Update(ctx context.Context, className string, key engine.ObjectKey, patch engine.Document) error {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return err
	}
	class, err := w.class(ptr, className)
	if err != nil {
		return err
	}
	err = w.coordinator.file.Engine.Update(ptr, class, key, patch)
	return dberr.Translate(fmt.Sprintf("update '%s'", className), err)
}

func (w *Write) Delete(ctx context.Context, className string, key engine.ObjectKey) error {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return err
	}
	class, err := w.class(ptr, className)
	if err != nil {
		return err
	}
	err = w.coordinator.file.Engine.Delete(ptr, class, key)
	return dberr.Translate(fmt.Sprintf("delete from '%s'", className), err)
}

// Row is an object read inside a write.
type Row struct {
	Key      engine.ObjectKey `json:"key"`
	Document engine.Document  `json:"document"`
}

// Query reads the objects of a class matching filter, own changes included.
func (w *Write) Query(ctx context.Context, className string, filter engine.Document) ([]Row, error) {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return nil, err
	}
	class, err := w.class(ptr, className)
	if err != nil {
		return nil, err
	}

	e := w.coordinator.file.Engine
	results, err := e.Query(ptr, class, filter)
	if err != nil {
		return nil, dberr.Translate(fmt.Sprintf("query '%s'", className), err)
	}
	defer e.Release(results)

	n, err := e.Count(results)
	if err != nil {
		return nil, dberr.Translate("count", err)
	}
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		key, doc, err := e.At(results, i)
		if err != nil {
			return nil, dberr.Translate("at", err)
		}
		rows = append(rows, Row{Key: key, Document: doc})
	}
	return rows, nil
}

// UpdateSchema adds or replaces classes. They are usable in the rest of the
// write and by everyone else once it commits.
func (w *Write) UpdateSchema(ctx context.Context, classes ...engine.ClassSchema) error {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return err
	}
	err = w.coordinator.file.Engine.UpdateSchema(ptr, classes)
	if err != nil {
		return dberr.Translate("update schema", err)
	}
	w.schema = true
	for _, class := range classes {
		if !slices.Contains(w.classes, class.Name) {
			w.classes = append(w.classes, class.Name)
		}
	}
	return nil
}

// FindLatest reads the object behind a frozen object as this write sees
// it. An object deleted since is reported as (Row{}, false, nil).
func (w *Write) FindLatest(ctx context.Context, object *reference.Object) (Row, bool, error) {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return Row{}, false, err
	}
	objectPtr, err := object.Ptr(ctx)
	if err != nil {
		return Row{}, false, err
	}

	e := w.coordinator.file.Engine
	imported, found, err := e.Import(objectPtr, ptr)
	if err != nil {
		return Row{}, false, dberr.Translate("find latest", err)
	}
	if !found {
		return Row{}, false, nil
	}
	defer e.Release(imported)

	key, doc, exists, err := e.Read(imported)
	if err != nil {
		return Row{}, false, dberr.Translate("read", err)
	}
	if !exists {
		return Row{}, false, nil
	}
	return Row{Key: key, Document: doc}, true, nil
}

// Upsert stores doc as the whole content of the object with the same
// primary key, inserting it when there is none. inserted tells which one
// happened.
func (w *Write) Upsert(ctx context.Context, className string, doc engine.Document) (key engine.ObjectKey, inserted bool, err error) {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return 0, false, err
	}
	metadata, err := w.coordinator.file.Schema.At(ptr, className)
	if err != nil {
		return 0, false, err
	}
	if metadata.PrimaryKey == "" {
		return 0, false, &dberr.IllegalStateError{Op: "upsert", Message: fmt.Sprintf("class '%s' has no primary key", className)}
	}
	value, exists := doc[metadata.PrimaryKey]
	if !exists || value == nil {
		return 0, false, dberr.Translate(fmt.Sprintf("upsert into '%s'", className), fmt.Errorf("%w: field '%s'", engine.ErrMissingPrimaryKey, metadata.PrimaryKey))
	}

	rows, err := w.Query(ctx, className, engine.Document{metadata.PrimaryKey: value})
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		key, err := w.Insert(ctx, className, doc)
		return key, err == nil, err
	}

	current := rows[0]
	patch := maps.Clone(doc)
	for field := range current.Document {
		if _, kept := doc[field]; !kept {
			patch[field] = nil
		}
	}
	return current.Key, false, w.Update(ctx, className, current.Key, patch)
}

// DeleteAll removes every object of the given classes, or of every class
// when none is given, and returns how many were removed.
func (w *Write) DeleteAll(ctx context.Context, classNames ...string) (int, error) {
	if _, err := w.ptr(ctx); err != nil {
		return 0, err
	}
	if len(classNames) == 0 {
		classes, err := w.coordinator.file.Engine.Classes(w.coordinator.file.Ptr)
		if err != nil {
			return 0, dberr.Translate("classes", err)
		}
		for _, class := range classes {
			classNames = append(classNames, class.Name)
		}
	}

	deleted := 0
	for _, className := range classNames {
		rows, err := w.Query(ctx, className, nil)
		if err != nil {
			return deleted, err
		}
		for _, row := range rows {
			if err := w.Delete(ctx, className, row.Key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// Commit publishes the write. On failure nothing is applied, the lock is
// released and the error is returned as an IllegalStateError.
func (w *Write) Commit(ctx context.Context) (engine.Version, error) {
	ptr, err := w.ptr(ctx)
	if err != nil {
		return 0, err
	}
	if !w.done.CompareAndSwap(false, true) {
		return 0, &dberr.IllegalStateError{Op: "commit", Message: "transaction already finished"}
	}

	c := w.coordinator
	e := c.file.Engine

	version, err := e.Commit(ptr)
	if err != nil {
		e.Rollback(ptr) // usually already discarded by the engine
		c.finish(w)
		c.logger.Infof("commit on %s failed: %s", w.live, err)
		return 0, &dberr.IllegalStateError{Op: "commit", Message: err.Error(), Err: err}
	}

	c.finish(w)

	if _, err := w.live.Sync(ctx); err != nil {
		c.logger.Warningf("sync %s after commit: %s", w.live, err)
	}

	if w.schema {
		schemaVersion, err := e.SchemaVersion(c.file.Ptr)
		if err != nil {
			c.logger.Warningf("read schema version: %s", err)
		} else {
			c.file.Schema.Invalidate(schemaVersion, w.classes...)
		}
	}

	c.logger.Debugf("committed version %d", version)

	if c.OnCommit != nil {
		c.OnCommit(ctx, version)
	}

	return version, nil
}

// Cancel rolls back the write. Cancelling a finished write is a no-op.
func (w *Write) Cancel() error {
	if !w.done.CompareAndSwap(false, true) {
		return nil
	}

	c := w.coordinator
	defer c.finish(w)

	ptr, err := w.handle.Ptr()
	if err != nil {
		return err
	}
	return dberr.Translate("rollback", c.file.Engine.Rollback(ptr))
}
