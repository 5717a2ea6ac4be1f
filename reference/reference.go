// Package reference implements live and frozen references to the state of
// a database file at some version.
//
// A Live reference always reads the version it was last advanced to and is
// confined to the scheduler that opened it. A Frozen reference is pinned to
// one version and can be used from any goroutine.
package reference

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/handle"
	"github.com/fulldump/objectdb/logging"
	"github.com/fulldump/objectdb/scheduler"
	"github.com/fulldump/objectdb/schema"
	"github.com/fulldump/objectdb/tracker"
)

type Mode int32

const (
	Live Mode = iota
	Frozen
	Closed
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Frozen:
		return "frozen"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// File groups what every reference to one database file needs.
type File struct {
	Name    string
	Engine  engine.Engine
	Ptr     engine.Ptr
	Tracker *tracker.Tracker
	Schema  *schema.Cache
	Logger  logging.Logger
}

type Reference struct {
	file    *File
	mode    atomic.Int32
	version atomic.Uint64
	handle  *handle.Handle
	owner   *scheduler.Scheduler // live only
	pin     *tracker.Pin         // frozen only
}

// OpenLive opens a live reference at the latest committed version, owned by
// the scheduler carried by ctx.
func OpenLive(ctx context.Context, f *File) (*Reference, error) {
	owner := scheduler.FromContext(ctx)
	if owner == nil {
		return nil, &dberr.IllegalStateError{Op: "open live", Message: "the calling context does not run on a scheduler"}
	}

	ptr, version, err := f.Engine.OpenLive(f.Ptr, owner)
	if err != nil {
		return nil, dberr.Translate("open live", err)
	}

	r := &Reference{
		file:   f,
		handle: handle.Acquire("live", ptr, f.Engine.Release),
		owner:  owner,
	}
	r.mode.Store(int32(Live))
	r.version.Store(uint64(version))
	return r, nil
}

// BeginRead opens a frozen reference at the latest committed version.
func BeginRead(f *File) (*Reference, error) {
	ptr, version, err := f.Engine.BeginRead(f.Ptr)
	if err != nil {
		return nil, dberr.Translate("begin read", err)
	}
	return newFrozen(f, handle.Acquire("frozen", ptr, f.Engine.Release), version), nil
}

func newFrozen(f *File, h *handle.Handle, version engine.Version) *Reference {
	r := &Reference{
		file:   f,
		handle: h,
		pin:    f.Tracker.Track(version),
	}
	r.mode.Store(int32(Frozen))
	r.version.Store(uint64(version))
	return r
}

func (r *Reference) Mode() Mode {
	return Mode(r.mode.Load())
}

func (r *Reference) Version() engine.Version {
	return engine.Version(r.version.Load())
}

func (r *Reference) File() *File {
	return r.file
}

// Owner is the scheduler a live reference is confined to.
func (r *Reference) Owner() *scheduler.Scheduler {
	return r.owner
}

func (r *Reference) String() string {
	return fmt.Sprintf("%s %s@%d", r.Mode(), r.file.Name, r.Version())
}

// CheckThread fails with WrongThreadError when ctx does not run on the
// scheduler owning a live reference.
func (r *Reference) CheckThread(ctx context.Context) error {
	mode := r.Mode()
	if mode == Closed {
		return &dberr.UseAfterReleaseError{Resource: r.handle.String()}
	}
	if mode != Live {
		return nil
	}
	current := scheduler.FromContext(ctx)
	if current == r.owner {
		return nil
	}
	err := &dberr.WrongThreadError{Owner: r.owner.String()}
	if current != nil {
		err.Current = current.String()
	}
	return err
}

// Ptr is the native view behind the reference.
func (r *Reference) Ptr(ctx context.Context) (engine.Ptr, error) {
	if err := r.CheckThread(ctx); err != nil {
		return 0, err
	}
	return r.handle.Ptr()
}

func (r *Reference) live(ctx context.Context, op string) (engine.Ptr, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return 0, err
	}
	if r.Mode() != Live {
		return 0, &dberr.IllegalStateError{Op: op, Message: "reference is not live"}
	}
	return ptr, nil
}

// Refresh advances a live reference to the latest committed version.
// Listeners registered on it are notified before it returns.
func (r *Reference) Refresh(ctx context.Context) (engine.Version, error) {
	ptr, err := r.live(ctx, "refresh")
	if err != nil {
		return 0, err
	}
	version, err := r.file.Engine.Refresh(ptr)
	if err != nil {
		return 0, dberr.Translate("refresh", err)
	}
	r.version.Store(uint64(version))
	return version, nil
}

// Sync reads the version the engine holds for a live reference, after a
// commit moved it.
func (r *Reference) Sync(ctx context.Context) (engine.Version, error) {
	ptr, err := r.live(ctx, "sync")
	if err != nil {
		return 0, err
	}
	version, err := r.file.Engine.ViewVersion(ptr)
	if err != nil {
		return 0, dberr.Translate("sync", err)
	}
	r.version.Store(uint64(version))
	return version, nil
}

// Freeze returns a frozen reference pinned at the current version. Freezing
// a frozen reference clones it.
func (r *Reference) Freeze(ctx context.Context) (*Reference, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return nil, err
	}
	if r.Mode() == Frozen {
		return r.Clone()
	}

	frozen, version, err := r.file.Engine.Freeze(ptr)
	if err != nil {
		return nil, dberr.Translate("freeze", err)
	}
	return newFrozen(r.file, handle.Acquire("frozen", frozen, r.file.Engine.Release), version), nil
}

// Clone returns a second owner of a frozen reference. Both share the native
// view, each one holds its own pin.
func (r *Reference) Clone() (*Reference, error) {
	if r.Mode() != Frozen {
		return nil, &dberr.IllegalStateError{Op: "clone", Message: fmt.Sprintf("only frozen references can be cloned, this one is %s", r.Mode())}
	}
	h, err := r.handle.Retain()
	if err != nil {
		return nil, err
	}
	return newFrozen(r.file, h, r.Version()), nil
}

// Close releases the reference. Closing twice is a no-op.
func (r *Reference) Close() error {
	for {
		mode := r.mode.Load()
		if Mode(mode) == Closed {
			return nil
		}
		if r.mode.CompareAndSwap(mode, int32(Closed)) {
			break
		}
	}
	if r.pin != nil {
		r.pin.Release()
	}
	return dberr.Translate("close", r.handle.Release())
}
