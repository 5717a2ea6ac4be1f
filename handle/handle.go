// Package handle owns native resources through reference counting.
package handle

import (
	"fmt"
	"sync/atomic"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
)

// ReleaseFunc frees the native resource. Its error is reported to whoever
// dropped the last reference.
type ReleaseFunc func(ptr engine.Ptr) error

type resource struct {
	ptr      engine.Ptr
	kind     string
	release  ReleaseFunc
	refs     atomic.Int64
	released atomic.Bool
}

func (r *resource) free() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	if r.release == nil {
		return nil
	}
	return r.release(r.ptr)
}

// Handle is one owning reference to a native resource.
type Handle struct {
	res     *resource
	dropped atomic.Bool
}

// Acquire takes ownership of ptr with a reference count of one.
func Acquire(kind string, ptr engine.Ptr, release ReleaseFunc) *Handle {
	r := &resource{
		ptr:     ptr,
		kind:    kind,
		release: release,
	}
	r.refs.Store(1)
	return &Handle{res: r}
}

// Retain returns a new owning handle to the same resource.
func (h *Handle) Retain() (*Handle, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	h.res.refs.Add(1)
	if h.res.released.Load() {
		h.res.refs.Add(-1)
		return nil, h.useAfterRelease()
	}
	return &Handle{res: h.res}, nil
}

// Release drops this owning reference. The resource is freed when the last
// one is dropped. Releasing the same handle twice is a no-op.
func (h *Handle) Release() error {
	if !h.dropped.CompareAndSwap(false, true) {
		return nil
	}
	if h.res.refs.Add(-1) > 0 {
		return nil
	}
	return h.res.free()
}

// Close frees the resource now, whatever the number of owners.
func (h *Handle) Close() error {
	h.dropped.Store(true)
	return h.res.free()
}

// Ptr returns the native id or UseAfterReleaseError.
func (h *Handle) Ptr() (engine.Ptr, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.res.ptr, nil
}

func (h *Handle) IsReleased() bool {
	return h.dropped.Load() || h.res.released.Load()
}

// Refs is the number of owners still holding the resource.
func (h *Handle) Refs() int64 {
	return h.res.refs.Load()
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s#%d", h.res.kind, h.res.ptr)
}

func (h *Handle) check() error {
	if h == nil {
		return &dberr.UseAfterReleaseError{Resource: "nil handle"}
	}
	if h.IsReleased() {
		return h.useAfterRelease()
	}
	return nil
}

func (h *Handle) useAfterRelease() error {
	return &dberr.UseAfterReleaseError{Resource: h.String()}
}
