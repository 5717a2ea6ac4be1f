package reference

import (
	"context"
	"fmt"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/handle"
	"github.com/fulldump/objectdb/schema"
)

// Object is one stored object seen through a reference.
type Object struct {
	ref    *Reference
	owned  bool // ref was created for this object and closes with it
	class  *schema.ClassMetadata
	key    engine.ObjectKey
	handle *handle.Handle
}

// Object looks up an object by key. A missing object is reported as
// (nil, false, nil).
func (r *Reference) Object(ctx context.Context, className string, key engine.ObjectKey) (*Object, bool, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return nil, false, err
	}
	class, err := r.file.Schema.At(ptr, className)
	if err != nil {
		return nil, false, err
	}

	objectPtr, found, err := r.file.Engine.Object(ptr, class.Key, key)
	if err != nil {
		return nil, false, dberr.Translate("object", err)
	}
	if !found {
		return nil, false, nil
	}

	return &Object{
		ref:    r,
		class:  class,
		key:    key,
		handle: handle.Acquire("object", objectPtr, r.file.Engine.Release),
	}, true, nil
}

func (o *Object) Key() engine.ObjectKey {
	return o.key
}

func (o *Object) Class() string {
	return o.class.Name
}

func (o *Object) Reference() *Reference {
	return o.ref
}

func (o *Object) String() string {
	return fmt.Sprintf("%s/%d (%s)", o.class.Name, o.key, o.ref)
}

func (o *Object) Ptr(ctx context.Context) (engine.Ptr, error) {
	if err := o.ref.CheckThread(ctx); err != nil {
		return 0, err
	}
	return o.handle.Ptr()
}

// Document reads the object at the version of its reference. It returns
// false when the object no longer exists there.
func (o *Object) Document(ctx context.Context) (engine.Document, bool, error) {
	ptr, err := o.Ptr(ctx)
	if err != nil {
		return nil, false, err
	}
	_, doc, found, err := o.ref.file.Engine.Read(ptr)
	if err != nil {
		return nil, false, dberr.Translate("read", err)
	}
	return doc, found, nil
}

// Freeze returns the object pinned at the current version of its reference.
func (o *Object) Freeze(ctx context.Context) (*Object, error) {
	ptr, err := o.Ptr(ctx)
	if err != nil {
		return nil, err
	}
	frozen, err := o.ref.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	frozenPtr, err := frozen.Ptr(ctx)
	if err != nil {
		frozen.Close()
		return nil, err
	}

	imported, found, err := o.ref.file.Engine.Import(ptr, frozenPtr)
	if err == nil && !found {
		err = &dberr.IllegalStateError{Op: "freeze", Message: fmt.Sprintf("object %s/%d is deleted", o.class.Name, o.key)}
	}
	if err != nil {
		frozen.Close()
		return nil, dberr.Translate("freeze", err)
	}

	return &Object{
		ref:    frozen,
		owned:  true,
		class:  o.class,
		key:    o.key,
		handle: handle.Acquire("object", imported, o.ref.file.Engine.Release),
	}, nil
}

// Thaw maps the object into a live reference. An object deleted in the
// version of live is reported as (nil, false, nil).
func (o *Object) Thaw(ctx context.Context, live *Reference) (*Object, bool, error) {
	ptr, err := o.Ptr(ctx)
	if err != nil {
		return nil, false, err
	}
	livePtr, err := live.live(ctx, "thaw")
	if err != nil {
		return nil, false, err
	}

	thawed, found, err := o.ref.file.Engine.Thaw(ptr, livePtr)
	if err != nil {
		return nil, false, dberr.Translate("thaw", err)
	}
	if !found {
		return nil, false, nil
	}

	return &Object{
		ref:    live,
		class:  o.class,
		key:    o.key,
		handle: handle.Acquire("object", thawed, live.file.Engine.Release),
	}, true, nil
}

// Close releases the object. Closing twice is a no-op.
func (o *Object) Close() error {
	err := o.handle.Release()
	if o.owned {
		o.owned = false
		if closeErr := o.ref.Close(); err == nil {
			err = closeErr
		}
	}
	return dberr.Translate("close object", err)
}
