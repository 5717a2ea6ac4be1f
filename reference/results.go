package reference

import (
	"context"
	"fmt"
	"maps"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/handle"
	"github.com/fulldump/objectdb/schema"
)

// Results are the objects of a class matching a filter, ordered by key.
type Results struct {
	ref    *Reference
	owned  bool
	class  *schema.ClassMetadata
	filter engine.Document
	handle *handle.Handle
}

func (r *Reference) Query(ctx context.Context, className string, filter engine.Document) (*Results, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return nil, err
	}
	class, err := r.file.Schema.At(ptr, className)
	if err != nil {
		return nil, err
	}

	resultsPtr, err := r.file.Engine.Query(ptr, class.Key, filter)
	if err != nil {
		return nil, dberr.Translate(fmt.Sprintf("query '%s'", className), err)
	}

	return &Results{
		ref:    r,
		class:  class,
		filter: maps.Clone(filter),
		handle: handle.Acquire("results", resultsPtr, r.file.Engine.Release),
	}, nil
}

func (r *Results) Class() string {
	return r.class.Name
}

func (r *Results) Filter() engine.Document {
	return maps.Clone(r.filter)
}

func (r *Results) Reference() *Reference {
	return r.ref
}

func (r *Results) String() string {
	return fmt.Sprintf("%s%v (%s)", r.class.Name, r.filter, r.ref)
}

func (r *Results) Ptr(ctx context.Context) (engine.Ptr, error) {
	if err := r.ref.CheckThread(ctx); err != nil {
		return 0, err
	}
	return r.handle.Ptr()
}

func (r *Results) Len(ctx context.Context) (int, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return 0, err
	}
	n, err := r.ref.file.Engine.Count(ptr)
	if err != nil {
		return 0, dberr.Translate("count", err)
	}
	return n, nil
}

func (r *Results) At(ctx context.Context, index int) (engine.ObjectKey, engine.Document, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return 0, nil, err
	}
	key, doc, err := r.ref.file.Engine.At(ptr, index)
	if err != nil {
		return 0, nil, dberr.Translate("at", err)
	}
	return key, doc, nil
}

// Each calls f for every element until it returns false.
func (r *Results) Each(ctx context.Context, f func(key engine.ObjectKey, doc engine.Document) bool) error {
	n, err := r.Len(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, doc, err := r.At(ctx, i)
		if err != nil {
			return err
		}
		if !f(key, doc) {
			return nil
		}
	}
	return nil
}

func (r *Results) Documents(ctx context.Context) ([]engine.Document, error) {
	docs := []engine.Document{}
	err := r.Each(ctx, func(key engine.ObjectKey, doc engine.Document) bool {
		docs = append(docs, doc)
		return true
	})
	return docs, err
}

// Freeze returns the results pinned at the current version of their
// reference.
func (r *Results) Freeze(ctx context.Context) (*Results, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return nil, err
	}
	frozen, err := r.ref.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	frozenPtr, err := frozen.Ptr(ctx)
	if err != nil {
		frozen.Close()
		return nil, err
	}

	imported, found, err := r.ref.file.Engine.Import(ptr, frozenPtr)
	if err == nil && !found {
		err = &dberr.IllegalStateError{Op: "freeze", Message: fmt.Sprintf("class '%s' is gone", r.class.Name)}
	}
	if err != nil {
		frozen.Close()
		return nil, dberr.Translate("freeze", err)
	}

	return &Results{
		ref:    frozen,
		owned:  true,
		class:  r.class,
		filter: r.filter,
		handle: handle.Acquire("results", imported, r.ref.file.Engine.Release),
	}, nil
}

// Thaw maps the results into a live reference, re-evaluated at its version.
func (r *Results) Thaw(ctx context.Context, live *Reference) (*Results, bool, error) {
	ptr, err := r.Ptr(ctx)
	if err != nil {
		return nil, false, err
	}
	livePtr, err := live.live(ctx, "thaw")
	if err != nil {
		return nil, false, err
	}

	thawed, found, err := r.ref.file.Engine.Thaw(ptr, livePtr)
	if err != nil {
		return nil, false, dberr.Translate("thaw", err)
	}
	if !found {
		return nil, false, nil
	}

	return &Results{
		ref:    live,
		class:  r.class,
		filter: r.filter,
		handle: handle.Acquire("results", thawed, live.file.Engine.Release),
	}, true, nil
}

// Close releases the results. Closing twice is a no-op.
func (r *Results) Close() error {
	err := r.handle.Release()
	if r.owned {
		r.owned = false
		if closeErr := r.ref.Close(); err == nil {
			err = closeErr
		}
	}
	return dberr.Translate("close results", err)
}
