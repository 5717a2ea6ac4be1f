package memengine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/SierraSoftworks/connor"

	"github.com/fulldump/objectdb/engine"
)

type results struct {
	view   *view
	class  string
	filter engine.Document

	cached *state
	rows   []*row
}

// evaluate lists the rows of st matching the filter, ordered by object key.
func (r *results) evaluate(st *state) ([]*row, error) {
	if st == r.cached {
		return r.rows, nil
	}

	c, exists := st.classes[r.class]
	if !exists {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownClass, r.class)
	}

	rows := []*row{}
	var err error
	c.rows.Ascend(func(item *row) bool {
		if len(r.filter) > 0 {
			match, matchErr := connor.Match(r.filter, item.doc)
			if matchErr != nil {
				err = fmt.Errorf("match: %w", matchErr)
				return false
			}
			if !match {
				return true
			}
		}
		rows = append(rows, item)
		return true
	})
	if err != nil {
		return nil, err
	}

	if !st.mutable {
		r.cached = st
		r.rows = rows
	}
	return rows, nil
}

type object struct {
	view  *view
	class string
	key   engine.ObjectKey
}

func (e *Engine) Insert(txnPtr engine.Ptr, class engine.ClassKey, doc engine.Document) (engine.ObjectKey, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	w, err := e.activeWrite(txnPtr)
	if err != nil {
		return 0, err
	}
	return w.mutation.insert(class, doc)
}

func (e *Engine) Update(txnPtr engine.Ptr, class engine.ClassKey, key engine.ObjectKey, patch engine.Document) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	w, err := e.activeWrite(txnPtr)
	if err != nil {
		return err
	}
	return w.mutation.update(class, key, patch)
}

func (e *Engine) Delete(txnPtr engine.Ptr, class engine.ClassKey, key engine.ObjectKey) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	w, err := e.activeWrite(txnPtr)
	if err != nil {
		return err
	}
	return w.mutation.remove(class, key)
}

func (e *Engine) UpdateSchema(txnPtr engine.Ptr, classes []engine.ClassSchema) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	w, err := e.activeWrite(txnPtr)
	if err != nil {
		return err
	}
	return w.mutation.updateSchema(classes)
}

func (e *Engine) Object(viewPtr engine.Ptr, class engine.ClassKey, key engine.ObjectKey) (engine.Ptr, bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	v, err := e.activeView(viewPtr)
	if err != nil {
		return 0, false, err
	}
	c, err := v.file.classIn(v.state, class)
	if err != nil {
		return 0, false, err
	}
	if _, exists := c.get(key); !exists {
		return 0, false, nil
	}

	o := &object{view: v, class: c.schema.Name, key: key}
	return e.register(o), true, nil
}

func (e *Engine) Query(viewPtr engine.Ptr, class engine.ClassKey, filter engine.Document) (engine.Ptr, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	v, err := e.activeView(viewPtr)
	if err != nil {
		return 0, err
	}
	c, err := v.file.classIn(v.state, class)
	if err != nil {
		return 0, err
	}

	r := &results{view: v, class: c.schema.Name}
	if len(filter) > 0 {
		_, r.filter, err = encodeDocument(filter)
		if err != nil {
			return 0, fmt.Errorf("filter: %w", err)
		}
	}

	return e.register(r), nil
}

func (e *Engine) activeResults(ptr engine.Ptr) (*results, error) {
	r, err := resolve[*results](e, ptr)
	if err != nil {
		return nil, err
	}
	if r.view.released {
		return nil, fmt.Errorf("%w: results %d outlived its view", engine.ErrInvalidHandle, ptr)
	}
	return r, nil
}

func (e *Engine) Count(resultsPtr engine.Ptr) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	r, err := e.activeResults(resultsPtr)
	if err != nil {
		return 0, err
	}
	rows, err := r.evaluate(r.view.state)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (e *Engine) At(resultsPtr engine.Ptr, index int) (engine.ObjectKey, engine.Document, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	r, err := e.activeResults(resultsPtr)
	if err != nil {
		return 0, nil, err
	}
	rows, err := r.evaluate(r.view.state)
	if err != nil {
		return 0, nil, err
	}
	if index < 0 || index >= len(rows) {
		return 0, nil, fmt.Errorf("%w: %d of %d", engine.ErrIndexOutOfRange, index, len(rows))
	}

	item := rows[index]
	doc, err := decodePayload(item.payload)
	if err != nil {
		return 0, nil, err
	}
	return item.key, doc, nil
}

func (e *Engine) Read(objectPtr engine.Ptr) (engine.ObjectKey, engine.Document, bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	o, err := resolve[*object](e, objectPtr)
	if err != nil {
		return 0, nil, false, err
	}
	if o.view.released {
		return 0, nil, false, fmt.Errorf("%w: object %d outlived its view", engine.ErrInvalidHandle, objectPtr)
	}

	item, exists := o.view.state.lookup(o.class, o.key)
	if !exists {
		return o.key, nil, false, nil
	}
	doc, err := decodePayload(item.payload)
	if err != nil {
		return 0, nil, false, err
	}
	return o.key, doc, true, nil
}

func (e *Engine) Thaw(resourcePtr engine.Ptr, livePtr engine.Ptr) (engine.Ptr, bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	live, err := e.activeLive(livePtr)
	if err != nil {
		return 0, false, err
	}
	return e.importInto(resourcePtr, live)
}

func (e *Engine) Import(resourcePtr engine.Ptr, viewPtr engine.Ptr) (engine.Ptr, bool, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	v, err := e.activeView(viewPtr)
	if err != nil {
		return 0, false, err
	}
	return e.importInto(resourcePtr, v)
}

// importInto must be called with the engine locked.
func (e *Engine) importInto(resourcePtr engine.Ptr, target *view) (engine.Ptr, bool, error) {
	resource, exists := e.resources[resourcePtr]
	if !exists {
		return 0, false, fmt.Errorf("%w: %d", engine.ErrInvalidHandle, resourcePtr)
	}

	switch r := resource.(type) {
	case *object:
		if r.view.file != target.file {
			return 0, false, fmt.Errorf("%w: object %d belongs to another file", engine.ErrInvalidHandle, resourcePtr)
		}
		if _, exists := target.state.lookup(r.class, r.key); !exists {
			return 0, false, nil
		}
		imported := &object{view: target, class: r.class, key: r.key}
		return e.register(imported), true, nil
	case *results:
		if r.view.file != target.file {
			return 0, false, fmt.Errorf("%w: results %d belong to another file", engine.ErrInvalidHandle, resourcePtr)
		}
		if _, exists := target.state.classes[r.class]; !exists {
			return 0, false, nil
		}
		imported := &results{view: target, class: r.class, filter: r.filter}
		if target.state == r.cached {
			imported.cached = r.cached
			imported.rows = r.rows
		}
		return e.register(imported), true, nil
	}

	return 0, false, fmt.Errorf("%w: %T can not be imported", engine.ErrInvalidHandle, resource)
}

func (e *Engine) ResolveClassKey(filePtr engine.Ptr, className string) (engine.ClassKey, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return 0, err
	}
	c, exists := f.latest.classes[className]
	if !exists {
		return 0, fmt.Errorf("%w: %s", engine.ErrUnknownClass, className)
	}
	return c.key, nil
}

func (e *Engine) ViewClassKey(viewPtr engine.Ptr, className string) (engine.ClassKey, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	v, err := e.activeView(viewPtr)
	if err != nil {
		return 0, err
	}
	c, exists := v.state.classes[className]
	if !exists {
		return 0, fmt.Errorf("%w: %s", engine.ErrUnknownClass, className)
	}
	return c.key, nil
}

func (e *Engine) ResolveProperty(filePtr engine.Ptr, class engine.ClassKey, name string) (engine.PropertyKey, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return 0, err
	}
	c, err := f.classByKey(class)
	if err != nil {
		return 0, err
	}
	for i, p := range c.schema.Properties {
		if p.Name == name {
			return engine.PropertyKey(int64(c.key)<<16 | int64(i+1)), nil
		}
	}
	return 0, fmt.Errorf("%w: %s.%s", engine.ErrUnknownProperty, c.schema.Name, name)
}

func (e *Engine) DescribeClass(filePtr engine.Ptr, class engine.ClassKey) (*engine.ClassSchema, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return nil, err
	}
	c, err := f.classByKey(class)
	if err != nil {
		return nil, err
	}
	schema := cloneSchema(c.schema)
	return &schema, nil
}

func (e *Engine) Classes(filePtr engine.Ptr) ([]engine.ClassSchema, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return nil, err
	}
	classes := []engine.ClassSchema{}
	for _, c := range f.latest.classes {
		classes = append(classes, cloneSchema(c.schema))
	}
	slices.SortFunc(classes, func(a, b engine.ClassSchema) int {
		return strings.Compare(a.Name, b.Name)
	})
	return classes, nil
}

func (e *Engine) SchemaVersion(filePtr engine.Ptr) (uint64, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	f, err := e.openFile(filePtr)
	if err != nil {
		return 0, err
	}
	return f.latest.schemaVersion, nil
}
