package memengine

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/google/btree"

	"github.com/fulldump/objectdb/engine"
)

var (
	ErrPrimaryKeyImmutable = errors.New("primary key is immutable")
	ErrInvalidSchema       = errors.New("invalid schema")
)

// row is immutable once it is reachable from a committed state. Updates
// replace the row.
type row struct {
	key     engine.ObjectKey
	primary string // encoded primary key value, empty when the class has none
	payload []byte
	doc     engine.Document
}

func (r *row) Less(than *row) bool {
	return r.key < than.key
}

func lessByKey(a, b *row) bool {
	return a.Less(b)
}

func lessByPrimary(a, b *row) bool {
	return a.primary < b.primary
}

type class struct {
	key     engine.ClassKey
	schema  engine.ClassSchema
	rows    *btree.BTreeG[*row]
	primary *btree.BTreeG[*row]
	lastKey engine.ObjectKey
}

func newClass(key engine.ClassKey, schema engine.ClassSchema) *class {
	return &class{
		key:     key,
		schema:  schema,
		rows:    btree.NewG(32, lessByKey),
		primary: btree.NewG(32, lessByPrimary),
	}
}

// clone is cheap: both trees are copied lazily on write.
func (c *class) clone() *class {
	copied := *c
	copied.rows = c.rows.Clone()
	copied.primary = c.primary.Clone()
	return &copied
}

func (c *class) get(key engine.ObjectKey) (*row, bool) {
	return c.rows.Get(&row{key: key})
}

// state is one committed version of a file.
type state struct {
	version       engine.Version
	schemaVersion uint64
	classes       map[string]*class
	mutable       bool // still being built by a write
}

func (s *state) classByKey(key engine.ClassKey) (*class, bool) {
	for _, c := range s.classes {
		if c.key == key {
			return c, true
		}
	}
	return nil, false
}

func (s *state) lookup(className string, key engine.ObjectKey) (*row, bool) {
	c, exists := s.classes[className]
	if !exists {
		return nil, false
	}
	return c.get(key)
}

// operation is what a commit appends to the command log.
type operation struct {
	Op       string               `json:"op"`
	Class    string               `json:"class,omitempty"`
	Key      engine.ObjectKey     `json:"key,omitzero"`
	Document engine.Document      `json:"document,omitempty"`
	Classes  []engine.ClassSchema `json:"classes,omitempty"`
}

// mutation builds the next state on top of a committed one.
type mutation struct {
	file     *file
	state    *state
	owned    map[string]bool
	ops      []operation
	conflict error
	schema   bool
}

func newMutation(f *file, base *state) *mutation {
	return &mutation{
		file: f,
		state: &state{
			version:       base.version,
			schemaVersion: base.schemaVersion,
			classes:       maps.Clone(base.classes),
			mutable:       true,
		},
		owned: map[string]bool{},
	}
}

func (m *mutation) writable(c *class) *class {
	name := c.schema.Name
	if m.owned[name] {
		return c
	}
	c = c.clone()
	m.state.classes[name] = c
	m.owned[name] = true
	return c
}

func (m *mutation) insert(key engine.ClassKey, doc engine.Document) (engine.ObjectKey, error) {
	c, err := m.file.classIn(m.state, key)
	if err != nil {
		return 0, err
	}
	return m.insertRow(c, doc, 0)
}

func (m *mutation) insertRow(c *class, doc engine.Document, objectKey engine.ObjectKey) (engine.ObjectKey, error) {
	r, err := newRow(c, doc)
	if err != nil {
		return 0, fmt.Errorf("insert into '%s': %w", c.schema.Name, err)
	}

	c = m.writable(c)
	if objectKey == 0 {
		objectKey = c.lastKey + 1
	}
	if objectKey > c.lastKey {
		c.lastKey = objectKey
	}
	r.key = objectKey

	c.rows.ReplaceOrInsert(r)
	if r.primary != "" {
		if _, exists := c.primary.Get(r); exists {
			if m.conflict == nil {
				m.conflict = fmt.Errorf("%w: index conflict: field '%s' with value '%s'", engine.ErrDuplicatePrimaryKey, c.schema.PrimaryKey, r.primary)
			}
		} else {
			c.primary.ReplaceOrInsert(r)
		}
	}

	m.ops = append(m.ops, operation{Op: "insert", Class: c.schema.Name, Key: objectKey, Document: r.doc})
	return objectKey, nil
}

func (m *mutation) update(key engine.ClassKey, objectKey engine.ObjectKey, patch engine.Document) error {
	c, err := m.file.classIn(m.state, key)
	if err != nil {
		return err
	}
	return m.updateRow(c, objectKey, patch)
}

func (m *mutation) updateRow(c *class, objectKey engine.ObjectKey, patch engine.Document) error {
	old, exists := c.get(objectKey)
	if !exists {
		return fmt.Errorf("%w: %s/%d", engine.ErrObjectNotFound, c.schema.Name, objectKey)
	}

	merged := maps.Clone(old.doc)
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	r, err := newRow(c, merged)
	if err != nil {
		return fmt.Errorf("update '%s': %w", c.schema.Name, err)
	}
	if r.primary != old.primary {
		return fmt.Errorf("update '%s': %w", c.schema.Name, ErrPrimaryKeyImmutable)
	}
	r.key = objectKey

	c = m.writable(c)
	c.rows.ReplaceOrInsert(r)
	if r.primary != "" {
		if current, exists := c.primary.Get(r); exists && current.key == objectKey {
			c.primary.ReplaceOrInsert(r)
		}
	}

	m.ops = append(m.ops, operation{Op: "update", Class: c.schema.Name, Key: objectKey, Document: patch})
	return nil
}

func (m *mutation) remove(key engine.ClassKey, objectKey engine.ObjectKey) error {
	c, err := m.file.classIn(m.state, key)
	if err != nil {
		return err
	}
	return m.removeRow(c, objectKey)
}

func (m *mutation) removeRow(c *class, objectKey engine.ObjectKey) error {
	old, exists := c.get(objectKey)
	if !exists {
		return fmt.Errorf("%w: %s/%d", engine.ErrObjectNotFound, c.schema.Name, objectKey)
	}

	c = m.writable(c)
	c.rows.Delete(old)
	if old.primary != "" {
		if current, exists := c.primary.Get(old); exists && current.key == objectKey {
			c.primary.Delete(old)
		}
	}

	m.ops = append(m.ops, operation{Op: "delete", Class: c.schema.Name, Key: objectKey})
	return nil
}

// updateSchema adds classes and replaces changed ones. A changed class gets
// a new key, so keys resolved before the change stop working.
func (m *mutation) updateSchema(classes []engine.ClassSchema) error {
	for _, schema := range classes {
		if err := validateSchema(schema); err != nil {
			return err
		}
		current, exists := m.state.classes[schema.Name]
		if exists && reflect.DeepEqual(current.schema, schema) {
			continue
		}
		if exists && current.schema.PrimaryKey != schema.PrimaryKey {
			return fmt.Errorf("%w: class '%s': %w", ErrInvalidSchema, schema.Name, ErrPrimaryKeyImmutable)
		}

		key := m.file.nextClassKey(schema.Name)
		if exists {
			c := current.clone()
			c.key = key
			c.schema = cloneSchema(schema)
			m.state.classes[schema.Name] = c
		} else {
			m.state.classes[schema.Name] = newClass(key, cloneSchema(schema))
		}
		m.owned[schema.Name] = true
		m.schema = true
	}

	m.ops = append(m.ops, operation{Op: "schema", Classes: classes})
	return nil
}

// apply replays an operation read from the command log.
func (m *mutation) apply(op operation) error {
	if op.Op == "schema" {
		return m.updateSchema(op.Classes)
	}

	c, exists := m.state.classes[op.Class]
	if !exists {
		return fmt.Errorf("%w: %s", engine.ErrUnknownClass, op.Class)
	}

	switch op.Op {
	case "insert":
		_, err := m.insertRow(c, op.Document, op.Key)
		return err
	case "update":
		return m.updateRow(c, op.Key, op.Document)
	case "delete":
		return m.removeRow(c, op.Key)
	}

	return fmt.Errorf("%w: unknown operation '%s'", engine.ErrCorrupted, op.Op)
}

// seal turns the mutation into the committed state for version.
func (m *mutation) seal(version engine.Version) *state {
	m.state.version = version
	m.state.mutable = false
	if m.schema {
		m.state.schemaVersion++
	}
	return m.state
}

func validateSchema(schema engine.ClassSchema) error {
	if schema.Name == "" {
		return fmt.Errorf("%w: class name is empty", ErrInvalidSchema)
	}
	seen := map[string]bool{}
	for _, p := range schema.Properties {
		if p.Name == "" {
			return fmt.Errorf("%w: class '%s' has an unnamed property", ErrInvalidSchema, schema.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: class '%s' declares '%s' twice", ErrInvalidSchema, schema.Name, p.Name)
		}
		seen[p.Name] = true
	}
	if schema.PrimaryKey != "" && !seen[schema.PrimaryKey] {
		return fmt.Errorf("%w: class '%s' primary key '%s' is not a property", ErrInvalidSchema, schema.Name, schema.PrimaryKey)
	}
	return nil
}

func cloneSchema(schema engine.ClassSchema) engine.ClassSchema {
	schema.Properties = slices.Clone(schema.Properties)
	return schema
}

func newRow(c *class, doc engine.Document) (*row, error) {
	payload, normalized, err := encodeDocument(doc)
	if err != nil {
		return nil, err
	}

	r := &row{
		payload: payload,
		doc:     normalized,
	}

	if pk := c.schema.PrimaryKey; pk != "" {
		value, exists := normalized[pk]
		if !exists || value == nil {
			return nil, fmt.Errorf("%w: field '%s'", engine.ErrMissingPrimaryKey, pk)
		}
		r.primary, err = encodeValue(value)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}
