// Package schema caches class and property metadata of one database file.
package schema

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/utils"
)

type PropertyMetadata struct {
	Name     string             `json:"name"`
	Key      engine.PropertyKey `json:"key"`
	Type     string             `json:"type"`
	Optional bool               `json:"optional,omitempty"`
}

type ClassMetadata struct {
	Name       string                       `json:"name"`
	Key        engine.ClassKey              `json:"key"`
	PrimaryKey string                       `json:"primary_key,omitempty"`
	Properties map[string]*PropertyMetadata `json:"properties"`
	Order      []string                     `json:"-"`
}

// Schema returns the definition the metadata was built from.
func (c *ClassMetadata) Schema() engine.ClassSchema {
	schema := engine.ClassSchema{
		Name:       c.Name,
		PrimaryKey: c.PrimaryKey,
		Properties: []engine.PropertySchema{},
	}
	for _, name := range c.Order {
		p := c.Properties[name]
		schema.Properties = append(schema.Properties, engine.PropertySchema{
			Name:     p.Name,
			Type:     p.Type,
			Optional: p.Optional,
		})
	}
	return schema
}

// snapshot is never mutated once published.
type snapshot struct {
	version uint64
	classes map[string]*ClassMetadata
}

type Cache struct {
	engine engine.Engine
	file   engine.Ptr

	current atomic.Pointer[snapshot]
	mutex   *sync.Mutex
}

func New(e engine.Engine, file engine.Ptr) *Cache {
	c := &Cache{
		engine: e,
		file:   file,
		mutex:  &sync.Mutex{},
	}
	c.current.Store(&snapshot{classes: map[string]*ClassMetadata{}})
	return c
}

// Version is the schema version the cached entries belong to.
func (c *Cache) Version() uint64 {
	return c.current.Load().version
}

func (c *Cache) Get(className string) (*ClassMetadata, error) {
	if metadata, exists := c.current.Load().classes[className]; exists {
		return metadata, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	current := c.current.Load()
	if metadata, exists := current.classes[className]; exists {
		return metadata, nil
	}

	version, err := c.engine.SchemaVersion(c.file)
	if err != nil {
		return nil, dberr.Translate("schema version", err)
	}

	metadata, err := c.load(className)
	if err != nil {
		return nil, err
	}

	next := &snapshot{version: version}
	if version == current.version {
		next.classes = maps.Clone(current.classes)
	} else {
		// Someone changed the schema without telling us
		next.classes = map[string]*ClassMetadata{}
	}
	next.classes[className] = metadata
	c.current.Store(next)

	return metadata, nil
}

func (c *Cache) load(className string) (*ClassMetadata, error) {
	key, err := c.engine.ResolveClassKey(c.file, className)
	if errors.Is(err, engine.ErrUnknownClass) {
		return nil, &dberr.SchemaMismatchError{Class: className, Err: err}
	}
	if err != nil {
		return nil, dberr.Translate("resolve class", err)
	}
	return c.describe(className, key)
}

func (c *Cache) describe(className string, key engine.ClassKey) (*ClassMetadata, error) {
	schema, err := c.engine.DescribeClass(c.file, key)
	if err != nil {
		return nil, dberr.Translate("describe class", err)
	}

	metadata := &ClassMetadata{
		Name:       schema.Name,
		Key:        key,
		PrimaryKey: schema.PrimaryKey,
		Properties: make(map[string]*PropertyMetadata, len(schema.Properties)),
	}
	for _, p := range schema.Properties {
		propertyKey, err := c.engine.ResolveProperty(c.file, key, p.Name)
		if err != nil {
			return nil, dberr.Translate(fmt.Sprintf("resolve property '%s.%s'", className, p.Name), err)
		}
		metadata.Properties[p.Name] = &PropertyMetadata{
			Name:     p.Name,
			Key:      propertyKey,
			Type:     p.Type,
			Optional: p.Optional,
		}
		metadata.Order = append(metadata.Order, p.Name)
	}

	return metadata, nil
}

// At returns the metadata of className as seen by view. A view behind the
// latest schema gets metadata built for its own version, which is not
// cached.
func (c *Cache) At(view engine.Ptr, className string) (*ClassMetadata, error) {
	key, err := c.engine.ViewClassKey(view, className)
	if errors.Is(err, engine.ErrUnknownClass) {
		return nil, &dberr.SchemaMismatchError{Class: className, Err: err}
	}
	if err != nil {
		return nil, dberr.Translate("resolve class", err)
	}

	// Class keys are never reused, equal keys mean equal definitions
	metadata, err := c.Get(className)
	if err == nil && metadata.Key == key {
		return metadata, nil
	}
	mismatch := &dberr.SchemaMismatchError{}
	if err != nil && !errors.As(err, &mismatch) {
		return nil, err
	}
	return c.describe(className, key)
}

func (c *Cache) Resolve(className, propertyName string) (engine.PropertyKey, error) {
	metadata, err := c.Get(className)
	if err != nil {
		return 0, err
	}
	p, exists := metadata.Properties[propertyName]
	if !exists {
		return 0, &dberr.SchemaMismatchError{Class: className, Property: propertyName}
	}
	return p.Key, nil
}

// Invalidate forgets the entries of classes, or every entry when classes is
// empty, unless the cache already reflects schemaVersion.
func (c *Cache) Invalidate(schemaVersion uint64, classes ...string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	current := c.current.Load()
	if schemaVersion <= current.version {
		return
	}

	next := &snapshot{
		version: schemaVersion,
		classes: map[string]*ClassMetadata{},
	}
	if len(classes) > 0 {
		for name, metadata := range current.classes {
			if slices.Contains(classes, name) {
				continue
			}
			next.classes[name] = metadata
		}
	}
	c.current.Store(next)
}

// Cached lists the class names currently cached.
func (c *Cache) Cached() []string {
	return utils.GetKeys(c.current.Load().classes)
}
