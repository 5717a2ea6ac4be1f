// Package engine declares the boundary between the client layer and the
// storage engine. Everything behind Engine is addressed through opaque Ptr
// values that the caller owns and must hand back through Release.
package engine

import (
	"errors"
)

// Ptr is an opaque native resource id. Zero is the null resource.
type Ptr uint64

// Version identifies one committed state of a database file.
type Version uint64

type ClassKey int64
type PropertyKey int64
type ObjectKey int64

// Unpinned is passed to Reclaim when no frozen reference holds a version.
const Unpinned = ^Version(0)

// Document is the untyped representation of a stored object.
type Document = map[string]any

var (
	ErrInvalidHandle       = errors.New("invalid native handle")
	ErrClosed              = errors.New("database file closed")
	ErrUnknownClass        = errors.New("unknown class")
	ErrUnknownProperty     = errors.New("unknown property")
	ErrWriteInProgress     = errors.New("write transaction already in progress")
	ErrNotWritable         = errors.New("view is not writable")
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key")
	ErrMissingPrimaryKey   = errors.New("missing primary key")
	ErrObjectNotFound      = errors.New("object not found")
	ErrIndexOutOfRange     = errors.New("index out of range")
	ErrCorrupted           = errors.New("corrupted command log")
	ErrResourceExhausted   = errors.New("resource exhausted")
)

type PropertySchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

type ClassSchema struct {
	Name       string           `json:"name"`
	PrimaryKey string           `json:"primary_key,omitempty"`
	Properties []PropertySchema `json:"properties"`
}

type Config struct {
	// Path of the command log. Empty keeps everything in memory.
	Path   string
	Schema []ClassSchema
}

// Scheduler receives the tasks that deliver change callbacks for a live
// view. Post must not block; it returns false once the scheduler is closed.
type Scheduler interface {
	Post(task func()) bool
}

// Change is the raw payload handed to a change listener for one version.
type Change struct {
	Version Version

	// Collection targets
	Deletions     []int
	Insertions    []int
	Modifications []int

	// Object targets
	ChangedProperties []string
	Deleted           bool

	Err error
}

type Callback func(change *Change)

type Stats struct {
	Latest    Version   `json:"latest"`
	Retained  []Version `json:"retained"`
	Views     int       `json:"views"`
	Listeners int       `json:"listeners"`
}

type Engine interface {
	Open(config *Config) (Ptr, error)
	Close(file Ptr) error

	OpenLive(file Ptr, scheduler Scheduler) (Ptr, Version, error)
	BeginRead(file Ptr) (Ptr, Version, error)
	Refresh(live Ptr) (Version, error)
	BeginWrite(live Ptr) (Ptr, error)
	Commit(txn Ptr) (Version, error)
	Rollback(txn Ptr) error
	Freeze(live Ptr) (Ptr, Version, error)
	// Thaw maps an object or results resource bound to a frozen view into
	// the live view. found is false when the object no longer exists.
	Thaw(resource Ptr, live Ptr) (thawed Ptr, found bool, err error)
	// Import maps an object or results resource into any view of the same
	// file, matching the class by name.
	Import(resource Ptr, view Ptr) (imported Ptr, found bool, err error)

	RegisterChangeListener(target Ptr, callback Callback) (Ptr, error)
	UnregisterChangeListener(token Ptr) error

	ResolveClassKey(file Ptr, className string) (ClassKey, error)
	// ViewClassKey resolves className against the version seen by view,
	// which may predate the latest schema.
	ViewClassKey(view Ptr, className string) (ClassKey, error)
	ResolveProperty(file Ptr, class ClassKey, name string) (PropertyKey, error)
	DescribeClass(file Ptr, class ClassKey) (*ClassSchema, error)
	Classes(file Ptr) ([]ClassSchema, error)
	SchemaVersion(file Ptr) (uint64, error)

	Insert(txn Ptr, class ClassKey, doc Document) (ObjectKey, error)
	Update(txn Ptr, class ClassKey, key ObjectKey, patch Document) error
	Delete(txn Ptr, class ClassKey, key ObjectKey) error
	UpdateSchema(txn Ptr, classes []ClassSchema) error

	// Object and Query accept any view: live, frozen or transaction.
	Object(view Ptr, class ClassKey, key ObjectKey) (Ptr, bool, error)
	Query(view Ptr, class ClassKey, filter Document) (Ptr, error)
	Count(results Ptr) (int, error)
	At(results Ptr, index int) (ObjectKey, Document, error)
	Read(object Ptr) (ObjectKey, Document, bool, error)
	ViewVersion(view Ptr) (Version, error)

	Reclaim(file Ptr, oldestPinned Version) (int, error)
	Stats(file Ptr) (*Stats, error)

	Release(ptr Ptr) error
}
