package notification

import (
	"fmt"

	"github.com/fulldump/objectdb/engine"
)

type Kind int

const (
	Initial Kind = iota
	Updated
	Deleted
	Error
)

var kindNames = map[Kind]string{
	Initial: "initial",
	Updated: "updated",
	Deleted: "deleted",
	Error:   "error",
}

func (k Kind) String() string {
	if name, exists := kindNames[k]; exists {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind '%s'", text)
}

// Snapshot is the frozen state an event carries. Whoever receives the
// event closes it.
type Snapshot interface {
	Close() error
}

type Event[T Snapshot] struct {
	Kind    Kind
	Version engine.Version

	// Initial and Updated only
	Snapshot T
	has      bool

	// Updated results only
	Changes *ChangeSet

	// Updated objects only
	ChangedFields []string

	Err error
}

// HasSnapshot tells whether the event carries a snapshot.
func (e Event[T]) HasSnapshot() bool {
	return e.has
}

// Close releases the snapshot of the event, if any.
func (e Event[T]) Close() error {
	if !e.has {
		return nil
	}
	return e.Snapshot.Close()
}

func (e Event[T]) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s@%d: %s", e.Kind, e.Version, e.Err)
	}
	return fmt.Sprintf("%s@%d", e.Kind, e.Version)
}
