package memengine

import (
	"errors"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/fulldump/biff"
	"github.com/google/uuid"

	"github.com/fulldump/objectdb/engine"
)

// queue is a scheduler that runs tasks when the test says so.
type queue struct {
	tasks []func()
}

func (q *queue) Post(task func()) bool {
	q.tasks = append(q.tasks, task)
	return true
}

func (q *queue) drain() {
	for len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		task()
	}
}

var personSchema = []engine.ClassSchema{
	{
		Name:       "Person",
		PrimaryKey: "id",
		Properties: []engine.PropertySchema{
			{Name: "id", Type: "string"},
			{Name: "name", Type: "string"},
			{Name: "age", Type: "int", Optional: true},
		},
	},
}

func Environment(f func(filename string)) {
	filename := path.Join(os.TempDir(), "test_"+uuid.New().String()+".json")
	defer os.Remove(filename)
	f(filename)
}

func write(e *Engine, live engine.Ptr, f func(txn engine.Ptr)) engine.Version {
	txn, err := e.BeginWrite(live)
	biff.AssertNil(err)
	f(txn)
	version, err := e.Commit(txn)
	biff.AssertNil(err)
	return version
}

func count(e *Engine, view engine.Ptr, class engine.ClassKey, filter engine.Document) int {
	results, err := e.Query(view, class, filter)
	biff.AssertNil(err)
	defer e.Release(results)
	n, err := e.Count(results)
	biff.AssertNil(err)
	return n
}

func TestEngine(t *testing.T) {

	biff.Alternative("Open", func(a *biff.A) {

		e := New(nil)
		file, err := e.Open(&engine.Config{Schema: personSchema})
		biff.AssertNil(err)

		q := &queue{}
		live, version, err := e.OpenLive(file, q)
		biff.AssertNil(err)
		biff.AssertEqual(version, engine.Version(0))

		person, err := e.ResolveClassKey(file, "Person")
		biff.AssertNil(err)

		a.Alternative("Snapshot isolation", func(a *biff.A) {
			v1 := write(e, live, func(txn engine.Ptr) {
				_, err := e.Insert(txn, person, engine.Document{"id": "a", "name": "A"})
				biff.AssertNil(err)
			})
			biff.AssertEqual(v1, engine.Version(1))

			frozen, frozenVersion, err := e.Freeze(live)
			biff.AssertNil(err)
			biff.AssertEqual(frozenVersion, v1)

			v2 := write(e, live, func(txn engine.Ptr) {
				_, err := e.Insert(txn, person, engine.Document{"id": "b", "name": "B"})
				biff.AssertNil(err)
			})
			biff.AssertEqual(v2, engine.Version(2))

			biff.AssertEqual(count(e, frozen, person, nil), 1)
			biff.AssertEqual(count(e, live, person, nil), 2)

			results, _ := e.Query(frozen, person, nil)
			_, doc, err := e.At(results, 0)
			biff.AssertNil(err)
			biff.AssertEqual(doc["name"], "A")
		})

		a.Alternative("Duplicate primary key", func(a *biff.A) {
			write(e, live, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "a"})
			})

			txn, err := e.BeginWrite(live)
			biff.AssertNil(err)
			_, err = e.Insert(txn, person, engine.Document{"id": "x"})
			biff.AssertNil(err)
			_, err = e.Insert(txn, person, engine.Document{"id": "a"})
			biff.AssertNil(err)

			_, err = e.Commit(txn)
			biff.AssertTrue(errors.Is(err, engine.ErrDuplicatePrimaryKey))
			biff.AssertEqual(err.Error(), `duplicate primary key: index conflict: field 'id' with value '"a"'`)

			version, _ := e.ViewVersion(live)
			biff.AssertEqual(version, engine.Version(1))
			biff.AssertEqual(count(e, live, person, nil), 1)

			// The lock is free again
			txn, err = e.BeginWrite(live)
			biff.AssertNil(err)
			biff.AssertNil(e.Rollback(txn))
		})

		a.Alternative("Missing primary key", func(a *biff.A) {
			txn, _ := e.BeginWrite(live)
			_, err := e.Insert(txn, person, engine.Document{"name": "nobody"})
			biff.AssertTrue(errors.Is(err, engine.ErrMissingPrimaryKey))
			e.Rollback(txn)
		})

		a.Alternative("Single writer", func(a *biff.A) {
			other, _, _ := e.OpenLive(file, q)
			txn, err := e.BeginWrite(live)
			biff.AssertNil(err)

			_, err = e.BeginWrite(other)
			biff.AssertEqual(err, engine.ErrWriteInProgress)

			biff.AssertNil(e.Rollback(txn))
			_, err = e.BeginWrite(other)
			biff.AssertNil(err)
		})

		a.Alternative("Update and delete", func(a *biff.A) {
			var key engine.ObjectKey
			write(e, live, func(txn engine.Ptr) {
				key, _ = e.Insert(txn, person, engine.Document{"id": "a", "name": "A", "age": 3})
			})
			write(e, live, func(txn engine.Ptr) {
				biff.AssertNil(e.Update(txn, person, key, engine.Document{"name": "AA", "age": nil}))
			})

			object, found, err := e.Object(live, person, key)
			biff.AssertNil(err)
			biff.AssertTrue(found)
			_, doc, exists, err := e.Read(object)
			biff.AssertNil(err)
			biff.AssertTrue(exists)
			biff.AssertEqual(doc, engine.Document{"id": "a", "name": "AA"})

			txn, _ := e.BeginWrite(live)
			err = e.Update(txn, person, key, engine.Document{"id": "b"})
			biff.AssertTrue(errors.Is(err, ErrPrimaryKeyImmutable))
			biff.AssertNil(e.Delete(txn, person, key))
			_, err = e.Commit(txn)
			biff.AssertNil(err)

			_, _, exists, err = e.Read(object)
			biff.AssertNil(err)
			biff.AssertFalse(exists)
		})

		a.Alternative("Filter", func(a *biff.A) {
			write(e, live, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "a", "age": 10})
				e.Insert(txn, person, engine.Document{"id": "b", "age": 20})
				e.Insert(txn, person, engine.Document{"id": "c", "age": 30})
			})
			biff.AssertEqual(count(e, live, person, engine.Document{"age": engine.Document{"$gt": 15}}), 2)
			biff.AssertEqual(count(e, live, person, engine.Document{"id": "c"}), 1)
		})

		a.Alternative("Results listener", func(a *biff.A) {
			results, err := e.Query(live, person, engine.Document{"name": "match"})
			biff.AssertNil(err)

			changes := []*engine.Change{}
			token, err := e.RegisterChangeListener(results, func(change *engine.Change) {
				changes = append(changes, change)
			})
			biff.AssertNil(err)

			writer, _, _ := e.OpenLive(file, nil)
			var key engine.ObjectKey
			write(e, writer, func(txn engine.Ptr) {
				key, _ = e.Insert(txn, person, engine.Document{"id": "a", "name": "match"})
			})
			write(e, writer, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "b", "name": "other"})
			})
			write(e, writer, func(txn engine.Ptr) {
				e.Update(txn, person, key, engine.Document{"age": 1})
			})
			write(e, writer, func(txn engine.Ptr) {
				e.Delete(txn, person, key)
			})

			biff.AssertEqual(len(changes), 0) // nothing until the scheduler runs
			q.drain()

			biff.AssertEqual(len(changes), 3)
			biff.AssertEqual(changes[0].Version, engine.Version(1))
			biff.AssertEqual(changes[0].Insertions, []int{0})
			biff.AssertEqual(changes[1].Version, engine.Version(3))
			biff.AssertEqual(changes[1].Modifications, []int{0})
			biff.AssertEqual(changes[2].Version, engine.Version(4))
			biff.AssertEqual(changes[2].Deletions, []int{0})
			biff.AssertEqual(changes[2].Insertions, []int{})

			biff.AssertNil(e.UnregisterChangeListener(token))
			write(e, writer, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "c", "name": "match"})
			})
			q.drain()
			biff.AssertEqual(len(changes), 3)
		})

		a.Alternative("Object listener", func(a *biff.A) {
			var key engine.ObjectKey
			write(e, live, func(txn engine.Ptr) {
				key, _ = e.Insert(txn, person, engine.Document{"id": "a", "name": "A"})
			})
			object, _, _ := e.Object(live, person, key)

			changes := []*engine.Change{}
			_, err := e.RegisterChangeListener(object, func(change *engine.Change) {
				changes = append(changes, change)
			})
			biff.AssertNil(err)

			writer, _, _ := e.OpenLive(file, nil)
			write(e, writer, func(txn engine.Ptr) {
				e.Update(txn, person, key, engine.Document{"name": "B", "age": 2})
			})
			write(e, writer, func(txn engine.Ptr) {
				e.Delete(txn, person, key)
			})
			write(e, writer, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "z"})
			})
			q.drain()

			biff.AssertEqual(len(changes), 2)
			biff.AssertEqual(changes[0].ChangedProperties, []string{"age", "name"})
			biff.AssertTrue(changes[1].Deleted)
		})

		a.Alternative("Refresh delivers intermediate versions", func(a *biff.A) {
			changes := []engine.Version{}
			_, err := e.RegisterChangeListener(live, func(change *engine.Change) {
				changes = append(changes, change.Version)

				// The view is at the version being delivered
				current, err := e.ViewVersion(live)
				biff.AssertNil(err)
				biff.AssertEqual(current, change.Version)
			})
			biff.AssertNil(err)

			writer, _, _ := e.OpenLive(file, nil)
			for _, id := range []string{"a", "b", "c"} {
				write(e, writer, func(txn engine.Ptr) {
					e.Insert(txn, person, engine.Document{"id": id})
				})
			}

			version, err := e.Refresh(live)
			biff.AssertNil(err)
			biff.AssertEqual(version, engine.Version(3))
			biff.AssertEqual(changes, []engine.Version{1, 2, 3})

			q.drain() // already delivered, nothing new
			biff.AssertEqual(changes, []engine.Version{1, 2, 3})
		})

		a.Alternative("Thaw", func(a *biff.A) {
			var key engine.ObjectKey
			write(e, live, func(txn engine.Ptr) {
				key, _ = e.Insert(txn, person, engine.Document{"id": "a"})
			})
			frozen, _, _ := e.Freeze(live)
			object, found, err := e.Object(frozen, person, key)
			biff.AssertNil(err)
			biff.AssertTrue(found)

			thawed, found, err := e.Thaw(object, live)
			biff.AssertNil(err)
			biff.AssertTrue(found)
			biff.AssertNotEqual(thawed, engine.Ptr(0))

			write(e, live, func(txn engine.Ptr) {
				e.Delete(txn, person, key)
			})

			thawed, found, err = e.Thaw(object, live)
			biff.AssertNil(err)
			biff.AssertFalse(found)
			biff.AssertEqual(thawed, engine.Ptr(0))
		})

		a.Alternative("Reclaim", func(a *biff.A) {
			write(e, live, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "a"})
			})
			frozen, v1, _ := e.Freeze(live)
			write(e, live, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "b"})
			})
			write(e, live, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "c"})
			})

			_, err := e.Reclaim(file, v1)
			biff.AssertNil(err)
			stats, _ := e.Stats(file)
			biff.AssertEqual(stats.Retained, []engine.Version{1, 2, 3})

			biff.AssertNil(e.Release(frozen))
			reclaimed, err := e.Reclaim(file, engine.Unpinned)
			biff.AssertNil(err)
			biff.AssertEqual(reclaimed, 2)
			stats, _ = e.Stats(file)
			biff.AssertEqual(stats.Retained, []engine.Version{3})
			biff.AssertEqual(stats.Latest, engine.Version(3))
		})

		a.Alternative("Schema change", func(a *biff.A) {
			version, _ := e.SchemaVersion(file)
			biff.AssertEqual(version, uint64(1))

			_, err := e.ResolveProperty(file, person, "name")
			biff.AssertNil(err)
			_, err = e.ResolveProperty(file, person, "tail")
			biff.AssertTrue(errors.Is(err, engine.ErrUnknownProperty))

			write(e, live, func(txn engine.Ptr) {
				changed := personSchema[0]
				changed.Properties = append(changed.Properties, engine.PropertySchema{Name: "email", Type: "string"})
				biff.AssertNil(e.UpdateSchema(txn, []engine.ClassSchema{
					changed,
					{Name: "Dog", Properties: []engine.PropertySchema{{Name: "name", Type: "string"}}},
				}))
			})

			version, _ = e.SchemaVersion(file)
			biff.AssertEqual(version, uint64(2))

			_, err = e.Query(live, person, nil)
			biff.AssertTrue(errors.Is(err, engine.ErrUnknownClass))

			newKey, err := e.ResolveClassKey(file, "Person")
			biff.AssertNil(err)
			biff.AssertNotEqual(newKey, person)

			classes, _ := e.Classes(file)
			biff.AssertEqual(len(classes), 2)
			biff.AssertEqual(classes[0].Name, "Dog")
		})

		a.Alternative("Older view after a schema change", func(a *biff.A) {
			write(e, live, func(txn engine.Ptr) {
				_, err := e.Insert(txn, person, engine.Document{"id": "a", "name": "A"})
				biff.AssertNil(err)
			})
			frozen, _, _ := e.Freeze(live)

			write(e, live, func(txn engine.Ptr) {
				changed := personSchema[0]
				changed.Properties = append(changed.Properties, engine.PropertySchema{Name: "email", Type: "string", Optional: true})
				biff.AssertNil(e.UpdateSchema(txn, []engine.ClassSchema{changed}))
			})

			latestKey, _ := e.ResolveClassKey(file, "Person")
			frozenKey, err := e.ViewClassKey(frozen, "Person")
			biff.AssertNil(err)
			biff.AssertEqual(frozenKey, person)
			biff.AssertNotEqual(frozenKey, latestKey)
			biff.AssertEqual(count(e, frozen, frozenKey, nil), 1)

			// The older definition is still described while a view sees it
			schema, err := e.DescribeClass(file, frozenKey)
			biff.AssertNil(err)
			biff.AssertEqual(len(schema.Properties), 3)

			// Misses name the class
			_, err = e.Query(frozen, latestKey, nil)
			biff.AssertTrue(errors.Is(err, engine.ErrUnknownClass))
			biff.AssertEqual(err.Error(), "unknown class: Person")

			_, err = e.ViewClassKey(frozen, "Dog")
			biff.AssertTrue(errors.Is(err, engine.ErrUnknownClass))
		})

		a.Alternative("Import", func(a *biff.A) {
			var key engine.ObjectKey
			write(e, live, func(txn engine.Ptr) {
				key, _ = e.Insert(txn, person, engine.Document{"id": "a", "name": "A"})
			})
			results, _ := e.Query(live, person, engine.Document{"name": "A"})
			object, _, _ := e.Object(live, person, key)
			frozen, _, _ := e.Freeze(live)

			write(e, live, func(txn engine.Ptr) {
				e.Delete(txn, person, key)
			})

			frozenResults, found, err := e.Import(results, frozen)
			biff.AssertNil(err)
			biff.AssertTrue(found)
			n, _ := e.Count(frozenResults)
			biff.AssertEqual(n, 1)

			frozenObject, found, err := e.Import(object, frozen)
			biff.AssertNil(err)
			biff.AssertTrue(found)
			_, doc, exists, err := e.Read(frozenObject)
			biff.AssertNil(err)
			biff.AssertTrue(exists)
			biff.AssertEqual(doc["name"], "A")

			// Gone at the live version
			_, found, err = e.Import(object, live)
			biff.AssertNil(err)
			biff.AssertFalse(found)

			_, _, err = e.Import(live, frozen)
			biff.AssertTrue(errors.Is(err, engine.ErrInvalidHandle))
		})

		a.Alternative("Panicking listener", func(a *biff.A) {
			calls := 0
			_, err := e.RegisterChangeListener(live, func(change *engine.Change) {
				calls++
				panic("listener failure")
			})
			biff.AssertNil(err)

			writer, _, _ := e.OpenLive(file, nil)
			write(e, writer, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "a"})
			})
			write(e, writer, func(txn engine.Ptr) {
				e.Insert(txn, person, engine.Document{"id": "b"})
			})
			q.drain()
			biff.AssertEqual(calls, 2)

			// The engine is still usable
			version, err := e.Refresh(live)
			biff.AssertNil(err)
			biff.AssertEqual(version, engine.Version(2))
			biff.AssertEqual(count(e, live, person, nil), 2)
		})

		a.Alternative("Released view", func(a *biff.A) {
			frozen, _, _ := e.Freeze(live)
			results, _ := e.Query(frozen, person, nil)
			biff.AssertNil(e.Release(frozen))

			_, err := e.Count(results)
			biff.AssertTrue(errors.Is(err, engine.ErrInvalidHandle))
			err = e.Release(frozen)
			biff.AssertTrue(errors.Is(err, engine.ErrInvalidHandle))
		})

		a.Alternative("Close", func(a *biff.A) {
			biff.AssertNil(e.Close(file))
			_, _, err := e.OpenLive(file, q)
			biff.AssertTrue(errors.Is(err, engine.ErrInvalidHandle))
			_, err = e.Refresh(live)
			biff.AssertTrue(errors.Is(err, engine.ErrInvalidHandle))

			// Views dropped by the close are still released by their owners
			biff.AssertNil(e.Release(live))
			err = e.Release(live)
			biff.AssertTrue(errors.Is(err, engine.ErrInvalidHandle))
		})
	})
}

func TestPersistence(t *testing.T) {
	Environment(func(filename string) {

		e := New(nil)
		file, err := e.Open(&engine.Config{Path: filename, Schema: personSchema})
		biff.AssertNil(err)
		live, _, _ := e.OpenLive(file, nil)
		person, _ := e.ResolveClassKey(file, "Person")

		var key engine.ObjectKey
		write(e, live, func(txn engine.Ptr) {
			key, _ = e.Insert(txn, person, engine.Document{"id": "a", "name": "A"})
			e.Insert(txn, person, engine.Document{"id": "b", "name": "B"})
		})
		write(e, live, func(txn engine.Ptr) {
			e.Update(txn, person, key, engine.Document{"name": "AA"})
		})
		write(e, live, func(txn engine.Ptr) {
			e.UpdateSchema(txn, []engine.ClassSchema{{Name: "Dog"}})
		})
		biff.AssertNil(e.Close(file))

		reopened := New(nil)
		file, err = reopened.Open(&engine.Config{Path: filename, Schema: personSchema})
		biff.AssertNil(err)

		stats, _ := reopened.Stats(file)
		biff.AssertEqual(stats.Latest, engine.Version(3))

		person, _ = reopened.ResolveClassKey(file, "Person")
		snapshot, _, _ := reopened.BeginRead(file)
		object, found, err := reopened.Object(snapshot, person, key)
		biff.AssertNil(err)
		biff.AssertTrue(found)
		_, doc, _, _ := reopened.Read(object)
		biff.AssertEqual(doc["name"], "AA")

		_, err = reopened.ResolveClassKey(file, "Dog")
		biff.AssertNil(err)

		// New commits continue the sequence
		live, _, _ = reopened.OpenLive(file, nil)
		version := write(reopened, live, func(txn engine.Ptr) {
			reopened.Insert(txn, person, engine.Document{"id": "c"})
		})
		biff.AssertEqual(version, engine.Version(4))
		biff.AssertNil(reopened.Close(file))
	})
}

func TestPersistenceCorrupted(t *testing.T) {
	Environment(func(filename string) {

		e := New(nil)
		file, _ := e.Open(&engine.Config{Path: filename, Schema: personSchema})
		live, _, _ := e.OpenLive(file, nil)
		person, _ := e.ResolveClassKey(file, "Person")
		write(e, live, func(txn engine.Ptr) {
			e.Insert(txn, person, engine.Document{"id": "a", "name": "A"})
		})
		e.Close(file)

		data, err := os.ReadFile(filename)
		biff.AssertNil(err)
		tampered := strings.Replace(string(data), `"name":"A"`, `"name":"Z"`, 1)
		biff.AssertNotEqual(tampered, string(data))
		biff.AssertNil(os.WriteFile(filename, []byte(tampered), 0666))

		_, err = New(nil).Open(&engine.Config{Path: filename, Schema: personSchema})
		biff.AssertTrue(errors.Is(err, engine.ErrCorrupted))
	})
}
