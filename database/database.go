package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/fulldump/objectdb/dberr"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/logging"
	"github.com/fulldump/objectdb/memengine"
	"github.com/fulldump/objectdb/notification"
	"github.com/fulldump/objectdb/reference"
	"github.com/fulldump/objectdb/scheduler"
	"github.com/fulldump/objectdb/schema"
	"github.com/fulldump/objectdb/tracker"
	"github.com/fulldump/objectdb/transaction"
)

const (
	StatusOpening   = "opening"
	StatusOperating = "operating"
	StatusClosing   = "closing"
)

type Config struct {
	// Path of the command log, empty keeps the database in memory
	Path   string
	Schema []engine.ClassSchema

	NotificationBuffer int

	Engine engine.Engine  // memengine when nil
	Logger logging.Logger // glog when nil
}

type Row = transaction.Row

type Database struct {
	config *Config
	logger logging.Logger
	engine engine.Engine

	statusMutex *sync.RWMutex
	status      string

	file       *reference.File
	writer     *scheduler.Scheduler
	writerLive *reference.Reference // writer only
	writes     *transaction.Coordinator
	pipeline   *notification.Pipeline

	snapshotMutex *sync.Mutex
	snapshot      *reference.Reference

	exit chan struct{}
}

func NewDatabase(config *Config) *Database {
	logger := config.Logger
	if logger == nil {
		logger = logging.Glog()
	}
	e := config.Engine
	if e == nil {
		e = memengine.New(logger)
	}

	return &Database{
		config:        config,
		logger:        logger,
		engine:        e,
		statusMutex:   &sync.RWMutex{},
		status:        StatusOpening,
		snapshotMutex: &sync.Mutex{},
		exit:          make(chan struct{}),
	}
}

// Open creates a database and loads it.
func Open(config *Config) (*Database, error) {
	db := NewDatabase(config)
	if err := db.Load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *Database) GetStatus() string {
	db.statusMutex.RLock()
	defer db.statusMutex.RUnlock()
	return db.status
}

func (db *Database) setStatus(status string) {
	db.statusMutex.Lock()
	db.status = status
	db.statusMutex.Unlock()
}

func (db *Database) Name() string {
	if db.config.Path == "" {
		return "memory"
	}
	return db.config.Path
}

// Load opens the engine file and every component around it.
func (db *Database) Load() error {

	name := db.Name()
	db.logger.Infof("Loading database %s...", name)

	ptr, err := db.engine.Open(&engine.Config{
		Path:   db.config.Path,
		Schema: db.config.Schema,
	})
	if err != nil {
		db.setStatus(StatusClosing)
		return dberr.Translate(fmt.Sprintf("open '%s'", name), err)
	}

	db.file = &reference.File{
		Name:    name,
		Engine:  db.engine,
		Ptr:     ptr,
		Tracker: tracker.New(name, db.logger),
		Schema:  schema.New(db.engine, ptr),
		Logger:  db.logger,
	}
	db.file.Tracker.OnUnpinned = func(version engine.Version) {
		db.reclaim()
	}

	db.writer = scheduler.New("writer", db.logger)
	err = db.writer.Invoke(context.Background(), func(ctx context.Context) (err error) {
		db.writerLive, err = reference.OpenLive(ctx, db.file)
		return
	})
	if err != nil {
		db.writer.Close()
		db.engine.Close(ptr)
		db.setStatus(StatusClosing)
		return err
	}

	db.writes = transaction.New(db.file, db.logger)
	db.writes.OnCommit = func(ctx context.Context, version engine.Version) {
		db.advance(version)
	}

	db.pipeline = notification.New(db.file, db.config.NotificationBuffer, db.logger)

	db.snapshot, err = reference.BeginRead(db.file)
	if err != nil {
		return err
	}

	db.setStatus(StatusOperating)
	db.logger.Infof("database %s operating at version %d", name, db.snapshot.Version())

	return nil
}

// Start loads the database and blocks until it is stopped.
func (db *Database) Start() error {

	if err := db.Load(); err != nil {
		return err
	}

	<-db.exit

	return nil
}

func (db *Database) Stop() error {
	return db.Close()
}

// advance moves the shared snapshot to version after a commit.
func (db *Database) advance(version engine.Version) {
	db.snapshotMutex.Lock()
	current := db.snapshot
	if current != nil && current.Version() >= version {
		db.snapshotMutex.Unlock()
		return
	}
	next, err := reference.BeginRead(db.file)
	if err != nil {
		db.snapshotMutex.Unlock()
		db.logger.Warningf("advance snapshot to %d: %s", version, err)
		return
	}
	db.snapshot = next
	db.snapshotMutex.Unlock()

	if current != nil {
		current.Close() // reclaims through the tracker
	}
}

func (db *Database) reclaim() {
	oldest, pinned := db.file.Tracker.Oldest()
	if !pinned {
		oldest = engine.Unpinned
	}
	n, err := db.engine.Reclaim(db.file.Ptr, oldest)
	if err != nil {
		db.logger.Debugf("reclaim: %s", err)
		return
	}
	if n > 0 {
		db.logger.Debugf("reclaimed %d versions older than %d", n, oldest)
	}
}

func (db *Database) ready(op string) error {
	if status := db.GetStatus(); status != StatusOperating {
		return &dberr.IllegalStateError{Op: op, Message: "database is " + status}
	}
	return nil
}

// Write runs f in a write transaction on the writer scheduler and returns
// the committed version.
func (db *Database) Write(ctx context.Context, f func(ctx context.Context, w *transaction.Write) error) (engine.Version, error) {
	if err := db.ready("write"); err != nil {
		return 0, err
	}
	var version engine.Version
	err := db.writer.Invoke(ctx, func(ctx context.Context) (err error) {
		version, err = db.writes.Run(ctx, db.writerLive, f)
		return
	})
	return version, err
}

// WriteValue is Write for blocks producing a value.
func WriteValue[T any](ctx context.Context, db *Database, f func(ctx context.Context, w *transaction.Write) (T, error)) (T, engine.Version, error) {
	var value T
	version, err := db.Write(ctx, func(ctx context.Context, w *transaction.Write) (err error) {
		value, err = f(ctx, w)
		return
	})
	if err != nil {
		var zero T
		return zero, 0, err
	}
	return value, version, nil
}

// Live opens a live reference owned by the scheduler ctx runs on.
func (db *Database) Live(ctx context.Context) (*reference.Reference, error) {
	if err := db.ready("live"); err != nil {
		return nil, err
	}
	return reference.OpenLive(ctx, db.file)
}

func (db *Database) BeginWrite(ctx context.Context, live *reference.Reference) (*transaction.Write, error) {
	if err := db.ready("begin write"); err != nil {
		return nil, err
	}
	return db.writes.BeginWrite(ctx, live)
}

// Freeze returns a frozen reference at the latest version known to the
// database. The caller closes it.
func (db *Database) Freeze() (*reference.Reference, error) {
	if err := db.ready("freeze"); err != nil {
		return nil, err
	}
	db.snapshotMutex.Lock()
	defer db.snapshotMutex.Unlock()
	return db.snapshot.Clone()
}

// Version is the latest version known to the database.
func (db *Database) Version() engine.Version {
	db.snapshotMutex.Lock()
	defer db.snapshotMutex.Unlock()
	if db.snapshot == nil {
		return 0
	}
	return db.snapshot.Version()
}

func (db *Database) Classes() ([]engine.ClassSchema, error) {
	if err := db.ready("classes"); err != nil {
		return nil, err
	}
	classes, err := db.engine.Classes(db.file.Ptr)
	return classes, dberr.Translate("classes", err)
}

func (db *Database) Class(name string) (*schema.ClassMetadata, error) {
	if err := db.ready("class"); err != nil {
		return nil, err
	}
	return db.file.Schema.Get(name)
}

// AddClasses adds or replaces class definitions in a write of its own.
func (db *Database) AddClasses(ctx context.Context, classes ...engine.ClassSchema) (engine.Version, error) {
	return db.Write(ctx, func(ctx context.Context, w *transaction.Write) error {
		return w.UpdateSchema(ctx, classes...)
	})
}

// Find reads up to limit objects matching filter from the latest version,
// skipping the first skip. A limit <= 0 means no limit.
func (db *Database) Find(ctx context.Context, className string, filter engine.Document, skip, limit int) ([]Row, error) {
	snapshot, err := db.Freeze()
	if err != nil {
		return nil, err
	}
	defer snapshot.Close()

	results, err := snapshot.Query(ctx, className, filter)
	if err != nil {
		return nil, err
	}
	defer results.Close()

	rows := []Row{}
	err = results.Each(ctx, func(key engine.ObjectKey, doc engine.Document) bool {
		if skip > 0 {
			skip--
			return true
		}
		rows = append(rows, Row{Key: key, Document: doc})
		return limit <= 0 || len(rows) < limit
	})
	return rows, err
}

// Query reads every object matching filter from the latest version.
func (db *Database) Query(ctx context.Context, className string, filter engine.Document) ([]engine.Document, error) {
	rows, err := db.Find(ctx, className, filter, 0, 0)
	if err != nil {
		return nil, err
	}
	docs := make([]engine.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.Document)
	}
	return docs, nil
}

// Object reads one object from the latest version.
func (db *Database) Object(ctx context.Context, className string, key engine.ObjectKey) (engine.Document, bool, error) {
	snapshot, err := db.Freeze()
	if err != nil {
		return nil, false, err
	}
	defer snapshot.Close()

	object, found, err := snapshot.Object(ctx, className, key)
	if err != nil || !found {
		return nil, false, err
	}
	defer object.Close()

	return object.Document(ctx)
}

func (db *Database) Observe(ctx context.Context) (*notification.Stream[*reference.Reference], error) {
	if err := db.ready("observe"); err != nil {
		return nil, err
	}
	return db.pipeline.ObserveDatabase(ctx)
}

func (db *Database) ObserveQuery(ctx context.Context, className string, filter engine.Document) (*notification.Stream[*reference.Results], error) {
	if err := db.ready("observe"); err != nil {
		return nil, err
	}
	return db.pipeline.ObserveQuery(ctx, className, filter)
}

func (db *Database) ObserveObject(ctx context.Context, className string, key engine.ObjectKey) (*notification.Stream[*reference.Object], error) {
	if err := db.ready("observe"); err != nil {
		return nil, err
	}
	return db.pipeline.ObserveObject(ctx, className, key)
}

type Versions struct {
	Latest        engine.Version        `json:"latest"`
	Snapshot      engine.Version        `json:"snapshot"`
	SchemaVersion uint64                `json:"schema_version"`
	Pinned        []tracker.Outstanding `json:"pinned"`
	Retained      []engine.Version      `json:"retained"`
	Views         int                   `json:"views"`
	Listeners     int                   `json:"listeners"`
	Subscriptions int                   `json:"subscriptions"`
	WriteOpen     bool                  `json:"write_open"`
}

func (db *Database) Versions() (*Versions, error) {
	if err := db.ready("versions"); err != nil {
		return nil, err
	}
	stats, err := db.engine.Stats(db.file.Ptr)
	if err != nil {
		return nil, dberr.Translate("stats", err)
	}
	schemaVersion, err := db.engine.SchemaVersion(db.file.Ptr)
	if err != nil {
		return nil, dberr.Translate("schema version", err)
	}

	return &Versions{
		Latest:        stats.Latest,
		Snapshot:      db.Version(),
		SchemaVersion: schemaVersion,
		Pinned:        db.file.Tracker.Outstanding(),
		Retained:      stats.Retained,
		Views:         stats.Views,
		Listeners:     stats.Listeners,
		Subscriptions: db.pipeline.Active(),
		WriteOpen:     db.writes.InProgress(),
	}, nil
}

// Close refuses to close while a write is open. Frozen references still
// held are reported as leaks and stop working.
func (db *Database) Close() error {
	if db.GetStatus() != StatusOperating {
		return &dberr.IllegalStateError{Op: "close", Message: "database is " + db.GetStatus()}
	}
	if db.writes.InProgress() {
		return &dberr.IllegalStateError{Op: "close", Message: "a write transaction is open"}
	}

	db.setStatus(StatusClosing)
	defer close(db.exit)

	db.logger.Infof("Closing '%s'...", db.Name())

	var lastErr error
	if err := db.pipeline.Close(); err != nil {
		db.logger.Errorf("close notifier: %s", err)
		lastErr = err
	}

	db.writer.Invoke(context.Background(), func(ctx context.Context) error {
		return db.writerLive.Close()
	})
	db.writer.Close()
	db.writer.Wait()

	db.snapshotMutex.Lock()
	db.snapshot.Close()
	db.snapshotMutex.Unlock()

	if leaks := db.file.Tracker.Close(); len(leaks) > 0 {
		db.logger.Warningf("%d versions still pinned at close", len(leaks))
	}

	if err := db.engine.Close(db.file.Ptr); err != nil {
		db.logger.Errorf("close(%s): %s", db.Name(), err)
		lastErr = dberr.Translate("close", err)
	}

	return lastErr
}
