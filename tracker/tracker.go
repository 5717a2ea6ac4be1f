// Package tracker counts the frozen references pinning each version of a
// database file.
package tracker

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/logging"
)

type entry struct {
	version engine.Version
	count   atomic.Int64
	since   time.Time
}

type Tracker struct {
	file    string
	logger  logging.Logger
	mutex   *sync.Mutex
	entries map[engine.Version]*entry

	// OnUnpinned is called, outside any lock, when the last pin of a
	// version is released.
	OnUnpinned func(version engine.Version)
}

func New(file string, logger logging.Logger) *Tracker {
	return &Tracker{
		file:    file,
		logger:  logging.WithTag(logger, "tracker"),
		mutex:   &sync.Mutex{},
		entries: map[engine.Version]*entry{},
	}
}

// Pin is released at most once.
type Pin struct {
	tracker  *Tracker
	entry    *entry
	released atomic.Bool
}

func (p *Pin) Version() engine.Version {
	return p.entry.version
}

func (p *Pin) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.entry.count.Add(-1) == 0 {
		p.tracker.unpinned(p.entry)
	}
}

func (t *Tracker) Track(version engine.Version) *Pin {
	t.mutex.Lock()
	e, exists := t.entries[version]
	if !exists {
		e = &entry{version: version, since: time.Now()}
		t.entries[version] = e
	}
	e.count.Add(1)
	t.mutex.Unlock()

	return &Pin{tracker: t, entry: e}
}

func (t *Tracker) unpinned(e *entry) {
	t.mutex.Lock()
	// Someone may have pinned it again meanwhile
	if e.count.Load() == 0 && t.entries[e.version] == e {
		delete(t.entries, e.version)
	}
	t.mutex.Unlock()

	if t.OnUnpinned != nil {
		t.OnUnpinned(e.version)
	}
}

func (t *Tracker) Count(version engine.Version) int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, exists := t.entries[version]
	if !exists {
		return 0
	}
	return e.count.Load()
}

// Oldest returns the oldest pinned version.
func (t *Tracker) Oldest() (engine.Version, bool) {
	versions := t.Versions()
	if len(versions) == 0 {
		return 0, false
	}
	return versions[0], true
}

// Versions lists the pinned versions in ascending order.
func (t *Tracker) Versions() []engine.Version {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	versions := []engine.Version{}
	for version, e := range t.entries {
		if e.count.Load() > 0 {
			versions = append(versions, version)
		}
	}
	slices.Sort(versions)
	return versions
}

type Outstanding struct {
	Version engine.Version `json:"version"`
	Count   int64          `json:"count"`
	Since   time.Time      `json:"since"`
}

func (t *Tracker) Outstanding() []Outstanding {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	result := []Outstanding{}
	for _, e := range t.entries {
		count := e.count.Load()
		if count <= 0 {
			continue
		}
		result = append(result, Outstanding{Version: e.version, Count: count, Since: e.since})
	}
	slices.SortFunc(result, func(a, b Outstanding) int {
		if a.Version < b.Version {
			return -1
		}
		if a.Version > b.Version {
			return 1
		}
		return 0
	})
	return result
}

// Close reports every pin still held as a leak and forgets them. Pins
// released afterwards are no-ops for the registry.
func (t *Tracker) Close() []Outstanding {
	leaks := t.Outstanding()
	for _, leak := range leaks {
		t.logger.Warningf("%s: version %d still pinned by %d frozen references since %s", t.file, leak.Version, leak.Count, leak.Since.Format(time.RFC3339))
	}

	t.mutex.Lock()
	t.entries = map[engine.Version]*entry{}
	t.mutex.Unlock()

	return leaks
}
