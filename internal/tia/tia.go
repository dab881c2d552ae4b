// Package tia holds the Test Impact Analysis data model: immutable,
// versioned snapshots mapping each test to the fingerprinted compiled units
// it covered when it last ran with coverage capture.
package tia

import (
	"sort"

	"github.com/google/uuid"

	"skippy/internal/tags"
)

// Unit is a compiled unit: a qualified name plus the fingerprint of its
// compiled bytes. Two units with the same name and different fingerprints
// are two versions of the same unit.
type Unit struct {
	Name        string
	Fingerprint string
}

// CoverageSet is the sorted set of units covered by one test execution.
// Names are unique within a set.
type CoverageSet []Unit

// NewCoverageSet sorts units by name and drops duplicate names (first wins).
func NewCoverageSet(units ...Unit) CoverageSet {
	seen := make(map[string]bool, len(units))
	out := make(CoverageSet, 0, len(units))
	for _, u := range units {
		if seen[u.Name] {
			continue
		}
		seen[u.Name] = true
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the unit names in order.
func (c CoverageSet) Names() []string {
	names := make([]string, len(c))
	for i, u := range c {
		names[i] = u.Name
	}
	return names
}

// UnitIndex maps qualified unit names to their current fingerprints.
type UnitIndex map[string]string

// NewUnitIndex builds an index from units.
func NewUnitIndex(units ...Unit) UnitIndex {
	ix := make(UnitIndex, len(units))
	for _, u := range units {
		ix[u.Name] = u.Fingerprint
	}
	return ix
}

// Coverage resolves names against the index. Names unknown to the index
// are returned separately; they cannot be fingerprinted.
func (ix UnitIndex) Coverage(names []string) (CoverageSet, []string) {
	var units []Unit
	var unknown []string
	for _, name := range names {
		fp, ok := ix[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		units = append(units, Unit{Name: name, Fingerprint: fp})
	}
	return NewCoverageSet(units...), unknown
}

// TestEntry is the coverage knowledge recorded for one test.
type TestEntry struct {
	Name string
	// DependencySet is the fingerprint of the resolved dependency set the
	// test ran with.
	DependencySet string
	// ExecutionID references the stored coverage execution record.
	ExecutionID string
	Tags        tags.Set
	Covered     CoverageSet
}

// Snapshot is an immutable Test Impact Analysis. Use New or Merge to build
// one; the zero value is not useful.
type Snapshot struct {
	id            string
	createdAt     int64
	dependencySet string
	tests         map[string]TestEntry
	notFound      bool
}

// NotFound represents "no prior snapshot". It behaves as an empty snapshot
// for every lookup.
var NotFound = &Snapshot{notFound: true, tests: map[string]TestEntry{}}

// NewVersionID allocates a snapshot version id. Ids are UUIDv7 strings, so
// their lexical order follows creation time.
func NewVersionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New builds a snapshot from entries. A later entry for the same test
// replaces an earlier one.
func New(id string, createdAt int64, entries []TestEntry) *Snapshot {
	s := &Snapshot{
		id:        id,
		createdAt: createdAt,
		tests:     make(map[string]TestEntry, len(entries)),
	}
	for _, e := range entries {
		s.tests[e.Name] = cloneEntry(e)
	}
	s.dependencySet = commonDependencySet(s.tests)
	return s
}

// Merge builds a new snapshot from prev: every entry in updates fully
// replaces the previous entry for that test, tests named in drop are
// removed, and all other tests keep their previous entries unchanged.
func Merge(prev *Snapshot, updates []TestEntry, drop []string, id string, createdAt int64) *Snapshot {
	if prev == nil {
		prev = NotFound
	}
	entries := make([]TestEntry, 0, prev.Len()+len(updates))
	dropped := make(map[string]bool, len(drop))
	for _, name := range drop {
		dropped[name] = true
	}
	for _, e := range prev.Tests() {
		if !dropped[e.Name] {
			entries = append(entries, e)
		}
	}
	for _, e := range updates {
		if !dropped[e.Name] {
			entries = append(entries, e)
		}
	}
	return New(id, createdAt, entries)
}

// ID returns the version id. NotFound has an empty id.
func (s *Snapshot) ID() string { return s.id }

// CreatedAt returns the creation time in milliseconds since epoch.
func (s *Snapshot) CreatedAt() int64 { return s.createdAt }

// DependencySet returns the dependency-set fingerprint shared by all tests
// of the snapshot, or "" when tests ran with different dependency sets.
func (s *Snapshot) DependencySet() string { return s.dependencySet }

// IsNotFound reports whether s is the NotFound sentinel.
func (s *Snapshot) IsNotFound() bool { return s == nil || s.notFound }

// Len returns the number of tests in the snapshot.
func (s *Snapshot) Len() int {
	if s.IsNotFound() {
		return 0
	}
	return len(s.tests)
}

// Lookup returns the entry recorded for test.
func (s *Snapshot) Lookup(test string) (TestEntry, bool) {
	if s.IsNotFound() {
		return TestEntry{}, false
	}
	e, ok := s.tests[test]
	if !ok {
		return TestEntry{}, false
	}
	return cloneEntry(e), true
}

// Tests returns all entries sorted by test name.
func (s *Snapshot) Tests() []TestEntry {
	if s.IsNotFound() {
		return nil
	}
	out := make([]TestEntry, 0, len(s.tests))
	for _, e := range s.tests {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecutionIDs returns the distinct execution record ids referenced by s.
func (s *Snapshot) ExecutionIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range s.Tests() {
		if e.ExecutionID == "" || seen[e.ExecutionID] {
			continue
		}
		seen[e.ExecutionID] = true
		ids = append(ids, e.ExecutionID)
	}
	sort.Strings(ids)
	return ids
}

func cloneEntry(e TestEntry) TestEntry {
	e.Tags = append(tags.Set(nil), e.Tags...)
	e.Covered = append(CoverageSet(nil), e.Covered...)
	return e
}

func commonDependencySet(tests map[string]TestEntry) string {
	common, first := "", true
	for _, e := range tests {
		if first {
			common, first = e.DependencySet, false
			continue
		}
		if common != e.DependencySet {
			return ""
		}
	}
	return common
}
