// Package compact merges the temporary coverage captures of a build into a
// new Test Impact Analysis snapshot and publishes it as "latest".
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"skippy/internal/coverage"
	"skippy/internal/metrics"
	"skippy/internal/repo"
	"skippy/internal/tags"
	"skippy/internal/tia"
)

// State is a step of a compaction pass.
type State string

const (
	StateBuildStart         State = "BUILD_START"
	StateCompactRequested   State = "COMPACT_REQUESTED"
	StateMerge              State = "MERGE"
	StatePersistNewSnapshot State = "PERSIST_NEW_SNAPSHOT"
	StateDeleteTemporaries  State = "DELETE_TEMPORARIES"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// DefaultParallelism bounds concurrent capture reads.
const DefaultParallelism = 8

// Request describes one compaction pass.
type Request struct {
	// Units holds the current fingerprint of every compiled unit.
	Units tia.UnitIndex
	// DependencySets selects the captures that belong to this build. When
	// empty every capture is selected.
	DependencySets []string
	// DiscardStale also deletes captures that were not selected.
	DiscardStale bool
}

// Result reports what a compaction pass did.
type Result struct {
	State      State
	SnapshotID string
	// Previous is the id of the snapshot the pass started from, "" if none.
	Previous string
	Merged   []string
	Dropped  []string
	// Retagged lists tests whose entry only changed tags.
	Retagged       []string
	Stale          int
	DeleteFailures int
	// UnknownUnits counts covered names that had no current fingerprint.
	UnknownUnits int
}

// Compactor runs compaction passes against a repository. It is
// single-writer: callers must not run two passes on one repository at the
// same time.
type Compactor struct {
	repo        *repo.Repository
	log         *slog.Logger
	metrics     *metrics.Metrics
	parallelism int
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compactor) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records pass outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Compactor) { c.metrics = m }
}

// WithParallelism sets how many captures are read at once.
func WithParallelism(n int) Option {
	return func(c *Compactor) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// New creates a Compactor.
func New(r *repo.Repository, opts ...Option) *Compactor {
	c := &Compactor{
		repo:        r,
		log:         slog.Default(),
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// loaded is the outcome of reading one selected capture.
type loaded struct {
	key        string
	test       string
	capturedAt int64
	malformed  bool
	entry      tia.TestEntry
	unknown    int
}

// Compact runs one pass. Failures before "latest" moves are returned and
// leave the repository's latest snapshot untouched; cleanup failures are
// only logged and counted.
func (c *Compactor) Compact(ctx context.Context, req Request) (*Result, error) {
	res := &Result{State: StateCompactRequested}
	c.log.Info("compaction requested", "dependencySets", req.DependencySets)

	fail := func(err error) (*Result, error) {
		c.log.Error("compaction failed", "state", res.State, "error", err)
		res.State = StateFailed
		c.metrics.Compaction(string(StateFailed), 0, 0, 0)
		return res, err
	}

	// MERGE
	res.State = StateMerge
	prev, err := c.repo.LatestSnapshot(ctx)
	if err != nil {
		return fail(fmt.Errorf("loading latest snapshot: %w", err))
	}
	res.Previous = prev.ID()

	keys, err := c.repo.CaptureKeys(ctx)
	if err != nil {
		return fail(err)
	}
	selected, stale := c.selectKeys(keys, req.DependencySets)
	res.Stale = len(stale)

	captures, err := c.load(ctx, selected, req.Units)
	if err != nil {
		return fail(err)
	}

	tagLog, err := c.repo.TagLog(ctx)
	if err != nil {
		return fail(err)
	}
	logged := tags.Fold(tagLog)

	updates, drop := c.resolve(prev, captures, logged, res)

	// PERSIST_NEW_SNAPSHOT
	res.State = StatePersistNewSnapshot
	next := tia.Merge(prev, updates, drop, tia.NewVersionID(), c.repo.Now())
	if err := c.repo.SaveSnapshot(ctx, next); err != nil {
		return fail(err)
	}
	if err := c.repo.SetLatest(ctx, next.ID()); err != nil {
		return fail(err)
	}
	res.SnapshotID = next.ID()
	c.log.Info("snapshot published",
		"snapshot", next.ID(),
		"previous", res.Previous,
		"tests", next.Len(),
		"merged", len(res.Merged),
		"dropped", len(res.Dropped))

	// DELETE_TEMPORARIES
	res.State = StateDeleteTemporaries
	consumed := selected
	if req.DiscardStale {
		consumed = append(consumed, stale...)
	}
	for _, key := range consumed {
		if err := c.repo.DeleteCapture(ctx, key); err != nil {
			res.DeleteFailures++
			c.log.Warn("failed to delete capture", "key", key, "error", err)
		}
	}
	if err := c.repo.ResetTagLog(ctx); err != nil {
		res.DeleteFailures++
		c.log.Warn("failed to reset tag log", "error", err)
	}

	res.State = StateDone
	c.metrics.Compaction(string(StateDone), len(res.Merged), len(res.Dropped), res.DeleteFailures)
	return res, nil
}

// selectKeys splits capture keys into the ones belonging to depSets and
// the rest.
func (c *Compactor) selectKeys(keys, depSets []string) (selected, stale []string) {
	want := make(map[string]bool, len(depSets))
	for _, d := range depSets {
		want[d] = true
	}
	for _, key := range keys {
		_, depSet, err := repo.ParseCaptureKey(key)
		if err != nil {
			c.log.Warn("ignoring capture", "key", key, "error", err)
			stale = append(stale, key)
			continue
		}
		if len(want) > 0 && !want[depSet] {
			stale = append(stale, key)
			continue
		}
		selected = append(selected, key)
	}
	return selected, stale
}

// load reads and interprets captures concurrently. A malformed capture is
// reported, not returned as an error; storage failures abort the pass.
func (c *Compactor) load(ctx context.Context, keys []string, units tia.UnitIndex) ([]loaded, error) {
	out := make([]loaded, len(keys))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, key := range keys {
		g.Go(func() error {
			l, err := c.loadOne(gCtx, key, units)
			if err != nil {
				return err
			}
			out[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compactor) loadOne(ctx context.Context, key string, units tia.UnitIndex) (loaded, error) {
	test, depSet, _ := repo.ParseCaptureKey(key)
	l := loaded{key: key, test: test}

	capture, err := c.repo.ReadCapture(ctx, key)
	if errors.Is(err, repo.ErrMalformedCapture) {
		c.log.Warn("malformed capture", "key", key, "error", err)
		l.malformed = true
		return l, nil
	}
	if errors.Is(err, repo.ErrNotExist) {
		// Deleted between listing and reading; nothing to merge.
		return loaded{key: key}, nil
	}
	if err != nil {
		return l, err
	}
	l.test = capture.Test
	l.capturedAt = capture.CapturedAt
	if capture.DependencySet != "" {
		depSet = capture.DependencySet
	}

	record, err := coverage.Parse(capture.Record)
	if err == nil {
		// Conflicting class entries only show up when the record is
		// normalized for its id.
		_, err = record.ID()
	}
	if err != nil {
		var me *coverage.MalformedRecordError
		if errors.As(err, &me) {
			me.Key = key
		}
		c.log.Warn("malformed coverage record", "key", key, "test", capture.Test, "error", err)
		l.malformed = true
		return l, nil
	}
	executionID, err := c.repo.SaveRecord(ctx, capture.Record)
	if err != nil {
		return l, err
	}

	covered, unknown := units.Coverage(record.CoveredUnits())
	if len(unknown) > 0 {
		// Unknown names keep an empty fingerprint so the next prediction
		// sees them as removed or changed.
		all := append(tia.CoverageSet(nil), covered...)
		for _, name := range unknown {
			all = append(all, tia.Unit{Name: name})
		}
		covered = tia.NewCoverageSet(all...)
		l.unknown = len(unknown)
	}

	l.entry = tia.TestEntry{
		Name:          capture.Test,
		DependencySet: depSet,
		ExecutionID:   executionID,
		Covered:       covered,
	}
	return l, nil
}

// resolve turns loaded captures and the folded tag log into snapshot
// updates and the tests to drop.
func (c *Compactor) resolve(prev *tia.Snapshot, captures []loaded, logged map[string]tags.Set, res *Result) ([]tia.TestEntry, []string) {
	latest := make(map[string]loaded)
	broken := make(map[string]bool)
	for _, l := range captures {
		if l.test == "" {
			continue
		}
		if l.malformed {
			broken[l.test] = true
			continue
		}
		res.UnknownUnits += l.unknown
		cur, ok := latest[l.test]
		if !ok || l.capturedAt > cur.capturedAt || (l.capturedAt == cur.capturedAt && l.key > cur.key) {
			latest[l.test] = l
		}
	}

	var updates []tia.TestEntry
	for test, l := range latest {
		entry := l.entry
		// A rerun replaces everything known about the test, tags included.
		entry.Tags = tags.NewSet(logged[test]...).Effective()
		updates = append(updates, entry)
		res.Merged = append(res.Merged, test)
	}

	var drop []string
	for test := range broken {
		if _, ok := latest[test]; ok {
			continue
		}
		drop = append(drop, test)
		res.Dropped = append(res.Dropped, test)
	}

	for test, set := range logged {
		if _, ok := latest[test]; ok || broken[test] {
			continue
		}
		old, ok := prev.Lookup(test)
		if !ok {
			// No coverage knowledge to attach the tags to.
			continue
		}
		old.Tags = old.Tags.With(set...).Effective()
		updates = append(updates, old)
		res.Retagged = append(res.Retagged, test)
	}

	sort.Strings(res.Merged)
	sort.Strings(res.Dropped)
	sort.Strings(res.Retagged)
	sort.Slice(updates, func(i, j int) bool { return updates[i].Name < updates[j].Name })
	return updates, drop
}
