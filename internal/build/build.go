// Package build is the entry point for build-orchestrator integrations: it
// ties prediction, capture recording, tagging and compaction to one
// repository for the lifetime of a build.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"skippy/internal/compact"
	"skippy/internal/coverage"
	"skippy/internal/metrics"
	"skippy/internal/predict"
	"skippy/internal/repo"
	"skippy/internal/tags"
	"skippy/internal/tia"
	"skippy/internal/units"
)

// API serves one build. Predict and RecordCapture may be called
// concurrently; Compact must run once, after every test has finished.
type API struct {
	repo      *repo.Repository
	log       *slog.Logger
	metrics   *metrics.Metrics
	matcher   *tags.Matcher
	collector units.Collector
	depSet    string

	compactOpts  []compact.Option
	discardStale bool

	snapshotOnce sync.Once
	snapshot     *tia.Snapshot
	snapshotErr  error

	unitsOnce sync.Once
	units     tia.UnitIndex
	unitsErr  error
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics records predictions and compactions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithMatcher sets the rules that tag tests by name.
func WithMatcher(m *tags.Matcher) Option {
	return func(a *API) { a.matcher = m }
}

// WithCollector sets where the current compiled units come from.
func WithCollector(c units.Collector) Option {
	return func(a *API) { a.collector = c }
}

// WithUnits fixes the current compiled units.
func WithUnits(ix tia.UnitIndex) Option {
	return func(a *API) {
		a.unitsOnce.Do(func() { a.units = ix })
	}
}

// WithDependencySet sets the fingerprint of the dependency set the build
// runs with, when it was registered earlier.
func WithDependencySet(fp string) Option {
	return func(a *API) { a.depSet = fp }
}

// WithCompactParallelism bounds concurrent capture reads during Compact.
func WithCompactParallelism(n int) Option {
	return func(a *API) { a.compactOpts = append(a.compactOpts, compact.WithParallelism(n)) }
}

// WithDiscardStale makes Compact delete captures of other dependency sets.
func WithDiscardStale(discard bool) Option {
	return func(a *API) { a.discardStale = discard }
}

// New creates the API for a build against r.
func New(r *repo.Repository, opts ...Option) *API {
	a := &API{
		repo: r,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Repository returns the underlying repository.
func (a *API) Repository() *repo.Repository {
	return a.repo
}

// DependencySet returns the fingerprint of the build's dependency set.
func (a *API) DependencySet() string {
	return a.depSet
}

// BeginBuild discards what an earlier, aborted build may have left behind:
// temporary captures, the tag log and the prediction log.
func (a *API) BeginBuild(ctx context.Context) error {
	n, err := a.repo.DiscardCaptures(ctx)
	if err != nil {
		return fmt.Errorf("discarding captures: %w", err)
	}
	if err := a.repo.ResetTagLog(ctx); err != nil {
		return fmt.Errorf("resetting tag log: %w", err)
	}
	if err := a.repo.ResetPredictionLog(ctx); err != nil {
		return fmt.Errorf("resetting prediction log: %w", err)
	}
	a.log.Info("build started", "staleCaptures", n)
	return nil
}

// RegisterDependencySet resolves the dependency entries of the build
// against the project root, stores the result and makes its fingerprint
// the build's dependency set.
func (a *API) RegisterDependencySet(ctx context.Context, root string, entries []string) (string, error) {
	resolved, err := units.ResolveDependencySet(root, entries)
	if err != nil {
		return "", err
	}
	fp, err := a.repo.SaveDependencySet(ctx, resolved)
	if err != nil {
		return "", err
	}
	a.depSet = fp
	a.log.Debug("dependency set registered", "fingerprint", fp, "entries", len(resolved))
	return fp, nil
}

// Units returns the current compiled units, collecting them on first use.
func (a *API) Units(ctx context.Context) (tia.UnitIndex, error) {
	a.unitsOnce.Do(func() {
		if a.collector == nil {
			a.units = tia.UnitIndex{}
			return
		}
		a.units, a.unitsErr = units.Index(ctx, a.collector)
	})
	return a.units, a.unitsErr
}

// Snapshot returns the latest snapshot, loading it on first use. Every
// prediction of the build sees the same snapshot.
func (a *API) Snapshot(ctx context.Context) (*tia.Snapshot, error) {
	a.snapshotOnce.Do(func() {
		a.snapshot, a.snapshotErr = a.repo.LatestSnapshot(ctx)
		if a.snapshotErr == nil {
			a.log.Debug("snapshot loaded", "snapshot", a.snapshot.ID(), "tests", a.snapshot.Len())
		}
	})
	return a.snapshot, a.snapshotErr
}

// Tags returns the effective tags of test: the tags recorded in the
// snapshot plus the ones the configured rules attach.
func (a *API) Tags(s *tia.Snapshot, test string) tags.Set {
	var set tags.Set
	if e, ok := s.Lookup(test); ok {
		set = e.Tags
	}
	if extra := a.matcher.Match(test); len(extra) > 0 {
		set = set.With(extra...)
	}
	return set
}

// Predict decides whether test must run and records the decision in the
// prediction log. A storage failure is returned; the caller decides
// whether to fail the build or run the test anyway.
func (a *API) Predict(ctx context.Context, test string) (predict.Result, error) {
	s, err := a.Snapshot(ctx)
	if err != nil {
		return predict.Result{}, err
	}
	current, err := a.Units(ctx)
	if err != nil {
		return predict.Result{}, fmt.Errorf("collecting units: %w", err)
	}

	res := predict.Predict(predict.Input{
		Test:          test,
		Current:       current,
		DependencySet: a.depSet,
		Snapshot:      s,
		Tags:          a.Tags(s, test),
	})
	if err := a.repo.AppendPrediction(ctx, test, res.Prediction); err != nil {
		return res, err
	}
	a.metrics.Prediction(string(res.Prediction), string(res.Reason))
	a.log.Debug("prediction", "test", test, "result", res.String())
	return res, nil
}

// RecordCapture stores the raw coverage record of an executed test.
func (a *API) RecordCapture(ctx context.Context, test string, record []byte) (string, error) {
	return a.repo.SaveCapture(ctx, test, a.depSet, record)
}

// Tag appends a tag for test to the tag log.
func (a *API) Tag(ctx context.Context, test string, tag tags.Tag) error {
	return a.repo.AppendTag(ctx, test, tag)
}

// Compact merges the build's captures into a new latest snapshot.
func (a *API) Compact(ctx context.Context) (*compact.Result, error) {
	current, err := a.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting units: %w", err)
	}
	req := compact.Request{Units: current, DiscardStale: a.discardStale}
	if a.depSet != "" {
		req.DependencySets = []string{a.depSet}
	}

	opts := append([]compact.Option{
		compact.WithLogger(a.log),
		compact.WithMetrics(a.metrics),
	}, a.compactOpts...)
	return compact.New(a.repo, opts...).Compact(ctx, req)
}

// SkippedCoverage merges the stored coverage records of every test the
// build skipped, so coverage reports stay complete. It returns nil when
// nothing was skipped.
func (a *API) SkippedCoverage(ctx context.Context) ([]byte, error) {
	log, err := a.repo.PredictionLog(ctx)
	if err != nil {
		return nil, err
	}
	s, err := a.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var records [][]byte
	for _, p := range log {
		if p.Prediction != predict.Skip {
			continue
		}
		e, ok := s.Lookup(p.Test)
		if !ok || e.ExecutionID == "" || seen[e.ExecutionID] {
			continue
		}
		seen[e.ExecutionID] = true

		raw, ok, err := a.repo.Record(ctx, e.ExecutionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			a.log.Warn("execution record missing", "test", p.Test, "record", e.ExecutionID)
			continue
		}
		records = append(records, raw)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return coverage.Merge(records...)
}
