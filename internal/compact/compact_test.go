package compact

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"skippy/internal/coverage"
	"skippy/internal/predict"
	"skippy/internal/repo"
	"skippy/internal/tags"
	"skippy/internal/tia"
)

const depSet = "0A0B0C0D"

func rawRecord(names ...string) []byte {
	rec := &coverage.Record{Sessions: []coverage.Session{{ID: "test", Start: 1, Dump: 2}}}
	for i, name := range names {
		rec.Classes = append(rec.Classes, coverage.Class{
			ID:     int64(i + 1),
			Name:   name,
			Probes: []bool{true, false},
		})
	}
	return coverage.Encode(rec)
}

func vmName(name string) string {
	out := []byte(name)
	for i, b := range out {
		if b == '.' {
			out[i] = '/'
		}
	}
	return string(out)
}

func newRepo(t *testing.T, backend repo.Backend) *repo.Repository {
	t.Helper()
	var mu sync.Mutex
	clock := time.UnixMilli(1700000000000)
	return repo.New(backend, repo.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}))
}

func capture(t *testing.T, r *repo.Repository, test string, units ...string) {
	t.Helper()
	vm := make([]string, len(units))
	for i, u := range units {
		vm[i] = vmName(u)
	}
	if _, err := r.SaveCapture(context.Background(), test, depSet, rawRecord(vm...)); err != nil {
		t.Fatalf("SaveCapture(%s) failed: %v", test, err)
	}
}

func coveredNames(t *testing.T, s *tia.Snapshot, test string) []string {
	t.Helper()
	e, ok := s.Lookup(test)
	if !ok {
		t.Fatalf("snapshot has no entry for %s", test)
	}
	return e.Covered.Names()
}

func TestCompactFirstBuild(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(
		tia.Unit{Name: "com.example.A", Fingerprint: "AAAAAAAA"},
		tia.Unit{Name: "com.example.B", Fingerprint: "BBBBBBBB"},
	)

	capture(t, r, "com.example.FooTest", "com.example.A", "com.example.B")

	res, err := New(r).Compact(ctx, Request{Units: units, DependencySets: []string{depSet}})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("expected state DONE, got %s", res.State)
	}
	if diff := cmp.Diff([]string{"com.example.FooTest"}, res.Merged); diff != "" {
		t.Errorf("merged mismatch (-want +got):\n%s", diff)
	}

	s, err := r.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if s.ID() != res.SnapshotID {
		t.Errorf("expected latest %s, got %s", res.SnapshotID, s.ID())
	}
	e, _ := s.Lookup("com.example.FooTest")
	want := tia.CoverageSet{
		{Name: "com.example.A", Fingerprint: "AAAAAAAA"},
		{Name: "com.example.B", Fingerprint: "BBBBBBBB"},
	}
	if diff := cmp.Diff(want, e.Covered); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}
	if e.DependencySet != depSet {
		t.Errorf("expected dependency set %s, got %s", depSet, e.DependencySet)
	}
	if !e.Tags.Has(tags.Passed) {
		t.Errorf("expected PASSED default, got %v", e.Tags)
	}
	if _, ok, _ := r.Record(ctx, e.ExecutionID); !ok {
		t.Errorf("execution record %s not stored", e.ExecutionID)
	}

	keys, _ := r.CaptureKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("expected captures deleted, got %v", keys)
	}

	p := predict.Predict(predict.Input{
		Test:          "com.example.FooTest",
		Current:       units,
		DependencySet: depSet,
		Snapshot:      s,
		Tags:          e.Tags,
	})
	if p.Prediction != predict.Skip {
		t.Errorf("expected SKIP on an unchanged build, got %s", p)
	}
}

func TestCompactOverwritesCoverage(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(
		tia.Unit{Name: "a.A", Fingerprint: "11111111"},
		tia.Unit{Name: "a.B", Fingerprint: "22222222"},
		tia.Unit{Name: "a.C", Fingerprint: "33333333"},
	)
	c := New(r)

	capture(t, r, "a.T", "a.A", "a.B")
	capture(t, r, "a.U", "a.C")
	if _, err := c.Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("first Compact failed: %v", err)
	}

	capture(t, r, "a.T", "a.C")
	if _, err := c.Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("second Compact failed: %v", err)
	}

	s, _ := r.LatestSnapshot(ctx)
	if diff := cmp.Diff([]string{"a.C"}, coveredNames(t, s, "a.T")); diff != "" {
		t.Errorf("a.T coverage mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.C"}, coveredNames(t, s, "a.U")); diff != "" {
		t.Errorf("a.U should be retained (-want +got):\n%s", diff)
	}
}

func TestCompactConcurrentCaptures(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})

	var wg sync.WaitGroup
	tests := []string{"a.T1", "a.T2", "a.T3", "a.T4", "a.T5", "a.T6"}
	for _, test := range tests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.SaveCapture(ctx, test, depSet, rawRecord("a/A")); err != nil {
				t.Errorf("SaveCapture(%s) failed: %v", test, err)
			}
		}()
	}
	wg.Wait()

	res, err := New(r, WithParallelism(2)).Compact(ctx, Request{Units: units})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if diff := cmp.Diff(tests, res.Merged); diff != "" {
		t.Errorf("merged mismatch (-want +got):\n%s", diff)
	}
	s, _ := r.LatestSnapshot(ctx)
	if s.Len() != len(tests) {
		t.Errorf("expected %d tests, got %d", len(tests), s.Len())
	}
}

func TestCompactDropsMalformedCapture(t *testing.T) {
	ctx := context.Background()
	backend := repo.NewMemory()
	r := newRepo(t, backend)
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})
	c := New(r)

	capture(t, r, "a.T", "a.A")
	capture(t, r, "a.U", "a.A")
	if _, err := c.Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("first Compact failed: %v", err)
	}

	// A capture frame that is not zstd at all.
	if err := backend.Put(ctx, repo.CaptureKey("a.T", depSet), []byte("garbage")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// A valid frame around a record that does not parse.
	if _, err := r.SaveCapture(ctx, "a.U", depSet, []byte{0x01, 0xC0}); err != nil {
		t.Fatalf("SaveCapture failed: %v", err)
	}

	res, err := c.Compact(ctx, Request{Units: units})
	if err != nil {
		t.Fatalf("second Compact failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a.T", "a.U"}, res.Dropped); diff != "" {
		t.Errorf("dropped mismatch (-want +got):\n%s", diff)
	}

	s, _ := r.LatestSnapshot(ctx)
	for _, test := range []string{"a.T", "a.U"} {
		if _, ok := s.Lookup(test); ok {
			t.Errorf("expected %s dropped", test)
		}
		p := predict.Predict(predict.Input{Test: test, Current: units, DependencySet: depSet, Snapshot: s})
		if p.Prediction != predict.Execute || p.Reason != predict.ReasonNoCoverageData {
			t.Errorf("%s: expected EXECUTE NO_COVERAGE_DATA, got %s", test, p)
		}
	}
}

func TestCompactConflictingClassEntries(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})

	capture(t, r, "a.T", "a.A")
	// Parses, but class id 1 appears twice with different probe counts.
	conflicting := coverage.Encode(&coverage.Record{Classes: []coverage.Class{
		{ID: 1, Name: "a/A", Probes: []bool{true}},
		{ID: 1, Name: "a/A", Probes: []bool{true, false}},
	}})
	if _, err := r.SaveCapture(ctx, "a.U", depSet, conflicting); err != nil {
		t.Fatalf("SaveCapture failed: %v", err)
	}

	res, err := New(r).Compact(ctx, Request{Units: units})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, res.State)
	}
	if diff := cmp.Diff([]string{"a.T"}, res.Merged); diff != "" {
		t.Errorf("merged mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.U"}, res.Dropped); diff != "" {
		t.Errorf("dropped mismatch (-want +got):\n%s", diff)
	}

	s, err := r.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a.A"}, coveredNames(t, s, "a.T")); diff != "" {
		t.Errorf("a.T coverage mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.Lookup("a.U"); ok {
		t.Error("expected no entry for a.U")
	}
}

func TestCompactRerunReplacesTags(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})
	c := New(r)

	capture(t, r, "a.T", "a.A")
	for _, tag := range []tags.Tag{tags.AlwaysExecute, tags.Passed} {
		if err := r.AppendTag(ctx, "a.T", tag); err != nil {
			t.Fatalf("AppendTag failed: %v", err)
		}
	}
	if _, err := c.Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("first Compact failed: %v", err)
	}
	s, _ := r.LatestSnapshot(ctx)
	e, _ := s.Lookup("a.T")
	if diff := cmp.Diff(tags.Set{tags.Passed, tags.AlwaysExecute}, e.Tags); diff != "" {
		t.Errorf("first build tags mismatch (-want +got):\n%s", diff)
	}

	// The next run no longer tags the test ALWAYS_EXECUTE.
	capture(t, r, "a.T", "a.A")
	if err := r.AppendTag(ctx, "a.T", tags.Passed); err != nil {
		t.Fatalf("AppendTag failed: %v", err)
	}
	if _, err := c.Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("second Compact failed: %v", err)
	}
	s, _ = r.LatestSnapshot(ctx)
	e, _ = s.Lookup("a.T")
	if diff := cmp.Diff(tags.Set{tags.Passed}, e.Tags); diff != "" {
		t.Errorf("second build tags mismatch (-want +got):\n%s", diff)
	}

	p := predict.Predict(predict.Input{Test: "a.T", Current: units, DependencySet: depSet, Snapshot: s, Tags: e.Tags})
	if p.Prediction != predict.Skip {
		t.Errorf("expected SKIP, got %s", p)
	}
}

func TestCompactIgnoresStaleDependencySet(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})

	if _, err := r.SaveCapture(ctx, "a.Old", "FFFFFFFF", rawRecord("a/A")); err != nil {
		t.Fatalf("SaveCapture failed: %v", err)
	}
	capture(t, r, "a.New", "a.A")

	res, err := New(r).Compact(ctx, Request{Units: units, DependencySets: []string{depSet}})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.Stale != 1 {
		t.Errorf("expected 1 stale capture, got %d", res.Stale)
	}
	s, _ := r.LatestSnapshot(ctx)
	if _, ok := s.Lookup("a.Old"); ok {
		t.Error("stale capture merged")
	}
	keys, _ := r.CaptureKeys(ctx)
	if diff := cmp.Diff([]string{repo.CaptureKey("a.Old", "FFFFFFFF")}, keys); diff != "" {
		t.Errorf("stale capture should be kept (-want +got):\n%s", diff)
	}

	res, err = New(r).Compact(ctx, Request{Units: units, DependencySets: []string{depSet}, DiscardStale: true})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	keys, _ = r.CaptureKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("expected stale capture discarded, got %v", keys)
	}
}

func TestCompactFoldsTags(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})
	c := New(r)

	capture(t, r, "a.T", "a.A")
	capture(t, r, "a.U", "a.A")
	if err := r.AppendTag(ctx, "a.T", tags.Failed); err != nil {
		t.Fatalf("AppendTag failed: %v", err)
	}
	if _, err := c.Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// a.U is skipped in the next build but its tags still change.
	capture(t, r, "a.T", "a.A")
	if err := r.AppendTag(ctx, "a.T", tags.Passed); err != nil {
		t.Fatalf("AppendTag failed: %v", err)
	}
	if err := r.AppendTag(ctx, "a.U", tags.AlwaysExecute); err != nil {
		t.Fatalf("AppendTag failed: %v", err)
	}
	if err := r.AppendTag(ctx, "a.Unknown", tags.Failed); err != nil {
		t.Fatalf("AppendTag failed: %v", err)
	}
	res, err := c.Compact(ctx, Request{Units: units})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a.U"}, res.Retagged); diff != "" {
		t.Errorf("retagged mismatch (-want +got):\n%s", diff)
	}

	s, _ := r.LatestSnapshot(ctx)
	tEntry, _ := s.Lookup("a.T")
	if diff := cmp.Diff(tags.Set{tags.Passed}, tEntry.Tags); diff != "" {
		t.Errorf("a.T tags mismatch (-want +got):\n%s", diff)
	}
	uEntry, _ := s.Lookup("a.U")
	if diff := cmp.Diff(tags.Set{tags.Passed, tags.AlwaysExecute}, uEntry.Tags); diff != "" {
		t.Errorf("a.U tags mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.Lookup("a.Unknown"); ok {
		t.Error("test without coverage should not get an entry")
	}

	log, _ := r.TagLog(ctx)
	if len(log) != 0 {
		t.Errorf("expected tag log reset, got %v", log)
	}
}

func TestCompactUnknownUnits(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t, repo.NewMemory())
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})

	capture(t, r, "a.T", "a.A", "a.Gone")
	res, err := New(r).Compact(ctx, Request{Units: units})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.UnknownUnits != 1 {
		t.Errorf("expected 1 unknown unit, got %d", res.UnknownUnits)
	}

	s, _ := r.LatestSnapshot(ctx)
	p := predict.Predict(predict.Input{Test: "a.T", Current: units, DependencySet: depSet, Snapshot: s})
	if p.Prediction != predict.Execute || p.Unit != "a.Gone" {
		t.Errorf("expected EXECUTE on a.Gone, got %s", p)
	}
}

// failingBackend fails writes to one key.
type failingBackend struct {
	repo.Backend
	key string
}

var errInjected = errors.New("injected failure")

func (b *failingBackend) Put(ctx context.Context, key string, data []byte) error {
	if key == b.key {
		return errInjected
	}
	return b.Backend.Put(ctx, key, data)
}

func TestCompactCrashBeforeLatestMoves(t *testing.T) {
	ctx := context.Background()
	mem := repo.NewMemory()
	units := tia.NewUnitIndex(
		tia.Unit{Name: "a.A", Fingerprint: "11111111"},
		tia.Unit{Name: "a.B", Fingerprint: "22222222"},
	)

	r := newRepo(t, mem)
	capture(t, r, "a.T", "a.A")
	first, err := New(r).Compact(ctx, Request{Units: units})
	if err != nil {
		t.Fatalf("first Compact failed: %v", err)
	}

	broken := newRepo(t, &failingBackend{Backend: mem, key: repo.LatestKey})
	capture(t, broken, "a.T", "a.B")
	res, err := New(broken).Compact(ctx, Request{Units: units})
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("expected state FAILED, got %s", res.State)
	}

	s, err := r.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if s.ID() != first.SnapshotID {
		t.Errorf("expected latest to stay %s, got %s", first.SnapshotID, s.ID())
	}
	if diff := cmp.Diff([]string{"a.A"}, coveredNames(t, s, "a.T")); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}

	keys, _ := r.CaptureKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("expected capture kept for retry, got %v", keys)
	}

	// A retry on a healthy backend publishes the new coverage.
	if _, err := New(r).Compact(ctx, Request{Units: units}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	s, _ = r.LatestSnapshot(ctx)
	if diff := cmp.Diff([]string{"a.B"}, coveredNames(t, s, "a.T")); diff != "" {
		t.Errorf("coverage after retry mismatch (-want +got):\n%s", diff)
	}
}

func TestCompactIdempotent(t *testing.T) {
	ctx := context.Background()
	units := tia.NewUnitIndex(tia.Unit{Name: "a.A", Fingerprint: "11111111"})

	var snapshots []*tia.Snapshot
	for i := 0; i < 2; i++ {
		r := newRepo(t, repo.NewMemory())
		capture(t, r, "a.T", "a.A")
		if _, err := New(r).Compact(ctx, Request{Units: units}); err != nil {
			t.Fatalf("Compact failed: %v", err)
		}
		s, _ := r.LatestSnapshot(ctx)
		snapshots = append(snapshots, s)
	}
	if snapshots[0].ID() == snapshots[1].ID() {
		t.Error("expected distinct version ids")
	}
	if diff := cmp.Diff(snapshots[0].Tests(), snapshots[1].Tests()); diff != "" {
		t.Errorf("content mismatch (-first +second):\n%s", diff)
	}
}
