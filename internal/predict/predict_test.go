package predict

import (
	"testing"

	"skippy/internal/tags"
	"skippy/internal/tia"
)

const depSet = "DEADBEEF"

func snapshot(entries ...tia.TestEntry) *tia.Snapshot {
	return tia.New(tia.NewVersionID(), 1, entries)
}

func fooEntry() tia.TestEntry {
	return tia.TestEntry{
		Name:          "com.example.FooTest",
		DependencySet: depSet,
		Tags:          tags.Set{tags.Passed},
		Covered: tia.NewCoverageSet(
			tia.Unit{Name: "com.example.A", Fingerprint: "11111111"},
			tia.Unit{Name: "com.example.B", Fingerprint: "22222222"},
		),
	}
}

func unchanged() tia.UnitIndex {
	return tia.NewUnitIndex(
		tia.Unit{Name: "com.example.A", Fingerprint: "11111111"},
		tia.Unit{Name: "com.example.B", Fingerprint: "22222222"},
		tia.Unit{Name: "com.example.C", Fingerprint: "33333333"},
	)
}

func TestPredict(t *testing.T) {
	changedB := unchanged()
	changedB["com.example.B"] = "44444444"

	removedA := unchanged()
	delete(removedA, "com.example.A")

	both := unchanged()
	both["com.example.A"] = "55555555"
	both["com.example.B"] = "66666666"

	tests := []struct {
		name     string
		in       Input
		want     Prediction
		reason   Reason
		wantUnit string
	}{
		{
			name:   "no snapshot",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), DependencySet: depSet, Snapshot: tia.NotFound},
			want:   Execute,
			reason: ReasonNoImpactAnalysis,
		},
		{
			name:   "nil snapshot",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), DependencySet: depSet},
			want:   Execute,
			reason: ReasonNoImpactAnalysis,
		},
		{
			name:   "unknown test",
			in:     Input{Test: "com.example.NewTest", Current: unchanged(), DependencySet: depSet, Snapshot: snapshot(fooEntry())},
			want:   Execute,
			reason: ReasonNoCoverageData,
		},
		{
			name:   "dependency set changed",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), DependencySet: "CAFEBABE", Snapshot: snapshot(fooEntry())},
			want:   Execute,
			reason: ReasonDependencySet,
		},
		{
			name:   "previously failed",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), DependencySet: depSet, Snapshot: snapshot(fooEntry()), Tags: tags.Set{tags.Failed}},
			want:   Execute,
			reason: ReasonPreviouslyFailed,
		},
		{
			name:     "covered unit changed",
			in:       Input{Test: "com.example.FooTest", Current: changedB, DependencySet: depSet, Snapshot: snapshot(fooEntry())},
			want:     Execute,
			reason:   ReasonCoveredChanged,
			wantUnit: "com.example.B",
		},
		{
			name:     "covered unit removed",
			in:       Input{Test: "com.example.FooTest", Current: removedA, DependencySet: depSet, Snapshot: snapshot(fooEntry())},
			want:     Execute,
			reason:   ReasonCoveredRemoved,
			wantUnit: "com.example.A",
		},
		{
			name:     "first changed unit reported",
			in:       Input{Test: "com.example.FooTest", Current: both, DependencySet: depSet, Snapshot: snapshot(fooEntry())},
			want:     Execute,
			reason:   ReasonCoveredChanged,
			wantUnit: "com.example.A",
		},
		{
			name:   "unrelated unit changed",
			in:     Input{Test: "com.example.FooTest", Current: tia.UnitIndex{"com.example.A": "11111111", "com.example.B": "22222222", "com.example.C": "99999999"}, DependencySet: depSet, Snapshot: snapshot(fooEntry())},
			want:   Skip,
			reason: ReasonNoChange,
		},
		{
			name:   "stable",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), DependencySet: depSet, Snapshot: snapshot(fooEntry()), Tags: tags.Set{tags.Passed}},
			want:   Skip,
			reason: ReasonNoChange,
		},
		{
			name:   "always execute dominates a matching snapshot",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), DependencySet: depSet, Snapshot: snapshot(fooEntry()), Tags: tags.Set{tags.Passed, tags.AlwaysExecute}},
			want:   AlwaysExecute,
			reason: ReasonTagged,
		},
		{
			name:   "always execute dominates a missing snapshot",
			in:     Input{Test: "com.example.FooTest", Current: unchanged(), Snapshot: tia.NotFound, Tags: tags.Set{tags.Failed, tags.AlwaysExecute}},
			want:   AlwaysExecute,
			reason: ReasonTagged,
		},
		{
			name:   "dependency set checked before failure",
			in:     Input{Test: "com.example.FooTest", Current: changedB, DependencySet: "CAFEBABE", Snapshot: snapshot(fooEntry()), Tags: tags.Set{tags.Failed}},
			want:   Execute,
			reason: ReasonDependencySet,
		},
		{
			name:   "failure checked before coverage",
			in:     Input{Test: "com.example.FooTest", Current: changedB, DependencySet: depSet, Snapshot: snapshot(fooEntry()), Tags: tags.Set{tags.Failed}},
			want:   Execute,
			reason: ReasonPreviouslyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Predict(tt.in)
			if got.Prediction != tt.want {
				t.Errorf("expected prediction %s, got %s", tt.want, got.Prediction)
			}
			if got.Reason != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, got.Reason)
			}
			if got.Unit != tt.wantUnit {
				t.Errorf("expected unit %q, got %q", tt.wantUnit, got.Unit)
			}
		})
	}
}

func TestPredictNotFoundAlwaysExecutes(t *testing.T) {
	indexes := []tia.UnitIndex{nil, {}, unchanged()}
	for _, ix := range indexes {
		for _, test := range []string{"a.FooTest", "b.BarTest", ""} {
			got := Predict(Input{Test: test, Current: ix, DependencySet: depSet, Snapshot: tia.NotFound})
			if got.Prediction != Execute || got.Reason != ReasonNoImpactAnalysis {
				t.Errorf("test %q: expected EXECUTE/NO_IMPACT_ANALYSIS, got %s", test, got)
			}
		}
	}
}

func TestPredictIsIdempotent(t *testing.T) {
	changed := unchanged()
	changed["com.example.B"] = "44444444"
	in := Input{Test: "com.example.FooTest", Current: changed, DependencySet: depSet, Snapshot: snapshot(fooEntry())}

	first := Predict(in)
	second := Predict(in)
	if first != second {
		t.Errorf("expected identical results, got %s and %s", first, second)
	}
}

func TestResultString(t *testing.T) {
	r := Result{Prediction: Execute, Reason: ReasonCoveredChanged, Unit: "com.example.B"}
	if got := r.String(); got != "EXECUTE (COVERED_UNIT_CHANGED: com.example.B)" {
		t.Errorf("unexpected string %q", got)
	}
	if !r.Run() {
		t.Error("EXECUTE should run")
	}
	if (Result{Prediction: Skip, Reason: ReasonNoChange}).Run() {
		t.Error("SKIP should not run")
	}
}
