package tia

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"skippy/internal/tags"
)

func entry(name, depSet string, units ...Unit) TestEntry {
	return TestEntry{
		Name:          name,
		DependencySet: depSet,
		ExecutionID:   strings.Repeat("A", 32),
		Tags:          tags.Set{tags.Passed},
		Covered:       NewCoverageSet(units...),
	}
}

func TestNotFound(t *testing.T) {
	if !NotFound.IsNotFound() {
		t.Fatal("NotFound should report IsNotFound")
	}
	if NotFound.Len() != 0 {
		t.Errorf("expected empty snapshot, got %d tests", NotFound.Len())
	}
	if _, ok := NotFound.Lookup("com.example.FooTest"); ok {
		t.Error("NotFound lookup should miss")
	}
	if NotFound.Tests() != nil {
		t.Error("NotFound should have no tests")
	}
	var nilSnap *Snapshot
	if !nilSnap.IsNotFound() || nilSnap.Len() != 0 {
		t.Error("nil snapshot should behave as NotFound")
	}
}

func TestNewCoverageSet(t *testing.T) {
	got := NewCoverageSet(
		Unit{"com.example.B", "22222222"},
		Unit{"com.example.A", "11111111"},
		Unit{"com.example.B", "33333333"},
	)
	want := CoverageSet{{"com.example.A", "11111111"}, {"com.example.B", "22222222"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestUnitIndexCoverage(t *testing.T) {
	ix := NewUnitIndex(Unit{"a.Foo", "11111111"}, Unit{"a.Bar", "22222222"})
	set, unknown := ix.Coverage([]string{"a.Foo", "a.Missing", "a.Bar"})

	want := CoverageSet{{"a.Bar", "22222222"}, {"a.Foo", "11111111"}}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.Missing"}, unknown); diff != "" {
		t.Errorf("unknown mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	e := entry("a.FooTest", "DEADBEEF", Unit{"a.Foo", "11111111"})
	s := New("v1", 1, []TestEntry{e})

	// Mutating the input must not leak into the snapshot.
	e.Covered[0].Fingerprint = "99999999"
	got, ok := s.Lookup("a.FooTest")
	if !ok {
		t.Fatal("expected entry")
	}
	if got.Covered[0].Fingerprint != "11111111" {
		t.Errorf("snapshot was mutated through its input: %v", got.Covered)
	}

	// Mutating a lookup result must not leak either.
	got.Covered[0].Fingerprint = "88888888"
	again, _ := s.Lookup("a.FooTest")
	if again.Covered[0].Fingerprint != "11111111" {
		t.Errorf("snapshot was mutated through a lookup: %v", again.Covered)
	}
}

func TestMergeOverwrites(t *testing.T) {
	prev := New("v1", 1, []TestEntry{
		entry("a.FooTest", "DEADBEEF", Unit{"a.Foo", "11111111"}, Unit{"a.Old", "44444444"}),
		entry("a.BarTest", "DEADBEEF", Unit{"a.Bar", "22222222"}),
		entry("a.GoneTest", "DEADBEEF", Unit{"a.Gone", "55555555"}),
	})

	updated := entry("a.FooTest", "DEADBEEF", Unit{"a.Foo", "33333333"})
	next := Merge(prev, []TestEntry{updated}, []string{"a.GoneTest"}, "v2", 2)

	if next.ID() != "v2" || next.CreatedAt() != 2 {
		t.Errorf("unexpected identity %s/%d", next.ID(), next.CreatedAt())
	}
	foo, _ := next.Lookup("a.FooTest")
	if diff := cmp.Diff(CoverageSet{{"a.Foo", "33333333"}}, foo.Covered); diff != "" {
		t.Errorf("FooTest should be fully replaced (-want +got):\n%s", diff)
	}
	bar, ok := next.Lookup("a.BarTest")
	if !ok || bar.Covered[0].Fingerprint != "22222222" {
		t.Errorf("BarTest should be retained, got %+v", bar)
	}
	if _, ok := next.Lookup("a.GoneTest"); ok {
		t.Error("GoneTest should be dropped")
	}

	// The previous snapshot is untouched.
	old, _ := prev.Lookup("a.FooTest")
	if len(old.Covered) != 2 {
		t.Errorf("previous snapshot changed: %+v", old)
	}
}

func TestMergeFromNotFound(t *testing.T) {
	next := Merge(NotFound, []TestEntry{entry("a.FooTest", "DEADBEEF")}, nil, "v1", 1)
	if next.Len() != 1 || next.IsNotFound() {
		t.Errorf("unexpected snapshot: len=%d notFound=%v", next.Len(), next.IsNotFound())
	}
	if next.DependencySet() != "DEADBEEF" {
		t.Errorf("expected shared dependency set, got %q", next.DependencySet())
	}
}

func TestDependencySetMixed(t *testing.T) {
	s := New("v1", 1, []TestEntry{
		entry("a.FooTest", "DEADBEEF"),
		entry("a.BarTest", "CAFEBABE"),
	})
	if s.DependencySet() != "" {
		t.Errorf("expected no common dependency set, got %q", s.DependencySet())
	}
}

func TestEncodeDecode(t *testing.T) {
	s := New("0190a1b2-0000-7000-8000-000000000000", 1700000000000, []TestEntry{
		entry("a.FooTest", "DEADBEEF", Unit{"a.Foo", "11111111"}, Unit{"a.Shared", "22222222"}),
		entry("a.BarTest", "DEADBEEF", Unit{"a.Shared", "22222222"}),
		{Name: "a.EmptyTest", DependencySet: "DEADBEEF", Tags: tags.Set{tags.Failed, tags.AlwaysExecute}},
	})

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	again, err := Encode(s)
	if err != nil || string(again) != string(data) {
		t.Fatal("Encode is not deterministic")
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.ID() != s.ID() || got.CreatedAt() != s.CreatedAt() || got.DependencySet() != s.DependencySet() {
		t.Errorf("identity mismatch: %s/%d/%s", got.ID(), got.CreatedAt(), got.DependencySet())
	}
	if diff := cmp.Diff(s.Tests(), got.Tests()); diff != "" {
		t.Errorf("tests mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeNotFound(t *testing.T) {
	if _, err := Encode(NotFound); err == nil {
		t.Error("expected error encoding NotFound")
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"missing id", `{"units":[],"tests":[]}`},
		{"bad index", `{"id":"v1","units":[],"tests":[{"name":"a.T","covered":[0]}]}`},
		{"bad tag", `{"id":"v1","units":[],"tests":[{"name":"a.T","tags":["NOPE"],"covered":[]}]}`},
		{"unnamed test", `{"id":"v1","units":[],"tests":[{"covered":[]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Errorf("expected error for %s", tt.data)
			}
		})
	}
}

func TestNewVersionIDOrdering(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = NewVersionID()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	if diff := cmp.Diff(ids, sorted); diff != "" {
		t.Errorf("version ids are not time ordered (-created +sorted):\n%s", diff)
	}
}

func TestExecutionIDs(t *testing.T) {
	a := entry("a.FooTest", "DEADBEEF")
	b := entry("a.BarTest", "DEADBEEF")
	c := entry("a.BazTest", "DEADBEEF")
	c.ExecutionID = strings.Repeat("B", 32)
	s := New("v1", 1, []TestEntry{a, b, c})

	want := []string{strings.Repeat("A", 32), strings.Repeat("B", 32)}
	if diff := cmp.Diff(want, s.ExecutionIDs()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
