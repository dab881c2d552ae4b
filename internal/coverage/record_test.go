package coverage

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleRecord() *Record {
	return &Record{
		Sessions: []Session{{ID: "host-1234", Start: 1000, Dump: 2000}},
		Classes: []Class{
			{ID: 0x2A, Name: "com/example/Foo", Probes: []bool{true, false, false}},
			{ID: 0x10, Name: "com/example/Bar$Inner", Probes: []bool{false, false, false, false, false, false, false, false, true}},
			{ID: 0x33, Name: "com/example/Unused", Probes: []bool{false, false}},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	rec := sampleRecord()
	raw := Encode(rec)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCoveredUnits(t *testing.T) {
	names, err := CoveredUnits(Encode(sampleRecord()))
	if err != nil {
		t.Fatalf("CoveredUnits failed: %v", err)
	}

	want := []string{"com.example.Bar$Inner", "com.example.Foo"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("covered units mismatch (-want +got):\n%s", diff)
	}
}

func TestCoveredUnitsHeaderOnly(t *testing.T) {
	names, err := CoveredUnits(Encode(&Record{}))
	if err != nil {
		t.Fatalf("CoveredUnits failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no covered units, got %v", names)
	}
}

func TestRecordIDIgnoresSessionsAndOrder(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.Sessions = []Session{{ID: "other-host", Start: 5, Dump: 6}}
	b.Classes[0], b.Classes[2] = b.Classes[2], b.Classes[0]

	idA, err := RecordID(Encode(a))
	if err != nil {
		t.Fatalf("RecordID failed: %v", err)
	}
	idB, err := RecordID(Encode(b))
	if err != nil {
		t.Fatalf("RecordID failed: %v", err)
	}
	if idA != idB {
		t.Errorf("expected equal ids, got %s and %s", idA, idB)
	}
	if len(idA) != 32 {
		t.Errorf("expected 32-char id, got %q", idA)
	}

	c := sampleRecord()
	c.Classes[2].Probes[0] = true
	idC, _ := RecordID(Encode(c))
	if idC == idA {
		t.Error("different coverage produced same id")
	}
}

func TestMerge(t *testing.T) {
	first := Encode(&Record{
		Sessions: []Session{{ID: "a", Start: 10, Dump: 20}},
		Classes:  []Class{{ID: 1, Name: "com/example/Foo", Probes: []bool{true, false}}},
	})
	second := Encode(&Record{
		Sessions: []Session{{ID: "b", Start: 5, Dump: 30}},
		Classes: []Class{
			{ID: 1, Name: "com/example/Foo", Probes: []bool{false, true}},
			{ID: 2, Name: "com/example/Bar", Probes: []bool{true}},
		},
	})

	merged, err := Merge(first, second)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	rec, err := Parse(merged)
	if err != nil {
		t.Fatalf("Parse of merged record failed: %v", err)
	}

	want := &Record{
		Sessions: []Session{{ID: "merged", Start: 5, Dump: 30}},
		Classes: []Class{
			{ID: 1, Name: "com/example/Foo", Probes: []bool{true, true}},
			{ID: 2, Name: "com/example/Bar", Probes: []bool{true}},
		},
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("merged record mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeIncompatible(t *testing.T) {
	a := Encode(&Record{Classes: []Class{{ID: 1, Name: "com/example/Foo", Probes: []bool{true}}}})
	b := Encode(&Record{Classes: []Class{{ID: 1, Name: "com/example/Foo", Probes: []bool{true, false}}}})

	_, err := Merge(a, b)
	var malformed *MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedRecordError, got %v", err)
	}
}

func TestMalformedRecordErrorNamesKey(t *testing.T) {
	err := &MalformedRecordError{Key: "captures/a.T", Offset: 3, Reason: "truncated"}
	want := "malformed coverage record captures/a.T at offset 3: truncated"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestConflictingClassEntries(t *testing.T) {
	raw := Encode(&Record{Classes: []Class{
		{ID: 1, Name: "com/example/Foo", Probes: []bool{true}},
		{ID: 1, Name: "com/example/Foo", Probes: []bool{true, false}},
	}})
	if _, err := Parse(raw); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, err := RecordID(raw)
	var malformed *MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedRecordError, got %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	valid := Encode(sampleRecord())

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{BlockHeader, 0xCA, 0xFE, 0x10, 0x07}},
		{"bad version", []byte{BlockHeader, 0xC0, 0xC0, 0x10, 0x06}},
		{"truncated header", []byte{BlockHeader, 0xC0}},
		{"unknown block", append(Encode(&Record{}), 0x7F)},
		{"execution before header", []byte{BlockExecution, 0, 0, 0, 0, 0, 0, 0, 1}},
		{"truncated body", valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			var malformed *MalformedRecordError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedRecordError, got %v", err)
			}
			if malformed.Error() == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestProbePacking(t *testing.T) {
	probes := make([]bool, 17)
	probes[0], probes[8], probes[16] = true, true, true
	raw := Encode(&Record{Classes: []Class{{ID: 7, Name: "a/B", Probes: probes}}})

	// header(5) + block(1) + id(8) + utf(2+3) + varint(1) + 3 probe bytes
	if len(raw) != 5+1+8+5+1+3 {
		t.Fatalf("unexpected encoded length %d", len(raw))
	}
	if raw[len(raw)-3] != 0x01 || raw[len(raw)-2] != 0x01 || raw[len(raw)-1] != 0x01 {
		t.Errorf("unexpected probe bytes % x", raw[len(raw)-3:])
	}
}
