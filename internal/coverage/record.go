// Package coverage interprets raw coverage execution records.
//
// Records use the JaCoCo execution data layout. A record is a sequence of
// blocks, each introduced by a one-byte block type:
//
//	0x01 header:    magic (uint16 0xC0C0), format version (uint16 0x1007)
//	0x10 session:   id (UTF), start time (int64), dump time (int64)
//	0x11 execution: class id (int64), class name (UTF), probes (bool array)
//
// Integers are big-endian. UTF strings carry a uint16 byte length. Probe
// arrays carry a var-int probe count followed by the probes packed eight per
// byte, least significant bit first.
package coverage

import (
	"fmt"
	"sort"
	"strings"

	"skippy/internal/fingerprint"
)

const (
	BlockHeader    byte = 0x01
	BlockSession   byte = 0x10
	BlockExecution byte = 0x11

	Magic         uint16 = 0xC0C0
	FormatVersion uint16 = 0x1007
)

// Record is a decoded coverage execution record.
type Record struct {
	Sessions []Session
	Classes  []Class
}

// Session describes one coverage dump.
type Session struct {
	ID    string
	Start int64
	Dump  int64
}

// Class holds the probe hits of one compiled unit.
type Class struct {
	ID     int64
	Name   string // VM name, e.g. com/example/Foo$Bar
	Probes []bool
}

// Covered reports whether at least one probe of the class was hit.
func (c Class) Covered() bool {
	for _, p := range c.Probes {
		if p {
			return true
		}
	}
	return false
}

// QualifiedName returns the dotted name of the class (com.example.Foo$Bar).
func (c Class) QualifiedName() string {
	return strings.ReplaceAll(c.Name, "/", ".")
}

// MalformedRecordError reports a record whose byte layout cannot be parsed.
// Coverage derived from such a record must not be trusted.
type MalformedRecordError struct {
	// Key names the artifact holding the record, when known.
	Key    string
	Offset int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("malformed coverage record %s at offset %d: %s", e.Key, e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed coverage record at offset %d: %s", e.Offset, e.Reason)
}

// CoveredUnits returns the sorted qualified names of all compiled units
// with at least one probe hit in raw.
func CoveredUnits(raw []byte) ([]string, error) {
	rec, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return rec.CoveredUnits(), nil
}

// CoveredUnits returns the sorted, de-duplicated qualified names of covered classes.
func (r *Record) CoveredUnits() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range r.Classes {
		if !c.Covered() {
			continue
		}
		name := c.QualifiedName()
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordID returns a deterministic 32-character identifier for raw.
// Session blocks and class order do not contribute, so two dumps of the
// same coverage share an identifier.
func RecordID(raw []byte) (string, error) {
	rec, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return rec.ID()
}

// ID returns the identifier of the record (see RecordID).
func (r *Record) ID() (string, error) {
	classes, err := mergeClasses(r.Classes)
	if err != nil {
		return "", err
	}
	return fingerprint.Long(Encode(&Record{Classes: classes})), nil
}

// Merge OR-merges the probes of several raw records into one record.
// The result carries a single session spanning all input sessions.
func Merge(raws ...[]byte) ([]byte, error) {
	var all []Class
	session := Session{ID: "merged"}
	first := true
	for _, raw := range raws {
		rec, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		for _, s := range rec.Sessions {
			if first || s.Start < session.Start {
				session.Start = s.Start
			}
			if first || s.Dump > session.Dump {
				session.Dump = s.Dump
			}
			first = false
		}
		all = append(all, rec.Classes...)
	}

	classes, err := mergeClasses(all)
	if err != nil {
		return nil, err
	}
	return Encode(&Record{Sessions: []Session{session}, Classes: classes}), nil
}

// mergeClasses combines entries with the same class id and sorts by id.
func mergeClasses(classes []Class) ([]Class, error) {
	byID := make(map[int64]int)
	var out []Class
	for _, c := range classes {
		i, ok := byID[c.ID]
		if !ok {
			byID[c.ID] = len(out)
			out = append(out, Class{ID: c.ID, Name: c.Name, Probes: append([]bool(nil), c.Probes...)})
			continue
		}
		existing := &out[i]
		if existing.Name != c.Name || len(existing.Probes) != len(c.Probes) {
			return nil, &MalformedRecordError{
				Reason: fmt.Sprintf("incompatible execution data for class id %016x (%s)", c.ID, c.Name),
			}
		}
		for j, p := range c.Probes {
			existing.Probes[j] = existing.Probes[j] || p
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}
