package tia

import (
	"encoding/json"
	"fmt"
	"sort"

	"skippy/internal/tags"
)

// Wire layout of a snapshot. Units are stored once in a table sorted by
// name; tests reference them by index.
type wireSnapshot struct {
	ID            string     `json:"id"`
	CreatedAt     int64      `json:"createdAt"`
	DependencySet string     `json:"dependencySet,omitempty"`
	Units         []wireUnit `json:"units"`
	Tests         []wireTest `json:"tests"`
}

type wireUnit struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type wireTest struct {
	Name          string   `json:"name"`
	DependencySet string   `json:"dependencySet,omitempty"`
	ExecutionID   string   `json:"executionId,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Covered       []int    `json:"covered"`
}

// Encode serializes s deterministically: the same snapshot always yields
// the same bytes.
func Encode(s *Snapshot) ([]byte, error) {
	if s.IsNotFound() {
		return nil, fmt.Errorf("cannot encode the not-found snapshot")
	}

	// Collect distinct (name, hash) pairs across tests.
	type key struct{ name, hash string }
	seen := make(map[key]bool)
	var units []wireUnit
	tests := s.Tests()
	for _, e := range tests {
		for _, u := range e.Covered {
			k := key{u.Name, u.Fingerprint}
			if !seen[k] {
				seen[k] = true
				units = append(units, wireUnit{Name: u.Name, Hash: u.Fingerprint})
			}
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].Name != units[j].Name {
			return units[i].Name < units[j].Name
		}
		return units[i].Hash < units[j].Hash
	})
	index := make(map[key]int, len(units))
	for i, u := range units {
		index[key{u.Name, u.Hash}] = i
	}

	w := wireSnapshot{
		ID:            s.id,
		CreatedAt:     s.createdAt,
		DependencySet: s.dependencySet,
		Units:         units,
		Tests:         make([]wireTest, 0, len(tests)),
	}
	if w.Units == nil {
		w.Units = []wireUnit{}
	}
	for _, e := range tests {
		wt := wireTest{
			Name:          e.Name,
			DependencySet: e.DependencySet,
			ExecutionID:   e.ExecutionID,
			Tags:          e.Tags.Strings(),
			Covered:       make([]int, len(e.Covered)),
		}
		if len(wt.Tags) == 0 {
			wt.Tags = nil
		}
		for i, u := range e.Covered {
			wt.Covered[i] = index[key{u.Name, u.Fingerprint}]
		}
		w.Tests = append(w.Tests, wt)
	}

	return json.Marshal(w)
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("parsing snapshot: missing id")
	}

	entries := make([]TestEntry, 0, len(w.Tests))
	for _, wt := range w.Tests {
		if wt.Name == "" {
			return nil, fmt.Errorf("parsing snapshot %s: test without name", w.ID)
		}
		e := TestEntry{
			Name:          wt.Name,
			DependencySet: wt.DependencySet,
			ExecutionID:   wt.ExecutionID,
		}
		var ts []tags.Tag
		for _, raw := range wt.Tags {
			t, err := tags.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("parsing snapshot %s: test %s: %w", w.ID, wt.Name, err)
			}
			ts = append(ts, t)
		}
		if len(ts) > 0 {
			e.Tags = tags.NewSet(ts...)
		}
		units := make([]Unit, 0, len(wt.Covered))
		for _, idx := range wt.Covered {
			if idx < 0 || idx >= len(w.Units) {
				return nil, fmt.Errorf("parsing snapshot %s: test %s references unit %d of %d", w.ID, wt.Name, idx, len(w.Units))
			}
			units = append(units, Unit{Name: w.Units[idx].Name, Fingerprint: w.Units[idx].Hash})
		}
		e.Covered = NewCoverageSet(units...)
		entries = append(entries, e)
	}

	return New(w.ID, w.CreatedAt, entries), nil
}
