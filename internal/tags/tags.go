// Package tags models test tags and folds the append-only tag log into the
// effective tag set of each test.
package tags

import (
	"fmt"
	"sort"
	"strings"
)

// Tag is a label attached to a test across build runs.
type Tag string

const (
	Passed        Tag = "PASSED"
	Failed        Tag = "FAILED"
	AlwaysExecute Tag = "ALWAYS_EXECUTE"
)

// Parse converts s into a known Tag.
func Parse(s string) (Tag, error) {
	switch t := Tag(strings.TrimSpace(s)); t {
	case Passed, Failed, AlwaysExecute:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tag %q", s)
	}
}

func (t Tag) isOutcome() bool {
	return t == Passed || t == Failed
}

// Set is an ordered set of tags. The outcome tag (PASSED or FAILED), if
// any, comes first; other tags follow in sorted order.
type Set []Tag

// NewSet builds a normalized Set. When several outcome tags are given the
// last one wins.
func NewSet(tags ...Tag) Set {
	var outcome Tag
	others := make(map[Tag]bool)
	for _, t := range tags {
		if t.isOutcome() {
			outcome = t
			continue
		}
		others[t] = true
	}
	return build(outcome, others)
}

// Has reports whether t is in the set.
func (s Set) Has(t Tag) bool {
	for _, x := range s {
		if x == t {
			return true
		}
	}
	return false
}

// With returns a new set that additionally contains tags.
func (s Set) With(tags ...Tag) Set {
	all := make([]Tag, 0, len(s)+len(tags))
	all = append(all, s...)
	all = append(all, tags...)
	return NewSet(all...)
}

// Strings returns the tag names.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = string(t)
	}
	return out
}

// Effective returns the set with a PASSED default inserted when no FAILED
// tag is present: a test with no recorded outcome is assumed to have passed.
func (s Set) Effective() Set {
	if s.Has(Failed) || s.Has(Passed) {
		return s
	}
	return append(Set{Passed}, s...)
}

func build(outcome Tag, others map[Tag]bool) Set {
	var s Set
	if outcome != "" {
		s = append(s, outcome)
	}
	rest := make([]string, 0, len(others))
	for t := range others {
		rest = append(rest, string(t))
	}
	sort.Strings(rest)
	for _, t := range rest {
		s = append(s, Tag(t))
	}
	return s
}

// Entry is one line of the tag log.
type Entry struct {
	Test string
	Tag  Tag
}

// FormatLine renders e as a "testName=TAG" log line.
func FormatLine(e Entry) string {
	return e.Test + "=" + string(e.Tag)
}

// ParseLine parses a "testName=TAG" log line.
func ParseLine(line string) (Entry, error) {
	trimmed := strings.TrimSpace(line)
	i := strings.LastIndexByte(trimmed, '=')
	if i <= 0 {
		return Entry{}, fmt.Errorf("invalid tag line %q", line)
	}
	test, tag := trimmed[:i], trimmed[i+1:]
	t, err := Parse(tag)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Test: test, Tag: t}, nil
}

// Fold folds log entries, in log order, into the effective set of every
// test that appears in the log. The most recent outcome wins; other tags
// accumulate.
func Fold(entries []Entry) map[string]Set {
	type state struct {
		outcome Tag
		others  map[Tag]bool
	}
	states := make(map[string]*state)
	for _, e := range entries {
		st, ok := states[e.Test]
		if !ok {
			st = &state{others: make(map[Tag]bool)}
			states[e.Test] = st
		}
		if e.Tag.isOutcome() {
			st.outcome = e.Tag
		} else {
			st.others[e.Tag] = true
		}
	}

	result := make(map[string]Set, len(states))
	for test, st := range states {
		result[test] = build(st.outcome, st.others).Effective()
	}
	return result
}
