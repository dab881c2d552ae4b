package tags

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule attaches a tag to every test whose qualified name matches one of
// its patterns. Patterns are doublestar globs over dotted names, with "."
// acting as the separator: "com.example.**.*IT" matches any test class
// ending in IT below com.example.
type Rule struct {
	Tag      Tag      `yaml:"tag"`
	Patterns []string `yaml:"patterns"`
}

// RulesConfig holds tag rules as read from YAML.
type RulesConfig struct {
	Rules []Rule `yaml:"rules"`
}

// Matcher matches test names to tags.
type Matcher struct {
	rules []Rule
}

// NewMatcher creates a matcher from rules. Invalid patterns are reported.
func NewMatcher(rules []Rule) (*Matcher, error) {
	for _, r := range rules {
		if _, err := Parse(string(r.Tag)); err != nil {
			return nil, err
		}
		for _, p := range r.Patterns {
			if !doublestar.ValidatePattern(toPath(p)) {
				return nil, fmt.Errorf("invalid pattern %q for tag %s", p, r.Tag)
			}
		}
	}
	return &Matcher{rules: rules}, nil
}

// AlwaysExecuteMatcher returns a matcher tagging the given patterns ALWAYS_EXECUTE.
func AlwaysExecuteMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		return &Matcher{}, nil
	}
	return NewMatcher([]Rule{{Tag: AlwaysExecute, Patterns: patterns}})
}

// LoadRules loads tag rules from a YAML file.
func LoadRules(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var config RulesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	return NewMatcher(config.Rules)
}

// Match returns the tags whose rules match test.
func (m *Matcher) Match(test string) []Tag {
	if m == nil {
		return nil
	}
	name := toPath(test)

	var matched []Tag
	for _, rule := range m.rules {
		for _, pattern := range rule.Patterns {
			ok, err := doublestar.Match(toPath(pattern), name)
			if err != nil {
				continue
			}
			if ok {
				matched = append(matched, rule.Tag)
				break
			}
		}
	}
	return matched
}

// Rules returns the configured rules.
func (m *Matcher) Rules() []Rule {
	if m == nil {
		return nil
	}
	return m.rules
}

func toPath(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}
