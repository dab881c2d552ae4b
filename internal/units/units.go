// Package units discovers the compiled units of a project and resolves the
// dependency set a build runs with.
package units

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"skippy/internal/fingerprint"
	"skippy/internal/tia"
)

// DefaultPattern selects compiled class files below an output directory.
const DefaultPattern = "**/*.class"

// Collector supplies the current compiled units of a project.
type Collector interface {
	Units(ctx context.Context) ([]tia.Unit, error)
}

// Index collects units from c into a tia.UnitIndex.
func Index(ctx context.Context, c Collector) (tia.UnitIndex, error) {
	units, err := c.Units(ctx)
	if err != nil {
		return nil, err
	}
	return tia.NewUnitIndex(units...), nil
}

// DirCollector fingerprints the compiled files found under a list of
// output directories.
type DirCollector struct {
	dirs    []string
	pattern string
}

// Option configures a DirCollector.
type Option func(*DirCollector)

// WithPattern sets the doublestar pattern selecting compiled files,
// relative to each directory.
func WithPattern(p string) Option {
	return func(c *DirCollector) {
		if p != "" {
			c.pattern = p
		}
	}
}

// NewDirCollector creates a collector over dirs. Earlier directories take
// precedence when two contain a unit of the same name, as on a classpath.
func NewDirCollector(dirs []string, opts ...Option) (*DirCollector, error) {
	c := &DirCollector{pattern: DefaultPattern}
	for _, opt := range opts {
		opt(c)
	}
	if !doublestar.ValidatePattern(c.pattern) {
		return nil, fmt.Errorf("invalid unit pattern %q", c.pattern)
	}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("getting absolute path: %w", err)
		}
		c.dirs = append(c.dirs, abs)
	}
	return c, nil
}

// Units walks every directory. A missing directory contributes nothing.
func (c *DirCollector) Units(ctx context.Context) ([]tia.Unit, error) {
	seen := make(map[string]bool)
	var units []tia.Unit

	for _, dir := range c.dirs {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}

		fsys := os.DirFS(dir)
		matches, err := doublestar.Glob(fsys, c.pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		for _, rel := range matches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name := QualifiedName(rel)
			if name == "" || seen[name] {
				continue
			}
			data, err := fs.ReadFile(fsys, rel)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", rel, err)
			}
			seen[name] = true
			units = append(units, tia.Unit{Name: name, Fingerprint: fingerprint.Of(data)})
		}
	}
	return tia.NewCoverageSet(units...), nil
}

// QualifiedName converts a slash-separated path of a compiled file,
// relative to its output directory, into a dotted unit name:
// "com/example/Foo$Bar.class" becomes "com.example.Foo$Bar".
func QualifiedName(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	rel = strings.Trim(rel, "/")
	return strings.ReplaceAll(rel, "/", ".")
}

// ResolveDependencySet turns the dependency entries of a build into the
// list that identifies its dependency set: entries inside root, relative
// to root with forward slashes, in their original order. Entries outside
// the project are dropped.
func ResolveDependencySet(root string, entries []string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if e == "" {
			continue
		}
		p := e
		if !filepath.IsAbs(p) {
			p = filepath.Join(absRoot, p)
		}
		rel, err := filepath.Rel(absRoot, filepath.Clean(p))
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		out = append(out, rel)
	}
	return out, nil
}

// SplitPathList splits an OS path list such as a classpath.
func SplitPathList(list string) []string {
	if list == "" {
		return nil
	}
	return filepath.SplitList(list)
}
