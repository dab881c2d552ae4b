package repo

import (
	"fmt"
	"net/url"
	"strings"
)

// Storage layout.
const (
	LatestKey           = "latest-pointer"
	SnapshotPrefix      = "snapshot/"
	RecordPrefix        = "record/"
	CapturePrefix       = "temp-capture/"
	DependencySetPrefix = "dependency-set/"
	TagsLogKey          = "tags-log"
	PredictionsLogKey   = "predictions-log"
)

// SnapshotKey returns the key of snapshot id.
func SnapshotKey(id string) string { return SnapshotPrefix + id }

// RecordKey returns the key of execution record id.
func RecordKey(id string) string { return RecordPrefix + id }

// DependencySetKey returns the key of the dependency set with fingerprint fp.
func DependencySetKey(fp string) string { return DependencySetPrefix + fp }

// CaptureKey returns the temporary capture key for test run with the
// dependency set depSet. The test name is path-escaped so that it stays a
// single key segment.
func CaptureKey(test, depSet string) string {
	return CapturePrefix + url.PathEscape(test) + "." + depSet
}

// ParseCaptureKey splits a capture key into test name and dependency-set
// fingerprint.
func ParseCaptureKey(key string) (test, depSet string, err error) {
	rest, ok := strings.CutPrefix(key, CapturePrefix)
	if !ok {
		return "", "", fmt.Errorf("not a capture key: %q", key)
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 {
		return "", "", fmt.Errorf("capture key without dependency set: %q", key)
	}
	test, err = url.PathUnescape(rest[:i])
	if err != nil {
		return "", "", fmt.Errorf("capture key %q: %w", key, err)
	}
	return test, rest[i+1:], nil
}

// ValidateKey rejects keys a Backend must never see.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}
