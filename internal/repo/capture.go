package repo

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// captureMagic opens every capture frame:
//
//	"CAP1" | uint16 len | test | uint16 len | depSet | int64 capturedAt | record
//
// All integers are big-endian. The frame is zstd-compressed as a whole.
var captureMagic = []byte("CAP1")

// Capture is a temporary per-build coverage capture of one test.
type Capture struct {
	Key           string
	Test          string
	DependencySet string
	// CapturedAt is in milliseconds since epoch.
	CapturedAt int64
	Record     []byte
}

// SaveCapture stores the raw coverage record of test, run with the
// dependency set depSet, as a temporary capture. A second capture for the
// same test and dependency set replaces the first.
func (r *Repository) SaveCapture(ctx context.Context, test, depSet string, record []byte) (string, error) {
	if test == "" {
		return "", fmt.Errorf("capture without test name")
	}
	if len(test) > math.MaxUint16 || len(depSet) > math.MaxUint16 {
		return "", fmt.Errorf("capture name too long")
	}
	key := CaptureKey(test, depSet)
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	c := Capture{Key: key, Test: test, DependencySet: depSet, CapturedAt: r.Now(), Record: record}
	data, err := compress(encodeCapture(c))
	if err != nil {
		return "", storageErr("encode", key, err)
	}
	if err := r.backend.Put(ctx, key, data); err != nil {
		return "", storageErr("put", key, err)
	}
	r.log.Debug("capture saved", "test", test, "dependencySet", depSet, "bytes", len(record))
	return key, nil
}

// CaptureKeys lists the keys of all temporary captures.
func (r *Repository) CaptureKeys(ctx context.Context) ([]string, error) {
	keys, err := r.backend.List(ctx, CapturePrefix)
	if err != nil {
		return nil, storageErr("list", CapturePrefix, err)
	}
	return keys, nil
}

// ReadCapture loads the capture stored at key. A frame that cannot be
// decoded yields a StorageError wrapping ErrMalformedCapture.
func (r *Repository) ReadCapture(ctx context.Context, key string) (*Capture, error) {
	data, err := r.backend.Get(ctx, key)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, storageErr("decode", key, fmt.Errorf("%w: %v", ErrMalformedCapture, err))
	}
	c, err := decodeCapture(raw)
	if err != nil {
		return nil, storageErr("decode", key, err)
	}
	c.Key = key
	return c, nil
}

// Captures loads every capture whose dependency set is one of depSets, or
// every capture when depSets is empty. Malformed captures are skipped.
func (r *Repository) Captures(ctx context.Context, depSets ...string) ([]*Capture, error) {
	keys, err := r.CaptureKeys(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(depSets))
	for _, d := range depSets {
		want[d] = true
	}

	var out []*Capture
	for _, key := range keys {
		_, depSet, err := ParseCaptureKey(key)
		if err != nil {
			r.log.Warn("ignoring capture", "key", key, "error", err)
			continue
		}
		if len(want) > 0 && !want[depSet] {
			continue
		}
		c, err := r.ReadCapture(ctx, key)
		if errors.Is(err, ErrMalformedCapture) {
			r.log.Warn("ignoring capture", "key", key, "error", err)
			continue
		}
		if errors.Is(err, ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCapture removes the capture at key. Deleting twice is not an error.
func (r *Repository) DeleteCapture(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, CapturePrefix) {
		return fmt.Errorf("not a capture key: %q", key)
	}
	if err := r.backend.Delete(ctx, key); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

// DiscardCaptures removes every temporary capture and returns how many
// were removed.
func (r *Repository) DiscardCaptures(ctx context.Context) (int, error) {
	keys, err := r.CaptureKeys(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := r.DeleteCapture(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func encodeCapture(c Capture) []byte {
	var buf bytes.Buffer
	buf.Write(captureMagic)
	var n [8]byte
	binary.BigEndian.PutUint16(n[:2], uint16(len(c.Test)))
	buf.Write(n[:2])
	buf.WriteString(c.Test)
	binary.BigEndian.PutUint16(n[:2], uint16(len(c.DependencySet)))
	buf.Write(n[:2])
	buf.WriteString(c.DependencySet)
	binary.BigEndian.PutUint64(n[:], uint64(c.CapturedAt))
	buf.Write(n[:])
	buf.Write(c.Record)
	return buf.Bytes()
}

func decodeCapture(data []byte) (*Capture, error) {
	if !bytes.HasPrefix(data, captureMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedCapture)
	}
	rest := data[len(captureMagic):]

	readString := func(what string) (string, error) {
		if len(rest) < 2 {
			return "", fmt.Errorf("%w: truncated %s length", ErrMalformedCapture, what)
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return "", fmt.Errorf("%w: truncated %s", ErrMalformedCapture, what)
		}
		s := string(rest[:n])
		rest = rest[n:]
		return s, nil
	}

	test, err := readString("test name")
	if err != nil {
		return nil, err
	}
	depSet, err := readString("dependency set")
	if err != nil {
		return nil, err
	}
	if len(rest) < 8 {
		return nil, fmt.Errorf("%w: truncated timestamp", ErrMalformedCapture)
	}
	capturedAt := int64(binary.BigEndian.Uint64(rest))
	rest = rest[8:]

	return &Capture{
		Test:          test,
		DependencySet: depSet,
		CapturedAt:    capturedAt,
		Record:        append([]byte(nil), rest...),
	}, nil
}
