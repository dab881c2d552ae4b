// Package repo stores snapshots, coverage records, temporary captures,
// dependency sets and the tag and prediction logs over a pluggable Backend.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNotExist is returned by a Backend when a key is absent.
	ErrNotExist = errors.New("artifact does not exist")
	// ErrLatestSnapshot is returned when deleting the snapshot "latest" points to.
	ErrLatestSnapshot = errors.New("snapshot is the latest snapshot")
	// ErrMalformedCapture is returned for a temporary capture whose frame
	// cannot be decoded.
	ErrMalformedCapture = errors.New("malformed capture")
)

// Backend is the storage capability a Repository is built on. Keys are
// slash-separated paths; implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value stored at key, or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data at key. Readers see either the old or the new value,
	// never a partial one.
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent stores data at key unless the key exists, in which case it
	// does nothing.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	// Append adds line and a trailing newline to the value at key, creating
	// it if needed.
	Append(ctx context.Context, key string, line string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// StorageError reports an I/O failure on an artifact.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, key string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Repository groups the artifact namespaces over a Backend.
type Repository struct {
	backend Backend
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock sets the time source used for capture and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Repository over backend.
func New(backend Backend, opts ...Option) *Repository {
	r := &Repository{
		backend: backend,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backend returns the underlying backend.
func (r *Repository) Backend() Backend {
	return r.backend
}

// Now returns the repository clock's current time in milliseconds.
func (r *Repository) Now() int64 {
	return r.now().UnixMilli()
}

// Clean removes every artifact.
func (r *Repository) Clean(ctx context.Context) error {
	keys, err := r.backend.List(ctx, "")
	if err != nil {
		return storageErr("list", "", err)
	}
	for _, key := range keys {
		if err := r.backend.Delete(ctx, key); err != nil {
			return storageErr("delete", key, err)
		}
	}
	r.log.Info("repository cleaned", "artifacts", len(keys))
	return nil
}

// Close closes the backend.
func (r *Repository) Close() error {
	return r.backend.Close()
}

func compress(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}
	return compressed.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	out, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}
