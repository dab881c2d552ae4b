// Package gcsstore provides a Google Cloud Storage repo.Backend: one object
// per key under an optional prefix of a bucket.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"skippy/internal/repo"
)

// maxAppendRetries bounds the read-modify-write attempts of an append that
// keeps losing generation races.
const maxAppendRetries = 10

// Config configures the store.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "ci/main".
	Prefix string
	// CredentialsFile is a service account key; empty uses application
	// default credentials (or STORAGE_EMULATOR_HOST).
	CredentialsFile string
}

// Store is a GCS-backed repo.Backend.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	owned  bool
}

// Open creates a storage client and returns a store over cfg.Bucket.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	s := New(client, cfg.Bucket, cfg.Prefix)
	s.owned = true
	return s, nil
}

// New returns a store using an existing client. Close does not close it.
func New(client *storage.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: client.Bucket(bucket), prefix: normalizePrefix(prefix)}
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return prefix
}

func (s *Store) objectName(key string) string {
	return s.prefix + key
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.read(ctx, s.bucket.Object(s.objectName(key)))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, repo.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading gs object %s: %w", s.objectName(key), err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := repo.ValidateKey(key); err != nil {
		return err
	}
	if err := s.write(ctx, s.bucket.Object(s.objectName(key)), data); err != nil {
		return fmt.Errorf("writing gs object %s: %w", s.objectName(key), err)
	}
	return nil
}

// PutIfAbsent writes with a DoesNotExist precondition; losing the race is
// not an error.
func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := repo.ValidateKey(key); err != nil {
		return err
	}
	obj := s.bucket.Object(s.objectName(key)).If(storage.Conditions{DoesNotExist: true})
	err := s.write(ctx, obj, data)
	if err != nil && !isPreconditionFailed(err) {
		return fmt.Errorf("writing gs object %s: %w", s.objectName(key), err)
	}
	return nil
}

// Append rewrites the object conditioned on the generation it read, and
// retries when another writer got in between.
func (s *Store) Append(ctx context.Context, key string, line string) error {
	if err := repo.ValidateKey(key); err != nil {
		return err
	}
	name := s.objectName(key)
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		obj := s.bucket.Object(name)
		current, gen, err := s.read(ctx, obj)
		switch {
		case errors.Is(err, storage.ErrObjectNotExist):
			obj = obj.If(storage.Conditions{DoesNotExist: true})
		case err != nil:
			return fmt.Errorf("reading gs object %s: %w", name, err)
		default:
			obj = obj.If(storage.Conditions{GenerationMatch: gen})
		}

		err = s.write(ctx, obj, append(current, line+"\n"...))
		if isPreconditionFailed(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("appending to gs object %s: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("appending to gs object %s: too many concurrent writers", name)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting gs object %s: %w", s.objectName(key), err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs objects %s: %w", s.prefix+prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) read(ctx context.Context, obj *storage.ObjectHandle) ([]byte, int64, error) {
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return data, r.Attrs.Generation, nil
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
