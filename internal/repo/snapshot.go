package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"skippy/internal/coverage"
	"skippy/internal/tia"
)

// LatestSnapshot loads the snapshot "latest" points to. It returns
// tia.NotFound when no snapshot was ever published, or when the pointer
// dangles.
func (r *Repository) LatestSnapshot(ctx context.Context) (*tia.Snapshot, error) {
	id, err := r.LatestID(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return tia.NotFound, nil
	}

	s, ok, err := r.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.log.Warn("latest pointer references a missing snapshot", "snapshot", id)
		return tia.NotFound, nil
	}
	return s, nil
}

// LatestID returns the id "latest" points to, or "" when unset.
func (r *Repository) LatestID(ctx context.Context) (string, error) {
	data, err := r.backend.Get(ctx, LatestKey)
	if errors.Is(err, ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get", LatestKey, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Snapshot loads snapshot id.
func (r *Repository) Snapshot(ctx context.Context, id string) (*tia.Snapshot, bool, error) {
	key := SnapshotKey(id)
	data, err := r.backend.Get(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", key, err)
	}

	raw, err := decompress(data)
	if err != nil {
		return nil, false, storageErr("decode", key, err)
	}
	s, err := tia.Decode(raw)
	if err != nil {
		return nil, false, storageErr("decode", key, err)
	}
	return s, true, nil
}

// SaveSnapshot writes the body of s. It does not move "latest".
func (r *Repository) SaveSnapshot(ctx context.Context, s *tia.Snapshot) error {
	if s.IsNotFound() {
		return fmt.Errorf("cannot save the not-found snapshot")
	}
	key := SnapshotKey(s.ID())
	raw, err := tia.Encode(s)
	if err != nil {
		return storageErr("encode", key, err)
	}
	data, err := compress(raw)
	if err != nil {
		return storageErr("encode", key, err)
	}
	if err := r.backend.Put(ctx, key, data); err != nil {
		return storageErr("put", key, err)
	}
	r.log.Debug("snapshot saved", "snapshot", s.ID(), "tests", s.Len(), "bytes", len(data))
	return nil
}

// SetLatest points "latest" at snapshot id, which must already be stored.
func (r *Repository) SetLatest(ctx context.Context, id string) error {
	key := SnapshotKey(id)
	if _, err := r.backend.Get(ctx, key); err != nil {
		if errors.Is(err, ErrNotExist) {
			return storageErr("set latest", key, err)
		}
		return storageErr("get", key, err)
	}
	if err := r.backend.Put(ctx, LatestKey, []byte(id)); err != nil {
		return storageErr("put", LatestKey, err)
	}
	return nil
}

// ListSnapshots returns the stored snapshot ids, oldest first.
func (r *Repository) ListSnapshots(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, SnapshotPrefix)
}

// DeleteSnapshot removes snapshot id. The latest snapshot cannot be deleted.
func (r *Repository) DeleteSnapshot(ctx context.Context, id string) error {
	latest, err := r.LatestID(ctx)
	if err != nil {
		return err
	}
	key := SnapshotKey(id)
	if id == latest {
		return storageErr("delete", key, ErrLatestSnapshot)
	}
	if err := r.backend.Delete(ctx, key); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

// SaveRecord stores a raw coverage record under its content-derived id and
// returns the id. Saving the same record twice is a no-op. A record that
// cannot be parsed is rejected with a *coverage.MalformedRecordError.
func (r *Repository) SaveRecord(ctx context.Context, raw []byte) (string, error) {
	id, err := coverage.RecordID(raw)
	if err != nil {
		return "", err
	}
	key := RecordKey(id)
	data, err := compress(raw)
	if err != nil {
		return "", storageErr("encode", key, err)
	}
	if err := r.backend.PutIfAbsent(ctx, key, data); err != nil {
		return "", storageErr("put", key, err)
	}
	return id, nil
}

// Record loads the raw coverage record id.
func (r *Repository) Record(ctx context.Context, id string) ([]byte, bool, error) {
	key := RecordKey(id)
	data, err := r.backend.Get(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", key, err)
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, false, storageErr("decode", key, err)
	}
	return raw, true, nil
}

// ListRecords returns the stored record ids.
func (r *Repository) ListRecords(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, RecordPrefix)
}

// DeleteRecord removes record id.
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	key := RecordKey(id)
	if err := r.backend.Delete(ctx, key); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

func (r *Repository) listIDs(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.backend.List(ctx, prefix)
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, prefix))
	}
	return ids, nil
}
