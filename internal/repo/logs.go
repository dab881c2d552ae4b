package repo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"skippy/internal/fingerprint"
	"skippy/internal/predict"
	"skippy/internal/tags"
)

// SaveDependencySet stores the resolved dependency entries and returns
// their fingerprint. Entries are kept in the given order; order is part of
// the identity.
func (r *Repository) SaveDependencySet(ctx context.Context, entries []string) (string, error) {
	fp := fingerprint.Lines(entries)
	key := DependencySetKey(fp)
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	if err := r.backend.PutIfAbsent(ctx, key, buf.Bytes()); err != nil {
		return "", storageErr("put", key, err)
	}
	return fp, nil
}

// DependencySet loads the entries of the dependency set fp.
func (r *Repository) DependencySet(ctx context.Context, fp string) ([]string, bool, error) {
	key := DependencySetKey(fp)
	data, err := r.backend.Get(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", key, err)
	}
	return splitLines(data), true, nil
}

// AppendTag appends a tag for test to the tag log.
func (r *Repository) AppendTag(ctx context.Context, test string, tag tags.Tag) error {
	if _, err := tags.Parse(string(tag)); err != nil {
		return err
	}
	line := tags.FormatLine(tags.Entry{Test: test, Tag: tag})
	if err := r.backend.Append(ctx, TagsLogKey, line); err != nil {
		return storageErr("append", TagsLogKey, err)
	}
	return nil
}

// TagLog reads the tag log in append order. Lines that cannot be parsed,
// such as a torn final write, are skipped.
func (r *Repository) TagLog(ctx context.Context) ([]tags.Entry, error) {
	lines, err := r.readLog(ctx, TagsLogKey)
	if err != nil {
		return nil, err
	}
	entries := make([]tags.Entry, 0, len(lines))
	for _, line := range lines {
		e, err := tags.ParseLine(line)
		if err != nil {
			r.log.Warn("skipping tag log line", "line", line, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ResetTagLog empties the tag log.
func (r *Repository) ResetTagLog(ctx context.Context) error {
	if err := r.backend.Delete(ctx, TagsLogKey); err != nil {
		return storageErr("delete", TagsLogKey, err)
	}
	return nil
}

// PredictionEntry is one line of the predictions log.
type PredictionEntry struct {
	Test       string
	Prediction predict.Prediction
}

// AppendPrediction records the prediction made for test.
func (r *Repository) AppendPrediction(ctx context.Context, test string, p predict.Prediction) error {
	line := test + "," + string(p)
	if err := r.backend.Append(ctx, PredictionsLogKey, line); err != nil {
		return storageErr("append", PredictionsLogKey, err)
	}
	return nil
}

// PredictionLog reads the predictions log in append order.
func (r *Repository) PredictionLog(ctx context.Context) ([]PredictionEntry, error) {
	lines, err := r.readLog(ctx, PredictionsLogKey)
	if err != nil {
		return nil, err
	}
	entries := make([]PredictionEntry, 0, len(lines))
	for _, line := range lines {
		e, err := parsePredictionLine(line)
		if err != nil {
			r.log.Warn("skipping prediction log line", "line", line, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ResetPredictionLog empties the predictions log.
func (r *Repository) ResetPredictionLog(ctx context.Context) error {
	if err := r.backend.Delete(ctx, PredictionsLogKey); err != nil {
		return storageErr("delete", PredictionsLogKey, err)
	}
	return nil
}

func parsePredictionLine(line string) (PredictionEntry, error) {
	i := strings.LastIndexByte(line, ',')
	if i <= 0 {
		return PredictionEntry{}, fmt.Errorf("invalid prediction line %q", line)
	}
	p := predict.Prediction(line[i+1:])
	switch p {
	case predict.Execute, predict.AlwaysExecute, predict.Skip:
	default:
		return PredictionEntry{}, fmt.Errorf("unknown prediction %q", line[i+1:])
	}
	return PredictionEntry{Test: line[:i], Prediction: p}, nil
}

func (r *Repository) readLog(ctx context.Context, key string) ([]string, error) {
	data, err := r.backend.Get(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return splitLines(data), nil
}

func splitLines(data []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
