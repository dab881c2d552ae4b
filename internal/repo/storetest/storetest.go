// Package storetest checks that a repo.Backend honors the Backend contract.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"skippy/internal/repo"
)

// Run runs the conformance suite. open must return a fresh, empty backend
// for every call; Run closes it.
func Run(t *testing.T, open func(t *testing.T) repo.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b repo.Backend)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"PutReplaces", testPutReplaces},
		{"PutIfAbsent", testPutIfAbsent},
		{"Append", testAppend},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"ListPrefix", testListPrefix},
		{"ConcurrentPuts", testConcurrentPuts},
		{"ConcurrentAppends", testConcurrentAppends},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}
}

func testGetMissing(t *testing.T, b repo.Backend) {
	_, err := b.Get(context.Background(), "snapshot/missing")
	if !errors.Is(err, repo.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func testPutGet(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	want := []byte{0x00, 0x01, 0xff, 'x'}
	if err := b.Put(ctx, "record/ABC", want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := b.Get(ctx, "record/ABC")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func testPutReplaces(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	if err := b.Put(ctx, "latest-pointer", []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Put(ctx, "latest-pointer", []byte("second")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := b.Get(ctx, "latest-pointer")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("expected second, got %q", got)
	}
}

func testPutIfAbsent(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	if err := b.PutIfAbsent(ctx, "record/ABC", []byte("first")); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if err := b.PutIfAbsent(ctx, "record/ABC", []byte("second")); err != nil {
		t.Fatalf("second PutIfAbsent failed: %v", err)
	}
	got, err := b.Get(ctx, "record/ABC")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("expected first value kept, got %q", got)
	}
}

func testAppend(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	for _, line := range []string{"a.FooTest=PASSED", "a.BarTest=FAILED"} {
		if err := b.Append(ctx, "tags-log", line); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	got, err := b.Get(ctx, "tags-log")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "a.FooTest=PASSED\na.BarTest=FAILED\n" {
		t.Errorf("unexpected log content %q", got)
	}
}

func testDeleteIdempotent(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	if err := b.Put(ctx, "temp-capture/a.FooTest.DEADBEEF", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := b.Delete(ctx, "temp-capture/a.FooTest.DEADBEEF"); err != nil {
			t.Fatalf("Delete %d failed: %v", i, err)
		}
	}
	if _, err := b.Get(ctx, "temp-capture/a.FooTest.DEADBEEF"); !errors.Is(err, repo.ErrNotExist) {
		t.Errorf("expected ErrNotExist after delete, got %v", err)
	}
	if err := b.Delete(ctx, "temp-capture/never-written.DEADBEEF"); err != nil {
		t.Errorf("deleting a missing key failed: %v", err)
	}
}

func testListPrefix(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	keys := []string{
		"snapshot/0002",
		"snapshot/0001",
		"record/AAAA",
		"temp-capture/a.FooTest.DEADBEEF",
		"latest-pointer",
	}
	for _, k := range keys {
		if err := b.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	got, err := b.List(ctx, "snapshot/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if diff := cmp.Diff([]string{"snapshot/0001", "snapshot/0002"}, got); diff != "" {
		t.Errorf("snapshot keys mismatch (-want +got):\n%s", diff)
	}

	all, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{
		"latest-pointer",
		"record/AAAA",
		"snapshot/0001",
		"snapshot/0002",
		"temp-capture/a.FooTest.DEADBEEF",
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("all keys mismatch (-want +got):\n%s", diff)
	}

	none, err := b.List(ctx, "dependency-set/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no keys, got %v", none)
	}
}

func testConcurrentPuts(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("temp-capture/a.Test%02d.DEADBEEF", i)
			if err := b.Put(ctx, key, []byte(key)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put failed: %v", err)
	}

	keys, err := b.List(ctx, "temp-capture/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != n {
		t.Fatalf("expected %d captures, got %d", n, len(keys))
	}
	for _, k := range keys {
		got, err := b.Get(ctx, k)
		if err != nil {
			t.Fatalf("Get %s failed: %v", k, err)
		}
		if string(got) != k {
			t.Errorf("capture %s holds %q", k, got)
		}
	}
}

func testConcurrentAppends(t *testing.T, b repo.Backend) {
	ctx := context.Background()
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := b.Append(ctx, "predictions-log", fmt.Sprintf("a.Test%d,SKIP", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Append failed: %v", err)
	}

	got, err := b.Get(ctx, "predictions-log")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	lines := 0
	for _, c := range got {
		if c == '\n' {
			lines++
		}
	}
	if lines != n {
		t.Errorf("expected %d lines, got %d in %q", n, lines, got)
	}
}
