package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Seq    int    `json:"seq"`
}

func TestStorage_PutGet(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"session", "s1"}, record{ID: "s1", Status: "idle"}))
	assert.FileExists(t, filepath.Join(dir, "session", "s1.json"))

	var got record
	require.NoError(t, s.Get(ctx, []string{"session", "s1"}, &got))
	assert.Equal(t, record{ID: "s1", Status: "idle"}, got)
	assert.True(t, s.Exists(ctx, []string{"session", "s1"}))
}

func TestStorage_GetNotFound(t *testing.T) {
	s := New(t.TempDir())

	var got record
	err := s.Get(context.Background(), []string{"session", "missing"}, &got)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists(context.Background(), []string{"session", "missing"}))
}

func TestStorage_GetCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "session"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session", "bad.json"), []byte("{"), 0644))

	var got record
	err := New(dir).Get(context.Background(), []string{"session", "bad"}, &got)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStorage_Delete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"session", "s1"}, record{ID: "s1"}))
	require.NoError(t, s.Delete(ctx, []string{"session", "s1"}))
	assert.ErrorIs(t, s.Get(ctx, []string{"session", "s1"}, &record{}), ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, s.Delete(ctx, []string{"session", "s1"}))
}

func TestStorage_ListAndScan(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, []string{"session", id}, record{ID: id}))
	}

	items, err := s.List(ctx, []string{"session"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	empty, err := s.List(ctx, []string{"nothing"})
	require.NoError(t, err)
	assert.Empty(t, empty)

	seen := map[string]string{}
	err = s.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		seen[key] = r.ID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "a", "b": "b", "c": "c"}, seen)

	stop := errors.New("stop")
	err = s.Scan(ctx, []string{"session"}, func(string, json.RawMessage) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestStorage_Update(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	path := []string{"session", "s1"}

	require.NoError(t, s.Put(ctx, path, record{ID: "s1", Status: "idle"}))

	var r record
	require.NoError(t, s.Update(ctx, path, &r, func() error {
		r.Status = "running"
		r.Seq++
		return nil
	}))

	var got record
	require.NoError(t, s.Get(ctx, path, &got))
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, 1, got.Seq)

	// A failing update leaves the stored value untouched.
	boom := errors.New("boom")
	var r2 record
	err := s.Update(ctx, path, &r2, func() error {
		r2.Status = "error"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, s.Get(ctx, path, &got))
	assert.Equal(t, "running", got.Status)

	assert.ErrorIs(t, s.Update(ctx, []string{"session", "missing"}, &record{}, func() error { return nil }), ErrNotFound)
}

func TestStorage_ConcurrentUpdates(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	path := []string{"counter"}
	require.NoError(t, s.Put(ctx, path, record{ID: "counter"}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r record
			err := s.Update(ctx, path, &r, func() error {
				r.Seq++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got record
	require.NoError(t, s.Get(ctx, path, &got))
	assert.Equal(t, 20, got.Seq)
}

func TestStorage_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Put(context.Background(), []string{"session", "s1"}, record{ID: "s1"}))

	matches, err := filepath.Glob(filepath.Join(dir, "session", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileLock_TryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	l := NewFileLock(path)

	require.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	require.NoError(t, l.Unlock())
	assert.True(t, l.TryLock())
	require.NoError(t, l.Unlock())

	// Unlocking an unlocked lock is a no-op.
	assert.NoError(t, l.Unlock())
}

func TestFileLock_LockWaitsForRelease(t *testing.T) {
	l := NewFileLock(filepath.Join(t.TempDir(), "x.json"))
	require.True(t, l.TryLock())

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Unlock()
	}()

	require.NoError(t, l.Lock(context.Background()))
	require.NoError(t, l.Unlock())
}

func TestFileLock_LockCanceled(t *testing.T) {
	l := NewFileLock(filepath.Join(t.TempDir(), "x.json"))
	require.True(t, l.TryLock())
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
