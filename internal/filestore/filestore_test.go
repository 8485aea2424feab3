package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemVault(t *testing.T) *Vault {
	t.Helper()
	return NewVaultFs(afero.NewMemMapFs(), "", logger.Discard())
}

func TestClean(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"notes/a.md", "notes/a.md"},
		{"/notes/a.md", "notes/a.md"},
		{"notes//b/../a.md", "notes/a.md"},
		{"../../etc/passwd", "etc/passwd"},
		{`notes\a.md`, "notes/a.md"},
		{".", ""},
		{"/", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.expected {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestVaultWriteReadList(t *testing.T) {
	v := newMemVault(t)

	require.NoError(t, v.WriteText("notes/a.md", "hello"))
	require.NoError(t, v.WriteBinary("img/b.png", []byte{0, 1, 2}))
	require.NoError(t, v.Mkdir("empty"))

	text, err := v.ReadText("notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	data, err := v.ReadBinary("img/b.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	entries, err := v.List()
	require.NoError(t, err)

	byPath := map[string]bool{}
	for _, e := range entries {
		byPath[e.Path] = e.IsDir()
	}
	assert.Equal(t, map[string]bool{
		"empty":      true,
		"img":        true,
		"img/b.png":  false,
		"notes":      true,
		"notes/a.md": false,
	}, byPath)

	entry, err := v.Stat("notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.SizeBytes())
	assert.Equal(t, "a.md", *entry.Name)
}

func TestVaultDeleteAndRename(t *testing.T) {
	v := newMemVault(t)

	require.NoError(t, v.Create("a.md", []byte("x")))
	require.NoError(t, v.Rename("a.md", "archive/a.md"))

	_, err := v.Stat("a.md")
	assert.True(t, errors.Is(err, ErrNotFound))

	text, err := v.ReadText("archive/a.md")
	require.NoError(t, err)
	assert.Equal(t, "x", text)

	require.NoError(t, v.Delete("archive"))
	_, err = v.Stat("archive/a.md")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.ErrorIs(t, v.Delete("missing.md"), ErrNotFound)
}

func TestVaultRejectsRoot(t *testing.T) {
	v := newMemVault(t)

	assert.ErrorIs(t, v.Delete("/"), ErrRootPath)
	assert.ErrorIs(t, v.WriteText(".", "x"), ErrRootPath)
}

func TestVaultWatchUnsupportedInMemory(t *testing.T) {
	v := newMemVault(t)
	assert.ErrorIs(t, v.Watch(context.Background(), WatchOptions{}), ErrWatchUnsupported)
}

func TestVaultOnDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	v, err := NewVault(root, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, v.WriteText("notes/a.md", "on disk"))

	data, err := os.ReadFile(filepath.Join(root, "notes", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(data))
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func (r *changeRecorder) has(kind ChangeKind, path string) bool {
	for _, c := range r.snapshot() {
		if c.Kind == kind && c.Path == path {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, opts WatchOptions) (string, *changeRecorder) {
	t.Helper()
	root := t.TempDir()
	opts.Logger = logger.Discard()

	w, err := NewWatcher(root, opts)
	require.NoError(t, err)

	rec := &changeRecorder{}
	w.OnChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher time to register the root
	time.Sleep(50 * time.Millisecond)
	return root, rec
}

func TestWatcherCreateModifyDelete(t *testing.T) {
	root, rec := startWatcher(t, WatchOptions{Debounce: 20 * time.Millisecond})

	path := filepath.Join(root, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	assert.Eventually(t, func() bool { return rec.has(ChangeCreate, "a.md") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	assert.Eventually(t, func() bool { return rec.has(ChangeModify, "a.md") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return rec.has(ChangeDelete, "a.md") }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRenamePairing(t *testing.T) {
	root, rec := startWatcher(t, WatchOptions{Debounce: 100 * time.Millisecond})

	oldPath := filepath.Join(root, "old.md")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	assert.Eventually(t, func() bool { return rec.has(ChangeCreate, "old.md") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Rename(oldPath, filepath.Join(root, "new.md")))

	assert.Eventually(t, func() bool {
		for _, c := range rec.snapshot() {
			if c.Kind == ChangeRename && c.Path == "new.md" && c.PreviousPath == "old.md" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has(ChangeDelete, "old.md"))
}

func TestWatcherIgnoreAndSuppress(t *testing.T) {
	var mu sync.Mutex
	suppressed := true

	root, rec := startWatcher(t, WatchOptions{
		Debounce: 20 * time.Millisecond,
		Ignore:   func(rel string) bool { return rel == ".obsidian" || filepath.Dir(rel) == ".obsidian" },
		Suppress: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return suppressed
		},
	})

	require.NoError(t, os.WriteFile(filepath.Join(root, "echo.md"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	mu.Lock()
	suppressed = false
	mu.Unlock()

	require.NoError(t, os.Mkdir(filepath.Join(root, ".obsidian"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "local.md"), []byte("y"), 0o644))

	assert.Eventually(t, func() bool { return rec.has(ChangeCreate, "local.md") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has(ChangeCreate, ".obsidian"))
}

func TestWatcherDebounceFollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	root, rec := startWatcher(t, WatchOptions{Debounce: time.Second, Clock: clock})

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("one"), 0o644))
	clock.BlockUntil(1)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return rec.has(ChangeCreate, "a.md") }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}
