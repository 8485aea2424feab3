// Package filestore is the file tree the sync engine reads and mutates.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	ErrRootPath         = errors.New("filestore: operation on the root")
	ErrWatchUnsupported = errors.New("filestore: store has no directory to watch")
	ErrNotFound         = errors.New("filestore: path not found")
)

const (
	defaultFilePerm      os.FileMode = 0o644
	defaultDirectoryPerm os.FileMode = 0o755
)

type ChangeKind int

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeDelete
	ChangeModify
	ChangeRename
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeDelete:
		return "delete"
	case ChangeModify:
		return "modify"
	case ChangeRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is a local modification reported by the watcher. PreviousPath is
// only set for renames.
type Change struct {
	Kind         ChangeKind
	Path         string
	PreviousPath string
	IsDir        bool
}

type ChangeHandler func(Change)

// Store is the capability set the sync engine needs. Paths are slash
// separated and relative to the store root.
type Store interface {
	List() ([]protocol.TreeEntry, error)
	Stat(p string) (protocol.TreeEntry, error)
	ReadText(p string) (string, error)
	ReadBinary(p string) ([]byte, error)
	Create(p string, content []byte) error
	WriteText(p, content string) error
	WriteBinary(p string, data []byte) error
	Mkdir(p string) error
	Delete(p string) error
	Rename(from, to string) error
	OnChange(handler ChangeHandler)
}

var _ Store = (*Vault)(nil)

// Vault is a Store over an afero filesystem rooted at a directory.
type Vault struct {
	fs   afero.Fs
	root string
	log  *logrus.Logger

	mu       sync.RWMutex
	handlers []ChangeHandler
}

// NewVault roots the store at an OS directory, creating it if needed.
func NewVault(root string, log *logrus.Logger) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, defaultDirectoryPerm); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return NewVaultFs(afero.NewBasePathFs(afero.NewOsFs(), abs), abs, log), nil
}

// NewVaultFs wraps an existing filesystem. root is the OS directory backing
// it and may be empty, in which case Watch is unavailable.
func NewVaultFs(fs afero.Fs, root string, log *logrus.Logger) *Vault {
	if log == nil {
		log = logger.NewLogger()
	}
	_ = fs.MkdirAll("/", defaultDirectoryPerm)
	return &Vault{fs: fs, root: root, log: log}
}

func (v *Vault) Root() string { return v.root }

// Clean normalizes a wire path to the store's relative form. The root
// itself cleans to the empty string.
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (v *Vault) abs(p string) (string, error) {
	rel := Clean(p)
	if rel == "" {
		return "", ErrRootPath
	}
	return "/" + rel, nil
}

func (v *Vault) List() ([]protocol.TreeEntry, error) {
	var entries []protocol.TreeEntry
	err := afero.Walk(v.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := Clean(filepath.ToSlash(p))
		if rel == "" {
			return nil
		}
		entries = append(entries, entryFor(rel, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vault: %w", err)
	}
	return entries, nil
}

func (v *Vault) Stat(p string) (protocol.TreeEntry, error) {
	name, err := v.abs(p)
	if err != nil {
		return protocol.TreeEntry{}, err
	}
	info, err := v.fs.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.TreeEntry{}, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return protocol.TreeEntry{}, err
	}
	return entryFor(Clean(p), info), nil
}

func entryFor(rel string, info os.FileInfo) protocol.TreeEntry {
	if info.IsDir() {
		return protocol.DirEntry(rel)
	}
	return protocol.FileEntry(rel, info.ModTime().Unix(), info.Size())
}

func (v *Vault) ReadText(p string) (string, error) {
	data, err := v.ReadBinary(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (v *Vault) ReadBinary(p string) ([]byte, error) {
	name, err := v.abs(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(v.fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Create writes a new file, replacing any existing one.
func (v *Vault) Create(p string, content []byte) error {
	return v.write(p, content)
}

func (v *Vault) WriteText(p, content string) error {
	return v.write(p, []byte(content))
}

func (v *Vault) WriteBinary(p string, data []byte) error {
	return v.write(p, data)
}

func (v *Vault) write(p string, data []byte) error {
	name, err := v.abs(p)
	if err != nil {
		return err
	}
	if err := v.fs.MkdirAll(path.Dir(name), defaultDirectoryPerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	if err := afero.WriteFile(v.fs, name, data, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (v *Vault) Mkdir(p string) error {
	name, err := v.abs(p)
	if err != nil {
		return err
	}
	if err := v.fs.MkdirAll(name, defaultDirectoryPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	return nil
}

// Delete removes a file or a whole directory.
func (v *Vault) Delete(p string) error {
	name, err := v.abs(p)
	if err != nil {
		return err
	}
	if _, err := v.fs.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return err
	}
	if err := v.fs.RemoveAll(name); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func (v *Vault) Rename(from, to string) error {
	src, err := v.abs(from)
	if err != nil {
		return err
	}
	dst, err := v.abs(to)
	if err != nil {
		return err
	}
	if err := v.fs.MkdirAll(path.Dir(dst), defaultDirectoryPerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", to, err)
	}
	if err := v.fs.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, from)
		}
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (v *Vault) OnChange(handler ChangeHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handlers = append(v.handlers, handler)
}

func (v *Vault) dispatch(c Change) {
	v.mu.RLock()
	handlers := append([]ChangeHandler(nil), v.handlers...)
	v.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}
