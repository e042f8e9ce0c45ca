// ABOUTME: Local log directory management: tree listing, guarded deletion, and file access
// ABOUTME: All paths are resolved inside an os.Root so requests cannot escape the log directory

package logs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Errors returned by Manager
var (
	ErrTooRecent   = errors.New("log file modified too recently")
	ErrInvalidPath = errors.New("invalid log path")
	ErrIsDirectory = errors.New("path is a directory")
	ErrNotFound    = errors.New("log file not found")
)

// Entry is one node of the log tree
type Entry struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Dir       bool      `json:"dir"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	ModTime   time.Time `json:"mod_time"`
	Children  []*Entry  `json:"children,omitempty"`
}

// Manager serves one log directory
type Manager struct {
	dir    string
	minAge time.Duration
	now    func() time.Time
}

// NewManager creates a Manager. Files modified within minAge cannot be deleted.
func NewManager(dir string, minAge time.Duration) *Manager {
	return &Manager{dir: dir, minAge: minAge, now: time.Now}
}

// Dir returns the managed directory
func (m *Manager) Dir() string { return m.dir }

// MinAge returns the deletion guard window
func (m *Manager) MinAge() time.Duration { return m.minAge }

func (m *Manager) open() (*os.Root, error) {
	if m.dir == "" {
		return nil, fmt.Errorf("%w: no log directory configured", ErrNotFound)
	}
	root, err := os.OpenRoot(m.dir)
	if err != nil {
		return nil, fmt.Errorf("opening log directory: %w", err)
	}
	return root, nil
}

// clean normalizes a caller-supplied relative path
func clean(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	p := path.Clean("/" + strings.ReplaceAll(rel, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	if !fs.ValidPath(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	// Any ".." segment is rejected outright
	for _, part := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
		}
	}
	return p, nil
}

// Tree lists the log directory recursively. Directories sort before files.
func (m *Manager) Tree() (*Entry, error) {
	root, err := m.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = root.Close() }()

	info, err := os.Stat(m.dir)
	if err != nil {
		return nil, fmt.Errorf("stat log directory: %w", err)
	}

	top := &Entry{Path: "", Name: info.Name(), Dir: true, ModTime: info.ModTime().UTC()}
	index := map[string]*Entry{".": top}

	err = fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped
			return nil
		}
		if p == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		e := &Entry{
			Path:    p,
			Name:    d.Name(),
			Dir:     d.IsDir(),
			ModTime: fi.ModTime().UTC(),
		}
		if !e.Dir {
			e.Size = fi.Size()
			e.SizeHuman = humanize.Bytes(uint64(fi.Size()))
		}
		parent := index[path.Dir(p)]
		if parent == nil {
			return nil
		}
		parent.Children = append(parent.Children, e)
		if e.Dir {
			index[p] = e
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking log directory: %w", err)
	}

	finish(top)
	return top, nil
}

// finish sorts children and rolls file sizes up into directories
func finish(e *Entry) int64 {
	if !e.Dir {
		return e.Size
	}
	var total int64
	for _, c := range e.Children {
		total += finish(c)
	}
	sort.Slice(e.Children, func(i, j int) bool {
		a, b := e.Children[i], e.Children[j]
		if a.Dir != b.Dir {
			return a.Dir
		}
		return a.Name < b.Name
	})
	e.Size = total
	e.SizeHuman = humanize.Bytes(uint64(total))
	return total
}

// Delete removes a log file that has not been modified within the minimum age
func (m *Manager) Delete(rel string) error {
	p, err := clean(rel)
	if err != nil {
		return err
	}
	root, err := m.open()
	if err != nil {
		return err
	}
	defer func() { _ = root.Close() }()

	fi, err := root.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}

	if age := m.now().Sub(fi.ModTime()); age < m.minAge {
		return fmt.Errorf("%w: %s was modified %s ago, files younger than %s are kept",
			ErrTooRecent, p, age.Round(time.Second), m.minAge)
	}

	if err := root.Remove(p); err != nil {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}

// Open returns a regular log file for reading
func (m *Manager) Open(rel string) (*os.File, fs.FileInfo, error) {
	p, err := clean(rel)
	if err != nil {
		return nil, nil, err
	}
	root, err := m.open()
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", p, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if fi.IsDir() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	return f, fi, nil
}
