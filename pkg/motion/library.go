package motion

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultLibrary is the name of the embedded library.
const DefaultLibrary = "default"

//go:embed data/*.json
var embeddedMoves embed.FS

// Library is a named set of recorded moves.
type Library struct {
	name string

	mu    sync.RWMutex
	moves map[string]*RecordedMove
}

// NewLibrary creates an empty library.
func NewLibrary(name string) *Library {
	return &Library{name: name, moves: make(map[string]*RecordedMove)}
}

// Name returns the library name.
func (l *Library) Name() string { return l.name }

// Add registers a move, replacing any move of the same name.
func (l *Library) Add(m *RecordedMove) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves[m.Name()] = m
}

// Get retrieves a move by name.
func (l *Library) Get(name string) (*RecordedMove, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.moves[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, l.name, name)
	}
	return m, nil
}

// List returns the move names, sorted.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.moves))
	for name := range l.moves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of moves.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.moves)
}

// Embedded loads the moves compiled into the binary.
func Embedded() (*Library, error) {
	lib := NewLibrary(DefaultLibrary)
	if err := loadFS(lib, embeddedMoves, "data", nil); err != nil {
		return nil, err
	}
	return lib, nil
}

// LoadDir loads every *.json move in dir and in dir/data. A sibling .wav
// file becomes the move's sound.
func LoadDir(name, dir string) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open move library %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open move library %q: not a directory", dir)
	}

	lib := NewLibrary(name)
	sound := func(jsonPath string) string {
		wav := filepath.Join(dir, strings.TrimSuffix(jsonPath, ".json")+".wav")
		if _, err := os.Stat(wav); err != nil {
			return ""
		}
		return wav
	}
	fsys := os.DirFS(dir)
	for _, sub := range []string{".", "data"} {
		err := loadFS(lib, fsys, sub, sound)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return lib, nil
}

func loadFS(lib *Library, fsys fs.FS, dir string, sound func(string) string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("list moves in %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		file := path.Join(dir, entry.Name())
		payload, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read move %s: %w", file, err)
		}
		var soundPath string
		if sound != nil {
			soundPath = sound(file)
		}
		m, err := ParseRecorded(strings.TrimSuffix(entry.Name(), ".json"), payload, soundPath)
		if err != nil {
			return err
		}
		lib.Add(m)
	}
	return nil
}

// Registry holds several libraries and resolves move names across them.
type Registry struct {
	mu    sync.RWMutex
	libs  map[string]*Library
	order []string
}

// NewRegistry creates a registry holding libs, searched in order.
func NewRegistry(libs ...*Library) *Registry {
	r := &Registry{libs: make(map[string]*Library)}
	for _, l := range libs {
		r.Add(l)
	}
	return r
}

// Add registers a library, replacing one of the same name.
func (r *Registry) Add(l *Library) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.libs[l.Name()]; !ok {
		r.order = append(r.order, l.Name())
	}
	r.libs[l.Name()] = l
}

// Library returns a library by name.
func (r *Registry) Library(name string) (*Library, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.libs[name]
	if !ok {
		return nil, fmt.Errorf("%w: library %q", ErrNotFound, name)
	}
	return l, nil
}

// Libraries returns the library names in search order.
func (r *Registry) Libraries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Get resolves a move in the named library, or across all libraries when
// library is empty.
func (r *Registry) Get(library, name string) (*RecordedMove, error) {
	if library == "" {
		return r.Find(name)
	}
	l, err := r.Library(library)
	if err != nil {
		return nil, err
	}
	return l.Get(name)
}

// Find resolves "library/name" first, then a bare name in every library
// in registration order.
func (r *Registry) Find(name string) (*RecordedMove, error) {
	if lib, move, ok := strings.Cut(name, "/"); ok {
		if m, err := r.Get(lib, move); err == nil {
			return m, nil
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, libName := range r.order {
		if m, err := r.libs[libName].Get(name); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
