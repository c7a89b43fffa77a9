package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskNotFound = errors.New("task not found")
)

// Backend is the durable side of the store: one addressable record per task.
// The Store layers its in-memory cache on top, so backends stay dumb.
type Backend interface {
	Write(t *Task) error
	Read(id string) (*Task, error)
	Remove(id string) error
	IDs() ([]string, error)
}

// Store fronts a Backend with an in-memory cache. The backend is the source
// of truth; the cache only accelerates reads within one process lifetime.
type Store struct {
	mu      sync.RWMutex
	cache   map[string]*Task
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{
		cache:   make(map[string]*Task),
		backend: backend,
	}
}

// Create persists a fresh record. IDs are generated at submission time, so a
// duplicate means a caller bug rather than a normal collision.
func (s *Store) Create(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	if _, err := s.backend.Read(t.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}

	if err := s.backend.Write(t); err != nil {
		return err
	}
	s.cache[t.ID] = t.clone()
	return nil
}

// Get returns a copy of the record, cache first with backend fallback.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	if t, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return t.clone(), true
	}
	s.mu.RUnlock()

	t, err := s.backend.Read(id)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	s.cache[id] = t.clone()
	s.mu.Unlock()
	return t, true
}

// Update loads the current record, applies the mutation, stamps UpdatedAt and
// persists. A missing task is a benign no-op: retention may delete a record
// while its processing goroutine is still reporting progress. Once a task is
// terminal its record is frozen.
func (s *Store) Update(id string, apply func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.cache[id]
	if !ok {
		loaded, err := s.backend.Read(id)
		if err != nil {
			return nil
		}
		t = loaded
	}
	if t.Status.Terminal() {
		return nil
	}

	updated := t.clone()
	apply(updated)
	updated.UpdatedAt = time.Now()

	if err := s.backend.Write(updated); err != nil {
		return err
	}
	s.cache[id] = updated
	return nil
}

// Delete removes the durable record and evicts the cache entry. Idempotent.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, id)
	return s.backend.Remove(id)
}

// List returns the most recently created tasks, newest first, optionally
// filtered by status. A limit <= 0 means no cap.
func (s *Store) List(limit int, status Status) ([]*Task, error) {
	ids, err := s.backend.IDs()
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, ok := s.Get(id)
		if !ok {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// MemoryBackend keeps records in a map. Used in tests and wherever durability
// across restarts is not wanted.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Task
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Task)}
}

func (b *MemoryBackend) Write(t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[t.ID] = t.clone()
	return nil
}

func (b *MemoryBackend) Read(id string) (*Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.records[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.clone(), nil
}

func (b *MemoryBackend) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
	return nil
}

func (b *MemoryBackend) IDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// FileBackend persists one JSON record per task under dir, addressable by
// task ID. Records survive process restarts.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, filepath.Base(id)+".json")
}

func (b *FileBackend) Write(t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	// Write-then-rename so a crash mid-write never leaves a torn record.
	tmp := b.path(t.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(t.ID))
}

func (b *FileBackend) Read(id string) (*Task, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task record %s: %w", id, err)
	}
	return &t, nil
}

func (b *FileBackend) Remove(id string) error {
	err := os.Remove(b.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) IDs() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
