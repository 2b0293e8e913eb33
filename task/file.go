package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/courier/internal/fsutil"
)

// FileStore keeps the whole queue in one JSON array file. Every mutation
// runs under an exclusive flock on a sidecar .lock file and is published
// with a temp-file rename, so pollers on other processes never read a
// partial write.
type FileStore struct {
	path string
	lock *fsutil.Locker
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore returns a store backed by the JSON file at path. The file is
// created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: fsutil.NewLocker(path + ".lock"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close releases nothing; the file is only open while locked.
func (s *FileStore) Close() error { return nil }

// Path returns the queue file location.
func (s *FileStore) Path() string { return s.path }

// withLock runs fn over the current task list while holding both the
// in-process mutex and the file lock. When fn reports dirty, the list is
// written back before the lock is released.
func (s *FileStore) withLock(fn func(tasks []*Task) ([]*Task, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, dirty, err := fn(tasks)
	if err != nil || !dirty {
		return err
	}
	return s.save(tasks)
}

func (s *FileStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse queue %s: %w", s.path, err)
	}
	return tasks, nil
}

func (s *FileStore) save(tasks []*Task) error {
	if tasks == nil {
		tasks = []*Task{}
	}
	return fsutil.AtomicWrite(s.path, 0o600, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(tasks)
	})
}

// Enqueue appends a new pending task.
func (s *FileStore) Enqueue(_ context.Context, t *Task) (string, error) {
	err := s.withLock(func(tasks []*Task) ([]*Task, bool, error) {
		if t.CorrelationRef != "" {
			for _, existing := range tasks {
				if existing.CorrelationRef == t.CorrelationRef && !existing.Status.Terminal() {
					return nil, false, &DuplicateError{ExistingID: existing.ID, CorrelationRef: t.CorrelationRef}
				}
			}
		}
		prepare(t, s.now())
		return append(tasks, t.Clone()), true, nil
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// ListPending returns pending tasks in file (creation) order.
func (s *FileStore) ListPending(ctx context.Context) ([]*Task, error) {
	st := StatusPending
	return s.List(ctx, Filter{Status: &st})
}

// List returns tasks matching filter in creation order.
func (s *FileStore) List(_ context.Context, filter Filter) ([]*Task, error) {
	var out []*Task
	err := s.withLock(func(tasks []*Task) ([]*Task, bool, error) {
		for _, t := range tasks {
			if !filter.match(t) {
				continue
			}
			out = append(out, t.Clone())
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return tasks, false, nil
	})
	return out, err
}

// Get retrieves a task by ID.
func (s *FileStore) Get(_ context.Context, id string) (*Task, error) {
	var found *Task
	err := s.withLock(func(tasks []*Task) ([]*Task, bool, error) {
		for _, t := range tasks {
			if t.ID == id {
				found = t.Clone()
				return tasks, false, nil
			}
		}
		return nil, false, notFound(id)
	})
	return found, err
}

// UpdateStatus applies tr under the file lock.
func (s *FileStore) UpdateStatus(_ context.Context, id string, tr Transition) (*Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	var updated *Task
	err := s.withLock(func(tasks []*Task) ([]*Task, bool, error) {
		for _, t := range tasks {
			if t.ID != id {
				continue
			}
			if !tr.matches(t) {
				return nil, false, conflict(id, tr)
			}
			tr.apply(t, s.now())
			updated = t.Clone()
			return tasks, true, nil
		}
		return nil, false, notFound(id)
	})
	return updated, err
}

// MarkNotified flips the notified flag once.
func (s *FileStore) MarkNotified(_ context.Context, id string) (bool, error) {
	flipped := false
	err := s.withLock(func(tasks []*Task) ([]*Task, bool, error) {
		for _, t := range tasks {
			if t.ID != id {
				continue
			}
			if t.Notified {
				return tasks, false, nil
			}
			t.Notified = true
			flipped = true
			return tasks, true, nil
		}
		return nil, false, notFound(id)
	})
	return flipped, err
}

// Sweep drops terminal tasks last updated before olderThan.
func (s *FileStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := s.withLock(func(tasks []*Task) ([]*Task, bool, error) {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Status.Terminal() && t.UpdatedAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		return kept, removed > 0, nil
	})
	return removed, err
}

// prepare stamps the fields every backend sets on enqueue.
func prepare(t *Task, now time.Time) {
	t.ID = uuid.NewString()
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.Detail = ""
	t.Notified = false
	t.ClaimedAt = nil
	t.CompletedAt = nil
	if t.CommandType == "" {
		t.CommandType = CommandInstruction
	}
	t.CreatedAt = now
	t.UpdatedAt = now
}
