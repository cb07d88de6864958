package store

import (
	"context"
	"sort"
	"sync"

	"github.com/AnTengye/securetrack/backend/model"
)

// MemoryStore keeps everything in process memory.
// Transactions are optimistic: reads see committed state, writes are staged
// and then checked and applied together under the write lock.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*model.User
	phones map[string]string // phone -> user id
	tasks  map[string]*model.Task
	events map[string][]*model.CheckpointEvent // task id -> events
	audit  []*model.AuditLog
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*model.User),
		phones: make(map[string]string),
		tasks:  make(map[string]*model.Task),
		events: make(map[string][]*model.CheckpointEvent),
	}
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, taskID string) ([]*model.CheckpointEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	src := s.events[taskID]
	out := make([]*model.CheckpointEvent, len(src))
	for i, e := range src {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.phones[phone]
	if !ok {
		return nil, ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AssignedUserID != "" && t.AssignedUserID != filter.AssignedUserID {
			continue
		}
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.TaskStatus]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*model.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.audit)
	if offset >= total || limit <= 0 {
		return []*model.AuditLog{}, nil
	}
	// s.audit is oldest-first; page from the tail
	end := total - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*model.AuditLog, 0, end-start)
	for i := end - 1; i >= start; i-- {
		c := *s.audit[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// memOp checks its precondition and applies itself, returning an undo.
// Called with s.mu held for writing.
type memOp func(s *MemoryStore) (undo func(), err error)

type memTx struct {
	s   *MemoryStore
	ops []memOp
}

func (tx *memTx) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return tx.s.GetTask(ctx, id)
}

func (tx *memTx) ListEvents(ctx context.Context, taskID string) ([]*model.CheckpointEvent, error) {
	return tx.s.ListEvents(ctx, taskID)
}

func (tx *memTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return tx.s.GetUser(ctx, id)
}

func (tx *memTx) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	return tx.s.GetUserByPhone(ctx, phone)
}

func (tx *memTx) InsertUser(ctx context.Context, u *model.User) error {
	c := u.Clone()
	tx.ops = append(tx.ops, func(s *MemoryStore) (func(), error) {
		if _, ok := s.phones[c.Phone]; ok {
			return nil, ErrDuplicatePhone
		}
		s.users[c.ID] = c
		s.phones[c.Phone] = c.ID
		return func() {
			delete(s.users, c.ID)
			delete(s.phones, c.Phone)
		}, nil
	})
	return nil
}

func (tx *memTx) BindDevice(ctx context.Context, userID, deviceID string) error {
	tx.ops = append(tx.ops, func(s *MemoryStore) (func(), error) {
		u, ok := s.users[userID]
		if !ok {
			return nil, ErrNotFound
		}
		if u.DeviceID != nil {
			return nil, ErrDeviceAlreadyBound
		}
		d := deviceID
		u.DeviceID = &d
		return func() { u.DeviceID = nil }, nil
	})
	return nil
}

func (tx *memTx) InsertTask(ctx context.Context, t *model.Task) error {
	c := t.Clone()
	tx.ops = append(tx.ops, func(s *MemoryStore) (func(), error) {
		if _, ok := s.users[c.AssignedUserID]; !ok {
			return nil, ErrNotFound
		}
		for _, existing := range s.tasks {
			if existing.SealedPackCode == c.SealedPackCode && existing.Status.Active() {
				return nil, ErrDuplicatePackCode
			}
		}
		s.tasks[c.ID] = c
		return func() { delete(s.tasks, c.ID) }, nil
	})
	return nil
}

func (tx *memTx) CompareAndSetStatus(ctx context.Context, taskID string, from, to model.TaskStatus) error {
	tx.ops = append(tx.ops, func(s *MemoryStore) (func(), error) {
		t, ok := s.tasks[taskID]
		if !ok {
			return nil, ErrNotFound
		}
		if t.Status != from {
			return nil, ErrStaleStatus
		}
		t.Status = to
		return func() { t.Status = from }, nil
	})
	return nil
}

func (tx *memTx) InsertEvent(ctx context.Context, e *model.CheckpointEvent) error {
	c := *e
	tx.ops = append(tx.ops, func(s *MemoryStore) (func(), error) {
		if _, ok := s.tasks[c.TaskID]; !ok {
			return nil, ErrNotFound
		}
		prev := s.events[c.TaskID]
		if model.HasEvent(prev, c.EventType) {
			return nil, ErrDuplicateEvent
		}
		s.events[c.TaskID] = append(prev[:len(prev):len(prev)], &c)
		return func() { s.events[c.TaskID] = prev }, nil
	})
	return nil
}

func (tx *memTx) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	tx.ops = append(tx.ops, func(s *MemoryStore) (func(), error) {
		s.seq++
		entry.Seq = s.seq
		c := *entry
		s.audit = append(s.audit, &c)
		return func() {
			s.audit = s.audit[:len(s.audit)-1]
			s.seq--
		}, nil
	})
	return nil
}

func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	undos := make([]func(), 0, len(tx.ops))
	for _, op := range tx.ops {
		undo, err := op(s)
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}
			return err
		}
		undos = append(undos, undo)
	}
	return nil
}
