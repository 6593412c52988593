package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pewnotify/internal/notify"
)

type memRecord struct {
	seq uint64
	n   notify.Notification
}

// Memory is an in-process Store. All methods are safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	seq     uint64
	records map[string]*memRecord
	users   map[int64]notify.User
	batches map[string]Batch
	closed  bool

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: map[string]*memRecord{},
		users:   map[int64]notify.User{},
		batches: map[string]Batch{},
		now:     time.Now,
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Create(ctx context.Context, userID int64, message string, ch notify.Channel) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.seq++
	id := uuid.NewString()
	m.records[id] = &memRecord{seq: m.seq, n: notify.Notification{
		ID:               id,
		UserID:           userID,
		Message:          message,
		Channel:          ch,
		Status:           notify.StatusPending,
		ProviderMetadata: map[string]string{},
		CreatedAt:        m.now(),
	}}
	return id, nil
}

// transition applies fn to record id when the move to `to` is legal.
func (m *Memory) transition(ctx context.Context, id string, to notify.Status, fn func(n *notify.Notification)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if !notify.CanTransition(r.n.Status, to) {
		return ErrInvalidTransition
	}
	r.n.Status = to
	if fn != nil {
		fn(&r.n)
	}
	return nil
}

func (m *Memory) MarkSent(ctx context.Context, id string, meta map[string]string) error {
	return m.transition(ctx, id, notify.StatusSent, func(n *notify.Notification) {
		at := m.now()
		n.SentAt = &at
		for k, v := range meta {
			n.ProviderMetadata[k] = v
		}
	})
}

func (m *Memory) MarkFailed(ctx context.Context, id, reason string) error {
	return m.transition(ctx, id, notify.StatusFailed, func(n *notify.Notification) {
		n.ProviderMetadata[notify.MetaError] = reason
	})
}

func (m *Memory) MarkDelivered(ctx context.Context, id string) error {
	return m.transition(ctx, id, notify.StatusDelivered, nil)
}

func (m *Memory) MarkRead(ctx context.Context, id string) error {
	return m.transition(ctx, id, notify.StatusRead, nil)
}

func copyNotification(n notify.Notification) notify.Notification {
	n.ProviderMetadata = cloneMeta(n.ProviderMetadata)
	if n.SentAt != nil {
		at := *n.SentAt
		n.SentAt = &at
	}
	return n
}

func (m *Memory) Get(ctx context.Context, id string) (notify.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return notify.Notification{}, ErrNotFound
	}
	return copyNotification(r.n), nil
}

func (m *Memory) ListAttempts(ctx context.Context, f AttemptFilter) ([]notify.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matched := make([]*memRecord, 0, 16)
	for _, r := range m.records {
		if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, r.n.UserID) {
			continue
		}
		if !f.Since.IsZero() && r.n.CreatedAt.Before(f.Since) {
			continue
		}
		if f.Channel != "" && r.n.Channel != f.Channel {
			continue
		}
		if f.Status != "" && r.n.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	out := make([]notify.Notification, 0, len(matched))
	for _, r := range matched {
		out = append(out, copyNotification(r.n))
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory) FailStale(ctx context.Context, cutoff time.Time, reason string, keep []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.n.Status != notify.StatusPending || !r.n.CreatedAt.Before(cutoff) || slices.Contains(keep, r.n.ID) {
			continue
		}
		r.n.Status = notify.StatusFailed
		r.n.ProviderMetadata[notify.MetaError] = reason
		n++
	}
	return n, nil
}

func (m *Memory) GetUser(ctx context.Context, id int64) (notify.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return notify.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) ListUsers(ctx context.Context, f UserFilter) ([]notify.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]notify.User, 0, len(m.users))
	for _, u := range m.users {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, u.ID) {
			continue
		}
		if f.ExcludeAdmins && u.IsAdmin {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u notify.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) PutBatch(ctx context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	b.UserIDs = slices.Clone(b.UserIDs)
	m.batches[b.Key] = b
	return nil
}

func (m *Memory) GetBatch(ctx context.Context, key string) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[key]
	if !ok {
		return Batch{}, ErrNotFound
	}
	b.UserIDs = slices.Clone(b.UserIDs)
	return b, nil
}

func (m *Memory) FinishBatch(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[key]
	if !ok {
		return ErrNotFound
	}
	if b.FinishedAt == nil {
		b.FinishedAt = &at
		m.batches[key] = b
	}
	return nil
}

func (m *Memory) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	m.mu.RLock()
	out := make([]Batch, 0, len(m.batches))
	for _, b := range m.batches {
		b.UserIDs = slices.Clone(b.UserIDs)
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteFinishedBatches(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.batches {
		if b.FinishedAt != nil && b.FinishedAt.Before(cutoff) {
			delete(m.batches, k)
			n++
		}
	}
	return n, nil
}
