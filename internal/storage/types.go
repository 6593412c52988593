package storage

import (
	"context"
	"errors"
	"time"

	"pewnotify/internal/notify"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrInvalidTransition = errors.New("storage: invalid status transition")
	ErrClosed            = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// AttemptStore is the audit log of delivery attempts. Every write touches a
// single record.
type AttemptStore interface {
	// Create inserts a pending record and returns its id.
	Create(ctx context.Context, userID int64, message string, ch notify.Channel) (string, error)
	// MarkSent moves pending -> sent, stamps sent_at and merges meta.
	MarkSent(ctx context.Context, id string, meta map[string]string) error
	// MarkFailed moves pending -> failed and stores reason under "error".
	MarkFailed(ctx context.Context, id, reason string) error
	MarkDelivered(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (notify.Notification, error)
	// ListAttempts returns matching records oldest first. Records created in
	// the same instant keep insertion order.
	ListAttempts(ctx context.Context, f AttemptFilter) ([]notify.Notification, error)
	// FailStale fails pending records created before cutoff and returns how
	// many were changed. Records whose id is in keep are left alone.
	FailStale(ctx context.Context, cutoff time.Time, reason string, keep []string) (int, error)
}

type AttemptFilter struct {
	UserIDs []int64 // empty means all users
	Since   time.Time
	Channel notify.Channel
	Status  notify.Status
	// Limit keeps the newest N matches (still returned oldest first). 0 means no limit.
	Limit int
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (notify.User, error)
	// ListUsers returns users ordered by id. Unknown ids are ignored.
	ListUsers(ctx context.Context, f UserFilter) ([]notify.User, error)
	UpsertUser(ctx context.Context, u notify.User) error
}

type UserFilter struct {
	IDs           []int64 // empty means all users
	ExcludeAdmins bool
}

// Batch is the durable marker of a fan-out run. Its progress is rebuilt from
// attempt records of UserIDs created at or after StartedAt.
type Batch struct {
	Key        string
	UserIDs    []int64
	Message    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

type BatchStore interface {
	PutBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, key string) (Batch, error)
	// FinishBatch stamps finished_at once. Later calls keep the first stamp.
	FinishBatch(ctx context.Context, key string, at time.Time) error
	// ListBatches returns the newest markers first.
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
	// DeleteFinishedBatches removes markers finished before cutoff.
	DeleteFinishedBatches(ctx context.Context, cutoff time.Time) (int, error)
}

type Store interface {
	AttemptStore
	UserStore
	BatchStore
	Close() error
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
