package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewnotify/internal/notify"
	"pewnotify/internal/storage"
	logx "pewnotify/pkg/logx"
)

// Cell is the reduced state of one (user, channel) pair of a batch.
type Cell string

const (
	CellNotSent Cell = "not_sent"
	CellPending Cell = "pending"
	CellSuccess Cell = "success"
	CellError   Cell = "error"
)

func cellOf(s notify.Status) Cell {
	switch s {
	case notify.StatusPending:
		return CellPending
	case notify.StatusSent, notify.StatusDelivered, notify.StatusRead:
		return CellSuccess
	case notify.StatusFailed:
		return CellError
	}
	return CellNotSent
}

type UserStatus struct {
	UserID   int64
	Channels map[notify.Channel]Cell
}

// Snapshot is the progress of a batch. Users keep the marker's order.
type Snapshot struct {
	Key        Key
	StartedAt  time.Time
	FinishedAt *time.Time
	Users      []UserStatus
	AnyPending bool
}

// Counts tallies cells by state.
func (s Snapshot) Counts() map[Cell]int {
	out := map[Cell]int{}
	for _, u := range s.Users {
		for _, c := range u.Channels {
			out[c]++
		}
	}
	return out
}

// Status rebuilds the progress of a batch from the attempt records. It does
// not write anything; two calls with no new attempts in between return equal
// snapshots.
func (c *Coordinator) Status(ctx context.Context, key Key) (Snapshot, error) {
	b, err := c.store.GetBatch(ctx, string(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, ErrUnknownBatch
		}
		return Snapshot{}, fmt.Errorf("batch: load marker: %w", err)
	}

	recs, err := c.store.ListAttempts(ctx, storage.AttemptFilter{UserIDs: b.UserIDs, Since: b.StartedAt})
	if err != nil {
		return Snapshot{}, fmt.Errorf("batch: list attempts: %w", err)
	}

	type cellKey struct {
		user int64
		ch   notify.Channel
	}
	// Records come oldest first, so the last one seen per cell is the latest.
	latest := make(map[cellKey]notify.Status, len(recs))
	for _, r := range recs {
		latest[cellKey{r.UserID, r.Channel}] = r.Status
	}

	snap := Snapshot{
		Key:        key,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
		Users:      make([]UserStatus, 0, len(b.UserIDs)),
	}
	for _, id := range b.UserIDs {
		us := UserStatus{UserID: id, Channels: make(map[notify.Channel]Cell, len(notify.Channels))}
		for _, ch := range notify.Channels {
			cell := CellNotSent
			if st, ok := latest[cellKey{id, ch}]; ok {
				cell = cellOf(st)
			}
			if cell == CellPending {
				snap.AnyPending = true
			}
			us.Channels[ch] = cell
		}
		snap.Users = append(snap.Users, us)
	}
	return snap, nil
}

// Clear stamps the batch finished when nothing is pending and reports whether
// it is finished. Repeated and concurrent calls are safe; the first stamp wins.
func (c *Coordinator) Clear(ctx context.Context, key Key) (bool, error) {
	snap, err := c.Status(ctx, key)
	if err != nil {
		return false, err
	}
	if snap.AnyPending {
		return false, nil
	}
	if snap.FinishedAt != nil {
		return true, nil
	}
	if err := c.store.FinishBatch(ctx, string(key), c.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrUnknownBatch
		}
		return false, fmt.Errorf("batch: finish marker: %w", err)
	}
	c.log.Debug("batch cleared", logx.String("batch", string(key)))
	return true, nil
}

// Recent lists the newest batch markers.
func (c *Coordinator) Recent(ctx context.Context, limit int) ([]storage.Batch, error) {
	return c.store.ListBatches(ctx, limit)
}
