package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pewnotify/internal/notify"
	logx "pewnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	s := &SQLite{db: db, log: log, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- attempts ----

const notificationCols = `id, user_id, message, channel, status, metadata, created_at, sent_at`

func (s *SQLite) Create(ctx context.Context, userID int64, message string, ch notify.Channel) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, message, channel, status, metadata, created_at) VALUES(?,?,?,?,?,?,?)`,
		id, userID, message, string(ch), string(notify.StatusPending), "{}", s.now().UnixNano(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) transition(ctx context.Context, id string, to notify.Status, mutate func(meta map[string]string)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status  string
		rawMeta string
	)
	err = tx.QueryRowContext(ctx, `SELECT status, metadata FROM notifications WHERE id = ?`, id).Scan(&status, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !notify.CanTransition(notify.Status(status), to) {
		return ErrInvalidTransition
	}

	meta := map[string]string{}
	if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			return fmt.Errorf("decode metadata of %s: %w", id, err)
		}
	}
	if mutate != nil {
		mutate(meta)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	var sentAt any
	if to == notify.StatusSent {
		sentAt = s.now().UnixNano()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET status = ?, metadata = ?, sent_at = COALESCE(?, sent_at) WHERE id = ?`,
		string(to), string(b), sentAt, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) MarkSent(ctx context.Context, id string, meta map[string]string) error {
	return s.transition(ctx, id, notify.StatusSent, func(m map[string]string) {
		for k, v := range meta {
			m[k] = v
		}
	})
}

func (s *SQLite) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, notify.StatusFailed, func(m map[string]string) {
		m[notify.MetaError] = reason
	})
}

func (s *SQLite) MarkDelivered(ctx context.Context, id string) error {
	return s.transition(ctx, id, notify.StatusDelivered, nil)
}

func (s *SQLite) MarkRead(ctx context.Context, id string) error {
	return s.transition(ctx, id, notify.StatusRead, nil)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(r rowScanner) (notify.Notification, error) {
	var (
		n        notify.Notification
		channel  string
		status   string
		rawMeta  string
		created  int64
		sentNano sql.NullInt64
	)
	if err := r.Scan(&n.ID, &n.UserID, &n.Message, &channel, &status, &rawMeta, &created, &sentNano); err != nil {
		return n, err
	}
	n.Channel = notify.Channel(channel)
	n.Status = notify.Status(status)
	n.CreatedAt = time.Unix(0, created)
	if sentNano.Valid {
		at := time.Unix(0, sentNano.Int64)
		n.SentAt = &at
	}
	n.ProviderMetadata = map[string]string{}
	if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &n.ProviderMetadata); err != nil {
			return n, fmt.Errorf("decode metadata of %s: %w", n.ID, err)
		}
	}
	return n, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (notify.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, ErrNotFound
	}
	return n, err
}

func inClause[T int64 | string](col string, ids []T) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return col + " IN (" + strings.Join(ph, ",") + ")", args
}

func (s *SQLite) ListAttempts(ctx context.Context, f AttemptFilter) ([]notify.Notification, error) {
	var (
		where []string
		args  []any
	)
	if len(f.UserIDs) > 0 {
		clause, a := inClause("user_id", f.UserIDs)
		where = append(where, clause)
		args = append(args, a...)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(f.Channel))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	q := `SELECT ` + notificationCols + ` FROM notifications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *SQLite) FailStale(ctx context.Context, cutoff time.Time, reason string, keep []string) (int, error) {
	q := `UPDATE notifications SET status = ?, metadata = json_set(metadata, '$.error', ?)
		 WHERE status = ? AND created_at < ?`
	args := []any{string(notify.StatusFailed), reason, string(notify.StatusPending), cutoff.UnixNano()}
	if len(keep) > 0 {
		clause, a := inClause("id", keep)
		q += " AND NOT " + clause
		args = append(args, a...)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- users ----

const userCols = `id, username, chat_id, phone, notification_email, email, is_admin`

func scanUser(r rowScanner) (notify.User, error) {
	var u notify.User
	err := r.Scan(&u.ID, &u.Username, &u.ChatID, &u.Phone, &u.NotificationEmail, &u.Email, &u.IsAdmin)
	return u, err
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (notify.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notify.User{}, ErrNotFound
	}
	return u, err
}

func (s *SQLite) ListUsers(ctx context.Context, f UserFilter) ([]notify.User, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		clause, a := inClause("id", f.IDs)
		where = append(where, clause)
		args = append(args, a...)
	}
	if f.ExcludeAdmins {
		where = append(where, "is_admin = 0")
	}
	q := `SELECT ` + userCols + ` FROM users`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notify.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertUser(ctx context.Context, u notify.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+userCols+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = excluded.username,
		   chat_id = excluded.chat_id,
		   phone = excluded.phone,
		   notification_email = excluded.notification_email,
		   email = excluded.email,
		   is_admin = excluded.is_admin`,
		u.ID, u.Username, u.ChatID, u.Phone, u.NotificationEmail, u.Email, u.IsAdmin,
	)
	return err
}

// ---- batches ----

func (s *SQLite) PutBatch(ctx context.Context, b Batch) error {
	ids, err := json.Marshal(b.UserIDs)
	if err != nil {
		return err
	}
	var finished any
	if b.FinishedAt != nil {
		finished = b.FinishedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches(key, user_ids, message, started_at, finished_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET user_ids = excluded.user_ids, message = excluded.message,
		   started_at = excluded.started_at, finished_at = excluded.finished_at`,
		b.Key, string(ids), b.Message, b.StartedAt.UnixNano(), finished,
	)
	return err
}

func scanBatch(r rowScanner) (Batch, error) {
	var (
		b        Batch
		rawIDs   string
		started  int64
		finished sql.NullInt64
	)
	if err := r.Scan(&b.Key, &rawIDs, &b.Message, &started, &finished); err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(rawIDs), &b.UserIDs); err != nil {
		return b, fmt.Errorf("decode batch %s users: %w", b.Key, err)
	}
	b.StartedAt = time.Unix(0, started)
	if finished.Valid {
		at := time.Unix(0, finished.Int64)
		b.FinishedAt = &at
	}
	return b, nil
}

func (s *SQLite) GetBatch(ctx context.Context, key string) (Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`SELECT key, user_ids, message, started_at, finished_at FROM batches WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	return b, err
}

func (s *SQLite) FinishBatch(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET finished_at = COALESCE(finished_at, ?) WHERE key = ?`, at.UnixNano(), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, user_ids, message, started_at, finished_at FROM batches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteFinishedBatches(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
