package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tasker/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage/sqlite: path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage/sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage/sqlite: open: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" lives per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cctx, cancel := connectContext(ctx, cfg)
	defer cancel()
	if err := db.PingContext(cctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage/sqlite: ping: %w", err)
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return fmt.Errorf("storage/sqlite: read migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("storage/sqlite: migrate: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Materialize(ctx context.Context, day, until time.Time, build BuildFunc) (MaterializeResult, error) {
	var res MaterializeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
DELETE FROM current_tasks
WHERE send_at < ?
AND NOT EXISTS (SELECT 1 FROM sending_tasks WHERE task_to_send = current_tasks.id)`, day.Unix())
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Purged = int(n)

		rows, err := tx.QueryContext(ctx, `
SELECT id, chat_id, task_name, message, is_html, starts_at, period, is_muted
FROM scheduled_tasks
WHERE is_muted = 0 AND starts_at < ?
ORDER BY id`, until.Unix())
		if err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		var defs []Definition
		for rows.Next() {
			var (
				d         Definition
				msg       sql.NullString
				startsAt  int64
				periodSec int64
			)
			if err := rows.Scan(&d.ID, &d.ChatID, &d.TaskName, &msg, &d.IsHTML, &startsAt, &periodSec, &d.IsMuted); err != nil {
				_ = rows.Close()
				return fmt.Errorf("load definitions: %w", err)
			}
			if msg.Valid {
				m := msg.String
				d.Message = &m
			}
			d.StartsAt = time.Unix(startsAt, 0).UTC()
			d.Period = time.Duration(periodSec) * time.Second
			defs = append(defs, d)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}

		for _, in := range build(defs) {
			r, err := tx.ExecContext(ctx, `
INSERT INTO current_tasks (chat_id, title, message, is_html, send_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (chat_id, title, send_at) DO NOTHING`,
				in.ChatID, in.Title, in.Message, in.IsHTML, in.SendAt.Unix())
			if err != nil {
				return fmt.Errorf("insert instance: %w", err)
			}
			n, _ := r.RowsAffected()
			res.Inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("storage/sqlite: materialize: %w", err)
	}
	return res, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, tick time.Time) ([]Due, error) {
	var out []Due
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
UPDATE current_tasks
SET is_sending_created = 1
WHERE is_sending_created = 0 AND is_muted = 0 AND send_at < ?
RETURNING id`, tick.Add(ClaimWindow).Unix())
		if err != nil {
			return err
		}
		claimed := map[int64]bool{}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			claimed[id] = true
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for id := range claimed {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sending_tasks (task_to_send) VALUES (?)`, id); err != nil {
				return err
			}
		}

		rows, err = tx.QueryContext(ctx, `
SELECT id, chat_id, is_html, message
FROM current_tasks
WHERE id IN (SELECT task_to_send FROM sending_tasks)
ORDER BY send_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d Due
			if err := rows.Scan(&d.ID, &d.ChatID, &d.IsHTML, &d.Message); err != nil {
				return err
			}
			d.First = claimed[d.ID]
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage/sqlite: claim due: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) RecordSent(ctx context.Context, m SentMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tg_messages (sending_task_id, tg_message_id, sent_at) VALUES (?, ?, ?)`,
		m.SendingTaskID, m.MessageID, m.SentAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage/sqlite: record sent: %w", err)
	}
	return nil
}

// Done closes instanceID. An open instance without recorded deliveries comes
// back Found with a zero Count and no kept message.
func (s *sqliteStore) Done(ctx context.Context, instanceID int64) (DoneResult, error) {
	var res DoneResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM sending_tasks WHERE task_to_send = ?`, instanceID)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
SELECT m.sending_task_id, t.chat_id, m.tg_message_id, m.sent_at
FROM tg_messages m
JOIN current_tasks t ON t.id = m.sending_task_id
WHERE m.sending_task_id = ?
ORDER BY m.sent_at, m.tg_message_id`, instanceID)
		if err != nil {
			return err
		}
		var sent []SentMessage
		for rows.Next() {
			var (
				m      SentMessage
				sentAt int64
			)
			if err := rows.Scan(&m.SendingTaskID, &m.ChatID, &m.MessageID, &sentAt); err != nil {
				_ = rows.Close()
				return err
			}
			m.SentAt = time.UnixMilli(sentAt).UTC()
			sent = append(sent, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(sent) == 0 {
			res = DoneResult{Found: true}
			return nil
		}

		for _, m := range sent[1:] {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO deletion_tasks (chat_id, tg_message_id, sending_task_id, sent_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (chat_id, tg_message_id) DO NOTHING`,
				m.ChatID, m.MessageID, m.SendingTaskID, m.SentAt.UnixMilli()); err != nil {
				return err
			}
		}
		res = DoneResult{Found: true, Kept: sent[0], Count: len(sent)}
		return nil
	})
	if err != nil {
		return DoneResult{}, fmt.Errorf("storage/sqlite: done: %w", err)
	}
	return res, nil
}

func (s *sqliteStore) PendingDeletions(ctx context.Context, instanceID int64, limit int) ([]DeletionTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_id, tg_message_id, sending_task_id, sent_at
FROM deletion_tasks
WHERE ? = 0 OR sending_task_id = ?
ORDER BY sent_at, id
LIMIT ?`, instanceID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage/sqlite: pending deletions: %w", err)
	}
	defer rows.Close()

	var out []DeletionTask
	for rows.Next() {
		var (
			d      DeletionTask
			sentAt int64
		)
		if err := rows.Scan(&d.ID, &d.ChatID, &d.MessageID, &d.SendingTaskID, &sentAt); err != nil {
			return nil, fmt.Errorf("storage/sqlite: pending deletions: %w", err)
		}
		d.SentAt = time.UnixMilli(sentAt).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/sqlite: pending deletions: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) ClearDeletions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `DELETE FROM deletion_tasks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	return s.exec(ctx, "clear deletions", q, args...)
}

func (s *sqliteStore) InstanceMessage(ctx context.Context, instanceID int64) (string, bool, error) {
	var (
		msg    string
		isHTML bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT message, is_html FROM current_tasks WHERE id = ?`, instanceID).Scan(&msg, &isHTML)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("storage/sqlite: instance message: %w", err)
	}
	return msg, isHTML, nil
}

func (s *sqliteStore) ListOutstanding(ctx context.Context, chatID int64, limit int) ([]Outstanding, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT title, send_at
FROM current_tasks
WHERE is_sending_created = 0 AND chat_id = ?
ORDER BY send_at, id
LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage/sqlite: list outstanding: %w", err)
	}
	defer rows.Close()

	var out []Outstanding
	for rows.Next() {
		var (
			o      Outstanding
			sendAt int64
		)
		if err := rows.Scan(&o.Title, &sendAt); err != nil {
			return nil, fmt.Errorf("storage/sqlite: list outstanding: %w", err)
		}
		o.SendAt = time.Unix(sendAt, 0).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/sqlite: list outstanding: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) AddDefinition(ctx context.Context, d Definition) (int64, error) {
	var msg any
	if d.Message != nil {
		msg = *d.Message
	}
	r, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (chat_id, task_name, message, is_html, starts_at, period, is_muted)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ChatID, d.TaskName, msg, d.IsHTML, d.StartsAt.Unix(), int64(d.Period/time.Second), d.IsMuted)
	if err != nil {
		return 0, fmt.Errorf("storage/sqlite: add definition: %w", err)
	}
	return r.LastInsertId()
}

func (s *sqliteStore) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	r, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("storage/sqlite: %s: %w", op, err)
	}
	n, _ := r.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) SetDefinitionsMuted(ctx context.Context, chatID int64, muted bool) (int, error) {
	return s.exec(ctx, "mute definitions",
		`UPDATE scheduled_tasks SET is_muted = ? WHERE chat_id = ?`, muted, chatID)
}

func (s *sqliteStore) SetUnclaimedMuted(ctx context.Context, chatID int64, muted bool) (int, error) {
	return s.exec(ctx, "mute instances",
		`UPDATE current_tasks SET is_muted = ? WHERE chat_id = ? AND is_sending_created = 0`, muted, chatID)
}

func (s *sqliteStore) DropUnclaimed(ctx context.Context, chatID int64) (int, error) {
	return s.exec(ctx, "drop unclaimed",
		`DELETE FROM current_tasks WHERE chat_id = ? AND is_sending_created = 0`, chatID)
}

func (s *sqliteStore) IsAllowed(ctx context.Context, userID int64, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM allowed_users WHERE id = ? AND username = ?`, userID, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage/sqlite: is allowed: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) AllowUser(ctx context.Context, userID int64, username string) error {
	_, err := s.exec(ctx, "allow user",
		`INSERT INTO allowed_users (id, username) VALUES (?, ?) ON CONFLICT DO NOTHING`, userID, username)
	return err
}
