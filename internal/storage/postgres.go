package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "tasker/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

var _ Store = (*postgresStore)(nil)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage/postgres: dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	cctx, cancel := connectContext(ctx, cfg)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: connect: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/postgres: ping: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("store ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return fmt.Errorf("storage/postgres: read migrations: %w", err)
	}
	// No arguments: pgx sends this over the simple protocol, so the file may hold several statements.
	if _, err := s.pool.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("storage/postgres: migrate: %w", err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const pgPurgeSQL = `
delete from current_tasks
where send_at < $1
and not exists (select 1 from sending_tasks where task_to_send = current_tasks.id)
`

const pgDefinitionsSQL = `
select id, chat_id, task_name, message, is_html, starts_at,
	extract(epoch from period)::bigint, is_muted
from scheduled_tasks
where not is_muted and starts_at < $1
order by id
`

const pgInsertInstanceSQL = `
insert into current_tasks (chat_id, title, message, is_html, send_at)
values ($1, $2, $3, $4, $5)
on conflict (chat_id, title, send_at) do nothing
`

func (s *postgresStore) Materialize(ctx context.Context, day, until time.Time, build BuildFunc) (MaterializeResult, error) {
	var res MaterializeResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, pgPurgeSQL, day.UTC())
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		res.Purged = int(tag.RowsAffected())

		rows, err := tx.Query(ctx, pgDefinitionsSQL, until.UTC())
		if err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		defs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Definition, error) {
			var d Definition
			var periodSec int64
			err := row.Scan(&d.ID, &d.ChatID, &d.TaskName, &d.Message, &d.IsHTML, &d.StartsAt, &periodSec, &d.IsMuted)
			d.Period = time.Duration(periodSec) * time.Second
			d.StartsAt = d.StartsAt.UTC()
			return d, err
		})
		if err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}

		instances := build(defs)
		if len(instances) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, in := range instances {
			batch.Queue(pgInsertInstanceSQL, in.ChatID, in.Title, in.Message, in.IsHTML, in.SendAt.UTC())
		}
		br := tx.SendBatch(ctx, batch)
		for range instances {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return fmt.Errorf("insert instance: %w", err)
			}
			res.Inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return MaterializeResult{}, fmt.Errorf("storage/postgres: materialize: %w", err)
	}
	return res, nil
}

const pgClaimSQL = `
with to_send as (
	update current_tasks
	set is_sending_created = true
	where not is_sending_created
	and not is_muted
	and send_at < $1::timestamptz + interval '30 seconds'
	returning id
), inserted as (
	insert into sending_tasks (task_to_send)
	select id from to_send
	returning task_to_send as id
), task_ids as (
	select id, true as first from inserted
	union
	select distinct task_to_send as id, false as first
	from sending_tasks
	where task_to_send not in (select id from inserted)
)
select t.id, t.chat_id, t.is_html, t.message, ids.first
from current_tasks t
join task_ids ids using (id)
order by t.send_at, t.id
`

func (s *postgresStore) ClaimDue(ctx context.Context, tick time.Time) ([]Due, error) {
	rows, err := s.pool.Query(ctx, pgClaimSQL, tick.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: claim due: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Due, error) {
		var d Due
		err := row.Scan(&d.ID, &d.ChatID, &d.IsHTML, &d.Message, &d.First)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: claim due: %w", err)
	}
	return out, nil
}

func (s *postgresStore) RecordSent(ctx context.Context, m SentMessage) error {
	_, err := s.pool.Exec(ctx,
		`insert into tg_messages (sending_task_id, tg_message_id, sent_at) values ($1, $2, $3)`,
		m.SendingTaskID, int64(m.MessageID), m.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage/postgres: record sent: %w", err)
	}
	return nil
}

const pgDoneSQL = `
with to_delete as (
	select m.sending_task_id, t.chat_id, m.tg_message_id, m.sent_at
	from tg_messages m
	join current_tasks t on t.id = m.sending_task_id
	where m.sending_task_id = $1
), deleted_sendings as (
	delete from sending_tasks
	where task_to_send = $1
	returning task_to_send as id
), deletion_info as (
	select d.sending_task_id, d.chat_id, d.tg_message_id, d.sent_at
	from to_delete d
	where exists (select 1 from deleted_sendings)
), deletion_insert as (
	insert into deletion_tasks (chat_id, tg_message_id, sending_task_id, sent_at)
	select chat_id, tg_message_id, sending_task_id, sent_at
	from deletion_info
	order by sent_at, tg_message_id
	offset 1
	on conflict (chat_id, tg_message_id) do nothing
	returning 1
)
select k.sending_task_id, k.chat_id, k.tg_message_id, k.sent_at,
	(select count(*) from deletion_info) as cnt,
	(select count(*) from deletion_insert) as queued
from (select 1 from deleted_sendings limit 1) found
left join lateral (
	select sending_task_id, chat_id, tg_message_id, sent_at
	from deletion_info
	order by sent_at, tg_message_id
	limit 1
) k on true
`

// Done closes instanceID. An open instance without recorded deliveries comes
// back Found with a zero Count and no kept message.
func (s *postgresStore) Done(ctx context.Context, instanceID int64) (DoneResult, error) {
	var (
		taskID, chatID, messageID *int64
		sentAt                    *time.Time
		queued, cnt               int64
	)
	err := s.pool.QueryRow(ctx, pgDoneSQL, instanceID).Scan(&taskID, &chatID, &messageID, &sentAt, &cnt, &queued)
	if errors.Is(err, pgx.ErrNoRows) {
		return DoneResult{}, nil
	}
	if err != nil {
		return DoneResult{}, fmt.Errorf("storage/postgres: done: %w", err)
	}
	res := DoneResult{Found: true, Count: int(cnt)}
	if messageID != nil {
		res.Kept = SentMessage{SendingTaskID: *taskID, ChatID: *chatID, MessageID: int(*messageID), SentAt: sentAt.UTC()}
	}
	s.log.Debug("instance done", logx.Int64("id", instanceID), logx.Int64("count", cnt), logx.Int64("queued", queued))
	return res, nil
}

func (s *postgresStore) PendingDeletions(ctx context.Context, instanceID int64, limit int) ([]DeletionTask, error) {
	rows, err := s.pool.Query(ctx, `
select id, chat_id, tg_message_id, sending_task_id, sent_at
from deletion_tasks
where $1::bigint = 0 or sending_task_id = $1::bigint
order by sent_at
limit $2`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: pending deletions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeletionTask, error) {
		var d DeletionTask
		var mid int64
		err := row.Scan(&d.ID, &d.ChatID, &mid, &d.SendingTaskID, &d.SentAt)
		d.MessageID = int(mid)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: pending deletions: %w", err)
	}
	return out, nil
}

func (s *postgresStore) ClearDeletions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `delete from deletion_tasks where id = any($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("storage/postgres: clear deletions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) InstanceMessage(ctx context.Context, instanceID int64) (string, bool, error) {
	var (
		msg    string
		isHTML bool
	)
	err := s.pool.QueryRow(ctx, `select message, is_html from current_tasks where id = $1`, instanceID).Scan(&msg, &isHTML)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("storage/postgres: instance message: %w", err)
	}
	return msg, isHTML, nil
}

func (s *postgresStore) ListOutstanding(ctx context.Context, chatID int64, limit int) ([]Outstanding, error) {
	rows, err := s.pool.Query(ctx, `
select title, send_at
from current_tasks
where not is_sending_created
and chat_id = $1
order by send_at
limit $2`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: list outstanding: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Outstanding, error) {
		var o Outstanding
		err := row.Scan(&o.Title, &o.SendAt)
		o.SendAt = o.SendAt.UTC()
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: list outstanding: %w", err)
	}
	return out, nil
}

func (s *postgresStore) AddDefinition(ctx context.Context, d Definition) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
insert into scheduled_tasks (chat_id, task_name, message, is_html, starts_at, period, is_muted)
values ($1, $2, $3, $4, $5, $6::bigint * interval '1 second', $7)
returning id`,
		d.ChatID, d.TaskName, d.Message, d.IsHTML, d.StartsAt.UTC(), int64(d.Period/time.Second), d.IsMuted,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage/postgres: add definition: %w", err)
	}
	return id, nil
}

func (s *postgresStore) exec(ctx context.Context, op, sql string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("storage/postgres: %s: %w", op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) SetDefinitionsMuted(ctx context.Context, chatID int64, muted bool) (int, error) {
	return s.exec(ctx, "mute definitions",
		`update scheduled_tasks set is_muted = $2 where chat_id = $1`, chatID, muted)
}

func (s *postgresStore) SetUnclaimedMuted(ctx context.Context, chatID int64, muted bool) (int, error) {
	return s.exec(ctx, "mute instances",
		`update current_tasks set is_muted = $2 where chat_id = $1 and not is_sending_created`, chatID, muted)
}

func (s *postgresStore) DropUnclaimed(ctx context.Context, chatID int64) (int, error) {
	return s.exec(ctx, "drop unclaimed",
		`delete from current_tasks where chat_id = $1 and not is_sending_created`, chatID)
}

func (s *postgresStore) IsAllowed(ctx context.Context, userID int64, username string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`select count(*) = 1 from allowed_users where id = $1 and username = $2`, userID, username,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("storage/postgres: is allowed: %w", err)
	}
	return ok, nil
}

func (s *postgresStore) AllowUser(ctx context.Context, userID int64, username string) error {
	_, err := s.pool.Exec(ctx,
		`insert into allowed_users (id, username) values ($1, $2) on conflict do nothing`, userID, username)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage/postgres: allow user: %w", err)
	}
	return nil
}

// isUniqueViolation checks for a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
