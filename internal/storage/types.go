package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// ConnectTimeout bounds connection establishment in addition to the caller's context.
const ConnectTimeout = 5 * time.Second

// Config configures storage.
//
// Driver values:
//   - "postgres": DSN required
//   - "sqlite": Path required (":memory:" works for tests)
type Config struct {
	Driver         string
	DSN            string
	Path           string
	BusyTimeout    time.Duration // sqlite only; 0 means default
	ConnectTimeout time.Duration // 0 means ConnectTimeout
	MaxConns       int32         // postgres only; 0 means pgxpool default
}

// Definition is a recurring reminder. StartsAt anchors the repetition and
// its UTC time-of-day is when each occurrence fires.
type Definition struct {
	ID       int64
	ChatID   int64
	TaskName string
	Message  *string
	IsHTML   bool
	StartsAt time.Time
	Period   time.Duration
	IsMuted  bool
}

// Instance is one dated occurrence of a definition.
type Instance struct {
	ID      int64
	ChatID  int64
	Title   string
	Message string
	IsHTML  bool
	SendAt  time.Time
	Claimed bool
	Muted   bool
}

// Due is an instance with an open sending. First is set only on the tick that claimed it.
type Due struct {
	ID      int64
	ChatID  int64
	IsHTML  bool
	Message string
	First   bool
}

// SentMessage records one delivery of an instance.
type SentMessage struct {
	SendingTaskID int64
	ChatID        int64
	MessageID     int
	SentAt        time.Time
}

// DeletionTask is a queued retraction of a sent message.
type DeletionTask struct {
	ID            int64
	ChatID        int64
	MessageID     int
	SendingTaskID int64
	SentAt        time.Time
}

// DoneResult reports a completed instance. Found is false when nothing was
// open for the id; Kept is the earliest delivery, Count all deliveries. An
// open instance that was never delivered is Found with Count 0.
type DoneResult struct {
	Found bool
	Kept  SentMessage
	Count int
}

// Outstanding is an unclaimed instance as shown in listings.
type Outstanding struct {
	Title  string
	SendAt time.Time
}

// MaterializeResult counts rows touched by one materialization.
type MaterializeResult struct {
	Purged   int
	Inserted int
}

// BuildFunc turns the loaded definitions into the instances to upsert.
type BuildFunc func(defs []Definition) []Instance

// Store is the persistence API used by the reminder engine and the command router.
type Store interface {
	// Materialize, in one transaction: purges instances before day that have
	// no open sending, loads unmuted definitions starting before until, and
	// inserts build's result ignoring (chat_id, title, send_at) duplicates.
	Materialize(ctx context.Context, day, until time.Time, build BuildFunc) (MaterializeResult, error)
	// ClaimDue claims unclaimed, unmuted instances with send_at < tick+30s
	// and returns them together with every still-open instance.
	ClaimDue(ctx context.Context, tick time.Time) ([]Due, error)
	RecordSent(ctx context.Context, m SentMessage) error
	Done(ctx context.Context, instanceID int64) (DoneResult, error)
	// PendingDeletions returns up to limit queued retractions, oldest first.
	// instanceID 0 means all instances.
	PendingDeletions(ctx context.Context, instanceID int64, limit int) ([]DeletionTask, error)
	ClearDeletions(ctx context.Context, ids []int64) (int, error)
	InstanceMessage(ctx context.Context, instanceID int64) (string, bool, error)
	ListOutstanding(ctx context.Context, chatID int64, limit int) ([]Outstanding, error)

	AddDefinition(ctx context.Context, d Definition) (int64, error)
	SetDefinitionsMuted(ctx context.Context, chatID int64, muted bool) (int, error)
	SetUnclaimedMuted(ctx context.Context, chatID int64, muted bool) (int, error)
	DropUnclaimed(ctx context.Context, chatID int64) (int, error)
	IsAllowed(ctx context.Context, userID int64, username string) (bool, error)
	AllowUser(ctx context.Context, userID int64, username string) error

	Close() error
}

// ClaimWindow is how far past the tick an instance may be due and still be claimed.
const ClaimWindow = 30 * time.Second
