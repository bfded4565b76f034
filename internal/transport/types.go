package transport

import (
	"context"
	"errors"
	"time"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Callback is an inline button press. MessageID points at the message that
// carried the button.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a delivered message. MessageID 0 means the platform
// did not report an id. SentAt is the platform's timestamp when known.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	SentAt    time.Time
}

func (r MessageRef) Delivered() bool { return r.MessageID != 0 }

const ParseModeHTML = "HTML"

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// DoneButton attaches the single "done" inline button carrying the
	// instance id as callback data.
	DoneButton *int64
	ReplyTo    int
}

// Retraction outcomes that count as success.
var (
	ErrMessageNotFound      = errors.New("message to delete not found")
	ErrMessageCantBeDeleted = errors.New("message can't be deleted")
)

// Channel is the outbound notification channel.
type Channel interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	DropKeyboard(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Poller delivers inbound updates.
type Poller interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}
