// Package botapi is the outbound side of the Telegram channel: the sends,
// edits, deletions and callback answers the reminder engine makes, issued
// through a telebot Bot behind a rate limiter.
package botapi

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tasker/internal/transport"
	logx "tasker/pkg/logx"
	"tasker/pkg/tgui"
)

const (
	DefaultBaseURL    = "https://api.telegram.org"
	DefaultRatePerSec = 20
	DoneButtonText    = "Готово!"
)

type Config struct {
	Token      string
	BaseURL    string
	RatePerSec int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements transport.Channel.
type Client struct {
	bot *tele.Bot
	lim *rate.Limiter
	log logx.Logger

	menuMu   sync.Mutex
	menuHash uint64
}

var _ transport.Channel = (*Client)(nil)

// New builds an offline bot: no getMe round trip, no polling. Inbound updates
// are the adapter package's job.
func New(cfg Config, log logx.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("botapi: token is empty")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = DefaultRatePerSec
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     base,
		Client:  hc,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("botapi: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		bot: b,
		lim: rate.NewLimiter(rate.Limit(rps), rps),
		log: log.With(logx.String("comp", "botapi")),
	}, nil
}

// wait gates one API call on ctx and the limiter. telebot calls take no
// context, so this is where cancellation is honored.
func (c *Client) wait(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("botapi %s: %w", method, err)
	}
	if err := c.lim.Wait(ctx); err != nil {
		return fmt.Errorf("botapi %s: %w", method, err)
	}
	return nil
}

func editable(ref transport.MessageRef) *tele.Message {
	return &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
}

// SendText sends text, splitting it when too long; options apply to the first
// chunk and its reference is returned. A message with a done button is never
// split: it is cut to its first chunk so that the one recorded delivery is the
// whole reminder.
func (c *Client) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if opt.DoneButton != nil && len(chunks) > 1 {
		c.log.Warn("reminder text truncated to one message",
			logx.Int64("chat_id", to.ChatID),
			logx.Int64("instance_id", *opt.DoneButton),
			logx.Int("chunks", len(chunks)),
		)
		chunks = chunks[:1]
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := c.wait(ctx, "sendMessage"); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 {
			if opt.ReplyTo != 0 {
				so.ReplyParams = &tele.ReplyParams{MessageID: opt.ReplyTo}
			}
			if opt.DoneButton != nil {
				so.ReplyMarkup = tgui.DoneKeyboard(DoneButtonText, *opt.DoneButton)
			}
		}
		m, err := c.bot.Send(chat, chunk, so)
		if err != nil {
			return first, mapError("sendMessage", err)
		}
		if i == 0 && m != nil {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID}
			if m.Unixtime > 0 {
				first.SentAt = time.Unix(m.Unixtime, 0).UTC()
			}
		}
	}
	return first, nil
}

// EditText replaces the text of ref. The inline keyboard is dropped unless
// opt asks for the done button again. A bare true result counts as success.
func (c *Client) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := c.wait(ctx, "editMessageText"); err != nil {
		return err
	}
	so := &tele.SendOptions{ParseMode: tele.ParseMode(opt.ParseMode), DisableWebPagePreview: opt.DisablePreview}
	if opt.DoneButton != nil {
		so.ReplyMarkup = tgui.DoneKeyboard(DoneButtonText, *opt.DoneButton)
	}
	if _, err := c.bot.Edit(editable(ref), text, so); err != nil && !errors.Is(err, tele.ErrTrueResult) {
		return mapError("editMessageText", err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := c.wait(ctx, "deleteMessage"); err != nil {
		return err
	}
	if err := c.bot.Delete(editable(ref)); err != nil {
		return mapError("deleteMessage", err)
	}
	return nil
}

// DropKeyboard removes the inline keyboard from ref.
func (c *Client) DropKeyboard(ctx context.Context, ref transport.MessageRef) error {
	if err := c.wait(ctx, "editMessageReplyMarkup"); err != nil {
		return err
	}
	if _, err := c.bot.EditReplyMarkup(editable(ref), nil); err != nil && !errors.Is(err, tele.ErrTrueResult) {
		return mapError("editMessageReplyMarkup", err)
	}
	return nil
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := c.wait(ctx, "answerCallbackQuery"); err != nil {
		return err
	}
	if err := c.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}); err != nil {
		return mapError("answerCallbackQuery", err)
	}
	return nil
}

type menuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SetCommands updates the bot's command menu. It only calls Telegram when the
// list differs from the last successful update.
func (c *Client) SetCommands(ctx context.Context, cmds []transport.BotCommand) error {
	c.menuMu.Lock()
	defer c.menuMu.Unlock()

	h := fnv.New64a()
	for _, cmd := range cmds {
		_, _ = h.Write([]byte(cmd.Command))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(cmd.Description))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == c.menuHash {
		return nil
	}

	payload := struct {
		Commands []menuCommand `json:"commands"`
	}{Commands: make([]menuCommand, 0, len(cmds))}
	for _, cmd := range cmds {
		name := strings.TrimPrefix(cmd.Command, "/")
		if name == "" {
			continue
		}
		d := cmd.Description
		if d == "" {
			d = name
		}
		payload.Commands = append(payload.Commands, menuCommand{Command: name, Description: d})
	}

	if err := c.wait(ctx, "setMyCommands"); err != nil {
		return err
	}
	if _, err := c.bot.Raw("setMyCommands", payload); err != nil {
		return mapError("setMyCommands", err)
	}
	c.menuHash = sum
	c.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}
