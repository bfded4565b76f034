package router

import (
	"context"
	"fmt"
	"strings"

	"tasker/internal/reminder"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
	"tasker/pkg/tgui"
)

// Processor handles inbound text messages.
//
// Processors run in order and every processor whose CanHandle accepts the
// request runs. A processor with RequiresAuth is skipped for senders that
// are neither owners nor allow-listed. Once one Exclusive processor has run,
// later Exclusive processors are skipped.
type Processor struct {
	Name         string
	Description  string // bot menu entry; empty keeps it out of the menu
	Exclusive    bool
	RequiresAuth bool
	CanHandle    func(req *Request) bool
	Handle       HandlerFunc
}

// command matches "/name" and "/name@bot" as the first word of the text.
func command(name string) func(req *Request) bool {
	return func(req *Request) bool { return req.Command == name }
}

const (
	listAll  = 100
	listNext = 1
)

// Processors returns the processors in evaluation order.
func (r *Router) Processors() []Processor {
	return []Processor{
		{
			Name:         "wuzzup",
			Description:  "list outstanding reminders",
			RequiresAuth: true,
			CanHandle:    command("wuzzup"),
			Handle:       r.listing(listAll),
		},
		{
			Name:         "wuznext",
			Description:  "show the next reminder",
			RequiresAuth: true,
			CanHandle:    command("wuznext"),
			Handle:       r.listing(listNext),
		},
		r.toggle("mute", "Muting all tasks", r.store.SetDefinitionsMuted, true),
		r.toggle("unmute", "Unmuting all tasks", r.store.SetDefinitionsMuted, false),
		r.toggle("mute_today", "Muting today tasks", r.store.SetUnclaimedMuted, true),
		r.toggle("unmute_today", "Unmuting today tasks", r.store.SetUnclaimedMuted, false),
		{
			Name:         "sleep",
			Description:  "drop the rest of today",
			RequiresAuth: true,
			CanHandle:    command("sleep"),
			Handle:       r.sleep,
		},
		{
			Name:         "wakeup",
			Description:  "schedule reminders now",
			RequiresAuth: true,
			CanHandle:    command("wakeup"),
			Handle:       r.wakeup,
		},
		{
			Name:      "unauthenticated",
			Exclusive: true,
			CanHandle: func(req *Request) bool {
				return !req.Authenticated && req.Command != ""
			},
			Handle: r.unauthenticated,
		},
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string, html bool) error {
	opt := &transport.SendOptions{ReplyTo: req.Message.ID, DisablePreview: true}
	if html {
		opt.ParseMode = transport.ParseModeHTML
	}
	ref, err := r.ch.SendText(ctx, req.Chat, text, opt)
	if err != nil {
		return err
	}
	req.Logger.Debug("reply sent", logx.Int("message_id", ref.MessageID))
	return nil
}

func (r *Router) listing(limit int) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		items, err := r.store.ListOutstanding(ctx, req.Chat.ChatID, limit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return r.reply(ctx, req, "Nothing outstanding", false)
		}
		return r.reply(ctx, req, reminder.FormatListing(items, r.rem.Settings().DisplayOffset), true)
	}
}

type muteFunc func(ctx context.Context, chatID int64, muted bool) (int, error)

func (r *Router) toggle(name, desc string, fn muteFunc, muted bool) Processor {
	return Processor{
		Name:         name,
		Description:  desc,
		RequiresAuth: true,
		CanHandle:    command(name),
		Handle: func(ctx context.Context, req *Request) error {
			req.Logger.Info(desc)
			n, err := fn(ctx, req.Chat.ChatID, muted)
			if err != nil {
				return err
			}
			return r.reply(ctx, req, fmt.Sprintf("%s done for %d tasks", desc, n), false)
		},
	}
}

func (r *Router) sleep(ctx context.Context, req *Request) error {
	n, err := r.store.DropUnclaimed(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Dropping today tasks done for %d tasks", n), false)
}

func (r *Router) wakeup(ctx context.Context, req *Request) error {
	if r.wake == nil {
		return r.reply(ctx, req, "Scheduling is not available", false)
	}
	n, err := r.wake(ctx)
	if err != nil {
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Scheduling done for %d tasks", n), false)
}

func (r *Router) unauthenticated(ctx context.Context, req *Request) error {
	req.Logger.Warn("unauthenticated command")
	text := "Sorry, but you are not authenticated.\nuser id: " +
		tgui.Code(fmt.Sprint(req.Message.FromID)).String() + "\n" +
		tgui.Code(req.Message.FromUsername).String()
	return r.reply(ctx, req, text, true)
}

// parseCommand returns the lower-cased command name of text, without the
// leading slash and any @botname, or "" when text is not a command.
func parseCommand(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word := text[1:]
	if i := strings.IndexFunc(word, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }); i >= 0 {
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}

// MenuCommands lists the processors that belong in the bot menu.
func MenuCommands(procs []Processor) []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(procs))
	for _, p := range procs {
		if p.Description == "" {
			continue
		}
		out = append(out, transport.BotCommand{Command: p.Name, Description: p.Description})
	}
	return out
}
