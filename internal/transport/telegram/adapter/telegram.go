// Package adapter receives Telegram updates over telebot long polling and
// forwards them as transport updates. Outbound calls go through botapi.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"tasker/internal/runtime/supervisor"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
}

// Poller implements transport.Poller.
type Poller struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	// dropped counts updates lost because the consumer fell behind.
	dropped atomic.Uint64
}

var _ transport.Poller = (*Poller)(nil)

func New(cfg Config, log logx.Logger) (*Poller, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram.poller"))
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"message", "callback_query"}},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	p := &Poller{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Update
	p.out.Store(nilOut)
	p.registerHandlers()
	return p, nil
}

func (p *Poller) registerHandlers() {
	p.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := fromMessage(c.Message()); m != nil {
			p.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: m})
		}
		return nil
	})
	p.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		if cb := fromCallback(c.Callback()); cb != nil {
			p.sendUpdate(transport.Update{Kind: transport.UpdateCallback, Callback: cb})
		}
		return nil
	})
}

func fromMessage(m *tele.Message) *transport.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &transport.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
		IsGroup:  m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	return out
}

func fromCallback(cb *tele.Callback) *transport.Callback {
	if cb == nil || cb.Message == nil || cb.Message.Chat == nil {
		return nil
	}
	out := &transport.Callback{
		ID:        cb.ID,
		ChatID:    cb.Message.Chat.ID,
		ThreadID:  cb.Message.ThreadID,
		MessageID: cb.Message.ID,
		Data:      strings.TrimSpace(cb.Data),
	}
	if cb.Sender != nil {
		out.FromID = cb.Sender.ID
	}
	return out
}

func (p *Poller) sendUpdate(up transport.Update) {
	out, _ := p.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		p.dropped.Add(1)
	}
}

func (p *Poller) reportDropped(capacity int) {
	if n := p.dropped.Swap(0); n > 0 {
		p.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Start begins long polling in the background and returns immediately.
func (p *Poller) Start(ctx context.Context, out chan<- transport.Update) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return nil
	}
	p.running = true
	p.out.Store(out)
	p.sup = supervisor.New(ctx,
		supervisor.WithLogger(p.log),
		supervisor.WithCancelOnError(false),
	)
	sup := p.sup
	p.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				p.reportDropped(cap(out))
				return
			case <-ticker.C:
				p.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		p.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		p.log.Info("polling started")
		p.bot.Start()
		p.log.Info("polling stopped")
		return nil
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It waits at most two seconds (or until ctx ends) for
// the in-flight getUpdates call to return.
func (p *Poller) Stop(ctx context.Context) error {
	p.runMu.Lock()
	sup := p.sup
	p.sup = nil
	wasRunning := p.running
	p.running = false
	var nilOut chan<- transport.Update
	p.out.Store(nilOut)
	p.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	p.log.Info("stopping")
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			p.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		p.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
