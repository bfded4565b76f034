package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tasker/internal/transport"
)

// Sender is the part of the outbound channel the group sink needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

const (
	groupQueueSize = 256
	groupTextMax   = 3500
	groupValueMax  = 600
)

type groupPost struct {
	to   transport.ChatTarget
	text string
}

// groupSink is a zerolog LevelWriter that forwards records at or above its
// minimum level to a chat. It never blocks logging: records beyond the rate
// or the queue are dropped.
type groupSink struct {
	mu     sync.Mutex
	sender Sender
	to     transport.ChatTarget
	floor  Level
	lim    *rate.Limiter

	queue   chan groupPost
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newGroupSink(sender Sender) *groupSink {
	return &groupSink{
		sender: sender,
		floor:  LevelWarn,
		lim:    rate.NewLimiter(1, 1),
		queue:  make(chan groupPost, groupQueueSize),
	}
}

func (g *groupSink) setSender(sender Sender) {
	g.mu.Lock()
	g.sender = sender
	g.mu.Unlock()
}

func (g *groupSink) setTarget(chatID int64, threadID int) {
	g.mu.Lock()
	g.to.ChatID = chatID
	if threadID != 0 {
		g.to.ThreadID = threadID
	}
	g.mu.Unlock()
}

func (g *groupSink) hasTarget() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.to.ChatID != 0
}

func (g *groupSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	g.mu.Lock()
	g.floor = ParseLevel(cfg.MinLevel, LevelWarn)
	g.lim = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		g.to.ThreadID = cfg.ThreadID
	}
	g.mu.Unlock()
}

// start launches the delivery loop once.
func (g *groupSink) start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.stopped = make(chan struct{})
	go g.run(ctx, g.stopped)
}

func (g *groupSink) stop() {
	g.mu.Lock()
	cancel, stopped := g.cancel, g.stopped
	g.cancel, g.stopped = nil, nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (g *groupSink) run(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-g.queue:
			g.mu.Lock()
			sender := g.sender
			g.mu.Unlock()
			if sender != nil {
				_, _ = sender.SendText(ctx, p.to, p.text, &transport.SendOptions{DisablePreview: true})
			}
		}
	}
}

func (g *groupSink) Write(p []byte) (int, error) { return g.WriteLevel(LevelInfo, p) }

func (g *groupSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	g.mu.Lock()
	to, floor, lim := g.to, g.floor, g.lim
	g.mu.Unlock()

	if to.ChatID == 0 || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := renderRecord(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case g.queue <- groupPost{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// renderRecord turns one JSON record into "[LEVEL] message" followed by one
// "key=value" line per remaining field, keys sorted.
func renderRecord(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, groupTextMax)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), groupValueMax))
	}
	return clip(b.String(), groupTextMax)
}

// clip cuts s to at most n bytes on a rune boundary, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
