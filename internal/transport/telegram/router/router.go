// Package router turns inbound Telegram updates into engine calls: text
// commands go through the ordered processors, done-button presses complete
// their instance.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tasker/internal/reminder"
	"tasker/internal/runtime/supervisor"
	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
	"tasker/pkg/tgui"
)

// Store is the part of storage.Store the commands use.
type Store interface {
	ListOutstanding(ctx context.Context, chatID int64, limit int) ([]storage.Outstanding, error)
	SetDefinitionsMuted(ctx context.Context, chatID int64, muted bool) (int, error)
	SetUnclaimedMuted(ctx context.Context, chatID int64, muted bool) (int, error)
	DropUnclaimed(ctx context.Context, chatID int64) (int, error)
	IsAllowed(ctx context.Context, userID int64, username string) (bool, error)
}

// Reminders is the part of reminder.Service the router uses.
type Reminders interface {
	Done(ctx context.Context, instanceID int64, cb transport.Callback) (storage.DoneResult, error)
	Settings() reminder.Settings
}

// WakeFunc materializes the lookahead window now and reports how many
// instances were inserted.
type WakeFunc func(ctx context.Context) (int, error)

type Config struct {
	Owners         []int64
	Workers        int           // 0 means NumCPU (at least 2)
	QueueSize      int           // 0 means 256
	CommandTimeout time.Duration // 0 means 30s
}

type Request struct {
	Update        transport.Update
	Message       *transport.Message
	Callback      *transport.Callback
	Chat          transport.ChatTarget
	FromID        int64
	Command       string // lower-cased, without "/" and "@bot"
	Handler       string
	Authenticated bool
	ReqID         string
	Logger        logx.Logger
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

type Router struct {
	store Store
	rem   Reminders
	ch    transport.Channel
	wake  WakeFunc
	log   logx.Logger

	mu      sync.RWMutex
	owners  []int64
	timeout time.Duration
	workers int

	procs []Processor
	jobs  chan func()
	busy  atomic.Uint64
}

func New(cfg Config, store Store, rem Reminders, ch transport.Channel, wake WakeFunc, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	r := &Router{
		store:   store,
		rem:     rem,
		ch:      ch,
		wake:    wake,
		log:     log.With(logx.String("comp", "telegram.router")),
		workers: workers,
		jobs:    make(chan func(), queue),
	}
	r.Apply(cfg)
	r.procs = r.Processors()
	return r
}

// Apply swaps the owner list and command timeout. Safe during hot reload.
func (r *Router) Apply(cfg Config) {
	owners := append([]int64(nil), cfg.Owners...)
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.mu.Lock()
	r.owners = owners
	r.timeout = timeout
	r.mu.Unlock()
}

func (r *Router) snapshot() ([]int64, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners, r.timeout
}

// Run consumes updates until ctx ends or updates is closed. Handlers run on
// a bounded worker pool; updates arriving while the queue is full are
// dropped and counted.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		if n := r.busy.Load(); n > 0 {
			r.log.Warn("updates dropped (queue full)", logx.Uint64("count", n))
		}
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route queues the handling of one update.
func (r *Router) Route(ctx context.Context, up transport.Update) {
	var job func()
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message == nil || parseCommand(up.Message.Text) == "" {
			return
		}
		job = func() { r.HandleMessage(ctx, up) }
	case transport.UpdateCallback:
		if up.Callback == nil {
			return
		}
		job = func() { r.HandleCallback(ctx, up) }
	default:
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.busy.Add(1)
		if up.Callback != nil {
			_ = r.ch.AnswerCallback(ctx, up.Callback.ID, "busy")
		}
	}
}

func (r *Router) authenticated(ctx context.Context, m *transport.Message) bool {
	owners, _ := r.snapshot()
	for _, o := range owners {
		if o == m.FromID {
			return true
		}
	}
	ok, err := r.store.IsAllowed(ctx, m.FromID, m.FromUsername)
	if err != nil {
		r.log.Warn("allow-list lookup failed", logx.Int64("from_id", m.FromID), logx.Err(err))
		return false
	}
	return ok
}

// HandleMessage runs the processors for one text message.
func (r *Router) HandleMessage(ctx context.Context, up transport.Update) {
	m := up.Message
	_, timeout := r.snapshot()
	rid := newReqID()
	req := &Request{
		Update:  up,
		Message: m,
		Chat:    transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID:  m.FromID,
		Command: parseCommand(m.Text),
		ReqID:   rid,
	}
	req.Authenticated = r.authenticated(ctx, m)
	base := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", m.ChatID),
		logx.Int64("from_id", m.FromID),
		logx.String("cmd", req.Command),
	)
	if !req.Authenticated {
		base.Warn("sender is not authenticated", logx.String("username", m.FromUsername))
	}

	exclusiveRan := false
	for _, p := range r.procs {
		if p.Exclusive && exclusiveRan {
			continue
		}
		if p.RequiresAuth && !req.Authenticated {
			continue
		}
		if !p.CanHandle(req) {
			continue
		}
		req.Handler = p.Name
		req.Logger = base
		_ = r.invoke(ctx, req, timeout, p.Handle)
		if p.Exclusive {
			exclusiveRan = true
		}
	}
}

// HandleCallback completes the instance named by a done button. Any other
// callback data is acknowledged and ignored.
func (r *Router) HandleCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	_, timeout := r.snapshot()
	rid := newReqID()
	req := &Request{
		Update:   up,
		Callback: cb,
		Chat:     transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:   cb.FromID,
		Handler:  "done",
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
		),
	}

	id, ok := tgui.ParseDoneData(cb.Data)
	if !ok {
		req.Logger.Debug("unknown callback data", logx.String("data", cb.Data))
		_ = r.ch.AnswerCallback(ctx, cb.ID, "")
		return
	}

	_ = r.invoke(ctx, req, timeout, func(ctx context.Context, req *Request) error {
		_, err := r.rem.Done(ctx, id, *cb)
		return err
	})
}

var ridSeq atomic.Uint64

// newReqID returns a short id: base36 time, a sequence number.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36)
}
