package reminder

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

type sentText struct {
	To   transport.ChatTarget
	Text string
	Opt  transport.SendOptions
	Ref  transport.MessageRef
}

type editedText struct {
	Ref  transport.MessageRef
	Text string
}

// fakeChannel is an in-memory transport.Channel.
type fakeChannel struct {
	mu        sync.Mutex
	nextID    int
	clock     time.Time
	sent      []sentText
	edits     []editedText
	dropped   []transport.MessageRef
	deleted   []transport.MessageRef
	answered  []string
	deleteErr map[int]error // by message id
	sendErr   map[int64]error
	noID      map[int64]bool // chats whose sends return no message id

	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		clock:     time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
		deleteErr: map[int]error{},
		sendErr:   map[int64]error{},
		noID:      map[int64]bool{},
	}
}

func (f *fakeChannel) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	if f.noID[to.ChatID] {
		return transport.MessageRef{ChatID: to.ChatID}, nil
	}
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID, SentAt: f.clock}
	var o transport.SendOptions
	if opt != nil {
		o = *opt
		if opt.DoneButton != nil {
			id := *opt.DoneButton
			o.DoneButton = &id
		}
	}
	f.sent = append(f.sent, sentText{To: to, Text: text, Opt: o, Ref: ref})
	return ref, nil
}

func (f *fakeChannel) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedText{Ref: ref, Text: text})
	return nil
}

func (f *fakeChannel) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return f.deleteErr[ref.MessageID]
}

func (f *fakeChannel) DropKeyboard(ctx context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, ref)
	return nil
}

func (f *fakeChannel) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callbackID)
	return nil
}

func (f *fakeChannel) sends() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func (f *fakeChannel) deletedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.deleted))
	for _, r := range f.deleted {
		out = append(out, r.MessageID)
	}
	return out
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "tasker.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSettings() Settings {
	s := DefaultSettings()
	s.SweepPause = 5 * time.Millisecond
	s.SweepBudget = 2 * time.Second
	return s
}

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func daily(chat int64, name string, at time.Duration) storage.Definition {
	return storage.Definition{ChatID: chat, TaskName: name, StartsAt: day.Add(-24*time.Hour + at), Period: 24 * time.Hour}
}
