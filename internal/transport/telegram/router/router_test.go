package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tasker/internal/reminder"
	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

type fakeStore struct {
	mu          sync.Mutex
	outstanding []storage.Outstanding
	allowed     map[int64]string
	calls       []string
}

func (f *fakeStore) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeStore) ListOutstanding(_ context.Context, _ int64, limit int) ([]storage.Outstanding, error) {
	f.record("list")
	if limit < len(f.outstanding) {
		return f.outstanding[:limit], nil
	}
	return f.outstanding, nil
}

func (f *fakeStore) SetDefinitionsMuted(_ context.Context, _ int64, muted bool) (int, error) {
	if muted {
		f.record("mute")
	} else {
		f.record("unmute")
	}
	return 3, nil
}

func (f *fakeStore) SetUnclaimedMuted(_ context.Context, _ int64, muted bool) (int, error) {
	if muted {
		f.record("mute_today")
	} else {
		f.record("unmute_today")
	}
	return 2, nil
}

func (f *fakeStore) DropUnclaimed(context.Context, int64) (int, error) {
	f.record("sleep")
	return 4, nil
}

func (f *fakeStore) IsAllowed(_ context.Context, id int64, username string) (bool, error) {
	name, ok := f.allowed[id]
	return ok && name == username, nil
}

type fakeReminders struct {
	mu   sync.Mutex
	done []int64
	err  error
}

func (f *fakeReminders) Done(_ context.Context, id int64, _ transport.Callback) (storage.DoneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, id)
	return storage.DoneResult{Found: true, Count: 1}, f.err
}

func (f *fakeReminders) Settings() reminder.Settings { return reminder.DefaultSettings() }

type reply struct {
	To   transport.ChatTarget
	Text string
	Opt  transport.SendOptions
}

type fakeChannel struct {
	mu       sync.Mutex
	replies  []reply
	answered []string
}

func (f *fakeChannel) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{To: to, Text: text, Opt: *opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 100 + len(f.replies)}, nil
}

func (f *fakeChannel) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (f *fakeChannel) DeleteMessage(context.Context, transport.MessageRef) error { return nil }
func (f *fakeChannel) DropKeyboard(context.Context, transport.MessageRef) error  { return nil }

func (f *fakeChannel) AnswerCallback(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	f.answered = append(f.answered, id)
	f.mu.Unlock()
	return nil
}

const owner = int64(1)

func newTestRouter(t *testing.T) (*Router, *fakeStore, *fakeReminders, *fakeChannel) {
	t.Helper()
	st := &fakeStore{allowed: map[int64]string{5: "bob"}}
	rem := &fakeReminders{}
	ch := &fakeChannel{}
	wake := func(context.Context) (int, error) { return 7, nil }
	r := New(Config{Owners: []int64{owner}, Workers: 1, QueueSize: 1}, st, rem, ch, wake, logx.Nop())
	return r, st, rem, ch
}

func message(from int64, username, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 9, ChatID: 50, FromID: from, FromUsername: username, Text: text,
	}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"/wuzzup", "wuzzup"},
		{"  /WuzNext@tasker_bot extra", "wuznext"},
		{"/mute_today\nplease", "mute_today"},
		{"hello /mute", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseCommand(tc.in); got != tc.want {
			t.Fatalf("parseCommand(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnauthenticatedSenderGetsOnlyRejection(t *testing.T) {
	t.Parallel()

	r, st, _, ch := newTestRouter(t)
	r.HandleMessage(context.Background(), message(99, "eve<", "/wuzzup"))

	if len(st.calls) != 0 {
		t.Fatalf("store touched: %v", st.calls)
	}
	if len(ch.replies) != 1 {
		t.Fatalf("replies=%+v", ch.replies)
	}
	got := ch.replies[0]
	if !strings.HasPrefix(got.Text, "Sorry, but you are not authenticated.") ||
		!strings.Contains(got.Text, "<code>99</code>") ||
		!strings.Contains(got.Text, "<code>eve&lt;</code>") {
		t.Fatalf("text=%q", got.Text)
	}
	if got.Opt.ParseMode != transport.ParseModeHTML || got.Opt.ReplyTo != 9 {
		t.Fatalf("opt=%+v", got.Opt)
	}
}

func TestAuthenticatedSenderSkipsRejection(t *testing.T) {
	t.Parallel()

	r, st, _, ch := newTestRouter(t)
	st.outstanding = []storage.Outstanding{
		{Title: "stretch", SendAt: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)},
		{Title: "water", SendAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	r.HandleMessage(context.Background(), message(5, "bob", "/wuznext@tasker_bot"))

	if len(ch.replies) != 1 {
		t.Fatalf("replies=%+v", ch.replies)
	}
	if want := "<b>12:00</b> — stretch\n"; ch.replies[0].Text != want {
		t.Fatalf("text=%q want %q", ch.replies[0].Text, want)
	}
}

func TestEmptyListing(t *testing.T) {
	t.Parallel()

	r, _, _, ch := newTestRouter(t)
	r.HandleMessage(context.Background(), message(owner, "", "/wuzzup"))
	if len(ch.replies) != 1 || ch.replies[0].Text != "Nothing outstanding" {
		t.Fatalf("replies=%+v", ch.replies)
	}
}

func TestCommandsMatchWholeWord(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text  string
		call  string
		reply string
	}{
		{"/mute", "mute", "Muting all tasks done for 3 tasks"},
		{"/unmute", "unmute", "Unmuting all tasks done for 3 tasks"},
		{"/mute_today", "mute_today", "Muting today tasks done for 2 tasks"},
		{"/unmute_today", "unmute_today", "Unmuting today tasks done for 2 tasks"},
		{"/sleep", "sleep", "Dropping today tasks done for 4 tasks"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.call, func(t *testing.T) {
			t.Parallel()
			r, st, _, ch := newTestRouter(t)
			r.HandleMessage(context.Background(), message(owner, "", tc.text))
			if len(st.calls) != 1 || st.calls[0] != tc.call {
				t.Fatalf("calls=%v", st.calls)
			}
			if len(ch.replies) != 1 || ch.replies[0].Text != tc.reply || ch.replies[0].Opt.ParseMode != "" {
				t.Fatalf("replies=%+v", ch.replies)
			}
		})
	}
}

func TestWakeup(t *testing.T) {
	t.Parallel()

	r, _, _, ch := newTestRouter(t)
	r.HandleMessage(context.Background(), message(owner, "", "/wakeup"))
	if len(ch.replies) != 1 || ch.replies[0].Text != "Scheduling done for 7 tasks" {
		t.Fatalf("replies=%+v", ch.replies)
	}
}

func TestOwnersHotReload(t *testing.T) {
	t.Parallel()

	r, _, _, ch := newTestRouter(t)
	r.Apply(Config{Owners: []int64{77}})
	r.HandleMessage(context.Background(), message(owner, "", "/wakeup"))
	if len(ch.replies) != 1 || !strings.HasPrefix(ch.replies[0].Text, "Sorry") {
		t.Fatalf("former owner still allowed: %+v", ch.replies)
	}
}

func TestCallbackCompletesInstance(t *testing.T) {
	t.Parallel()

	r, _, rem, ch := newTestRouter(t)
	cb := func(data string) transport.Update {
		return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
			ID: "cb-" + data, FromID: 123, ChatID: 50, MessageID: 8, Data: data,
		}}
	}

	r.HandleCallback(context.Background(), cb("42"))
	r.HandleCallback(context.Background(), cb("nope"))
	rem.err = errors.New("boom")
	r.HandleCallback(context.Background(), cb("43"))

	if len(rem.done) != 2 || rem.done[0] != 42 || rem.done[1] != 43 {
		t.Fatalf("done=%v", rem.done)
	}
	if len(ch.answered) != 1 || ch.answered[0] != "cb-nope" {
		t.Fatalf("answered=%v", ch.answered)
	}
}

func TestRouteDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	r, _, _, ch := newTestRouter(t)
	ctx := context.Background()
	r.Route(ctx, message(owner, "", "plain text"))
	r.Route(ctx, message(owner, "", "/wuzzup"))
	r.Route(ctx, transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "c", Data: "1"}})

	if got := r.busy.Load(); got != 1 {
		t.Fatalf("busy=%d want 1", got)
	}
	if len(ch.answered) != 1 || ch.answered[0] != "c" {
		t.Fatalf("answered=%v", ch.answered)
	}
}

func TestRunProcessesUpdates(t *testing.T) {
	t.Parallel()

	r, st, _, ch := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	updates <- message(owner, "", "/sleep")
	deadline := time.Now().Add(2 * time.Second)
	for {
		ch.mu.Lock()
		n := len(ch.replies)
		ch.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply; calls=%v", st.calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()

	r, _, _, _ := newTestRouter(t)
	menu := MenuCommands(r.Processors())
	names := make([]string, 0, len(menu))
	for _, c := range menu {
		names = append(names, c.Command)
	}
	want := "wuzzup,wuznext,mute,unmute,mute_today,unmute_today,sleep,wakeup"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("menu=%s want %s", got, want)
	}
}

func TestInvokeRecoversPanicAndAppliesTimeout(t *testing.T) {
	t.Parallel()

	r, _, _, _ := newTestRouter(t)
	req := &Request{Handler: "boom"}
	err := r.invoke(context.Background(), req, time.Second, func(context.Context, *Request) error {
		panic("bad state")
	})
	if err == nil || !strings.Contains(err.Error(), "handler boom panicked: bad state") {
		t.Fatalf("err=%v", err)
	}

	req.Handler = "slow"
	err = r.invoke(context.Background(), req, 10*time.Millisecond, func(ctx context.Context, _ *Request) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}
