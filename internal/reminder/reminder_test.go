package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"tasker/internal/eventbus"
	"tasker/internal/storage"
	"tasker/internal/transport"
	logx "tasker/pkg/logx"
)

func TestReminderSuffix(t *testing.T) {
	t.Parallel()
	cases := map[int]string{
		1: "е", 2: "я", 3: "я", 4: "я", 5: "й", 9: "й", 10: "й",
		11: "е", 12: "я", 14: "я", 20: "й", 21: "е", 22: "я", 100: "й",
	}
	for n, want := range cases {
		if got := ReminderSuffix(n); got != want {
			t.Fatalf("ReminderSuffix(%d)=%q want %q", n, got, want)
		}
	}
	if got := DoneText("drink", 3); got != "drink\n\n<i>понадобилось всего 3 напоминания</i>" {
		t.Fatalf("DoneText=%q", got)
	}
}

func TestToday(t *testing.T) {
	t.Parallel()
	msk := time.FixedZone("MSK", 3*3600)
	cases := []struct {
		now    time.Time
		offset time.Duration
		want   time.Time
	}{
		{time.Date(2024, 3, 9, 21, 59, 0, 0, time.UTC), 2 * time.Hour, day.Add(-24 * time.Hour)},
		{time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC), 2 * time.Hour, day.Add(-24 * time.Hour)},
		{time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), 2 * time.Hour, day},
		{time.Date(2024, 3, 10, 12, 0, 0, 0, msk), 2 * time.Hour, day},
		// Local midnight in Moscow is still the previous UTC day.
		{time.Date(2024, 3, 11, 0, 0, 0, 0, msk), 2 * time.Hour, day},
		{time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC), 26 * time.Hour, day.Add(24 * time.Hour)},
		{time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC), -2 * time.Hour, day.Add(-24 * time.Hour)},
	}
	for _, tc := range cases {
		if got := Today(tc.now, tc.offset); !got.Equal(tc.want) {
			t.Fatalf("Today(%v, %v)=%v want %v", tc.now, tc.offset, got, tc.want)
		}
	}
}

func TestMaterializeAtUTCMidnightFromNonUTCZone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	svc := New(st, ch, testSettings(), logx.Nop(), nil)

	for _, d := range []storage.Definition{daily(8, "stretch", 9*time.Hour), daily(8, "water", 12*time.Hour)} {
		if _, err := st.AddDefinition(ctx, d); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// The daily run fires at UTC midnight, which a Moscow host sees as 03:00.
	next := day.Add(24 * time.Hour)
	now := next.In(time.FixedZone("MSK", 3*3600))
	res, err := svc.Materialize(ctx, now, 0)
	if err != nil || res.Inserted != 2 {
		t.Fatalf("materialize res=%+v err=%v", res, err)
	}
	out, err := st.ListOutstanding(ctx, 8, 10)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	for _, o := range out {
		if o.SendAt.Before(next) {
			t.Fatalf("instance %q at %v belongs to the day that just ended", o.Title, o.SendAt)
		}
	}

	tr, err := svc.Tick(ctx, now.Add(time.Minute))
	if err != nil || tr.Due != 0 || len(ch.sends()) != 0 {
		t.Fatalf("nothing is due a minute after midnight: tick=%+v sends=%d err=%v", tr, len(ch.sends()), err)
	}
}

func TestOccursHonorsPeriod(t *testing.T) {
	t.Parallel()
	every2 := func(startDaysAgo int) storage.Definition {
		return storage.Definition{StartsAt: day.Add(time.Duration(-24*startDaysAgo)*time.Hour + 9*time.Hour), Period: 48 * time.Hour}
	}
	cases := []struct {
		name string
		def  storage.Definition
		want bool
	}{
		{"daily", daily(1, "a", 9*time.Hour), true},
		{"every other day, on", every2(2), true},
		{"every other day, off", every2(1), false},
		{"starts later today", storage.Definition{StartsAt: day.Add(20 * time.Hour), Period: 24 * time.Hour}, true},
		{"starts tomorrow", storage.Definition{StartsAt: day.Add(25 * time.Hour), Period: 24 * time.Hour}, false},
		{"zero period", storage.Definition{StartsAt: day.Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		if got := Occurs(tc.def, day, 24*time.Hour); got != tc.want {
			t.Fatalf("%s: Occurs=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestBuildInstancesLanguageSlot(t *testing.T) {
	t.Parallel()
	msg := "<b>wake</b>"
	early := daily(7, "wake up", 6*time.Hour)
	early.Message = &msg
	early.IsHTML = true
	lang := daily(7, "Svenska Språk", 17*time.Hour+10*time.Minute)
	broken := daily(7, "broken", time.Hour)
	broken.Period = 0

	out, skipped := BuildInstances([]storage.Definition{lang, broken, early}, day, 24*time.Hour, Language{
		Enabled: true,
		Slot:    17*time.Hour + 10*time.Minute,
		Labels:  map[string]string{"Svenska Språk": "idag talar vi Svenska"},
	})
	if len(skipped) != 1 || skipped[0].TaskName != "broken" {
		t.Fatalf("skipped=%+v", skipped)
	}
	if len(out) != 3 {
		t.Fatalf("out=%+v", out)
	}
	if out[0].Title != "wake up" || out[0].Message != msg || !out[0].SendAt.Equal(day.Add(6*time.Hour)) {
		t.Fatalf("first=%+v", out[0])
	}
	if out[1].Title != "Svenska Språk" || out[1].Message != "Svenska Språk" {
		t.Fatalf("second=%+v", out[1])
	}
	syn := out[2]
	if syn.Title != "idag talar vi Svenska" || syn.Message != msg || !syn.IsHTML || !syn.SendAt.Equal(day.Add(6*time.Hour)) {
		t.Fatalf("synthetic=%+v", syn)
	}

	out, _ = BuildInstances([]storage.Definition{early}, day, 24*time.Hour, Language{Enabled: true, Slot: 17*time.Hour + 10*time.Minute})
	if len(out) != 1 {
		t.Fatalf("no slot candidate must add nothing: %+v", out)
	}
}

func TestFormatListing(t *testing.T) {
	t.Parallel()
	got := FormatListing([]storage.Outstanding{
		{Title: "a<b", SendAt: day.Add(22 * time.Hour)},
		{Title: "c", SendAt: day.Add(9*time.Hour + 5*time.Minute)},
	}, 3*time.Hour)
	want := "<b>01:00</b> — a&lt;b\n<b>12:05</b> — c\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDispatchIsBounded(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ch := newFakeChannel()
	ch.delay = 10 * time.Millisecond
	set := testSettings()
	set.Concurrency = 3
	svc := New(st, ch, set, logx.Nop(), nil)

	due := make([]storage.Due, 20)
	for i := range due {
		due[i] = storage.Due{ID: int64(i + 1), ChatID: 1, Message: "m"}
	}
	sent, failed := svc.dispatch(context.Background(), logx.Nop(), "run", due)
	if sent != 20 || failed != 0 {
		t.Fatalf("sent=%d failed=%d", sent, failed)
	}
	if m := ch.maxSeen.Load(); m > 3 || m < 1 {
		t.Fatalf("max in flight=%d", m)
	}
	if ch.inFlight.Load() != 0 {
		t.Fatalf("deliveries still running after dispatch returned")
	}
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()
	svc := New(st, ch, testSettings(), logx.Nop(), bus)

	for _, d := range []storage.Definition{daily(42, "stretch", 10*time.Hour), daily(42, "water", 12*time.Hour)} {
		if _, err := st.AddDefinition(ctx, d); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	res, err := svc.Materialize(ctx, day.Add(time.Hour), 0)
	if err != nil || res.Inserted != 2 {
		t.Fatalf("materialize res=%+v err=%v", res, err)
	}
	if res, _ := svc.Materialize(ctx, day.Add(time.Hour), 0); res.Inserted != 0 {
		t.Fatalf("rerun inserted=%d", res.Inserted)
	}

	tr, err := svc.Tick(ctx, day.Add(10*time.Hour+20*time.Second))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if tr.Due != 1 || tr.Claimed != 1 || tr.Sent != 1 {
		t.Fatalf("tick=%+v", tr)
	}
	sends := ch.sends()
	if len(sends) != 2 {
		t.Fatalf("sends=%+v", sends)
	}
	if sends[0].Text != "<b>15:00</b> — water\n" || sends[0].Opt.ParseMode != transport.ParseModeHTML {
		t.Fatalf("overview=%+v", sends[0])
	}
	if sends[1].Text != "stretch" || sends[1].Opt.DoneButton == nil {
		t.Fatalf("reminder=%+v", sends[1])
	}
	id := *sends[1].Opt.DoneButton

	for i := 1; i <= 2; i++ {
		tr, err := svc.Tick(ctx, day.Add(10*time.Hour+time.Duration(i)*time.Minute))
		if err != nil || tr.Due != 1 || tr.Claimed != 0 {
			t.Fatalf("repeat tick=%+v err=%v", tr, err)
		}
	}
	sends = ch.sends()
	if len(sends) != 4 {
		t.Fatalf("sends=%d", len(sends))
	}
	kept, last := sends[1].Ref, sends[3].Ref

	cb := transport.Callback{ID: "cb-1", ChatID: 42, MessageID: last.MessageID}
	done, err := svc.Done(ctx, id, cb)
	if err != nil || !done.Found || done.Count != 3 {
		t.Fatalf("done=%+v err=%v", done, err)
	}
	if len(ch.edits) != 1 || ch.edits[0].Ref.MessageID != kept.MessageID ||
		ch.edits[0].Text != "stretch\n\n<i>понадобилось всего 3 напоминания</i>" {
		t.Fatalf("edits=%+v", ch.edits)
	}
	if got := ch.deletedIDs(); len(got) != 2 || got[0] == kept.MessageID || got[1] == kept.MessageID {
		t.Fatalf("deleted=%v", got)
	}
	if left, _ := st.PendingDeletions(ctx, 0, 100); len(left) != 0 {
		t.Fatalf("queue not drained: %+v", left)
	}

	again, err := svc.Done(ctx, id, cb)
	if err != nil || again.Found {
		t.Fatalf("second done=%+v err=%v", again, err)
	}
	if got := ch.deletedIDs(); got[len(got)-1] != last.MessageID {
		t.Fatalf("stale press should remove the pressed message: %v", got)
	}
	if len(ch.answered) != 2 {
		t.Fatalf("answered=%v", ch.answered)
	}

	if tr, _ := svc.Tick(ctx, day.Add(10*time.Hour+3*time.Minute)); tr.Due != 0 {
		t.Fatalf("closed instance re-sent: %+v", tr)
	}

	seen := map[string]int{}
	for len(events) > 0 {
		seen[(<-events).Type]++
	}
	if seen[EventMaterialized] != 2 || seen[EventSent] != 3 || seen[EventDone] != 1 {
		t.Fatalf("events=%v", seen)
	}
}

func TestDoneSingleDeliveryDropsKeyboard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	svc := New(st, ch, testSettings(), logx.Nop(), nil)

	if _, err := st.AddDefinition(ctx, daily(5, "<tea>", 8*time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Materialize(ctx, day.Add(time.Hour), 0); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, err := svc.Tick(ctx, day.Add(8*time.Hour)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	sends := ch.sends()
	if len(sends) != 1 || sends[0].Opt.ParseMode != "" {
		t.Fatalf("plain reminder expected: %+v", sends)
	}
	res, err := svc.Done(ctx, *sends[0].Opt.DoneButton, transport.Callback{ID: "x", ChatID: 5, MessageID: sends[0].Ref.MessageID})
	if err != nil || res.Count != 1 {
		t.Fatalf("done=%+v err=%v", res, err)
	}
	if len(ch.dropped) != 1 || ch.dropped[0].MessageID != sends[0].Ref.MessageID || len(ch.edits) != 0 {
		t.Fatalf("dropped=%+v edits=%+v", ch.dropped, ch.edits)
	}
}

func TestSweepToleratesGoneMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	set := testSettings()
	set.SweepBudget = 150 * time.Millisecond
	svc := New(st, ch, set, logx.Nop(), nil)

	if _, err := st.AddDefinition(ctx, daily(9, "a", 10*time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Materialize(ctx, day.Add(time.Hour), 0); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	due, err := st.ClaimDue(ctx, day.Add(10*time.Hour))
	if err != nil || len(due) != 1 {
		t.Fatalf("due=%+v err=%v", due, err)
	}
	for i := 0; i < 4; i++ {
		m := storage.SentMessage{SendingTaskID: due[0].ID, ChatID: 9, MessageID: 500 + i, SentAt: day.Add(10*time.Hour + time.Duration(i)*time.Minute)}
		if err := st.RecordSent(ctx, m); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if res, err := st.Done(ctx, due[0].ID); err != nil || res.Count != 4 {
		t.Fatalf("done=%+v err=%v", res, err)
	}

	ch.deleteErr[501] = transport.ErrMessageNotFound
	ch.deleteErr[502] = transport.ErrMessageCantBeDeleted
	ch.deleteErr[503] = errors.New("429 too many requests")

	res, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !res.Exhausted || res.Cleared != 2 || res.Rounds < 2 {
		t.Fatalf("res=%+v", res)
	}
	left, _ := st.PendingDeletions(ctx, 0, 100)
	if len(left) != 1 || left[0].MessageID != 503 {
		t.Fatalf("left=%+v", left)
	}

	delete(ch.deleteErr, 503)
	res, err = svc.Sweep(ctx)
	if err != nil || res.Exhausted || res.Cleared != 1 {
		t.Fatalf("second sweep=%+v err=%v", res, err)
	}
}

func TestTickSendFailureIsNotRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	ch.sendErr[3] = errors.New("chat not found")
	svc := New(st, ch, testSettings(), logx.Nop(), nil)

	if _, err := st.AddDefinition(ctx, daily(3, "a", 10*time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Materialize(ctx, day.Add(time.Hour), 0); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	tr, err := svc.Tick(ctx, day.Add(10*time.Hour))
	if err != nil || tr.Failed != 1 || tr.Sent != 0 {
		t.Fatalf("tick=%+v err=%v", tr, err)
	}
	res, err := st.Done(ctx, 1)
	if err != nil {
		t.Fatalf("done: %v", err)
	}
	if !res.Found || res.Count != 0 || res.Kept.MessageID != 0 {
		t.Fatalf("no delivery was recorded, done must not find a kept message: %+v", res)
	}
}

func TestDoneWithoutRecordedDeliveryKeepsMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	ch.noID[4] = true
	svc := New(st, ch, testSettings(), logx.Nop(), nil)

	if _, err := st.AddDefinition(ctx, daily(4, "a", 10*time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Materialize(ctx, day.Add(time.Hour), 0); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, err := svc.Tick(ctx, day.Add(10*time.Hour)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	cb := transport.Callback{ID: "cb-9", ChatID: 4, MessageID: 31}
	res, err := svc.Done(ctx, 1, cb)
	if err != nil || !res.Found || res.Count != 0 {
		t.Fatalf("done=%+v err=%v", res, err)
	}
	if got := ch.deletedIDs(); len(got) != 0 {
		t.Fatalf("live reminder deleted: %v", got)
	}
	if len(ch.dropped) != 1 || ch.dropped[0].MessageID != 31 || ch.dropped[0].ChatID != 4 {
		t.Fatalf("dropped=%+v", ch.dropped)
	}
	if len(ch.answered) != 1 || ch.answered[0] != "cb-9" {
		t.Fatalf("answered=%v", ch.answered)
	}
	if tr, _ := svc.Tick(ctx, day.Add(10*time.Hour+time.Minute)); tr.Due != 0 {
		t.Fatalf("closed instance re-sent: %+v", tr)
	}
}

func TestTickWithoutMessageIDCountsAsFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	ch := newFakeChannel()
	ch.noID[6] = true
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	svc := New(st, ch, testSettings(), logx.Nop(), bus)

	if _, err := st.AddDefinition(ctx, daily(6, "a", 10*time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Materialize(ctx, day.Add(time.Hour), 0); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	tr, err := svc.Tick(ctx, day.Add(10*time.Hour))
	if err != nil || tr.Sent != 0 || tr.Failed != 1 {
		t.Fatalf("tick=%+v err=%v", tr, err)
	}

	var failed Event
	seen := map[string]int{}
	for len(events) > 0 {
		ev := <-events
		seen[ev.Type]++
		if ev.Type == EventSendFailed {
			failed, _ = ev.Data.(Event)
		}
	}
	if seen[EventSent] != 0 || seen[EventSendFailed] != 1 {
		t.Fatalf("events=%v", seen)
	}
	if failed.Error != ErrNotDelivered.Error() {
		t.Fatalf("failure event=%+v", failed)
	}
	if res, err := st.Done(ctx, 1); err != nil || res.Count != 0 {
		t.Fatalf("no delivery may be recorded: res=%+v err=%v", res, err)
	}
}
