package storage

import (
	"context"
	"testing"
	"time"
)

// storeSuite runs against every driver; each case gets an empty store.
var storeSuite = []struct {
	name string
	run  func(t *testing.T, st Store)
}{
	{"materialize is idempotent", testMaterializeIsIdempotent},
	{"materialize skips muted definitions", testMaterializeSkipsMutedDefinitions},
	{"purge keeps open instances", testPurgeKeepsOpenInstances},
	{"claim due claims once", testClaimDueClaimsOnce},
	{"muted instance is not claimed", testMutedInstanceIsNotClaimed},
	{"done queues all but earliest", testDoneQueuesAllButEarliest},
	{"allowed users", testAllowedUsers},
	{"done without deliveries", testDoneWithoutDeliveries},
}

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

// identity builds one instance per definition at day + time-of-day.
func identity(defs []Definition) []Instance {
	out := make([]Instance, 0, len(defs))
	for _, d := range defs {
		tod := d.StartsAt.Sub(d.StartsAt.Truncate(24 * time.Hour))
		msg := d.TaskName
		if d.Message != nil {
			msg = *d.Message
		}
		out = append(out, Instance{ChatID: d.ChatID, Title: d.TaskName, Message: msg, IsHTML: d.IsHTML, SendAt: day.Add(tod)})
	}
	return out
}

func addDef(t *testing.T, st Store, chat int64, name string, at time.Time) int64 {
	t.Helper()
	id, err := st.AddDefinition(context.Background(), Definition{ChatID: chat, TaskName: name, StartsAt: at, Period: 24 * time.Hour})
	if err != nil {
		t.Fatalf("add definition: %v", err)
	}
	return id
}

func testMaterializeIsIdempotent(t *testing.T, st Store) {
	ctx := context.Background()

	addDef(t, st, 1, "stretch", day.Add(-24*time.Hour+9*time.Hour))
	addDef(t, st, 1, "water", day.Add(-48*time.Hour+12*time.Hour))

	res, err := st.Materialize(ctx, day, day.Add(24*time.Hour), identity)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted=%d", res.Inserted)
	}
	res, err = st.Materialize(ctx, day, day.Add(24*time.Hour), identity)
	if err != nil {
		t.Fatalf("materialize again: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("second run inserted=%d", res.Inserted)
	}

	list, err := st.ListOutstanding(ctx, 1, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Title != "stretch" || list[1].Title != "water" {
		t.Fatalf("list=%+v", list)
	}
}

func testMaterializeSkipsMutedDefinitions(t *testing.T, st Store) {
	ctx := context.Background()

	addDef(t, st, 7, "a", day.Add(-24*time.Hour))
	n, err := st.SetDefinitionsMuted(ctx, 7, true)
	if err != nil || n != 1 {
		t.Fatalf("mute n=%d err=%v", n, err)
	}
	res, err := st.Materialize(ctx, day, day.Add(24*time.Hour), identity)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("muted definition materialized")
	}
}

func testPurgeKeepsOpenInstances(t *testing.T, st Store) {
	ctx := context.Background()

	prev := day.Add(-24 * time.Hour)
	addDef(t, st, 1, "a", prev.Add(-24*time.Hour+8*time.Hour))
	addDef(t, st, 1, "b", prev.Add(-24*time.Hour+20*time.Hour))
	prevBuild := func(defs []Definition) []Instance {
		out := identity(defs)
		for i := range out {
			out[i].SendAt = out[i].SendAt.Add(-24 * time.Hour)
		}
		return out
	}
	if _, err := st.Materialize(ctx, prev, prev.Add(24*time.Hour), prevBuild); err != nil {
		t.Fatalf("materialize prev: %v", err)
	}
	// Claim only "a" (08:00 yesterday).
	if _, err := st.ClaimDue(ctx, prev.Add(8*time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := st.Materialize(ctx, day, day.Add(24*time.Hour), func([]Definition) []Instance { return nil })
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Purged != 1 {
		t.Fatalf("purged=%d want 1 (open instance must survive)", res.Purged)
	}
	due, err := st.ClaimDue(ctx, day)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 1 || due[0].First {
		t.Fatalf("due=%+v", due)
	}
}

func testClaimDueClaimsOnce(t *testing.T, st Store) {
	ctx := context.Background()

	addDef(t, st, 1, "a", day.Add(-24*time.Hour+10*time.Hour))
	addDef(t, st, 1, "b", day.Add(-24*time.Hour+11*time.Hour))
	if _, err := st.Materialize(ctx, day, day.Add(24*time.Hour), identity); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	// 09:59 + 30s does not reach 10:00.
	due, err := st.ClaimDue(ctx, day.Add(9*time.Hour+59*time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("claimed early: %+v", due)
	}

	tick := day.Add(10 * time.Hour)
	due, err = st.ClaimDue(ctx, tick)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 1 || !due[0].First || due[0].Message != "a" {
		t.Fatalf("due=%+v", due)
	}

	due, err = st.ClaimDue(ctx, tick.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 1 || due[0].First {
		t.Fatalf("second tick should re-emit without First: %+v", due)
	}

	list, _ := st.ListOutstanding(ctx, 1, 100)
	if len(list) != 1 || list[0].Title != "b" {
		t.Fatalf("outstanding=%+v", list)
	}
}

func testMutedInstanceIsNotClaimed(t *testing.T, st Store) {
	ctx := context.Background()

	addDef(t, st, 3, "a", day.Add(-24*time.Hour+time.Hour))
	if _, err := st.Materialize(ctx, day, day.Add(24*time.Hour), identity); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n, err := st.SetUnclaimedMuted(ctx, 3, true); err != nil || n != 1 {
		t.Fatalf("mute today n=%d err=%v", n, err)
	}
	due, err := st.ClaimDue(ctx, day.Add(2*time.Hour))
	if err != nil || len(due) != 0 {
		t.Fatalf("due=%+v err=%v", due, err)
	}
	if n, err := st.DropUnclaimed(ctx, 3); err != nil || n != 1 {
		t.Fatalf("drop n=%d err=%v", n, err)
	}
}

func testDoneQueuesAllButEarliest(t *testing.T, st Store) {
	ctx := context.Background()

	addDef(t, st, 42, "a", day.Add(-24*time.Hour+10*time.Hour))
	if _, err := st.Materialize(ctx, day, day.Add(24*time.Hour), identity); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	due, err := st.ClaimDue(ctx, day.Add(10*time.Hour))
	if err != nil || len(due) != 1 {
		t.Fatalf("due=%+v err=%v", due, err)
	}
	id := due[0].ID
	for i := 0; i < 3; i++ {
		err := st.RecordSent(ctx, SentMessage{SendingTaskID: id, MessageID: 100 + i, SentAt: day.Add(10*time.Hour + time.Duration(i)*time.Minute)})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	res, err := st.Done(ctx, id)
	if err != nil {
		t.Fatalf("done: %v", err)
	}
	if !res.Found || res.Count != 3 || res.Kept.MessageID != 100 || res.Kept.ChatID != 42 {
		t.Fatalf("res=%+v", res)
	}

	pending, err := st.PendingDeletions(ctx, id, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].MessageID != 101 || pending[1].MessageID != 102 {
		t.Fatalf("pending=%+v", pending)
	}
	all, _ := st.PendingDeletions(ctx, 0, 100)
	if len(all) != 2 {
		t.Fatalf("all pending=%d", len(all))
	}

	again, err := st.Done(ctx, id)
	if err != nil {
		t.Fatalf("done again: %v", err)
	}
	if again.Found {
		t.Fatalf("second done should be a no-match")
	}

	n, err := st.ClearDeletions(ctx, []int64{pending[0].ID})
	if err != nil || n != 1 {
		t.Fatalf("clear n=%d err=%v", n, err)
	}
	left, _ := st.PendingDeletions(ctx, 0, 100)
	if len(left) != 1 || left[0].MessageID != 102 {
		t.Fatalf("left=%+v", left)
	}

	// Closed instance is no longer emitted.
	due, _ = st.ClaimDue(ctx, day.Add(11*time.Hour))
	if len(due) != 0 {
		t.Fatalf("due after done=%+v", due)
	}

	msg, isHTML, err := st.InstanceMessage(ctx, id)
	if err != nil || msg != "a" || isHTML {
		t.Fatalf("msg=%q html=%v err=%v", msg, isHTML, err)
	}
}

func testAllowedUsers(t *testing.T, st Store) {
	ctx := context.Background()

	if ok, _ := st.IsAllowed(ctx, 5, "bob"); ok {
		t.Fatalf("unexpected allow")
	}
	if err := st.AllowUser(ctx, 5, "bob"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := st.AllowUser(ctx, 5, "bob"); err != nil {
		t.Fatalf("allow twice: %v", err)
	}
	if ok, _ := st.IsAllowed(ctx, 5, "bob"); !ok {
		t.Fatalf("expected allow")
	}
	if ok, _ := st.IsAllowed(ctx, 5, "alice"); ok {
		t.Fatalf("username must match")
	}
}

func testDoneWithoutDeliveries(t *testing.T, st Store) {
	ctx := context.Background()

	addDef(t, st, 9, "a", day.Add(-24*time.Hour+10*time.Hour))
	if _, err := st.Materialize(ctx, day, day.Add(24*time.Hour), identity); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	due, err := st.ClaimDue(ctx, day.Add(10*time.Hour))
	if err != nil || len(due) != 1 {
		t.Fatalf("due=%+v err=%v", due, err)
	}

	res, err := st.Done(ctx, due[0].ID)
	if err != nil {
		t.Fatalf("done: %v", err)
	}
	if !res.Found || res.Count != 0 || res.Kept.MessageID != 0 {
		t.Fatalf("open instance without deliveries: res=%+v", res)
	}
	if pending, _ := st.PendingDeletions(ctx, 0, 100); len(pending) != 0 {
		t.Fatalf("pending=%+v", pending)
	}
	if again, err := st.Done(ctx, due[0].ID); err != nil || again.Found {
		t.Fatalf("second done=%+v err=%v", again, err)
	}
	if due, _ := st.ClaimDue(ctx, day.Add(11*time.Hour)); len(due) != 0 {
		t.Fatalf("due after done=%+v", due)
	}
}
