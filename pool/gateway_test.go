package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zachbabanov/loadzone/pool"
	"github.com/zachbabanov/loadzone/pool/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeClock is a settable clock shared with the gateway under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier collects published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []pool.Event
}

func (n *recordingNotifier) Publish(ev pool.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) byAction(action string) []pool.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []pool.Event
	for _, ev := range n.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

type gatewayFixture struct {
	gw       *pool.Gateway
	mem      *store.Memory
	clock    *fakeClock
	notifier *recordingNotifier
}

func newGatewayFixture(t *testing.T, opts pool.Options, vms ...string) *gatewayFixture {
	t.Helper()
	clock := newFakeClock(t0)
	notifier := &recordingNotifier{}
	mem := store.NewMemory()
	opts.Clock = clock.Now
	opts.Notifier = notifier

	gw, err := pool.NewGateway(context.Background(), mem, opts)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	for _, vm := range vms {
		if _, err := gw.AddResource(context.Background(), pool.AddResourceInput{ID: vm}); err != nil {
			t.Fatalf("add %s: %v", vm, err)
		}
	}
	return &gatewayFixture{gw: gw, mem: mem, clock: clock, notifier: notifier}
}

// =============================================================================
// SERIALIZATION AND PERSISTENCE
// =============================================================================

func TestGateway_ConcurrentBook_ExactlyOneWins(t *testing.T) {
	// GIVEN: One free VM and two users booking it at the same time
	// WHEN: Both requests run concurrently
	// THEN: Exactly one succeeds, the other gets a conflict, and the
	//       history holds exactly one book record

	f := newGatewayFixture(t, pool.Options{}, "vm-1")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"alice@lab", "bob@lab"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.gw.BookResource(ctx, "vm-1", user, 2)
		}(i, user)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case pool.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected 1 win and 1 conflict, got %d/%d", wins, conflicts)
	}

	r, err := f.gw.Resource("vm-1")
	if err != nil {
		t.Fatal(err)
	}
	books := 0
	for _, rec := range f.gw.History(r.Booking.Holder) {
		if rec.Action == pool.ActionBook {
			books++
		}
	}
	if books != 1 {
		t.Errorf("expected exactly one book record, got %d", books)
	}
}

func TestGateway_SaveFailure_RollsBack(t *testing.T) {
	// A failed persist must leave the in-memory pool untouched and
	// surface as an IO error; no notification may escape.

	f := newGatewayFixture(t, pool.Options{}, "vm-1")
	ctx := context.Background()
	f.mem.FailSaves = true

	_, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 2)

	if !pool.IsIO(err) {
		t.Fatalf("expected IO error, got %v", err)
	}
	r, _ := f.gw.Resource("vm-1")
	if r.Booked() {
		t.Error("failed save must not leave the VM booked")
	}
	if got := f.notifier.byAction(string(pool.ActionBook)); len(got) != 0 {
		t.Errorf("no event may be published for a failed mutation, got %d", len(got))
	}

	// The operation succeeds once the store recovers.
	f.mem.FailSaves = false
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 2); err != nil {
		t.Fatalf("retry after store recovery: %v", err)
	}
}

func TestGateway_RejectedMutation_DoesNotPersist(t *testing.T) {
	// Failed validations must not rewrite the snapshot.
	f := newGatewayFixture(t, pool.Options{}, "vm-1")
	ctx := context.Background()
	before := f.mem.SaveCount()

	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", -1); !pool.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.gw.BookResource(ctx, "ghost", "alice@lab", 2); !pool.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if f.mem.SaveCount() != before {
		t.Errorf("rejected mutations must not save, count %d -> %d", before, f.mem.SaveCount())
	}
}

func TestGateway_EventsPublishedAfterCommit(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{}, "vm-1")

	if _, err := f.gw.BookResource(context.Background(), "vm-1", "alice@lab", 2); err != nil {
		t.Fatal(err)
	}

	events := f.notifier.byAction(string(pool.ActionBook))
	if len(events) != 1 {
		t.Fatalf("expected one book event, got %d", len(events))
	}
	if events[0].ResourceID != "vm-1" {
		t.Errorf("event for wrong resource: %+v", events[0])
	}
}

func TestGateway_HoursClampedToMaximum(t *testing.T) {
	// A 100h request is shortened to the cap rather than rejected.
	f := newGatewayFixture(t, pool.Options{MaxBookHours: 24}, "vm-1")

	r, err := f.gw.BookResource(context.Background(), "vm-1", "alice@lab", 100)
	if err != nil {
		t.Fatal(err)
	}

	want := t0.Add(24 * time.Hour)
	if !r.Booking.Expiry.Equal(want) {
		t.Errorf("expected expiry clamped to %v, got %v", want, r.Booking.Expiry)
	}
}

func TestGateway_AdminOverrideCancel(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{Admins: []string{"admin@lab"}}, "vm-1")
	ctx := context.Background()
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 4); err != nil {
		t.Fatal(err)
	}

	if _, err := f.gw.CancelResource(ctx, "vm-1", "bob@lab"); !pool.IsAuthorization(err) {
		t.Fatalf("non-admin cancel of somebody else's booking: %v", err)
	}
	if _, err := f.gw.CancelResource(ctx, "vm-1", "admin@lab"); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

// =============================================================================
// QUEUE
// =============================================================================

func TestGateway_QueueJoinLeave(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{}, "vm-1")
	ctx := context.Background()
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 4); err != nil {
		t.Fatal(err)
	}

	pos, already, err := f.gw.JoinQueue(ctx, "vm-1", "bob@lab")
	if err != nil || pos != 1 || already {
		t.Fatalf("first join: pos=%d already=%v err=%v", pos, already, err)
	}

	// Joining twice reports the existing position instead of duplicating.
	pos, already, err = f.gw.JoinQueue(ctx, "vm-1", "bob@lab")
	if err != nil || pos != 1 || !already {
		t.Fatalf("repeat join: pos=%d already=%v err=%v", pos, already, err)
	}

	// The current holder may not queue for their own VM.
	if _, _, err := f.gw.JoinQueue(ctx, "vm-1", "alice@lab"); !pool.IsValidation(err) {
		t.Fatalf("holder joining own queue: %v", err)
	}

	if err := f.gw.LeaveQueue(ctx, "vm-1", "bob@lab"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := f.gw.LeaveQueue(ctx, "vm-1", "bob@lab"); !pool.IsNotFound(err) {
		t.Fatalf("second leave should be not found, got %v", err)
	}
}

func TestGateway_QueueFull_Conflict(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{QueueLimit: 2}, "vm-1")
	ctx := context.Background()
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 4); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"u1@lab", "u2@lab"} {
		if _, _, err := f.gw.JoinQueue(ctx, "vm-1", u); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}

	if _, _, err := f.gw.JoinQueue(ctx, "vm-1", "u3@lab"); !pool.IsConflict(err) {
		t.Fatalf("expected conflict on full queue, got %v", err)
	}
}

// =============================================================================
// SWEEP
// =============================================================================

func TestGateway_Sweep_EndToEnd(t *testing.T) {
	// GIVEN: res1 booked by u1 until T0+1h, res2 booked by u2 until
	//        T0+3h and released early at T0+10m, retention window 1h
	// WHEN: Sweeping at T0+2h
	// THEN: res1's booking is expired into a fresh release record with
	//       End T0+1h; res2's early book+release pair is pruned, and
	//       u1's book (scheduled end exactly one window old) goes too

	f := newGatewayFixture(t, pool.Options{RetentionWindow: time.Hour}, "res1", "res2")
	ctx := context.Background()

	if _, err := f.gw.BookResource(ctx, "res1", "u1@lab", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.gw.BookResource(ctx, "res2", "u2@lab", 3); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Minute)
	if _, err := f.gw.CancelResource(ctx, "res2", "u2@lab"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(110 * time.Minute) // now = T0+2h
	res, err := f.gw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if res.Expired != 1 {
		t.Errorf("expected 1 expiry, got %d", res.Expired)
	}
	if res.Pruned != 3 {
		t.Errorf("expected u2's pair and u1's aged book pruned, got %d", res.Pruned)
	}

	for _, vm := range []string{"res1", "res2"} {
		r, err := f.gw.Resource(vm)
		if err != nil {
			t.Fatal(err)
		}
		if r.Booked() {
			t.Errorf("%s should be free after the sweep", vm)
		}
	}

	// u1 is left with just the fresh release, End = scheduled expiry.
	u1 := f.gw.History("u1@lab")
	if len(u1) != 1 || u1[0].Action != pool.ActionRelease {
		t.Fatalf("expected a single release record for u1, got %+v", u1)
	}
	scheduled := t0.Add(time.Hour)
	if u1[0].End == nil || !u1[0].End.Equal(scheduled) {
		t.Errorf("release End should be scheduled expiry %v, got %v", scheduled, u1[0].End)
	}

	// u2's pair is gone entirely.
	if u2 := f.gw.History("u2@lab"); len(u2) != 0 {
		t.Errorf("expected u2 history empty, got %d records", len(u2))
	}
}

func TestGateway_Sweep_ExpireThenPrune(t *testing.T) {
	// A 4h booking left to expire: the sweep after T+4h frees the VM
	// and records the release; once that release itself ages past the
	// window, a later sweep erases the last trace.

	f := newGatewayFixture(t, pool.Options{RetentionWindow: time.Hour}, "server-01")
	ctx := context.Background()
	if _, err := f.gw.BookResource(ctx, "server-01", "a@x.com", 4); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(5 * time.Hour)
	res, err := f.gw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Expired != 1 {
		t.Fatalf("expected the booking expired, got %+v", res)
	}
	history := f.gw.History("a@x.com")
	if len(history) == 0 || history[0].Action != pool.ActionRelease {
		t.Fatalf("expected a release record, got %+v", history)
	}

	// The release was written at T+5h; one window later it is gone.
	f.clock.Advance(61 * time.Minute)
	if _, err := f.gw.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if left := f.gw.History("a@x.com"); len(left) != 0 {
		t.Fatalf("expected empty history, got %+v", left)
	}
}

func TestGateway_Sweep_PromotesQueueHead(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{}, "vm-1")
	ctx := context.Background()
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.gw.JoinQueue(ctx, "vm-1", "bob@lab"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.gw.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	promoted := f.notifier.byAction("queue_promoted")
	if len(promoted) != 1 || promoted[0].Target != "bob@lab" {
		t.Fatalf("expected bob promoted, got %+v", promoted)
	}
	r, _ := f.gw.Resource("vm-1")
	if len(r.Queue) != 0 {
		t.Errorf("queue should be empty after promotion, got %v", r.Queue)
	}
}

func TestGateway_Sweep_WarnsOnce(t *testing.T) {
	// A booking inside the warn window is warned exactly once; renewal
	// re-arms the warning.

	f := newGatewayFixture(t, pool.Options{WarnWindow: time.Hour}, "vm-1")
	ctx := context.Background()
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 2); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(90 * time.Minute) // 30m remaining
	res, err := f.gw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Warned != 1 {
		t.Fatalf("expected 1 warning, got %d", res.Warned)
	}

	res, err = f.gw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Warned != 0 {
		t.Fatalf("second sweep must not re-warn, got %d", res.Warned)
	}

	// Renewal moves expiry to T0+3h and re-arms the warning.
	if _, err := f.gw.RenewResource(ctx, "vm-1", "alice@lab", 1); err != nil {
		t.Fatal(err)
	}
	res, err = f.gw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Warned != 0 {
		t.Fatalf("90m remaining is outside the warn window, got %d", res.Warned)
	}

	f.clock.Advance(time.Hour) // 30m remaining again
	res, err = f.gw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Warned != 1 {
		t.Fatalf("renewed booking should be warned again, got %d", res.Warned)
	}
}

func TestGateway_Sweep_NothingToDo_NoSave(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{}, "vm-1")
	before := f.mem.SaveCount()

	res, err := f.gw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.Expired+res.Warned+res.Pruned != 0 {
		t.Fatalf("idle sweep should do nothing, got %+v", res)
	}
	if f.mem.SaveCount() != before {
		t.Error("idle sweep must not rewrite the snapshot")
	}
}

// =============================================================================
// SEED
// =============================================================================

func TestGateway_ApplySeed_Idempotent(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{})
	ctx := context.Background()

	seedVMs := []pool.SeedResource{
		{ID: "vm-1", Group: "lab-a", ExternalIP: "10.0.0.1"},
		{ID: "vm-2"},
	}
	seedGroups := []pool.SeedGroup{{Name: "lab-a"}}

	if err := f.gw.ApplySeed(ctx, seedVMs, seedGroups); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	afterFirst := f.mem.SaveCount()

	// Booking survives a re-apply and nothing is rewritten.
	if _, err := f.gw.BookResource(ctx, "vm-1", "alice@lab", 2); err != nil {
		t.Fatal(err)
	}
	afterBook := f.mem.SaveCount()

	if err := f.gw.ApplySeed(ctx, seedVMs, seedGroups); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if f.mem.SaveCount() != afterBook {
		t.Error("re-applying an unchanged seed must not save")
	}
	if afterBook != afterFirst+1 {
		t.Errorf("expected exactly one save for the booking, got %d -> %d", afterFirst, afterBook)
	}
	r, err := f.gw.Resource("vm-1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.HeldBy("alice@lab") {
		t.Error("seed re-apply must not disturb the booking")
	}
	vms, groups := f.gw.State()
	if len(vms) != 2 || len(groups) != 1 {
		t.Errorf("expected 2 VMs and 1 group, got %d/%d", len(vms), len(groups))
	}
}

// =============================================================================
// GROUPS
// =============================================================================

func TestGateway_GroupLifecycle(t *testing.T) {
	f := newGatewayFixture(t, pool.Options{}, "vm-1", "vm-2", "vm-3")
	ctx := context.Background()

	grp, err := f.gw.CreateGroup(ctx, "lab-a", []string{"vm-1", "ghost"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if len(grp.VMIDs) != 1 || grp.VMIDs[0] != "vm-1" {
		t.Fatalf("unknown ids should be skipped, got %v", grp.VMIDs)
	}

	// Names are unique, case-insensitively.
	if _, err := f.gw.CreateGroup(ctx, "LAB-A", nil); !pool.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}

	added, grp, err := f.gw.AddToGroup(ctx, grp.ID, []string{"vm-2", "vm-3", "vm-1"})
	if err != nil {
		t.Fatalf("add to group: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("expected vm-2 and vm-3 added, got %v", added)
	}

	if _, _, err := f.gw.AddToGroup(ctx, grp.ID, []string{"ghost"}); !pool.IsNotFound(err) {
		t.Fatalf("adding only unknown VMs: %v", err)
	}

	if err := f.gw.RemoveFromGroup(ctx, "vm-3", nil); err != nil {
		t.Fatalf("remove from group: %v", err)
	}
	r, _ := f.gw.Resource("vm-3")
	if r.GroupID != nil {
		t.Error("vm-3 should be ungrouped")
	}

	if err := f.gw.DeleteGroup(ctx, grp.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	r, _ = f.gw.Resource("vm-1")
	if r.GroupID != nil {
		t.Error("deleting a group must detach its members")
	}
}
