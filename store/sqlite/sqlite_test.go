package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/zachbabanov/loadzone/pool"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoad_EmptyDatabase_EmptySnapshot(t *testing.T) {
	st := newTestStore(t)

	snap, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(snap.Resources) != 0 || len(snap.Groups) != 0 || len(snap.History) != 0 {
		t.Errorf("expected empty snapshot, got %d/%d/%d",
			len(snap.Resources), len(snap.Groups), len(snap.History))
	}
	if snap.NextGroupID != 1 {
		t.Errorf("expected NextGroupID 1, got %d", snap.NextGroupID)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	// GIVEN: A snapshot with a booked VM (warned), a queued VM, a group
	//        and mixed history records
	// WHEN: Saved and loaded back
	// THEN: Every field survives

	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	expiry := start.Add(4 * time.Hour)
	warned := start.Add(3 * time.Hour)
	released := start.Add(time.Hour)
	groupID := int64(3)

	snap := pool.NewSnapshot()
	snap.NextGroupID = 4
	snap.Groups[groupID] = &pool.Group{ID: groupID, Name: "lab-a", VMIDs: []string{"vm-1", "vm-2"}}
	snap.Resources["vm-1"] = &pool.Resource{
		ID:         "vm-1",
		GroupID:    &groupID,
		Booking:    &pool.Booking{Holder: "alice@lab", Start: start, Expiry: expiry, WarnedAt: &warned},
		Queue:      []string{"bob@lab", "carol@lab"},
		ExternalIP: "203.0.113.7",
		InternalIP: "10.0.0.7",
	}
	snap.Resources["vm-2"] = &pool.Resource{ID: "vm-2", GroupID: &groupID}
	snap.History = []pool.HistoryRecord{
		{ID: "h1", Holder: "alice@lab", ResourceID: "vm-1", Action: pool.ActionBook, Start: start, End: &expiry},
		{ID: "h2", Holder: "bob@lab", ResourceID: "vm-2", Action: pool.ActionRelease, Start: released, End: &released},
		{ID: "h3", Holder: "alice@lab", Action: pool.ActionLogin, Start: start},
	}

	if err := st.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.NextGroupID != 4 {
		t.Errorf("NextGroupID: want 4, got %d", loaded.NextGroupID)
	}

	r := loaded.Resources["vm-1"]
	if r == nil {
		t.Fatal("vm-1 missing")
	}
	if r.Booking == nil || r.Booking.Holder != "alice@lab" {
		t.Fatalf("vm-1 booking lost: %+v", r.Booking)
	}
	if !r.Booking.Start.Equal(start) || !r.Booking.Expiry.Equal(expiry) {
		t.Errorf("booking window mangled: %+v", r.Booking)
	}
	if r.Booking.WarnedAt == nil || !r.Booking.WarnedAt.Equal(warned) {
		t.Errorf("WarnedAt lost: %v", r.Booking.WarnedAt)
	}
	if len(r.Queue) != 2 || r.Queue[0] != "bob@lab" || r.Queue[1] != "carol@lab" {
		t.Errorf("queue order lost: %v", r.Queue)
	}
	if r.GroupID == nil || *r.GroupID != groupID {
		t.Errorf("group membership lost: %v", r.GroupID)
	}
	if r.ExternalIP != "203.0.113.7" || r.InternalIP != "10.0.0.7" {
		t.Errorf("addresses lost: %s / %s", r.ExternalIP, r.InternalIP)
	}

	if r2 := loaded.Resources["vm-2"]; r2 == nil || r2.Booking != nil {
		t.Errorf("vm-2 should be free, got %+v", r2)
	}

	g := loaded.Groups[groupID]
	if g == nil || g.Name != "lab-a" {
		t.Fatalf("group lost: %+v", g)
	}
	if len(g.VMIDs) != 2 || g.VMIDs[0] != "vm-1" {
		t.Errorf("group member order lost: %v", g.VMIDs)
	}

	if len(loaded.History) != 3 {
		t.Fatalf("expected 3 history records, got %d", len(loaded.History))
	}
	byID := make(map[string]pool.HistoryRecord)
	for _, rec := range loaded.History {
		byID[rec.ID] = rec
	}
	h1 := byID["h1"]
	if h1.Action != pool.ActionBook || h1.End == nil || !h1.End.Equal(expiry) {
		t.Errorf("h1 mangled: %+v", h1)
	}
	h3 := byID["h3"]
	if h3.ResourceID != "" || h3.End != nil {
		t.Errorf("login record should have no vm/end: %+v", h3)
	}
}

func TestSave_ReplacesPreviousSnapshot(t *testing.T) {
	// Save is a whole-snapshot rewrite: rows from an earlier save must
	// not leak into a later, smaller snapshot.

	st := newTestStore(t)
	ctx := context.Background()

	first := pool.NewSnapshot()
	first.Resources["vm-1"] = &pool.Resource{ID: "vm-1", Queue: []string{"bob@lab"}}
	first.Resources["vm-2"] = &pool.Resource{ID: "vm-2"}
	first.History = []pool.HistoryRecord{
		{ID: "h1", Holder: "alice@lab", ResourceID: "vm-1", Action: pool.ActionBook, Start: time.Now().UTC()},
	}
	if err := st.Save(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := pool.NewSnapshot()
	second.Resources["vm-2"] = &pool.Resource{ID: "vm-2"}
	if err := st.Save(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Resources) != 1 || loaded.Resources["vm-2"] == nil {
		t.Errorf("expected only vm-2, got %d resources", len(loaded.Resources))
	}
	if len(loaded.History) != 0 {
		t.Errorf("old history leaked: %d records", len(loaded.History))
	}
	if r := loaded.Resources["vm-2"]; len(r.Queue) != 0 {
		t.Errorf("old queue leaked: %v", r.Queue)
	}
}

func TestLoad_NextGroupIDFallback(t *testing.T) {
	// A database written without the meta row (pre-migration data)
	// falls back to max(group id)+1.

	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.db.ExecContext(ctx,
		`INSERT INTO groups (id, name) VALUES (5, 'legacy')`); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.NextGroupID != 6 {
		t.Errorf("expected NextGroupID 6, got %d", loaded.NextGroupID)
	}
}
