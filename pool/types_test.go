package pool_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachbabanov/loadzone/pool"
)

func TestSnapshotClone_SharesNothing(t *testing.T) {
	// The gateway relies on Clone for copy-on-write: mutating the clone
	// must never show through the original.

	groupID := int64(1)
	warned := t0.Add(time.Hour)
	orig := pool.NewSnapshot()
	orig.Groups[groupID] = &pool.Group{ID: groupID, Name: "lab-a", VMIDs: []string{"vm-1"}}
	orig.Resources["vm-1"] = &pool.Resource{
		ID:      "vm-1",
		GroupID: &groupID,
		Booking: &pool.Booking{Holder: "alice@lab", Start: t0, Expiry: t0.Add(2 * time.Hour), WarnedAt: &warned},
		Queue:   []string{"bob@lab"},
	}
	orig.History = []pool.HistoryRecord{
		{ID: "h1", Holder: "alice@lab", ResourceID: "vm-1", Action: pool.ActionBook, Start: t0},
	}

	c := orig.Clone()
	require.Equal(t, orig, c)

	c.Resources["vm-1"].Booking = nil
	c.Resources["vm-1"].Queue[0] = "mallory@lab"
	c.Groups[groupID].VMIDs[0] = "vm-x"
	c.History[0].Holder = "mallory@lab"
	c.NextGroupID = 99

	assert.Equal(t, "alice@lab", orig.Resources["vm-1"].Booking.Holder)
	assert.Equal(t, []string{"bob@lab"}, orig.Resources["vm-1"].Queue)
	assert.Equal(t, []string{"vm-1"}, orig.Groups[groupID].VMIDs)
	assert.Equal(t, "alice@lab", orig.History[0].Holder)
	assert.Equal(t, int64(1), orig.NextGroupID)
}

func TestSnapshot_SortedAccessors(t *testing.T) {
	s := pool.NewSnapshot()
	for _, id := range []string{"vm-9", "vm-1", "vm-5"} {
		s.Resources[id] = &pool.Resource{ID: id}
	}
	s.Groups[3] = &pool.Group{ID: 3, Name: "c"}
	s.Groups[1] = &pool.Group{ID: 1, Name: "a"}

	var resourceIDs []string
	for _, r := range s.SortedResources() {
		resourceIDs = append(resourceIDs, r.ID)
	}
	assert.Equal(t, []string{"vm-1", "vm-5", "vm-9"}, resourceIDs)

	groups := s.SortedGroups()
	require.Len(t, groups, 2)
	assert.Equal(t, int64(1), groups[0].ID)
	assert.Equal(t, int64(3), groups[1].ID)
}

func TestSnapshot_GroupByName_CaseInsensitive(t *testing.T) {
	s := pool.NewSnapshot()
	s.Groups[1] = &pool.Group{ID: 1, Name: "Lab-A"}

	require.NotNil(t, s.GroupByName("lab-a"))
	assert.Equal(t, int64(1), s.GroupByName("LAB-A").ID)
	assert.Nil(t, s.GroupByName("lab-b"))
}

func TestSnapshot_HistoryFor_MostRecentFirst(t *testing.T) {
	s := pool.NewSnapshot()
	s.History = []pool.HistoryRecord{
		{ID: "old", Holder: "alice@lab", Action: pool.ActionLogin, Start: t0},
		{ID: "other", Holder: "bob@lab", Action: pool.ActionLogin, Start: t0.Add(time.Hour)},
		{ID: "new", Holder: "alice@lab", Action: pool.ActionBook, Start: t0.Add(2 * time.Hour)},
	}

	got := s.HistoryFor("alice@lab")
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "old", got[1].ID)
}

func TestResource_QueueAndHolderChecks(t *testing.T) {
	r := &pool.Resource{
		ID:      "vm-1",
		Booking: &pool.Booking{Holder: "alice@lab", Start: t0, Expiry: t0.Add(time.Hour)},
		Queue:   []string{"bob@lab", "carol@lab"},
	}

	assert.True(t, r.Booked())
	assert.True(t, r.HeldBy("alice@lab"))
	assert.False(t, r.HeldBy("bob@lab"))
	assert.Equal(t, 1, r.InQueue("bob@lab"))
	assert.Equal(t, 2, r.InQueue("carol@lab"))
	assert.Equal(t, 0, r.InQueue("dave@lab"))
}

func TestSnapshot_BookedCount(t *testing.T) {
	s := pool.NewSnapshot()
	s.Resources["vm-1"] = &pool.Resource{ID: "vm-1", Booking: &pool.Booking{Holder: "a@lab", Start: t0, Expiry: t0.Add(time.Hour)}}
	s.Resources["vm-2"] = &pool.Resource{ID: "vm-2"}

	assert.Equal(t, 1, s.BookedCount())
}
