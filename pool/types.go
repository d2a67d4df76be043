/*
Package pool provides the core booking engine for a shared pool of
named virtual-machine resources.

PURPOSE:
  This package contains the data model and algorithms for time-bounded
  reservations: the lifecycle state machine (book / renew / cancel /
  expire), the retention sweep that releases expired bookings and prunes
  stale history, and the mutation gateway that serializes every change
  against a single in-memory snapshot.

KEY CONCEPTS IN THIS FILE (types.go):
  - Resource: A bookable VM slot, FREE or BOOKED
  - Booking: The holder + time window of an active reservation
  - Group: A named, ordered collection of resources
  - HistoryRecord: An entry in the per-holder booking history
  - Snapshot: The complete serializable state at one instant

DESIGN PRINCIPLES:
  1. Single owner: only the Gateway mutates a Snapshot
  2. Copy-on-write: mutations run on a deep clone, committed on success
  3. Opaque identity: a holder is just a string key (an email address
     in practice); the engine never interprets it

SEE ALSO:
  - lifecycle.go: State transitions
  - retention.go: History pruning rules
  - gateway.go: Serialization, persistence, notification
*/
package pool

import (
	"sort"
	"strings"
	"time"
)

// =============================================================================
// ACTIONS - History record and notification event kinds
// =============================================================================

type Action string

const (
	// ActionBook records the start of a reservation.
	ActionBook Action = "book"
	// ActionRenew records an expiry extension.
	ActionRenew Action = "renew"
	// ActionRelease records any terminating action: a manual cancel or
	// an automatic expiry. The End field distinguishes them: cancels
	// carry the wall-clock cancel time, expiries the scheduled expiry.
	ActionRelease Action = "release"
	// ActionLogin records an authentication event.
	ActionLogin Action = "login"
	// ActionDeleted records removal of a resource out from under its holder.
	ActionDeleted Action = "deleted"
)

// =============================================================================
// RESOURCES
// =============================================================================

// Booking is the reservation sub-state of a Resource. A resource with a
// nil Booking is FREE; a non-nil Booking always has a holder and expiry.
type Booking struct {
	Holder   string     `json:"holder"`
	Start    time.Time  `json:"start"`
	Expiry   time.Time  `json:"expiry"`
	WarnedAt *time.Time `json:"warned_at,omitempty"`
}

// Resource is a bookable VM slot identified by a unique string.
type Resource struct {
	ID         string   `json:"id"`
	GroupID    *int64   `json:"group_id,omitempty"`
	Booking    *Booking `json:"booking,omitempty"`
	Queue      []string `json:"queue"`
	ExternalIP string   `json:"external_ip,omitempty"`
	InternalIP string   `json:"internal_ip,omitempty"`
}

// Booked reports whether the resource currently has a holder.
func (r *Resource) Booked() bool {
	return r.Booking != nil
}

// HeldBy reports whether the resource is booked by the given holder.
func (r *Resource) HeldBy(holder string) bool {
	return r.Booking != nil && r.Booking.Holder == holder
}

// InQueue returns the 1-based queue position of holder, or 0.
func (r *Resource) InQueue(holder string) int {
	for i, h := range r.Queue {
		if h == holder {
			return i + 1
		}
	}
	return 0
}

func (r *Resource) clone() *Resource {
	c := *r
	if r.GroupID != nil {
		id := *r.GroupID
		c.GroupID = &id
	}
	if r.Booking != nil {
		b := *r.Booking
		if r.Booking.WarnedAt != nil {
			w := *r.Booking.WarnedAt
			b.WarnedAt = &w
		}
		c.Booking = &b
	}
	c.Queue = append([]string(nil), r.Queue...)
	return &c
}

// =============================================================================
// GROUPS
// =============================================================================

// Group is a named, ordered set of member resource identifiers.
// Group ids are assigned monotonically from Snapshot.NextGroupID.
type Group struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	VMIDs []string `json:"vm_ids"`
}

func (g *Group) clone() *Group {
	c := *g
	c.VMIDs = append([]string(nil), g.VMIDs...)
	return &c
}

func (g *Group) contains(vmID string) bool {
	for _, id := range g.VMIDs {
		if id == vmID {
			return true
		}
	}
	return false
}

func (g *Group) remove(vmID string) {
	for i, id := range g.VMIDs {
		if id == vmID {
			g.VMIDs = append(g.VMIDs[:i], g.VMIDs[i+1:]...)
			return
		}
	}
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryRecord is one booking-event record in a holder's history.
// Records are append-only; the retention sweep is the only deleter.
type HistoryRecord struct {
	ID         string     `json:"id"`
	Holder     string     `json:"holder"`
	ResourceID string     `json:"resource_id,omitempty"`
	Action     Action     `json:"action"`
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the complete state of the pool at one instant: resources,
// groups and history. It is what the persistence collaborator loads and
// saves as a whole.
type Snapshot struct {
	Resources   map[string]*Resource `json:"resources"`
	Groups      map[int64]*Group     `json:"groups"`
	NextGroupID int64                `json:"next_group_id"`
	History     []HistoryRecord      `json:"history"`
}

// NewSnapshot returns an empty snapshot ready for use.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Resources:   make(map[string]*Resource),
		Groups:      make(map[int64]*Group),
		NextGroupID: 1,
	}
}

// Clone returns a deep copy sharing no mutable state with the original.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Resources:   make(map[string]*Resource, len(s.Resources)),
		Groups:      make(map[int64]*Group, len(s.Groups)),
		NextGroupID: s.NextGroupID,
		History:     append([]HistoryRecord(nil), s.History...),
	}
	for id, r := range s.Resources {
		c.Resources[id] = r.clone()
	}
	for id, g := range s.Groups {
		c.Groups[id] = g.clone()
	}
	return c
}

// SortedResources returns the resources ordered by id.
func (s *Snapshot) SortedResources() []*Resource {
	out := make([]*Resource, 0, len(s.Resources))
	for _, r := range s.Resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedGroups returns the groups ordered by id.
func (s *Snapshot) SortedGroups() []*Group {
	out := make([]*Group, 0, len(s.Groups))
	for _, g := range s.Groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupByName finds a group by case-insensitive name.
func (s *Snapshot) GroupByName(name string) *Group {
	for _, g := range s.Groups {
		if strings.EqualFold(g.Name, name) {
			return g
		}
	}
	return nil
}

// HistoryFor returns the holder's history, most recent first.
func (s *Snapshot) HistoryFor(holder string) []HistoryRecord {
	var out []HistoryRecord
	for _, rec := range s.History {
		if rec.Holder == holder {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return out
}

// BookedCount returns the number of resources currently booked.
func (s *Snapshot) BookedCount() int {
	n := 0
	for _, r := range s.Resources {
		if r.Booked() {
			n++
		}
	}
	return n
}

// =============================================================================
// SEED - Declarative initial inventory (see config package for the TOML form)
// =============================================================================

// SeedResource declares a VM that must exist at startup.
type SeedResource struct {
	ID         string
	Group      string
	ExternalIP string
	InternalIP string
}

// SeedGroup declares a group that must exist at startup.
type SeedGroup struct {
	Name string
}

// =============================================================================
// EVENTS - Notification payloads emitted by the Gateway
// =============================================================================

// Event describes one observable change. Delivery is best-effort:
// the engine never waits on it and never depends on it.
type Event struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id,omitempty"`
	Action     string    `json:"action"`
	Message    string    `json:"message"`
	// Target, when set, addresses the event to one holder (the original
	// system used it for direct socket pushes and emails). Untargeted
	// events are broadcasts.
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier receives events after a mutation commits. Implementations
// must not block; see the notify package.
type Notifier interface {
	Publish(Event)
}

// discardNotifier is the default when no Notifier is configured.
type discardNotifier struct{}

func (discardNotifier) Publish(Event) {}
