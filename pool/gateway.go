/*
gateway.go - Mutation Gateway: the single serialization point

PURPOSE:
  Every state-changing operation - interactive booking and group
  calls, the periodic sweep, seed application - funnels through the
  Gateway. It enforces mutual exclusion over the snapshot, persists
  synchronously before acknowledging success, and hands notification
  events to an asynchronous Notifier after commit.

MUTATION PROTOCOL:
  1. Acquire the lock
  2. Deep-clone the current snapshot
  3. Apply the operation to the clone
  4. On domain error: discard the clone, return the error
  5. If anything changed: Save the clone; on IO failure discard it
     and return ErrIO (the caller never sees success without a
     durable write)
  6. Swap the clone in, release the lock
  7. Publish events (fire-and-forget, outside the critical section)

  Readers take the same lock briefly and copy out, so they observe
  either the pre- or post-state of a mutation, never an intermediate.

SEE ALSO:
  - lifecycle.go: The transitions applied in step 3
  - retention.go: The prune pass run by Sweep
  - sweeper.go: The ticker that drives Sweep
*/
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const timeLayout = "2006-01-02 15:04:05"

// Defaults mirror the original deployment: bookings are capped at a
// day, history lives for an hour past its terminal action, holders are
// warned an hour before expiry, and at most ten users wait per VM.
const (
	DefaultMaxBookHours    = 24
	DefaultRetentionWindow = time.Hour
	DefaultWarnWindow      = time.Hour
	DefaultQueueLimit      = 10
)

// Options configures a Gateway. Zero values take the defaults above.
type Options struct {
	Notifier        Notifier
	Logger          *zap.Logger
	Clock           func() time.Time
	MaxBookHours    int
	RetentionWindow time.Duration
	WarnWindow      time.Duration
	QueueLimit      int
	// Admins may cancel anybody's booking.
	Admins []string
}

// Gateway owns the snapshot. At most one mutation is in flight at any
// instant; see the package comment for the protocol.
type Gateway struct {
	mu   sync.Mutex
	snap *Snapshot

	store     Store
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
	maxHours  int
	retention time.Duration
	warn      time.Duration
	queueCap  int
	admins    map[string]bool
}

// NewGateway loads the persisted snapshot and returns a ready gateway.
func NewGateway(ctx context.Context, store Store, opts Options) (*Gateway, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		snap = NewSnapshot()
	}

	g := &Gateway{
		snap:      snap,
		store:     store,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		now:       opts.Clock,
		maxHours:  opts.MaxBookHours,
		retention: opts.RetentionWindow,
		warn:      opts.WarnWindow,
		queueCap:  opts.QueueLimit,
		admins:    make(map[string]bool),
	}
	if g.notifier == nil {
		g.notifier = discardNotifier{}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.maxHours <= 0 {
		g.maxHours = DefaultMaxBookHours
	}
	if g.retention <= 0 {
		g.retention = DefaultRetentionWindow
	}
	if g.warn <= 0 {
		g.warn = DefaultWarnWindow
	}
	if g.queueCap <= 0 {
		g.queueCap = DefaultQueueLimit
	}
	for _, a := range opts.Admins {
		g.admins[a] = true
	}
	return g, nil
}

// IsAdmin reports whether the holder has the administrator override.
func (g *Gateway) IsAdmin(holder string) bool {
	return g.admins[holder]
}

// mutate runs fn against a clone of the snapshot under the lock.
// fn reports whether it changed anything; unchanged snapshots are not
// rewritten. Events are published only after a successful commit.
func (g *Gateway) mutate(ctx context.Context, fn func(*Snapshot) ([]Event, bool, error)) error {
	g.mu.Lock()
	work := g.snap.Clone()
	events, changed, err := fn(work)
	if err == nil && changed {
		if serr := g.store.Save(ctx, work); serr != nil {
			g.logger.Error("snapshot save failed", zap.Error(serr))
			err = fmt.Errorf("%w: %v", ErrIO, serr)
		} else {
			g.snap = work
		}
	}
	g.mu.Unlock()

	if err != nil {
		return err
	}
	for _, ev := range events {
		g.notifier.Publish(ev)
	}
	return nil
}

func (g *Gateway) event(resourceID, action, message, target string) Event {
	return Event{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		Action:     action,
		Message:    message,
		Target:     target,
		At:         g.now(),
	}
}

// clampHours applies the original system's cap: anything above the
// maximum is shortened, non-positive values are left for validation.
func (g *Gateway) clampHours(hours int) int {
	if hours > g.maxHours {
		return g.maxHours
	}
	return hours
}

// =============================================================================
// BOOKING OPERATIONS
// =============================================================================

// BookResource books a FREE resource for the holder.
func (g *Gateway) BookResource(ctx context.Context, resourceID, holder string, hours int) (*Resource, error) {
	hours = g.clampHours(hours)
	var out *Resource
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, err := Book(s, resourceID, holder, hours, g.now())
		if err != nil {
			return nil, false, err
		}
		out = r.clone()
		msg := fmt.Sprintf("%s booked VM %s until %s", holder, resourceID, r.Booking.Expiry.Format(timeLayout))
		return []Event{g.event(resourceID, string(ActionBook), msg, "")}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenewResource extends the holder's booking, additive from the
// current expiry.
func (g *Gateway) RenewResource(ctx context.Context, resourceID, holder string, hours int) (*Resource, error) {
	hours = g.clampHours(hours)
	var out *Resource
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, err := Renew(s, resourceID, holder, hours, g.now())
		if err != nil {
			return nil, false, err
		}
		out = r.clone()
		msg := fmt.Sprintf("%s extended the booking of VM %s until %s", holder, resourceID, r.Booking.Expiry.Format(timeLayout))
		return []Event{g.event(resourceID, string(ActionRenew), msg, "")}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelResource releases the requester's booking. Administrators may
// cancel anybody's.
func (g *Gateway) CancelResource(ctx context.Context, resourceID, requester string) (*Resource, error) {
	var out *Resource
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, err := Cancel(s, resourceID, requester, g.admins[requester], g.now())
		if err != nil {
			return nil, false, err
		}
		out = r.clone()
		msg := fmt.Sprintf("%s cancelled the booking of VM %s", requester, resourceID)
		return []Event{g.event(resourceID, string(ActionRelease), msg, "")}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// QUEUE OPERATIONS
// =============================================================================

// JoinQueue appends the holder to a resource's wait queue. Returns the
// 1-based position and whether the holder was already queued.
func (g *Gateway) JoinQueue(ctx context.Context, resourceID, holder string) (pos int, already bool, err error) {
	err = g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, ok := s.Resources[resourceID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "resource", ID: resourceID}
		}
		if p := r.InQueue(holder); p > 0 {
			pos, already = p, true
			return nil, false, nil
		}
		if r.HeldBy(holder) {
			return nil, false, &ValidationError{Field: "vm_id", Message: "you already hold this VM"}
		}
		if len(r.Queue) >= g.queueCap {
			return nil, false, fmt.Errorf("%w: queue for %q is full", ErrConflict, resourceID)
		}
		r.Queue = append(r.Queue, holder)
		pos = len(r.Queue)

		var events []Event
		if r.Booked() {
			msg := fmt.Sprintf("%s joined the queue for VM %s", holder, resourceID)
			events = append(events, g.event(resourceID, "queue_join", msg, r.Booking.Holder))
		}
		return events, true, nil
	})
	return pos, already, err
}

// LeaveQueue removes the holder from a resource's wait queue.
func (g *Gateway) LeaveQueue(ctx context.Context, resourceID, holder string) error {
	return g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, ok := s.Resources[resourceID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "resource", ID: resourceID}
		}
		p := r.InQueue(holder)
		if p == 0 {
			return nil, false, &NotFoundError{Kind: "queue entry", ID: resourceID}
		}
		r.Queue = append(r.Queue[:p-1], r.Queue[p:]...)
		return nil, true, nil
	})
}

// =============================================================================
// RESOURCE ADMINISTRATION
// =============================================================================

// AddResourceInput describes a VM to add to the pool.
type AddResourceInput struct {
	ID         string
	GroupID    *int64
	ExternalIP string
	InternalIP string
}

// AddResource registers a new VM, optionally inside an existing group.
func (g *Gateway) AddResource(ctx context.Context, in AddResourceInput) (*Resource, error) {
	var out *Resource
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		if in.ID == "" {
			return nil, false, &ValidationError{Field: "id", Message: "must not be empty"}
		}
		if _, exists := s.Resources[in.ID]; exists {
			return nil, false, fmt.Errorf("%w: resource %q already exists", ErrConflict, in.ID)
		}
		r := &Resource{ID: in.ID, ExternalIP: in.ExternalIP, InternalIP: in.InternalIP}
		if in.GroupID != nil {
			grp, ok := s.Groups[*in.GroupID]
			if !ok {
				return nil, false, &NotFoundError{Kind: "group", ID: fmt.Sprint(*in.GroupID)}
			}
			id := *in.GroupID
			r.GroupID = &id
			grp.VMIDs = append(grp.VMIDs, in.ID)
		}
		s.Resources[in.ID] = r
		out = r.clone()
		msg := fmt.Sprintf("New VM added: %s", in.ID)
		return []Event{g.event(in.ID, "vm_added", msg, "")}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateResourceInput carries the editable fields of a VM. The Set
// flags distinguish "leave alone" from "clear".
type UpdateResourceInput struct {
	ID            string
	GroupSet      bool
	GroupID       *int64
	ExternalIPSet bool
	ExternalIP    string
	InternalIPSet bool
	InternalIP    string
}

// UpdateResource edits a VM's group membership and addresses.
func (g *Gateway) UpdateResource(ctx context.Context, in UpdateResourceInput) (*Resource, error) {
	var out *Resource
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, ok := s.Resources[in.ID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "resource", ID: in.ID}
		}
		if in.GroupSet {
			if in.GroupID == nil {
				detachFromGroup(s, r)
			} else {
				grp, ok := s.Groups[*in.GroupID]
				if !ok {
					return nil, false, &NotFoundError{Kind: "group", ID: fmt.Sprint(*in.GroupID)}
				}
				if r.GroupID == nil || *r.GroupID != grp.ID {
					detachFromGroup(s, r)
					id := grp.ID
					r.GroupID = &id
					grp.VMIDs = append(grp.VMIDs, r.ID)
				}
			}
		}
		if in.ExternalIPSet {
			r.ExternalIP = in.ExternalIP
		}
		if in.InternalIPSet {
			r.InternalIP = in.InternalIP
		}
		out = r.clone()
		msg := fmt.Sprintf("VM %s updated", in.ID)
		return []Event{g.event(in.ID, "vm_updated", msg, "")}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResource removes a VM. An active booking is recorded as a
// deleted action in the holder's history; the wait queue dies with
// the VM.
func (g *Gateway) DeleteResource(ctx context.Context, resourceID string) error {
	return g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, ok := s.Resources[resourceID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "resource", ID: resourceID}
		}
		if r.Booked() {
			appendHistory(s, HistoryRecord{
				Holder:     r.Booking.Holder,
				ResourceID: resourceID,
				Action:     ActionDeleted,
				Start:      g.now(),
			})
		}
		detachFromGroup(s, r)
		delete(s.Resources, resourceID)
		msg := fmt.Sprintf("VM %s deleted", resourceID)
		return []Event{g.event(resourceID, "vm_deleted", msg, "")}, true, nil
	})
}

// RemoveFromGroup detaches a VM from a group. When groupID is nil the
// VM is removed from whichever group it is in.
func (g *Gateway) RemoveFromGroup(ctx context.Context, resourceID string, groupID *int64) error {
	return g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		r, ok := s.Resources[resourceID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "resource", ID: resourceID}
		}
		if r.GroupID == nil || (groupID != nil && *r.GroupID != *groupID) {
			return nil, false, &NotFoundError{Kind: "group membership", ID: resourceID}
		}
		detachFromGroup(s, r)
		msg := fmt.Sprintf("VM %s removed from its group", resourceID)
		return []Event{g.event(resourceID, "vm_ungrouped", msg, "")}, true, nil
	})
}

func detachFromGroup(s *Snapshot, r *Resource) {
	if r.GroupID == nil {
		return
	}
	if grp, ok := s.Groups[*r.GroupID]; ok {
		grp.remove(r.ID)
	}
	r.GroupID = nil
}

// =============================================================================
// GROUP ADMINISTRATION
// =============================================================================

// CreateGroup creates a group with a unique (case-insensitive) name
// and attaches any of the listed VMs that exist.
func (g *Gateway) CreateGroup(ctx context.Context, name string, vmIDs []string) (*Group, error) {
	var out *Group
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		if name == "" {
			return nil, false, &ValidationError{Field: "name", Message: "must not be empty"}
		}
		if s.GroupByName(name) != nil {
			return nil, false, fmt.Errorf("%w: group %q already exists", ErrConflict, name)
		}
		grp := &Group{ID: s.NextGroupID, Name: name}
		s.NextGroupID++
		s.Groups[grp.ID] = grp
		for _, vmID := range vmIDs {
			r, ok := s.Resources[vmID]
			if !ok {
				continue
			}
			detachFromGroup(s, r)
			id := grp.ID
			r.GroupID = &id
			grp.VMIDs = append(grp.VMIDs, vmID)
		}
		out = grp.clone()
		msg := fmt.Sprintf("Group %q created", name)
		return []Event{g.event("", "group_created", msg, "")}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddToGroup moves existing VMs into the group. Unknown ids are
// skipped; it is an error if none of them exist.
func (g *Gateway) AddToGroup(ctx context.Context, groupID int64, vmIDs []string) (added []string, group *Group, err error) {
	err = g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		grp, ok := s.Groups[groupID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "group", ID: fmt.Sprint(groupID)}
		}
		if len(vmIDs) == 0 {
			return nil, false, &ValidationError{Field: "vm_ids", Message: "must be a non-empty list"}
		}
		for _, vmID := range vmIDs {
			r, ok := s.Resources[vmID]
			if !ok {
				continue
			}
			if r.GroupID != nil && *r.GroupID == grp.ID {
				continue
			}
			detachFromGroup(s, r)
			id := grp.ID
			r.GroupID = &id
			grp.VMIDs = append(grp.VMIDs, vmID)
			added = append(added, vmID)
		}
		if len(added) == 0 {
			return nil, false, &NotFoundError{Kind: "resource", ID: "none of the listed VMs"}
		}
		group = grp.clone()
		msg := fmt.Sprintf("Added %d VMs to group %q", len(added), grp.Name)
		return []Event{g.event("", "group_updated", msg, "")}, true, nil
	})
	return added, group, err
}

// DeleteGroup removes a group; member VMs become ungrouped.
func (g *Gateway) DeleteGroup(ctx context.Context, groupID int64) error {
	return g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		grp, ok := s.Groups[groupID]
		if !ok {
			return nil, false, &NotFoundError{Kind: "group", ID: fmt.Sprint(groupID)}
		}
		for _, vmID := range grp.VMIDs {
			if r, ok := s.Resources[vmID]; ok {
				r.GroupID = nil
			}
		}
		delete(s.Groups, groupID)
		msg := fmt.Sprintf("Group %q deleted", grp.Name)
		return []Event{g.event("", "group_deleted", msg, "")}, true, nil
	})
}

// =============================================================================
// IDENTITY AND HISTORY
// =============================================================================

// RecordLogin appends a login record to the holder's history.
func (g *Gateway) RecordLogin(ctx context.Context, holder string) error {
	return g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		appendHistory(s, HistoryRecord{Holder: holder, Action: ActionLogin, Start: g.now()})
		return nil, true, nil
	})
}

// History returns the holder's booking history, most recent first.
func (g *Gateway) History(holder string) []HistoryRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap.HistoryFor(holder)
}

// State returns a read-only copy of all resources and groups, ordered
// by id.
func (g *Gateway) State() ([]*Resource, []*Group) {
	g.mu.Lock()
	defer g.mu.Unlock()
	resources := make([]*Resource, 0, len(g.snap.Resources))
	for _, r := range g.snap.SortedResources() {
		resources = append(resources, r.clone())
	}
	groups := make([]*Group, 0, len(g.snap.Groups))
	for _, grp := range g.snap.SortedGroups() {
		groups = append(groups, grp.clone())
	}
	return resources, groups
}

// Resource returns a read-only copy of one resource.
func (g *Gateway) Resource(resourceID string) (*Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.snap.Resources[resourceID]
	if !ok {
		return nil, &NotFoundError{Kind: "resource", ID: resourceID}
	}
	return r.clone(), nil
}

// BookedCount returns the number of currently booked resources.
func (g *Gateway) BookedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap.BookedCount()
}

// =============================================================================
// SEED
// =============================================================================

// ApplySeed makes sure the declared groups and VMs exist. Idempotent:
// re-applying a seed against a populated snapshot changes nothing and
// writes nothing.
func (g *Gateway) ApplySeed(ctx context.Context, resources []SeedResource, groups []SeedGroup) error {
	return g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		changed := false
		for _, sg := range groups {
			if sg.Name == "" || s.GroupByName(sg.Name) != nil {
				continue
			}
			grp := &Group{ID: s.NextGroupID, Name: sg.Name}
			s.NextGroupID++
			s.Groups[grp.ID] = grp
			changed = true
		}
		for _, sr := range resources {
			if sr.ID == "" {
				continue
			}
			if _, exists := s.Resources[sr.ID]; exists {
				continue
			}
			r := &Resource{ID: sr.ID, ExternalIP: sr.ExternalIP, InternalIP: sr.InternalIP}
			if sr.Group != "" {
				if grp := s.GroupByName(sr.Group); grp != nil {
					id := grp.ID
					r.GroupID = &id
					grp.VMIDs = append(grp.VMIDs, sr.ID)
				}
			}
			s.Resources[sr.ID] = r
			changed = true
		}
		return nil, changed, nil
	})
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepResult is what one sweep did, for logs and metrics.
type SweepResult struct {
	Expired int
	Warned  int
	Pruned  int
}

// Sweep runs the auto-expire pass, the expiry-warning pass, and the
// history prune pass, in that order, and persists once if any of them
// changed the snapshot. A persistence failure leaves the snapshot as
// it was; the next tick retries from scratch.
func (g *Gateway) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := g.mutate(ctx, func(s *Snapshot) ([]Event, bool, error) {
		now := g.now()
		var events []Event

		// Pass 1: expire elapsed bookings.
		for _, r := range s.SortedResources() {
			if !r.Booked() || r.Booking.Expiry.After(now) {
				continue
			}
			holder, next, err := Expire(s, r.ID, now)
			if err != nil {
				// Guarded above; skip rather than abort the sweep.
				g.logger.Warn("expire pass skipped resource", zap.String("vm", r.ID), zap.Error(err))
				continue
			}
			res.Expired++
			msg := fmt.Sprintf("VM %s released (booking by %s expired)", r.ID, holder)
			events = append(events, g.event(r.ID, string(ActionRelease), msg, ""))
			if next != "" {
				msg := fmt.Sprintf("VM %s is free - you were first in the queue and can book it now", r.ID)
				events = append(events, g.event(r.ID, "queue_promoted", msg, next))
			}
		}

		// Pass 2: one-shot warnings for bookings about to expire.
		for _, r := range s.SortedResources() {
			if !r.Booked() || r.Booking.WarnedAt != nil {
				continue
			}
			remaining := r.Booking.Expiry.Sub(now)
			if remaining <= 0 || remaining > g.warn {
				continue
			}
			warned := now
			r.Booking.WarnedAt = &warned
			res.Warned++
			msg := fmt.Sprintf("Booking of VM %s expires at %s", r.ID, r.Booking.Expiry.Format(timeLayout))
			events = append(events, g.event(r.ID, "expiry_warning", msg, r.Booking.Holder))
			if len(r.Queue) > 0 {
				msg := fmt.Sprintf("VM %s frees up soon - you are next in the queue", r.ID)
				events = append(events, g.event(r.ID, "expiry_warning", msg, r.Queue[0]))
			}
		}

		// Pass 3: prune aged-out history, computed fully in memory.
		kept, pruned := Prune(s.History, g.retention, now)
		s.History = kept
		res.Pruned = pruned

		changed := res.Expired > 0 || res.Warned > 0 || res.Pruned > 0
		return events, changed, nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	return res, nil
}
