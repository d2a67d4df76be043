/*
lifecycle.go - Booking state transitions

PURPOSE:
  Pure transition logic for a single resource: book, renew, cancel,
  expire. Each transition validates its preconditions, mutates the
  given snapshot, and appends the matching history record. No locking,
  no persistence, no notification happens here - that is the Gateway's
  job (gateway.go), which always runs transitions on a private clone.

STATES:
  FREE               Resource.Booking == nil
  BOOKED(h, s, e)    Resource.Booking == {Holder: h, Start: s, Expiry: e}

INVARIANT:
  A resource has a booking iff it has a holder; expiry >= start at
  creation time. Renew only moves expiry forward.

SEE ALSO:
  - retention.go: What eventually happens to the history records
  - gateway.go: Serialization and side effects around these calls
*/
package pool

import (
	"time"

	"github.com/google/uuid"
)

// Book transitions a FREE resource to BOOKED for the given holder.
// The booking window is [now, now + hours]. Appends a book history
// record whose End is the scheduled expiry.
func Book(s *Snapshot, resourceID, holder string, hours int, now time.Time) (*Resource, error) {
	if hours <= 0 {
		return nil, &ValidationError{Field: "hours", Message: "must be positive"}
	}
	r, ok := s.Resources[resourceID]
	if !ok {
		return nil, &NotFoundError{Kind: "resource", ID: resourceID}
	}
	if r.Booked() {
		return nil, &AlreadyBookedError{ResourceID: resourceID, Holder: r.Booking.Holder}
	}

	expiry := now.Add(time.Duration(hours) * time.Hour)
	r.Booking = &Booking{Holder: holder, Start: now, Expiry: expiry}
	appendHistory(s, HistoryRecord{
		Holder:     holder,
		ResourceID: resourceID,
		Action:     ActionBook,
		Start:      now,
		End:        &expiry,
	})
	return r, nil
}

// Renew extends an active booking's expiry by hours, additive from the
// current expiry rather than from now. Only the booking holder may renew.
func Renew(s *Snapshot, resourceID, holder string, hours int, now time.Time) (*Resource, error) {
	if hours <= 0 {
		return nil, &ValidationError{Field: "hours", Message: "must be positive"}
	}
	r, ok := s.Resources[resourceID]
	if !ok {
		return nil, &NotFoundError{Kind: "resource", ID: resourceID}
	}
	if !r.Booked() {
		return nil, &NotFoundError{Kind: "booking", ID: resourceID}
	}
	if r.Booking.Holder != holder {
		return nil, &HolderMismatchError{ResourceID: resourceID, Holder: r.Booking.Holder, Requester: holder}
	}

	newExpiry := r.Booking.Expiry.Add(time.Duration(hours) * time.Hour)
	r.Booking.Expiry = newExpiry
	// A renewed booking may be warned again for its new expiry.
	r.Booking.WarnedAt = nil
	appendHistory(s, HistoryRecord{
		Holder:     holder,
		ResourceID: resourceID,
		Action:     ActionRenew,
		Start:      now,
		End:        &newExpiry,
	})
	return r, nil
}

// Cancel releases an active booking. Only the booking holder may cancel
// unless admin is set. Appends a release record with End = now.
func Cancel(s *Snapshot, resourceID, requester string, admin bool, now time.Time) (*Resource, error) {
	r, ok := s.Resources[resourceID]
	if !ok {
		return nil, &NotFoundError{Kind: "resource", ID: resourceID}
	}
	if !r.Booked() {
		return nil, &NotFoundError{Kind: "booking", ID: resourceID}
	}
	if r.Booking.Holder != requester && !admin {
		return nil, &HolderMismatchError{ResourceID: resourceID, Holder: r.Booking.Holder, Requester: requester}
	}

	holder := r.Booking.Holder
	end := now
	r.Booking = nil
	appendHistory(s, HistoryRecord{
		Holder:     holder,
		ResourceID: resourceID,
		Action:     ActionRelease,
		Start:      now,
		End:        &end,
	})
	return r, nil
}

// Expire releases a booking whose window has elapsed. System-invoked,
// no holder check. The release record's End is the scheduled expiry,
// not the sweep's wall-clock time, so history reflects intended expiry.
// The head of the wait queue, if any, is popped and returned so the
// caller can notify the next user.
func Expire(s *Snapshot, resourceID string, now time.Time) (holder, next string, err error) {
	r, ok := s.Resources[resourceID]
	if !ok {
		return "", "", &NotFoundError{Kind: "resource", ID: resourceID}
	}
	if !r.Booked() {
		return "", "", &NotFoundError{Kind: "booking", ID: resourceID}
	}
	if r.Booking.Expiry.After(now) {
		return "", "", &ValidationError{Field: "expiry", Message: "booking has not expired yet"}
	}

	holder = r.Booking.Holder
	scheduled := r.Booking.Expiry
	r.Booking = nil
	if len(r.Queue) > 0 {
		next = r.Queue[0]
		r.Queue = append([]string(nil), r.Queue[1:]...)
	}
	appendHistory(s, HistoryRecord{
		Holder:     holder,
		ResourceID: resourceID,
		Action:     ActionRelease,
		Start:      now,
		End:        &scheduled,
	})
	return holder, next, nil
}

func appendHistory(s *Snapshot, rec HistoryRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.History = append(s.History, rec)
}
