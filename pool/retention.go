/*
retention.go - History pruning rules

PURPOSE:
  Computes which history records have aged out of the retention window.
  Pure: takes the history slice, returns the records to keep. The
  Gateway commits the result atomically as part of a sweep, so a
  partially-applied prune can never be observed.

RULES (per holder, per resource id, ordered by record time):
  1. A release record whose action time is at or past the retention
     window is removed.
  2. A book record whose End (the scheduled expiry it was created
     with) is at or past the window is removed.
  3. A release record eligible under rule 1 takes its book record with
     it: the latest book at or before the release is removed too, even
     if that book's own End is still inside the window. This is what
     keeps an early-cancelled booking from leaving an orphaned book
     entry behind.
  4. Any other record (renew, login, deleted) is removed once its
     action time passes the window.

  The rules are evaluated against the input as a whole, so their
  relative order cannot change the outcome, and running the prune
  twice in a row removes nothing the second time.

BOUNDARY:
  A record aged exactly one window is eligible. Records younger than
  the window are never removed by any rule.

SEE ALSO:
  - gateway.go: Sweep() runs auto-expire, warn and prune passes
*/
package pool

import "time"

// Prune applies the retention rules and returns the surviving records
// in their original order, plus the number removed.
func Prune(history []HistoryRecord, window time.Duration, now time.Time) ([]HistoryRecord, int) {
	cutoff := now.Add(-window)
	eligible := func(t time.Time) bool { return !t.After(cutoff) }

	type key struct {
		holder   string
		resource string
	}
	byOwner := make(map[key][]int)
	for i, rec := range history {
		k := key{rec.Holder, rec.ResourceID}
		byOwner[k] = append(byOwner[k], i)
	}

	drop := make(map[int]bool)
	for _, idxs := range byOwner {
		for _, i := range idxs {
			rec := history[i]
			switch rec.Action {
			case ActionRelease:
				if eligible(rec.Start) {
					drop[i] = true
					// Rule 3: take the latest preceding book along.
					if j, ok := latestBookAtOrBefore(history, idxs, rec.Start); ok {
						drop[j] = true
					}
				}
			case ActionBook:
				if rec.End != nil && eligible(*rec.End) {
					drop[i] = true
				}
			default:
				if eligible(rec.Start) {
					drop[i] = true
				}
			}
		}
	}

	if len(drop) == 0 {
		return history, 0
	}
	kept := make([]HistoryRecord, 0, len(history)-len(drop))
	for i, rec := range history {
		if !drop[i] {
			kept = append(kept, rec)
		}
	}
	return kept, len(drop)
}

// latestBookAtOrBefore finds, among idxs, the book record with the
// greatest Start not after at.
func latestBookAtOrBefore(history []HistoryRecord, idxs []int, at time.Time) (int, bool) {
	best := -1
	for _, i := range idxs {
		rec := history[i]
		if rec.Action != ActionBook || rec.Start.After(at) {
			continue
		}
		if best == -1 || rec.Start.After(history[best].Start) {
			best = i
		}
	}
	return best, best != -1
}
