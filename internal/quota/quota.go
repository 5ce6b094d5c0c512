// Package quota is the pure scheduling math over a group's daily tracker.
//
// Everything here is a function of (group, now): no clocks, no I/O. The day
// is split evenly by the group's quota, so a group with msg_per_day=5 wants
// one message every 4.8h. Trackers for dates other than "now" are never
// consulted.
package quota

import (
	"time"

	"reachbot/internal/storage"
)

// Remaining reports how many messages the group may still send today.
// Never negative: a tracker that raced past the quota still reads as done.
func Remaining(g *storage.Group, now time.Time) int {
	sent := 0
	if tr := g.Tracker(storage.DateKey(now)); tr != nil {
		sent = tr.MessageCount
	}
	if rem := g.Quota() - sent; rem > 0 {
		return rem
	}
	return 0
}

// Exhausted reports whether the group has used up today's quota.
func Exhausted(g *storage.Group, now time.Time) bool {
	return Remaining(g, now) <= 0
}

// Interval is the required gap between two messages to the group: the 24h
// window divided evenly by the daily quota.
func Interval(g *storage.Group) time.Duration {
	return 24 * time.Hour / time.Duration(g.Quota())
}

// Ready reports whether the group may receive a message right now.
// A group that has not sent anything today is always ready, regardless of
// any stale tracker from a previous date.
func Ready(g *storage.Group, now time.Time) bool {
	if Exhausted(g, now) {
		return false
	}
	tr := g.Tracker(storage.DateKey(now))
	if tr == nil || tr.LastSentAt.IsZero() || tr.MessageCount == 0 {
		return true
	}
	return now.Sub(tr.LastSentAt) >= Interval(g)
}

// Missed counts how many send slots the group has fallen behind, clamped to
// [0, Remaining]. A value above 1 puts the delivery pipeline into catch-up
// mode (still one message per turn, shorter delay after).
func Missed(g *storage.Group, now time.Time) int {
	tr := g.Tracker(storage.DateKey(now))
	if tr == nil || tr.LastSentAt.IsZero() {
		return 0
	}
	rem := Remaining(g, now)
	if rem <= 0 {
		return 0
	}
	missed := int(now.Sub(tr.LastSentAt) / Interval(g))
	if missed < 0 {
		missed = 0
	}
	if missed > rem {
		missed = rem
	}
	return missed
}

// NextReady returns how long until the group is ready again. ok is false when
// the group is exhausted for today. A zero duration means ready now.
func NextReady(g *storage.Group, now time.Time) (time.Duration, bool) {
	if Exhausted(g, now) {
		return 0, false
	}
	tr := g.Tracker(storage.DateKey(now))
	if tr == nil || tr.LastSentAt.IsZero() || tr.MessageCount == 0 {
		return 0, true
	}
	wait := Interval(g) - now.Sub(tr.LastSentAt)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
