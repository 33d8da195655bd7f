package bridge

import (
	"time"

	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

// envelope is a message held for a target role that has no active peer yet.
type envelope struct {
	frame    protocol.Frame
	from     *Peer
	deadline time.Time
}

// pendingQueue holds queue-policy messages per target role until the role
// activates or the deadline passes. In-memory only: a bridge restart loses
// the queue, which is the intended behavior for a pure relay.
type pendingQueue struct {
	limit  int
	byRole map[protocol.Role][]envelope
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{
		limit:  limit,
		byRole: make(map[protocol.Role][]envelope),
	}
}

// add appends an envelope for the role, evicting the oldest entry when the
// per-role bound is reached. The evicted envelope is returned so its sender
// can be notified.
func (q *pendingQueue) add(role protocol.Role, env envelope) (evicted *envelope, ok bool) {
	entries := q.byRole[role]
	if len(entries) >= q.limit {
		old := entries[0]
		entries = entries[1:]
		evicted = &old
	}
	q.byRole[role] = append(entries, env)
	return evicted, true
}

// flush removes and returns every live envelope for the role in FIFO order.
// Entries that expired while waiting are returned separately.
func (q *pendingQueue) flush(role protocol.Role, now time.Time) (live, expired []envelope) {
	entries := q.byRole[role]
	delete(q.byRole, role)
	for _, env := range entries {
		if now.After(env.deadline) {
			expired = append(expired, env)
			continue
		}
		live = append(live, env)
	}
	return live, expired
}

// expire removes and returns every envelope past its deadline.
func (q *pendingQueue) expire(now time.Time) []envelope {
	var expired []envelope
	for role, entries := range q.byRole {
		kept := entries[:0]
		for _, env := range entries {
			if now.After(env.deadline) {
				expired = append(expired, env)
				continue
			}
			kept = append(kept, env)
		}
		if len(kept) == 0 {
			delete(q.byRole, role)
		} else {
			q.byRole[role] = kept
		}
	}
	return expired
}

// depth returns the number of queued envelopes for a role.
func (q *pendingQueue) depth(role protocol.Role) int {
	return len(q.byRole[role])
}
