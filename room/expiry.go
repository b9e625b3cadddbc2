package room

import "github.com/jonboulle/clockwork"

// pendingTimer is the one outstanding expiry timer of a room. seq tells a stale firing (whose timer was cancelled
// after it had already queued its expire operation) apart from the current one.
type pendingTimer struct {
	timer clockwork.Timer
	seq   uint64
}

// armExpiry starts the grace period of roomID. It is a no-op while a timer for that id is pending.
func (r *Registry) armExpiry(roomID string) {
	if _, ok := r.pendingExpiry[roomID]; ok {
		return
	}
	r.timerSeq++
	seq := r.timerSeq
	timer := r.clock.AfterFunc(r.expiry, func() {
		// runs on the clock's goroutine, the registry state is only touched by the queued operation
		r.submit(func() { r.expire(roomID, seq) })
	})
	r.pendingExpiry[roomID] = &pendingTimer{timer: timer, seq: seq}
}

// expire deletes roomID if it is still empty. A room that got members during its grace period is kept and not
// re-armed; it goes away when its last member disconnects.
func (r *Registry) expire(roomID string, seq uint64) {
	pending, ok := r.pendingExpiry[roomID]
	if !ok || pending.seq != seq {
		return
	}
	delete(r.pendingExpiry, roomID)

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if len(rm.Members) > 0 {
		r.logger.Debug("grace period over, room is in use", "room", roomID, "count", len(rm.Members))
		return
	}
	delete(r.rooms, roomID)
	r.logger.Info("room deleted due to inactivity", "room", roomID)
}

func (r *Registry) cancelExpiry(roomID string) {
	if pending, ok := r.pendingExpiry[roomID]; ok {
		pending.timer.Stop()
		delete(r.pendingExpiry, roomID)
	}
}

func (r *Registry) cancelAllExpiries() {
	for roomID := range r.pendingExpiry {
		r.cancelExpiry(roomID)
	}
}
