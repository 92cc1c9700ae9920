package server

import (
	"sort"
	"sync"
	"time"

	"replhub/clock"
	"replhub/communication"
)

// assuredTracker collects the acknowledgments of assured updates from the
// replicas attached to this hub and reports the outcome to the origin.
type assuredTracker struct {
	d *domain

	mu      sync.Mutex
	pending map[clock.ChangeID]*assuredWait
}

type assuredWait struct {
	origin      *session
	waiting     map[clock.ReplicaID]bool
	wrongStatus []clock.ReplicaID
	replayError []clock.ReplicaID
	timer       *time.Timer
}

func newAssuredTracker(d *domain) *assuredTracker {
	return &assuredTracker{d: d, pending: make(map[clock.ChangeID]*assuredWait)}
}

// register starts waiting for every normal status replica of the origin's
// group that supports assured updates. It must happen before the update can
// be delivered to any of them.
func (a *assuredTracker) register(id clock.ChangeID, origin *session) {
	w := &assuredWait{origin: origin, waiting: make(map[clock.ReplicaID]bool)}
	for _, s := range a.d.snapshot() {
		if s == origin || s.isHub || !s.assured || !s.isReady() || s.groupID != origin.groupID {
			continue
		}
		if s.currentStatus() != communication.StatusNormal {
			w.wrongStatus = append(w.wrongStatus, s.peerID)
			continue
		}
		w.waiting[s.peerID] = true
	}
	a.mu.Lock()
	a.pending[id] = w
	a.mu.Unlock()
}

// arm starts the timeout of a registered update once it is durably logged
func (a *assuredTracker) arm(id clock.ChangeID) {
	a.mu.Lock()
	w, ok := a.pending[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	if len(w.waiting) == 0 {
		delete(a.pending, id)
		a.mu.Unlock()
		a.report(id, w, false)
		return
	}
	w.timer = time.AfterFunc(a.d.hub.config().AssuredTimeout, func() { a.expire(id) })
	a.mu.Unlock()
}

func (a *assuredTracker) cancel(id clock.ChangeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.pending[id]; ok {
		w.stopTimer()
		delete(a.pending, id)
	}
}

func (w *assuredWait) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (a *assuredTracker) ack(id clock.ChangeID, from clock.ReplicaID, replayError bool) {
	a.mu.Lock()
	w, ok := a.pending[id]
	if !ok || !w.waiting[from] {
		a.mu.Unlock()
		return
	}
	delete(w.waiting, from)
	if replayError {
		w.replayError = append(w.replayError, from)
	}
	if len(w.waiting) > 0 || w.timer == nil {
		a.mu.Unlock()
		return
	}
	delete(a.pending, id)
	w.stopTimer()
	a.mu.Unlock()

	a.report(id, w, false)
}

func (a *assuredTracker) expire(id clock.ChangeID) {
	a.mu.Lock()
	w, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if ok {
		a.report(id, w, true)
	}
}

func (a *assuredTracker) report(id clock.ChangeID, w *assuredWait, timeout bool) {
	failed := append([]clock.ReplicaID(nil), w.wrongStatus...)
	failed = append(failed, w.replayError...)
	for r := range w.waiting {
		failed = append(failed, r)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	ack := &communication.AckMsg{
		ID:             id,
		HasTimeout:     timeout,
		HasWrongStatus: len(w.wrongStatus) > 0,
		HasReplayError: len(w.replayError) > 0,
		FailedReplicas: failed,
	}
	if ack.HasReplayError {
		w.origin.log.Warn().Str("id", id.String()).Interface("failed", w.replayError).Msg("assured update not replayed")
	}
	if timeout {
		w.origin.log.Warn().Str("id", id.String()).Interface("failed", failed).Msg("assured update timed out")
	}
	if w.origin.isReady() {
		w.origin.send(ack)
	}
}

// forget drops the waits of a closed origin; a closed replica simply never acks
func (a *assuredTracker) forget(s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.pending {
		if w.origin == s {
			w.stopTimer()
			delete(a.pending, id)
		}
	}
}

func (a *assuredTracker) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.pending {
		w.stopTimer()
		delete(a.pending, id)
	}
}
