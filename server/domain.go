package server

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"replhub/clock"
	"replhub/communication"
)

// domain is one replicated namespace: its change log, attached sessions and topology
type domain struct {
	hub  *Hub
	name string
	log  *changeLog
	zlog zerolog.Logger

	topology *topologyManager
	assured  *assuredTracker

	mu       sync.Mutex
	sessions map[*session]struct{}
	changed  chan struct{} // closed and replaced on every append
	failure  error

	stopOnce sync.Once
	done     chan struct{}
}

func openDomain(h *Hub, name string) (*domain, error) {
	cfg := h.config()
	l, err := openChangeLog(cfg.ChangeLogDir, name, cfg.QueueSize, cfg.generation(name))
	if err != nil {
		return nil, err
	}
	d := &domain{
		hub:      h,
		name:     name,
		log:      l,
		zlog:     logger.With().Str("domain", name).Logger(),
		sessions: make(map[*session]struct{}),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.topology = newTopologyManager(d)
	d.assured = newAssuredTracker(d)

	h.group.Go(func() error {
		d.topology.run()
		return nil
	})
	h.group.Go(func() error {
		d.analyzeStatus()
		return nil
	})
	h.group.Go(func() error {
		d.purgeLoop()
		return nil
	})
	if l.discarded != "" {
		d.zlog.Warn().Str("previous", l.discarded).Str("generation", l.generation).Msg("generation changed, change log emptied")
	}
	d.zlog.Info().Int("changes", l.size()).Str("state", l.state().String()).Str("generation", l.generation).Msg("domain opened")
	return d, nil
}

// publish durably logs u and wakes the delivery workers. from is the session
// u arrived on, nil for a locally published change.
func (d *domain) publish(u communication.Update, from *session) error {
	if err := d.err(); err != nil {
		return err
	}
	id := u.ChangeID()
	assured := u.IsAssured() && from != nil && !from.isHub
	if assured {
		d.assured.register(id, from)
	}
	added, err := d.log.append(u)
	if err != nil {
		d.assured.cancel(id)
		d.fail(err)
		return err
	}
	if !added {
		d.assured.cancel(id)
		d.zlog.Debug().Str("id", id.String()).Msg("duplicate change discarded")
		return nil
	}
	if assured {
		d.assured.arm(id)
	}
	d.notify()
	return nil
}

func (d *domain) notify() {
	d.mu.Lock()
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

// changedCh is closed on the next append
func (d *domain) changedCh() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

func (d *domain) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failure
}

// fail marks the domain unusable after a change log failure and drops its sessions
func (d *domain) fail(err error) {
	select {
	case <-d.done:
		return
	default:
	}
	d.mu.Lock()
	if d.failure != nil {
		d.mu.Unlock()
		return
	}
	if communication.IsKind(err, communication.DurabilityError) {
		d.failure = errors.Wrapf(err, "domain %q", d.name)
	} else {
		d.failure = communication.WrapError(communication.DurabilityError, err, "domain %q", d.name)
	}
	sessions := d.sessionsLocked()
	d.mu.Unlock()

	d.zlog.Error().Err(err).Msg("change log failure, closing every session of the domain")
	for _, s := range sessions {
		s.close(err)
	}
}

// addSession registers s. Replica ids are unique per domain, except that two
// links between the same pair of hubs resolve to the one dialed by the lower id.
func (d *domain) addSession(s *session) error {
	self := d.hub.serverID()

	d.mu.Lock()
	if d.failure != nil {
		d.mu.Unlock()
		return d.failure
	}
	select {
	case <-d.done:
		d.mu.Unlock()
		return communication.NewError(communication.HandshakeError, "domain %q is shutting down", d.name)
	default:
	}
	var loser *session
	for other := range d.sessions {
		if other.peerID != s.peerID {
			continue
		}
		if !s.isHub || !other.isHub {
			d.mu.Unlock()
			return communication.NewError(communication.HandshakeError, "replica id %d is already connected to domain %q", s.peerID, d.name)
		}
		if s.dialerID(self) >= other.dialerID(self) {
			d.mu.Unlock()
			return communication.NewError(communication.HandshakeError, "hub %d is already linked through a session dialed by %d", s.peerID, other.dialerID(self))
		}
		loser = other
	}
	if loser != nil {
		delete(d.sessions, loser)
	}
	d.sessions[s] = struct{}{}
	d.mu.Unlock()

	if loser != nil {
		loser.log.Info().Msg("replaced by the link dialed from the lower id")
		loser.close(nil)
	}
	return nil
}

func (d *domain) removeSession(s *session) {
	d.mu.Lock()
	_, ok := d.sessions[s]
	delete(d.sessions, s)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.assured.forget(s)
	if s.isHub && !d.linkedTo(s.peerID) {
		d.topology.forget(s.peerID)
	}
	d.topology.changed(true)
}

func (d *domain) sessionsLocked() []*session {
	out := make([]*session, 0, len(d.sessions))
	for s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peerID < out[j].peerID })
	return out
}

// snapshot lists the sessions ordered by peer id
func (d *domain) snapshot() []*session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionsLocked()
}

// peerSessions lists the hub links made to or from addr
func (d *domain) peerSessions(addr string) []*session {
	var out []*session
	for _, s := range d.snapshot() {
		if s.matchesPeer(addr) {
			out = append(out, s)
		}
	}
	return out
}

func (d *domain) linkedTo(hub clock.ReplicaID) bool {
	for _, s := range d.snapshot() {
		if s.isHub && s.peerID == hub {
			return true
		}
	}
	return false
}

// analyzeStatus flags replicas that fall too far behind as degraded, and back
func (d *domain) analyzeStatus() {
	interval := d.hub.config().StatusInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		threshold := d.hub.config().DegradedStatusThreshold
		if threshold <= 0 {
			continue
		}
		for _, s := range d.snapshot() {
			if s.isHub || !s.isReady() {
				continue
			}
			missing, _, err := d.log.missing(s.seenSnapshot())
			if err != nil {
				d.fail(err)
				return
			}
			want := communication.StatusNormal
			if missing >= threshold {
				want = communication.StatusDegraded
			}
			if s.currentStatus() == want {
				continue
			}
			s.log.Warn().Int("missing", missing).Int("threshold", threshold).Str("status", string(want)).Msg("replica status changed by analyzer")
			s.setStatus(want)
			s.send(&communication.ChangeStatusMsg{Status: want})
		}
	}
}

func (d *domain) purgeLoop() {
	delay := d.hub.config().PurgeDelay
	if delay <= 0 {
		return
	}
	interval := delay / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		n, err := d.log.purge(time.Now().Add(-d.hub.config().PurgeDelay))
		if err != nil {
			d.fail(err)
			return
		}
		if n > 0 {
			d.zlog.Info().Int("purged", n).Msg("change log purged")
		}
	}
}

// shutdown stops the domain workers, closes every session then the change log
func (d *domain) shutdown() {
	d.stopOnce.Do(func() {
		close(d.done)
		for _, s := range d.snapshot() {
			s.stop()
		}
		d.assured.stop()
		if err := d.log.close(); err != nil {
			d.zlog.Error().Err(err).Msg("fail to close change log")
		}
	})
}
