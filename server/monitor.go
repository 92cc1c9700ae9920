package server

import (
	"time"

	"replhub/clock"
	"replhub/communication"
)

// SessionStats is the monitoring view of one session
type SessionStats struct {
	Domain           string
	PeerID           clock.ReplicaID
	IsHub            bool
	URL              string
	State            SessionState
	Status           communication.Status
	WindowSize       int
	Credits          int
	SentUpdates      int64
	ReceivedUpdates  int64
	MissingChanges   int
	QueueSize        int
	QueueSaturated   bool
	OldestMissingAge time.Duration
}

type DomainStats struct {
	Name          string
	Generation    string
	Changes       int
	State         string
	QueueCapacity int
	Err           string `json:",omitempty"`
	Sessions      []SessionStats
}

// Monitor takes a snapshot of every domain and session
func (h *Hub) Monitor() []DomainStats {
	var out []DomainStats
	now := time.Now()
	for _, d := range h.domainList() {
		ds := DomainStats{
			Name:          d.name,
			Generation:    d.log.generation,
			Changes:       d.log.size(),
			State:         d.log.state().String(),
			QueueCapacity: d.log.queueCapacity(),
		}
		if err := d.err(); err != nil {
			ds.Err = err.Error()
		}
		for _, s := range d.snapshot() {
			ds.Sessions = append(ds.Sessions, s.stats(now))
		}
		out = append(out, ds)
	}
	return out
}

func (s *session) stats(now time.Time) SessionStats {
	seen := s.seenSnapshot()
	missing, oldest, err := s.domain.log.missing(seen)
	if err != nil {
		s.log.Warn().Err(err).Msg("fail to count missing changes")
	}
	capacity := s.domain.log.queueCapacity()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStats{
		Domain:          s.domain.name,
		PeerID:          s.peerID,
		IsHub:           s.isHub,
		URL:             s.url,
		State:           s.state,
		Status:          s.status,
		WindowSize:      s.windowSize,
		Credits:         s.credits,
		SentUpdates:     s.sent,
		ReceivedUpdates: s.received,
		MissingChanges:  missing,
		QueueSize:       missing,
	}
	if st.QueueSize > capacity {
		st.QueueSize = capacity
	}
	st.QueueSaturated = missing >= capacity
	if !oldest.IsZero() {
		st.OldestMissingAge = oldest.Age(now)
	}
	return st
}
