package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"replhub/clock"
	"replhub/communication"
)

// topologyBroadcastInterval is the minimum spacing of two topology broadcasts
const topologyBroadcastInterval = 100 * time.Millisecond

// topologyManager keeps the hubs and replicas known for one domain and
// advertises them. Peer hubs are only sent what is attached locally; replica
// agents get the whole view, including what peer hubs report.
type topologyManager struct {
	d       *domain
	limiter *rate.Limiter
	kick    chan struct{}

	mu      sync.Mutex
	id      string
	remote  map[clock.ReplicaID]*communication.TopologyMsg
	toHubs  bool
	pending bool
}

func newTopologyManager(d *domain) *topologyManager {
	return &topologyManager{
		d:       d,
		limiter: rate.NewLimiter(rate.Every(topologyBroadcastInterval), 1),
		kick:    make(chan struct{}, 1),
		id:      uuid.NewString(),
		remote:  make(map[clock.ReplicaID]*communication.TopologyMsg),
	}
}

func (t *topologyManager) currentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// changed schedules a broadcast. local is set when what this hub has attached changed.
func (t *topologyManager) changed(local bool) {
	t.mu.Lock()
	t.pending = true
	if local {
		t.toHubs = true
	}
	t.mu.Unlock()
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// applyRemote records the view a peer hub reported; a later copy replaces an earlier one
func (t *topologyManager) applyRemote(from clock.ReplicaID, m *communication.TopologyMsg) {
	t.mu.Lock()
	t.remote[from] = m
	t.mu.Unlock()
	t.changed(false)
}

func (t *topologyManager) forget(hub clock.ReplicaID) {
	t.mu.Lock()
	delete(t.remote, hub)
	t.mu.Unlock()
}

func (t *topologyManager) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.d.done
		cancel()
	}()

	for {
		select {
		case <-t.d.done:
			return
		case <-t.kick:
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}

		t.mu.Lock()
		if !t.pending {
			t.mu.Unlock()
			continue
		}
		toHubs := t.toHubs
		t.pending, t.toHubs = false, false
		t.id = uuid.NewString()
		t.mu.Unlock()

		t.broadcast(toHubs)
	}
}

func (t *topologyManager) broadcast(toHubs bool) {
	for _, s := range t.d.snapshot() {
		if !s.isReady() || (s.isHub && !toHubs) {
			continue
		}
		s.pushTopology(t.messageFor(s))
	}
}

// messageFor builds the topology to send on s
func (t *topologyManager) messageFor(s *session) *communication.TopologyMsg {
	cfg := t.d.hub.config()
	self := cfg.ServerID

	hubs := map[clock.ReplicaID]communication.HubInfo{
		self: {ID: self, URL: t.d.hub.URL(), GroupID: cfg.GroupID},
	}
	replicas := make(map[clock.ReplicaID]communication.ReplicaInfo)

	for _, other := range t.d.snapshot() {
		if other == s || !other.isReady() {
			continue
		}
		if other.isHub {
			if !s.isHub {
				hubs[other.peerID] = communication.HubInfo{ID: other.peerID, URL: other.url, GroupID: other.groupID}
			}
			continue
		}
		replicas[other.peerID] = communication.ReplicaInfo{
			ID:      other.peerID,
			HubID:   self,
			URL:     other.url,
			GroupID: other.groupID,
			Status:  other.currentStatus(),
		}
	}

	t.mu.Lock()
	id := t.id
	if !s.isHub {
		for _, view := range t.remote {
			for _, h := range view.Hubs {
				if _, ok := hubs[h.ID]; !ok {
					hubs[h.ID] = h
				}
			}
			for _, r := range view.Replicas {
				if _, ok := replicas[r.ID]; !ok && r.ID != s.peerID {
					replicas[r.ID] = r
				}
			}
		}
	}
	t.mu.Unlock()

	m := &communication.TopologyMsg{Domain: t.d.name, TopologyID: id}
	for _, h := range hubs {
		m.Hubs = append(m.Hubs, h)
	}
	for _, r := range replicas {
		m.Replicas = append(m.Replicas, r)
	}
	sort.Slice(m.Hubs, func(i, j int) bool { return m.Hubs[i].ID < m.Hubs[j].ID })
	sort.Slice(m.Replicas, func(i, j int) bool { return m.Replicas[i].ID < m.Replicas[j].ID })
	return m
}
