package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replhub/clock"
	"replhub/communication"
	"replhub/state"
)

// handshakeTimeout bounds the whole accepting handshake
const handshakeTimeout = 10 * time.Second

const (
	AwaitStart  SessionState = "await_start"
	Handshaking SessionState = "handshaking"
	CatchingUp  SessionState = "catching_up"
	Streaming   SessionState = "streaming"
	Closed      SessionState = "closed"
)

type SessionState string

// session is the hub's half of one connection to a replica agent or a peer hub
type session struct {
	domain   *domain
	sess     *communication.Session
	peerID   clock.ReplicaID
	isHub    bool
	outbound bool   // this hub dialed the peer
	url      string // advertised by the peer
	dialAddr string // address dialed, outbound only
	groupID  uint8
	assured  bool // the peer acknowledges assured updates
	log      zerolog.Logger

	mu          sync.Mutex
	state       SessionState
	status      communication.Status
	ready       bool
	windowSize  int // send window granted by the peer
	credits     int
	rcvWindow   int // receive window granted to the peer
	rcvDebt     int // credits to withhold after the receive window shrank
	pendingAcks int
	seen        *state.Vector // what the peer is known to have
	sent        int64
	received    int64
	lastErr     error

	creditCh  chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	topoMu sync.Mutex
	topo   *communication.TopologyMsg // newest topology not sent yet
	topoCh chan struct{}
}

type sessionParams struct {
	peerID     clock.ReplicaID
	isHub      bool
	outbound   bool
	url        string
	dialAddr   string
	groupID    uint8
	assured    bool
	status     communication.Status
	windowSize int
	rcvWindow  int
	seen       *state.Vector
}

func newSession(d *domain, sess *communication.Session, p sessionParams) *session {
	seen := p.seen.Clone()
	status := p.status
	if status == "" {
		status = communication.StatusNormal
	}
	role := "replica"
	if p.isHub {
		role = "hub"
	}
	return &session{
		domain:     d,
		sess:       sess,
		peerID:     p.peerID,
		isHub:      p.isHub,
		outbound:   p.outbound,
		url:        p.url,
		dialAddr:   p.dialAddr,
		groupID:    p.groupID,
		assured:    p.assured,
		log:        logger.With().Str("domain", d.name).Str("role", role).Uint16("peer", uint16(p.peerID)).Str("session", sess.ID()).Logger(),
		state:      Handshaking,
		status:     status,
		windowSize: p.windowSize,
		credits:    p.windowSize,
		rcvWindow:  p.rcvWindow,
		seen:       seen,
		creditCh:   make(chan struct{}, 1),
		done:       make(chan struct{}),
		topoCh:     make(chan struct{}, 1),
	}
}

// handshake runs the accepting side of the session handshake. On failure the
// transport is left open; the caller closes it.
func (h *Hub) handshake(sess *communication.Session) (*session, error) {
	if err := sess.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, communication.WrapError(communication.HandshakeError, err, "set deadline")
	}

	m, err := sess.Receive()
	if err != nil {
		if communication.IsKind(err, communication.MalformedMessage) {
			return nil, err
		}
		return nil, communication.WrapError(communication.HandshakeError, err, "waiting for session start")
	}
	start, ok := m.(*communication.SessionStartMsg)
	if !ok {
		return nil, h.refuse(sess, communication.HandshakeError, "expected session start, got %s", m.Op())
	}
	if start.ProtocolVersion != communication.ProtocolVersion {
		return nil, h.refuse(sess, communication.IncompatiblePeer, "protocol version %d is not supported, want %d", start.ProtocolVersion, communication.ProtocolVersion)
	}
	d := h.domain(start.Domain)
	if d == nil {
		return nil, h.refuse(sess, communication.IncompatiblePeer, "domain %q is not replicated by hub %d", start.Domain, h.serverID())
	}
	if err := d.err(); err != nil {
		return nil, h.refuse(sess, communication.HandshakeError, "domain %q is unavailable: %v", start.Domain, err)
	}
	if start.SSLEncryption && !sess.Encrypted() {
		return nil, h.refuse(sess, communication.IncompatiblePeer, "peer requires encryption but the hub listens in clear")
	}
	if start.IsHub && start.ReplicaID == h.serverID() {
		return nil, h.refuse(sess, communication.HandshakeError, "hub %d cannot connect to itself", start.ReplicaID)
	}
	if start.GenerationID != "" && start.GenerationID != d.log.generation {
		return nil, h.refuse(sess, communication.IncompatiblePeer, "generation %s of domain %q does not match this hub's %s", start.GenerationID, d.name, d.log.generation)
	}

	cfg := h.config()
	err = sess.Send(&communication.HubHandshakeMsg{
		ProtocolVersion:         communication.ProtocolVersion,
		HubID:                   cfg.ServerID,
		ServerURL:               h.URL(),
		Domain:                  d.name,
		WindowSize:              cfg.WindowSize,
		GroupID:                 cfg.GroupID,
		TopologyID:              d.topology.currentID(),
		State:                   d.log.state(),
		DegradedStatusThreshold: cfg.DegradedStatusThreshold,
		GenerationID:            d.log.generation,
	})
	if err != nil {
		return nil, communication.WrapError(communication.HandshakeError, err, "send hub handshake")
	}

	m, err = sess.Receive()
	if err != nil {
		if communication.IsKind(err, communication.MalformedMessage) {
			return nil, err
		}
		return nil, communication.WrapError(communication.HandshakeError, err, "waiting for start session")
	}
	confirm, ok := m.(*communication.StartSessionMsg)
	if !ok {
		return nil, h.refuse(sess, communication.HandshakeError, "expected start session, got %s", m.Op())
	}

	window := start.WindowSize
	if window <= 0 {
		window = cfg.WindowSize
	}
	s := newSession(d, sess, sessionParams{
		peerID:     start.ReplicaID,
		isHub:      start.IsHub,
		url:        start.ServerURL,
		groupID:    start.GroupID,
		assured:    confirm.AssuredSupported,
		status:     confirm.Status,
		windowSize: window,
		rcvWindow:  cfg.WindowSize,
		seen:       start.State,
	})
	if err := d.addSession(s); err != nil {
		return nil, h.refuse(sess, communication.HandshakeError, "%v", err)
	}
	if err := sess.Send(d.topology.messageFor(s)); err != nil {
		d.removeSession(s)
		return nil, communication.WrapError(communication.HandshakeError, err, "send topology")
	}
	_ = sess.SetReadDeadline(time.Time{})
	return s, nil
}

// refuse tells the peer why its session is not accepted and returns the matching error
func (h *Hub) refuse(sess *communication.Session, kind communication.ErrorKind, format string, args ...interface{}) error {
	err := communication.NewError(kind, format, args...)
	_ = sess.Send(&communication.ErrorMsg{
		Sender:       h.serverID(),
		Kind:         kind,
		Details:      err.Error(),
		CreationTime: time.Now().UnixMilli(),
	})
	return err
}

// run starts the read and delivery workers of an established session
func (s *session) run(h *Hub) {
	s.mu.Lock()
	s.state = CatchingUp
	s.ready = true
	s.mu.Unlock()

	s.log.Info().Str("remote", s.sess.RemoteAddr()).Int("window", s.windowSize).Msg("session established")
	s.domain.topology.changed(true)

	for _, worker := range []func(){s.readLoop, s.deliver, s.sendTopology} {
		if !h.spawn(worker) {
			s.close(nil)
			return
		}
	}
}

func (s *session) readLoop() {
	for {
		m, err := s.sess.Receive()
		if err != nil {
			switch communication.KindOf(err) {
			case communication.SessionClosed:
				s.close(nil)
			default:
				s.close(err)
			}
			return
		}

		switch m := m.(type) {
		case communication.Update:
			s.markSeen(m.ChangeID(), true)
			if err := s.domain.publish(m, s); err != nil {
				s.close(err)
				return
			}
			if s.isHub {
				if err := s.replayed(); err != nil {
					s.close(err)
					return
				}
			}
		case *communication.WindowMsg:
			s.addCredits(m.Credits)
		case *communication.WindowProbeMsg:
			if m.Reply {
				continue
			}
			if err := s.sess.Send(&communication.WindowProbeMsg{Reply: true, Credits: s.creditsRemaining()}); err != nil {
				s.close(err)
				return
			}
		case *communication.AckMsg:
			s.domain.assured.ack(m.ID, s.peerID, m.HasReplayError)
		case *communication.TopologyMsg:
			if s.isHub {
				s.domain.topology.applyRemote(s.peerID, m)
			}
		case *communication.ChangeStatusMsg:
			s.setStatus(m.Status)
		case *communication.StopMsg:
			s.close(nil)
			return
		case *communication.ErrorMsg:
			s.close(communication.NewError(communication.SessionClosed, "peer error: %s", m.Details))
			return
		default:
			s.close(communication.NewError(communication.HandshakeError, "unexpected %s after handshake", m.Op()))
			return
		}
	}
}

// replayed acknowledges one durably logged update received from a peer hub
func (s *session) replayed() error {
	s.mu.Lock()
	s.pendingAcks++
	n := s.pendingAcks
	threshold := s.rcvWindow / 2
	if threshold < 1 {
		threshold = 1
	}
	if n < threshold {
		s.mu.Unlock()
		return nil
	}
	s.pendingAcks = 0
	withheld := s.rcvDebt
	if withheld > n {
		withheld = n
	}
	s.rcvDebt -= withheld
	n -= withheld
	s.mu.Unlock()
	if n == 0 {
		return nil
	}
	return s.sess.Send(&communication.WindowMsg{Credits: n})
}

// setReceiveWindow changes the window granted to a peer hub. A larger window
// is granted at once; a smaller one by withholding credits from later acks.
func (s *session) setReceiveWindow(n int) {
	if !s.isHub {
		return
	}
	s.mu.Lock()
	grow := n - s.rcvWindow
	s.rcvWindow = n
	if grow > 0 {
		paid := s.rcvDebt
		if paid > grow {
			paid = grow
		}
		s.rcvDebt -= paid
		grow -= paid
	} else {
		s.rcvDebt -= grow
		grow = 0
	}
	s.mu.Unlock()

	if grow > 0 {
		s.log.Info().Int("window", n).Msg("receive window grown")
		s.send(&communication.WindowMsg{Credits: grow})
	}
}

// pushTopology queues m for sendTopology, replacing any topology not sent yet
func (s *session) pushTopology(m *communication.TopologyMsg) {
	s.topoMu.Lock()
	s.topo = m
	s.topoMu.Unlock()
	select {
	case s.topoCh <- struct{}{}:
	default:
	}
}

// sendTopology writes queued topologies, so a slow peer only delays its own
func (s *session) sendTopology() {
	for {
		select {
		case <-s.done:
			return
		case <-s.topoCh:
		}
		s.topoMu.Lock()
		m := s.topo
		s.topo = nil
		s.topoMu.Unlock()
		if m != nil {
			s.send(m)
		}
	}
}

// deliver streams the domain's changes to the peer, at most windowSize unacknowledged at a time
func (s *session) deliver() {
	for {
		if !s.waitCredits() {
			return
		}
		changed := s.domain.changedCh()
		u, ok, err := s.domain.log.next(s.seenSnapshot())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.domain.fail(err)
			}
			return
		}
		if !ok {
			s.setState(Streaming)
			select {
			case <-changed:
				continue
			case <-s.done:
				return
			}
		}
		if !s.reserve(u.ChangeID()) {
			continue
		}
		if err := s.sess.Send(u); err != nil {
			s.close(err)
			return
		}
	}
}

func (s *session) waitCredits() bool {
	for {
		select {
		case <-s.done:
			return false
		default:
		}
		if s.creditsRemaining() > 0 {
			return true
		}
		select {
		case <-s.creditCh:
		case <-s.done:
			return false
		}
	}
}

// reserve takes one credit for id and records it as sent. It returns false
// when the peer is already known to have id.
func (s *session) reserve(id clock.ChangeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen.Covers(id) {
		return false
	}
	s.seen.Update(id)
	s.credits--
	s.sent++
	return true
}

func (s *session) markSeen(id clock.ChangeID, received bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen.Update(id)
	if received {
		s.received++
	}
}

func (s *session) addCredits(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.credits += n
	s.mu.Unlock()
	select {
	case s.creditCh <- struct{}{}:
	default:
	}
}

func (s *session) creditsRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits
}

func (s *session) seenSnapshot() *state.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Clone()
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		s.state = st
	}
}

func (s *session) currentStatus() communication.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) setStatus(st communication.Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.log.Info().Str("status", string(st)).Msg("status changed")
		s.domain.topology.changed(true)
	}
}

func (s *session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.state != Closed
}

func (s *session) send(m communication.Message) {
	if err := s.sess.Send(m); err != nil {
		s.close(err)
	}
}

// matchesPeer reports whether this hub link was configured as addr
func (s *session) matchesPeer(addr string) bool {
	return s.isHub && (s.dialAddr == addr || s.url == addr)
}

// dialerID is the id of the hub that opened this link
func (s *session) dialerID(self clock.ReplicaID) clock.ReplicaID {
	if s.outbound {
		return self
	}
	return s.peerID
}

// stop closes the session after telling the peer
func (s *session) stop() {
	_ = s.sess.Send(&communication.StopMsg{})
	s.close(nil)
}

func (s *session) close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.lastErr = reason
		s.mu.Unlock()

		close(s.done)
		_ = s.sess.Close()
		s.domain.removeSession(s)

		if reason != nil {
			s.log.Warn().Err(reason).Msg("session closed")
		} else {
			s.log.Info().Msg("session closed")
		}
	})
}
