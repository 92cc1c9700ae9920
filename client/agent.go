package client

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"replhub/clock"
	"replhub/communication"
	"replhub/state"
	"replhub/util"
)

const (
	DefaultWindowSize = 100
	DefaultTimeout    = 5 * time.Second

	// reconnectInterval is the minimum spacing of two reconnection attempts
	reconnectInterval = 500 * time.Millisecond
)

var logger = util.NewLogger("agent")

type AgentConfig struct {
	HubAddress    string
	Domain        string
	ReplicaID     clock.ReplicaID
	ServerURL     string // advertised to the topology, optional
	WindowSize    int
	Timeout       time.Duration
	InitialState  *state.Vector
	GroupID       uint8
	TLSConfig     *tls.Config
	// GenerationID is the data set the replica holds; empty accepts the
	// first hub's and then sticks to it across reconnections
	GenerationID  string
	// IgnoreAssured is set by replicas that never acknowledge assured
	// updates, so that hubs do not wait for them
	IgnoreAssured bool
}

// Agent is a replica's half of a replication session with a hub. Updates
// received through Receive must be acknowledged with AcknowledgeReplay once
// applied, or the hub stops delivering after WindowSize of them.
type Agent struct {
	cfg     AgentConfig
	gen     *clock.Generator
	limiter *rate.Limiter
	log     zerolog.Logger

	recvMu sync.Mutex

	mu          sync.Mutex
	sess        *communication.Session
	hub         *communication.HubHandshakeMsg
	generation  string
	ownGap      bool           // the hub lacked some of our own changes at handshake
	hubOwn      clock.ChangeID // newest own change the hub had then
	state       *state.Vector
	topology    *communication.TopologyMsg
	status      communication.Status
	received    []communication.Update // delivered, not yet acknowledged
	pendingAcks int
	stopped     bool
}

// Connect opens a session to cfg.HubAddress, waiting at most cfg.Timeout for the handshake
func Connect(ctx context.Context, cfg AgentConfig) (*Agent, error) {
	if cfg.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if cfg.ReplicaID == 0 {
		return nil, errors.New("replica id must not be 0")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	a := &Agent{
		cfg:     cfg,
		gen:     clock.NewGeneratorFromState(cfg.ReplicaID, cfg.InitialState),
		limiter: rate.NewLimiter(rate.Every(reconnectInterval), 1),
		log:     logger.With().Str("domain", cfg.Domain).Uint16("replica", uint16(cfg.ReplicaID)).Logger(),
		state:   cfg.InitialState.Clone(),
		status:  communication.StatusNormal,

		generation: cfg.GenerationID,
	}
	if err := a.open(ctx, cfg.HubAddress); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) open(ctx context.Context, addr string) error {
	if err := ctx.Err(); err != nil {
		return communication.WrapError(communication.ConnectTimeout, err, "connect to %s", addr)
	}
	sess, err := communication.DialContext(ctx, addr, a.cfg.Timeout, a.cfg.TLSConfig)
	if err != nil {
		return err
	}
	cancelled := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer cancelled()

	a.mu.Lock()
	start := &communication.SessionStartMsg{
		ProtocolVersion: communication.ProtocolVersion,
		Domain:          a.cfg.Domain,
		ReplicaID:       a.cfg.ReplicaID,
		ServerURL:       a.cfg.ServerURL,
		WindowSize:      a.cfg.WindowSize,
		State:           a.state.Clone(),
		SSLEncryption:   a.cfg.TLSConfig != nil,
		GroupID:         a.cfg.GroupID,
		GenerationID:    a.generation,
	}
	confirm := &communication.StartSessionMsg{Status: a.status, AssuredSupported: !a.cfg.IgnoreAssured}
	own, hasOwn := a.state.Get(a.cfg.ReplicaID)
	a.mu.Unlock()

	hs, topo, err := communication.Initiate(sess, start, confirm, a.cfg.Timeout)
	if err != nil {
		_ = sess.Close()
		if ctx.Err() != nil {
			return communication.WrapError(communication.ConnectTimeout, ctx.Err(), "connect to %s", addr)
		}
		return err
	}
	for _, id := range hs.State.Newest() {
		a.gen.Adjust(id)
	}

	hubOwn, _ := hs.State.Get(a.cfg.ReplicaID)
	gap := hasOwn && !hs.State.Covers(own)

	a.mu.Lock()
	a.sess = sess
	a.hub = hs
	a.generation = hs.GenerationID
	a.ownGap, a.hubOwn = gap, hubOwn
	a.topology = topo
	a.received = nil
	a.pendingAcks = 0
	a.mu.Unlock()

	a.log.Info().Str("hub", addr).Uint16("hub_id", uint16(hs.HubID)).Int("window", a.cfg.WindowSize).Msg("connected")
	if gap {
		a.log.Warn().Str("hub_has", hubOwn.String()).Str("own", own.String()).Msg("hub is missing own changes")
	}
	return nil
}

func (a *Agent) session() (*communication.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, communication.NewError(communication.SessionClosed, "agent stopped")
	}
	if a.sess == nil {
		return nil, communication.NewError(communication.SessionClosed, "not connected")
	}
	return a.sess, nil
}

// Publish sends a locally made change to the hub. It is not window limited.
func (a *Agent) Publish(u communication.Update) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	a.gen.Adjust(u.ChangeID())
	a.mu.Lock()
	a.state.Update(u.ChangeID())
	a.mu.Unlock()
	return sess.Send(u)
}

// Receive waits up to timeout for the next message from the hub; a zero
// timeout waits until a message arrives or the agent stops.
func (a *Agent) Receive(timeout time.Duration) (communication.Message, error) {
	a.recvMu.Lock()
	defer a.recvMu.Unlock()

	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := sess.SetReadDeadline(deadline); err != nil {
		return nil, communication.WrapError(communication.SessionClosed, err, "set deadline")
	}

	m, err := sess.Receive()
	if err != nil {
		if _, serr := a.session(); serr != nil {
			return nil, serr
		}
		if communication.IsKind(err, communication.MalformedMessage) {
			_ = sess.Close()
		}
		return nil, err
	}

	switch m := m.(type) {
	case communication.Update:
		a.gen.Adjust(m.ChangeID())
		a.mu.Lock()
		a.received = append(a.received, m)
		a.mu.Unlock()
	case *communication.TopologyMsg:
		a.mu.Lock()
		a.topology = m
		a.mu.Unlock()
	case *communication.ChangeStatusMsg:
		a.log.Info().Str("status", string(m.Status)).Msg("status changed by hub")
		a.mu.Lock()
		a.status = m.Status
		a.mu.Unlock()
	case *communication.ErrorMsg:
		a.log.Warn().Str("details", m.Details).Msg("hub reported an error")
		_ = sess.Close()
	case *communication.StopMsg:
		a.log.Info().Msg("hub closed the session")
		_ = sess.Close()
	}
	return m, nil
}

// AcknowledgeReplay reports the oldest received update as applied. Credits
// go back to the hub in batches of half the window; assured updates are
// acknowledged one by one.
func (a *Agent) AcknowledgeReplay() error {
	return a.acknowledge(false)
}

// RejectReplay reports the oldest received update as failed to apply. It is
// not delivered again; an assured one is reported to its origin as a replay
// error.
func (a *Agent) RejectReplay() error {
	return a.acknowledge(true)
}

func (a *Agent) acknowledge(replayError bool) error {
	sess, err := a.session()
	if err != nil {
		return err
	}

	a.mu.Lock()
	if len(a.received) == 0 {
		a.mu.Unlock()
		return nil
	}
	u := a.received[0]
	a.received[0] = nil
	a.received = a.received[1:]
	a.state.Update(u.ChangeID())
	a.pendingAcks++
	var credits int
	threshold := a.cfg.WindowSize / 2
	if threshold < 1 {
		threshold = 1
	}
	if a.pendingAcks >= threshold {
		credits = a.pendingAcks
		a.pendingAcks = 0
	}
	a.mu.Unlock()

	if replayError {
		a.log.Warn().Str("id", u.ChangeID().String()).Msg("update not replayed")
	}
	if u.IsAssured() && !a.cfg.IgnoreAssured {
		if err := sess.Send(&communication.AckMsg{ID: u.ChangeID(), HasReplayError: replayError}); err != nil {
			return err
		}
	}
	if credits > 0 {
		return sess.Send(&communication.WindowMsg{Credits: credits})
	}
	return nil
}

// ProbeWindow asks the hub for its remaining send credits; the answer comes
// back through Receive.
func (a *Agent) ProbeWindow() error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	return sess.Send(&communication.WindowProbeMsg{})
}

// Reconnect replaces the session, trying the configured hub then every hub
// of the last topology seen. The current state is advertised, so updates
// received but not acknowledged are delivered again.
func (a *Agent) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return communication.NewError(communication.SessionClosed, "agent stopped")
	}
	old := a.sess
	a.sess = nil
	candidates := []string{a.cfg.HubAddress}
	if a.topology != nil {
		candidates = append(candidates, a.topology.HubURLs()...)
	}
	a.mu.Unlock()

	if old != nil {
		_ = old.Send(&communication.StopMsg{})
		_ = old.Close()
	}

	var lastErr error
	tried := make(map[string]bool)
	for _, addr := range candidates {
		if tried[addr] {
			continue
		}
		tried[addr] = true
		if err := a.limiter.Wait(ctx); err != nil {
			return communication.WrapError(communication.ConnectTimeout, err, "reconnect")
		}
		if err := a.open(ctx, addr); err != nil {
			a.log.Warn().Err(err).Str("hub", addr).Msg("reconnect attempt failed")
			lastErr = err
			continue
		}
		return nil
	}
	return errors.Wrap(lastErr, "no hub accepted the session")
}

// Stop closes the session. It is idempotent and unblocks a pending Receive.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	sess := a.sess
	a.mu.Unlock()

	if sess == nil {
		return nil
	}
	_ = sess.Send(&communication.StopMsg{})
	a.log.Info().Msg("stopped")
	return sess.Close()
}

// HubState is the state vector the hub advertised when the session opened
func (a *Agent) HubState() *state.Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hub == nil {
		return state.New()
	}
	return a.hub.State.Clone()
}

// OwnChangesMissing reports whether the hub lacked some of this replica's
// own changes when the session opened, as after failing over from a hub that
// had not forwarded them yet, and the newest own change the hub had (zero if
// none). The caller must Publish again, oldest first, every own change newer
// than since before making new ones: a hub drops an own change older than
// one it already holds.
func (a *Agent) OwnChangesMissing() (since clock.ChangeID, missing bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hubOwn, a.ownGap
}

// GenerationID is the generation of the data set the hub holds
func (a *Agent) GenerationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// NextChangeID stamps a new local change
func (a *Agent) NextChangeID() clock.ChangeID {
	return a.gen.Next()
}

func (a *Agent) State() *state.Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

func (a *Agent) Topology() *communication.TopologyMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topology
}

func (a *Agent) Status() communication.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// HubID is the id of the hub the agent is connected to
func (a *Agent) HubID() clock.ReplicaID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hub == nil {
		return 0
	}
	return a.hub.HubID
}

func (a *Agent) Domain() string {
	return a.cfg.Domain
}
