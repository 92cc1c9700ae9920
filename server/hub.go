package server

import (
	"context"
	"crypto/tls"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"replhub/clock"
	"replhub/communication"
	"replhub/util"
)

var logger = util.NewLogger("hub")

// Hub accepts replica agent and peer hub sessions and replicates every
// configured domain between them.
type Hub struct {
	mu        sync.RWMutex
	cfg       Config
	domains   map[string]*domain
	listener  net.Listener
	acceptErr error

	reconfMu sync.Mutex
	group    errgroup.Group

	pendingMu sync.Mutex
	pending   map[*communication.Session]struct{} // handshakes in progress

	ctx          context.Context // done on shutdown
	cancel       context.CancelFunc
	closing      chan struct{}
	failed       chan struct{} // closed when the hub stops accepting on its own
	shutdownOnce sync.Once
}

// Start binds the listen address, opens every domain's change log and dials
// the configured peer hubs. It returns once the hub accepts sessions.
func Start(cfg Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, communication.WrapError(communication.BindError, err, "bad configuration")
	}
	cfg = cfg.clone()

	tlsConfig, err := cfg.serverTLS()
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, communication.WrapError(communication.BindError, err, "listen on %q", cfg.Listen)
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		domains:  make(map[string]*domain),
		listener: l,
		pending:  make(map[*communication.Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		closing:  make(chan struct{}),
		failed:   make(chan struct{}),
	}
	for _, name := range cfg.Domains {
		d, err := openDomain(h, name)
		if err != nil {
			h.Shutdown()
			return nil, errors.Wrapf(err, "open domain %q", name)
		}
		h.domains[name] = d
	}

	h.group.Go(h.acceptLoop)
	logger.Info().Str("listen", h.Addr()).Uint16("id", uint16(cfg.ServerID)).Strs("domains", cfg.Domains).Bool("tls", tlsConfig != nil).Msg("hub listening")

	for _, d := range h.domainList() {
		for _, addr := range cfg.PeerHubs {
			h.connectPeer(d, addr)
		}
	}
	return h, nil
}

// spawn runs f in the worker group unless the hub is shutting down
func (h *Hub) spawn(f func()) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	select {
	case <-h.closing:
		return false
	default:
	}
	h.group.Go(func() error {
		f()
		return nil
	})
	return true
}

func (h *Hub) acceptLoop() error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.closing:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			logger.Error().Err(err).Msg("accept failed, hub stops accepting")
			h.mu.Lock()
			h.acceptErr = communication.WrapError(communication.BindError, err, "accept on %q", h.listener.Addr())
			h.mu.Unlock()
			close(h.failed)
			return nil
		}
		ok := h.spawn(func() {
			if err := h.AcceptSession(conn); err != nil {
				logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("session refused")
			}
		})
		if !ok {
			_ = conn.Close()
		}
	}
}

// AcceptSession runs the hub side of the handshake on conn and, on success,
// starts replicating to and from it. The transport is closed on failure.
func (h *Hub) AcceptSession(conn net.Conn) error {
	sess := communication.NewSession(conn)
	if !h.trackPending(sess) {
		_ = sess.Close()
		return communication.NewError(communication.HandshakeError, "hub is shutting down")
	}
	s, err := h.handshake(sess)
	h.untrackPending(sess)
	if err != nil {
		_ = sess.Close()
		return err
	}
	s.run(h)
	return nil
}

func (h *Hub) trackPending(sess *communication.Session) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	select {
	case <-h.closing:
		return false
	default:
	}
	h.pending[sess] = struct{}{}
	return true
}

func (h *Hub) untrackPending(sess *communication.Session) {
	h.pendingMu.Lock()
	delete(h.pending, sess)
	h.pendingMu.Unlock()
}

// connectPeer opens a hub link for d to addr in the background. Failures are
// logged only: the remote hub will dial back, or an operator reconfigures.
func (h *Hub) connectPeer(d *domain, addr string) {
	h.spawn(func() {
		if len(d.peerSessions(addr)) > 0 {
			return
		}
		if err := h.dialPeer(d, addr); err != nil {
			d.zlog.Warn().Err(err).Str("peer", addr).Msg("fail to connect to peer hub")
		}
	})
}

func (h *Hub) dialPeer(d *domain, addr string) error {
	cfg := h.config()
	tlsConfig := cfg.peerTLS()
	sess, err := communication.DialContext(h.ctx, addr, handshakeTimeout, tlsConfig)
	if err != nil {
		return err
	}
	if !h.trackPending(sess) {
		_ = sess.Close()
		return communication.NewError(communication.HandshakeError, "hub is shutting down")
	}
	hs, topo, err := communication.Initiate(sess, &communication.SessionStartMsg{
		ProtocolVersion: communication.ProtocolVersion,
		Domain:          d.name,
		ReplicaID:       cfg.ServerID,
		IsHub:           true,
		ServerURL:       h.URL(),
		WindowSize:      cfg.WindowSize,
		State:           d.log.state(),
		SSLEncryption:   tlsConfig != nil,
		GroupID:         cfg.GroupID,
		GenerationID:    d.log.generation,
	}, &communication.StartSessionMsg{
		Status:           communication.StatusNormal,
		AssuredSupported: true,
	}, handshakeTimeout)
	h.untrackPending(sess)
	if err != nil {
		_ = sess.Close()
		return err
	}
	if hs.HubID == cfg.ServerID {
		_ = sess.Send(&communication.StopMsg{})
		_ = sess.Close()
		return communication.NewError(communication.HandshakeError, "peer %s has this hub's id %d", addr, cfg.ServerID)
	}
	if hs.GenerationID != d.log.generation {
		_ = sess.Send(&communication.StopMsg{})
		_ = sess.Close()
		return communication.NewError(communication.IncompatiblePeer, "peer %s holds generation %s of domain %q, this hub %s", addr, hs.GenerationID, d.name, d.log.generation)
	}

	s := newSession(d, sess, sessionParams{
		peerID:     hs.HubID,
		isHub:      true,
		outbound:   true,
		url:        hs.ServerURL,
		dialAddr:   addr,
		groupID:    hs.GroupID,
		windowSize: hs.WindowSize,
		rcvWindow:  cfg.WindowSize,
		seen:       hs.State,
	})
	if err := d.addSession(s); err != nil {
		_ = sess.Send(&communication.StopMsg{})
		_ = sess.Close()
		return err
	}
	d.topology.applyRemote(hs.HubID, topo)
	s.run(h)
	return nil
}

// Publish logs a change originated on this hub and replicates it to every session of the domain
func (h *Hub) Publish(domainName string, u communication.Update) error {
	d := h.domain(domainName)
	if d == nil {
		return communication.NewError(communication.IncompatiblePeer, "domain %q is not replicated by this hub", domainName)
	}
	return d.publish(u, nil)
}

// Reconfigure swaps peer hubs, domains and queue and window settings.
// Links to removed peers are torn down and are not redialed; added peers
// are dialed once, in the background. The window granted to peer hubs
// changes on live links too. Listen address, server id, change log
// directory, generation id and tls settings only change on restart.
func (h *Hub) Reconfigure(cfg Config) error {
	h.reconfMu.Lock()
	defer h.reconfMu.Unlock()

	old := h.config()
	cfg = cfg.clone()
	cfg.Listen = old.Listen
	cfg.ServerID = old.ServerID
	cfg.ChangeLogDir = old.ChangeLogDir
	cfg.GenerationID = old.GenerationID
	cfg.TLSCertFile, cfg.TLSKeyFile = old.TLSCertFile, old.TLSKeyFile
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reconfigure")
	}

	h.mu.Lock()
	h.cfg = cfg
	var removed []*domain
	for name, d := range h.domains {
		if !cfg.hasDomain(name) {
			removed = append(removed, d)
			delete(h.domains, name)
		}
	}
	h.mu.Unlock()

	for _, d := range removed {
		d.zlog.Info().Msg("domain removed")
		d.shutdown()
	}

	var added []*domain
	for _, name := range cfg.Domains {
		if h.domain(name) != nil {
			continue
		}
		d, err := openDomain(h, name)
		if err != nil {
			return errors.Wrapf(err, "open domain %q", name)
		}
		h.mu.Lock()
		h.domains[name] = d
		h.mu.Unlock()
		added = append(added, d)
	}

	for _, d := range h.domainList() {
		d.log.setCapacity(cfg.QueueSize)
		for _, s := range d.snapshot() {
			s.setReceiveWindow(cfg.WindowSize)
		}
		for _, addr := range old.PeerHubs {
			if cfg.hasPeer(addr) {
				continue
			}
			for _, s := range d.peerSessions(addr) {
				s.log.Info().Str("peer", addr).Msg("peer hub removed from configuration")
				s.stop()
			}
		}
	}

	for _, d := range h.domainList() {
		isNew := false
		for _, a := range added {
			isNew = isNew || a == d
		}
		for _, addr := range cfg.PeerHubs {
			if isNew || !old.hasPeer(addr) {
				h.connectPeer(d, addr)
			}
		}
	}
	logger.Info().Strs("peers", cfg.PeerHubs).Strs("domains", cfg.Domains).Int("window", cfg.WindowSize).Int("queue", cfg.QueueSize).Msg("hub reconfigured")
	return nil
}

// Shutdown stops accepting, closes every session and change log and waits
// for every worker. It is idempotent.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.cancel()
		h.pendingMu.Lock()
		close(h.closing)
		for sess := range h.pending {
			_ = sess.Close()
		}
		h.pendingMu.Unlock()

		_ = h.listener.Close()
		for _, d := range h.domainList() {
			d.shutdown()
		}
		_ = h.group.Wait()
		logger.Info().Msg("hub stopped")
	})
}

// Addr is the address the hub listens on
func (h *Hub) Addr() string {
	return h.listener.Addr().String()
}

// URL is the address advertised to peers
func (h *Hub) URL() string {
	if u := h.config().AdvertiseURL; u != "" {
		return u
	}
	return h.Addr()
}

// Err reports why the hub stopped accepting sessions on its own, if it did
func (h *Hub) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.acceptErr
}

// Failed is closed when the hub stops accepting sessions on its own
func (h *Hub) Failed() <-chan struct{} {
	return h.failed
}

// DomainErr reports the durability failure of a domain, if any
func (h *Hub) DomainErr(name string) error {
	d := h.domain(name)
	if d == nil {
		return communication.NewError(communication.IncompatiblePeer, "domain %q is not replicated by this hub", name)
	}
	return d.err()
}

// State returns the state vector of a domain's change log
func (h *Hub) State(name string) (string, bool) {
	d := h.domain(name)
	if d == nil {
		return "", false
	}
	return d.log.state().String(), true
}

func (h *Hub) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Hub) serverID() clock.ReplicaID {
	return h.config().ServerID
}

func (h *Hub) domain(name string) *domain {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.domains[name]
}

// domainList returns the domains ordered by name
func (h *Hub) domainList() []*domain {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*domain, 0, len(h.domains))
	for _, d := range h.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
