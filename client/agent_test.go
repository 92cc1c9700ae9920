package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replhub/clock"
	"replhub/communication"
	"replhub/server"
	"replhub/state"
)

const testDomain = "o=test"

// fakeHub accepts one session and answers its handshake the way a hub does
func fakeHub(t *testing.T) (string, <-chan *communication.Session) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	out := make(chan *communication.Session, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s := communication.NewSession(conn)
		m, err := s.Receive()
		if err != nil {
			return
		}
		start := m.(*communication.SessionStartMsg)
		_ = s.Send(&communication.HubHandshakeMsg{
			ProtocolVersion: communication.ProtocolVersion,
			HubID:           1,
			Domain:          start.Domain,
			WindowSize:      100,
			State:           state.New(),
		})
		if _, err := s.Receive(); err != nil {
			return
		}
		_ = s.Send(&communication.TopologyMsg{Domain: start.Domain, TopologyID: "t1"})
		out <- s
	}()
	return l.Addr().String(), out
}

func update(id clock.ChangeID, assured bool) communication.Update {
	return &communication.DeleteMsg{UpdateHeader: communication.UpdateHeader{
		ID:       id,
		TargetDN: "uid=user.1,o=test",
		UUID:     "entry-uuid",
		Assured:  assured,
	}}
}

func expect(t *testing.T, s *communication.Session) communication.Message {
	t.Helper()
	require.NoError(t, s.SetReadDeadline(time.Now().Add(2*time.Second)))
	m, err := s.Receive()
	require.NoError(t, err)
	return m
}

func TestConnectTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		// accept and say nothing
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	start := time.Now()
	_, err = Connect(context.Background(), AgentConfig{
		HubAddress: l.Addr().String(),
		Domain:     testDomain,
		ReplicaID:  2,
		Timeout:    100 * time.Millisecond,
	})
	assert.True(t, communication.IsKind(err, communication.ConnectTimeout), "%v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Connect(context.Background(), AgentConfig{HubAddress: addr, Domain: testDomain, ReplicaID: 2, Timeout: time.Second})
	assert.True(t, communication.IsKind(err, communication.HandshakeError), "%v", err)
}

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), AgentConfig{HubAddress: "127.0.0.1:1", ReplicaID: 2})
	assert.Error(t, err)
	_, err = Connect(context.Background(), AgentConfig{HubAddress: "127.0.0.1:1", Domain: testDomain})
	assert.Error(t, err)
}

func TestAcknowledgeReplay(t *testing.T) {
	addr, sessions := fakeHub(t)
	a, err := Connect(context.Background(), AgentConfig{HubAddress: addr, Domain: testDomain, ReplicaID: 2, WindowSize: 4})
	require.NoError(t, err)
	defer a.Stop()
	hub := <-sessions
	defer hub.Close()
	assert.Equal(t, "t1", a.Topology().TopologyID)
	assert.Equal(t, clock.ReplicaID(1), a.HubID())

	ids := []clock.ChangeID{
		{Time: 100, ReplicaID: 3},
		{Time: 101, ReplicaID: 3},
		{Time: 102, ReplicaID: 3},
		{Time: 103, ReplicaID: 3},
	}
	for i, id := range ids {
		require.NoError(t, hub.Send(update(id, i == 2)))
	}
	for _, id := range ids {
		m, err := a.Receive(time.Second)
		require.NoError(t, err)
		assert.Equal(t, id, m.(communication.Update).ChangeID())
	}

	// nothing applied yet
	assert.Equal(t, 0, a.State().Len())

	require.NoError(t, a.AcknowledgeReplay())
	require.NoError(t, a.AcknowledgeReplay())
	assert.Equal(t, &communication.WindowMsg{Credits: 2}, expect(t, hub))

	require.NoError(t, a.AcknowledgeReplay())
	assert.Equal(t, ids[2], expect(t, hub).(*communication.AckMsg).ID)
	require.NoError(t, a.AcknowledgeReplay())
	assert.Equal(t, &communication.WindowMsg{Credits: 2}, expect(t, hub))

	got, ok := a.State().Get(3)
	require.True(t, ok)
	assert.Equal(t, ids[3], got)

	// nothing left to acknowledge
	require.NoError(t, a.AcknowledgeReplay())

	// local changes sort after everything received
	assert.True(t, ids[3].Less(a.NextChangeID()))
}

func TestRejectReplay(t *testing.T) {
	for _, ignore := range []bool{false, true} {
		addr, sessions := fakeHub(t)
		a, err := Connect(context.Background(), AgentConfig{
			HubAddress:    addr,
			Domain:        testDomain,
			ReplicaID:     2,
			WindowSize:    2,
			IgnoreAssured: ignore,
		})
		require.NoError(t, err)
		hub := <-sessions

		id := clock.ChangeID{Time: 100, ReplicaID: 3}
		require.NoError(t, hub.Send(update(id, true)))
		_, err = a.Receive(time.Second)
		require.NoError(t, err)
		require.NoError(t, a.RejectReplay())

		if !ignore {
			assert.Equal(t, &communication.AckMsg{ID: id, HasReplayError: true}, expect(t, hub))
		}
		assert.Equal(t, &communication.WindowMsg{Credits: 1}, expect(t, hub))
		assert.True(t, a.State().Covers(id))

		_ = a.Stop()
		_ = hub.Close()
	}
}

func TestOwnChangesMissing(t *testing.T) {
	addr, sessions := fakeHub(t)
	own := clock.ChangeID{Time: 100, ReplicaID: 2}
	a, err := Connect(context.Background(), AgentConfig{
		HubAddress:   addr,
		Domain:       testDomain,
		ReplicaID:    2,
		InitialState: state.New(own, clock.ChangeID{Time: 50, ReplicaID: 3}),
	})
	require.NoError(t, err)
	defer a.Stop()
	hub := <-sessions
	defer hub.Close()

	// the hub advertised an empty state
	since, missing := a.OwnChangesMissing()
	assert.True(t, missing)
	assert.True(t, since.IsZero())
	assert.Equal(t, 0, a.HubState().Len())
	assert.Empty(t, a.GenerationID())
}

func TestPublishIsNotWindowLimited(t *testing.T) {
	addr, sessions := fakeHub(t)
	a, err := Connect(context.Background(), AgentConfig{HubAddress: addr, Domain: testDomain, ReplicaID: 2, WindowSize: 1})
	require.NoError(t, err)
	defer a.Stop()
	hub := <-sessions
	defer hub.Close()

	for i := 0; i < 5; i++ {
		id := a.NextChangeID()
		require.NoError(t, a.Publish(update(id, false)))
		assert.Equal(t, id, expect(t, hub).(communication.Update).ChangeID())
	}
	assert.Equal(t, 1, a.State().Len())

	require.NoError(t, a.ProbeWindow())
	assert.Equal(t, &communication.WindowProbeMsg{}, expect(t, hub))
}

func TestReceiveTimeoutIsRecoverable(t *testing.T) {
	addr, sessions := fakeHub(t)
	a, err := Connect(context.Background(), AgentConfig{HubAddress: addr, Domain: testDomain, ReplicaID: 2})
	require.NoError(t, err)
	defer a.Stop()
	hub := <-sessions
	defer hub.Close()

	_, err = a.Receive(30 * time.Millisecond)
	assert.True(t, communication.IsKind(err, communication.ReceiveTimeout), "%v", err)

	require.NoError(t, hub.Send(&communication.ChangeStatusMsg{Status: communication.StatusDegraded}))
	m, err := a.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, communication.OpChangeStatus, m.Op())
	assert.Equal(t, communication.StatusDegraded, a.Status())
}

func TestStop(t *testing.T) {
	addr, sessions := fakeHub(t)
	a, err := Connect(context.Background(), AgentConfig{HubAddress: addr, Domain: testDomain, ReplicaID: 2})
	require.NoError(t, err)
	hub := <-sessions
	defer hub.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(0)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	select {
	case err := <-done:
		assert.True(t, communication.IsKind(err, communication.SessionClosed), "%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive still blocked after stop")
	}
	assert.Equal(t, communication.OpStop, expect(t, hub).Op())

	assert.True(t, communication.IsKind(a.Publish(update(a.NextChangeID(), false)), communication.SessionClosed))
	assert.True(t, communication.IsKind(a.Reconnect(context.Background()), communication.SessionClosed))
}

func startHub(t *testing.T, id clock.ReplicaID, peers ...string) *server.Hub {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.ServerID = id
	cfg.Domains = []string{testDomain}
	cfg.ChangeLogDir = t.TempDir()
	cfg.PeerHubs = peers
	h, err := server.Start(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

func TestReconnectFailsOver(t *testing.T) {
	h1 := startHub(t, 1)
	h2 := startHub(t, 2, h1.Addr())

	a, err := Connect(context.Background(), AgentConfig{HubAddress: h1.Addr(), Domain: testDomain, ReplicaID: 10, Timeout: time.Second})
	require.NoError(t, err)
	defer a.Stop()
	require.Eventually(t, func() bool {
		_, _ = a.Receive(10 * time.Millisecond)
		for _, u := range a.Topology().HubURLs() {
			if u == h2.Addr() {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	id := a.NextChangeID()
	require.NoError(t, a.Publish(update(id, false)))
	require.Eventually(t, func() bool {
		s, _ := h2.State(testDomain)
		return strings.Contains(s, id.String())
	}, 2*time.Second, 5*time.Millisecond)

	h1.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Reconnect(ctx))
	assert.Equal(t, clock.ReplicaID(2), a.HubID())

	// h2 already has the change, so nothing is replayed
	for {
		m, err := a.Receive(200 * time.Millisecond)
		if communication.IsKind(err, communication.ReceiveTimeout) {
			break
		}
		require.NoError(t, err)
		_, isUpdate := m.(communication.Update)
		require.False(t, isUpdate, m.String())
	}
}
