package communication

import (
	"time"
)

// Initiate runs the initiating side of the session handshake:
// SessionStart, then HubHandshake from the hub, StartSession, then the
// hub's first Topology. The whole exchange must finish within timeout.
func Initiate(s *Session, start *SessionStartMsg, confirm *StartSessionMsg, timeout time.Duration) (*HubHandshakeMsg, *TopologyMsg, error) {
	if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, WrapError(HandshakeError, err, "set deadline")
	}
	defer func() {
		_ = s.SetReadDeadline(time.Time{})
	}()

	if err := s.Send(start); err != nil {
		return nil, nil, WrapError(HandshakeError, err, "send session start")
	}

	reply, err := receiveHandshake(s, "hub handshake")
	if err != nil {
		return nil, nil, err
	}
	hs, ok := reply.(*HubHandshakeMsg)
	if !ok {
		return nil, nil, NewError(HandshakeError, "expected hub handshake, got %s", reply.Op())
	}
	if hs.ProtocolVersion != ProtocolVersion {
		return nil, nil, NewError(IncompatiblePeer, "hub speaks protocol version %d, want %d", hs.ProtocolVersion, ProtocolVersion)
	}
	if hs.Domain != start.Domain {
		return nil, nil, NewError(IncompatiblePeer, "hub answered for domain %q, want %q", hs.Domain, start.Domain)
	}

	if err := s.Send(confirm); err != nil {
		return nil, nil, WrapError(HandshakeError, err, "send start session")
	}

	reply, err = receiveHandshake(s, "topology")
	if err != nil {
		return nil, nil, err
	}
	topo, ok := reply.(*TopologyMsg)
	if !ok {
		return nil, nil, NewError(HandshakeError, "expected topology, got %s", reply.Op())
	}
	return hs, topo, nil
}

func receiveHandshake(s *Session, what string) (Message, error) {
	m, err := s.Receive()
	switch {
	case IsKind(err, ReceiveTimeout):
		return nil, WrapError(ConnectTimeout, err, "waiting for %s", what)
	case IsKind(err, MalformedMessage):
		return nil, err
	case err != nil:
		return nil, WrapError(HandshakeError, err, "waiting for %s", what)
	}
	if e, ok := m.(*ErrorMsg); ok {
		kind := e.Kind
		if kind == 0 {
			kind = HandshakeError
		}
		return nil, NewError(kind, "refused by %d: %s", e.Sender, e.Details)
	}
	return m, nil
}
