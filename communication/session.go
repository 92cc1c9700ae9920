package communication

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// sendTimeout bounds a single write so a stuck peer cannot hold a sender forever
const sendTimeout = 30 * time.Second

// Session is one framed, bidirectional replication connection.
// Send may be called from several goroutines; Receive from one at a time.
type Session struct {
	id        string
	conn      net.Conn
	encrypted bool

	sendMu sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder

	closeOnce sync.Once
	closeErr  error
}

func NewSession(conn net.Conn) *Session {
	_, encrypted := conn.(*tls.Conn)
	return &Session{
		id:        uuid.NewString(),
		conn:      conn,
		encrypted: encrypted,
		enc:       json.NewEncoder(conn),
		dec:       json.NewDecoder(conn),
	}
}

// Dial opens a session to address, over TLS when tlsConfig is not nil
func Dial(address string, timeout time.Duration, tlsConfig *tls.Config) (*Session, error) {
	return DialContext(context.Background(), address, timeout, tlsConfig)
}

// DialContext is Dial, given up as soon as ctx is done
func DialContext(ctx context.Context, address string, timeout time.Duration, tlsConfig *tls.Config) (*Session, error) {
	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, WrapError(ConnectTimeout, err, "dial %s", address)
		}
		if ctx.Err() != nil {
			return nil, WrapError(ConnectTimeout, err, "dial %s", address)
		}
		return nil, WrapError(HandshakeError, err, "dial %s", address)
	}
	return NewSession(conn), nil
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Encrypted() bool     { return s.encrypted }
func (s *Session) RemoteAddr() string  { return s.conn.RemoteAddr().String() }
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Send writes one message
func (s *Session) Send(m Message) error {
	env, err := toEnvelope(m)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := s.enc.Encode(env); err != nil {
		return WrapError(SessionClosed, err, "fail to send %s", m.Op())
	}
	return nil
}

// Receive blocks for the next message. A closed connection is reported as
// SessionClosed, an expired read deadline as ReceiveTimeout, and anything
// that does not parse as MalformedMessage.
func (s *Session) Receive() (Message, error) {
	var env envelope
	if err := s.dec.Decode(&env); err != nil {
		err = classifyReadError(err)
		if IsKind(err, ReceiveTimeout) {
			// the decoder keeps its first error; resume after whatever it buffered
			s.dec = json.NewDecoder(io.MultiReader(s.dec.Buffered(), s.conn))
		}
		return nil, err
	}
	return fromEnvelope(env)
}

func classifyReadError(err error) error {
	var (
		ne  net.Error
		se  *json.SyntaxError
		ute *json.UnmarshalTypeError
	)
	switch {
	case err == io.EOF, errors.Is(err, net.ErrClosed):
		return WrapError(SessionClosed, err, "connection closed")
	case errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &se), errors.As(err, &ute):
		return WrapError(MalformedMessage, err, "fail to decode frame")
	case errors.As(err, &ne) && ne.Timeout():
		return WrapError(ReceiveTimeout, err, "read")
	default:
		return WrapError(SessionClosed, err, "read")
	}
}

func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close is idempotent
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
