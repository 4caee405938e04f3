package wsserver

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxReassemblyBuffer is the largest number of non-final
// fragments a session will hold before closing rather than growing
// without bound.
const DefaultMaxReassemblyBuffer = 8

// ClientSession is all per-connection state the server keeps for the
// life of one socket. The server owns the session's lifecycle; only
// the coordinator goroutine (Server.loop) calls its methods — see
// doc.go for why that's safe without a lock even though each session
// also runs its own reader goroutine.
type ClientSession struct {
	ID     uuid.UUID
	conn   net.Conn
	ipAddr string
	logger zerolog.Logger

	limits       FrameLimits
	maxBuffer    int
	connectedAt  time.Time
	pingedAt     time.Time
	pendingPing  []byte
	reassembly   []Frame
	reassembling bool

	connected          bool
	handshakePerformed bool
	requestReceived    bool
	requestAccepted    bool
	disconnectFired    bool

	streamReady chan struct{}
}

// sessionEventKind distinguishes the two things a session's reader
// goroutine reports to the coordinator.
type sessionEventKind int

const (
	eventRequest sessionEventKind = iota
	eventFrame
)

// sessionEvent is produced by ClientSession.readLoop and consumed only
// by Server.loop; it carries the result of one blocking read, never a
// decision — decisions are made on the coordinator goroutine.
type sessionEvent struct {
	session *ClientSession
	kind    sessionEventKind

	requestData []byte
	requestErr  error

	frame    Frame
	masked   bool
	frameErr error
}

func newClientSession(conn net.Conn, limits FrameLimits, logger zerolog.Logger) (*ClientSession, error) {
	ip, err := extractIP(conn)
	if err != nil {
		return nil, fmt.Errorf("websocket: extract peer address: %w", err)
	}

	id := uuid.New()
	s := &ClientSession{
		ID:          id,
		conn:        conn,
		ipAddr:      ip,
		limits:      limits,
		maxBuffer:   DefaultMaxReassemblyBuffer,
		connectedAt: time.Now(),
		connected:   true,
		streamReady: make(chan struct{}, 1),
	}
	s.logger = logger.With().Str("session_id", id.String()).Str("remote_addr", ip).Logger()
	return s, nil
}

// extractIP returns the peer's address, stripped of its port.
func extractIP(conn net.Conn) (string, error) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", err
	}
	return host, nil
}

// IPAddr returns the peer's address.
func (s *ClientSession) IPAddr() string { return s.ipAddr }

// Connected reports whether the session's socket is still open.
func (s *ClientSession) Connected() bool { return s.connected }

// HandshakePerformed reports whether the 101 response has been sent.
func (s *ClientSession) HandshakePerformed() bool { return s.handshakePerformed }

// RequestAccepted reports whether clientConnect accepted this session.
func (s *ClientSession) RequestAccepted() bool { return s.requestAccepted }

// readLoop is the session's one I/O goroutine. It performs every
// blocking socket read and reports results to inbox; it never mutates
// shared state and never calls a callback.
func (s *ClientSession) readLoop(inbox chan<- sessionEvent) {
	buf := make([]byte, MaxRequestLength)
	n, err := s.conn.Read(buf)
	data := append([]byte(nil), buf[:n]...)
	inbox <- sessionEvent{session: s, kind: eventRequest, requestData: data, requestErr: err}
	if err != nil {
		return
	}

	if _, ok := <-s.streamReady; !ok {
		return
	}

	for {
		frame, masked, ferr := ReceiveFrame(s.conn, s.limits)
		inbox <- sessionEvent{session: s, kind: eventFrame, frame: frame, masked: masked, frameErr: ferr}
		if ferr != nil || frame.Opcode == OpcodeClose {
			return
		}
	}
}

// ReceiveRequest parses and validates the bytes of the session's
// initial read. It is idempotent: calling it again after a successful
// parse is a no-op error, since the request line only ever arrives
// once.
func (s *ClientSession) ReceiveRequest(data []byte) (*Request, error) {
	if s.requestReceived {
		return nil, errors.New("websocket: request already received")
	}

	req, err := ParseRequest(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	s.requestReceived = true
	return req, nil
}

// AcceptRequest marks the request accepted, enabling online accounting
// when the session eventually disconnects.
func (s *ClientSession) AcceptRequest() { s.requestAccepted = true }

// PerformHandshake writes the 101 response exactly once. A write
// failure disconnects the session.
func (s *ClientSession) PerformHandshake(secKey string) error {
	if s.handshakePerformed {
		return errors.New("websocket: handshake already performed")
	}
	if err := writeSwitchingProtocols(s.conn, secKey); err != nil {
		s.Disconnect()
		return fmt.Errorf("websocket: write handshake response: %w", err)
	}
	s.handshakePerformed = true
	return nil
}

// ErrorResponse writes a minimal pre-handshake error response. Valid
// only before the handshake; it does not mutate handshake state.
func (s *ClientSession) ErrorResponse(code int) error {
	return writeErrorResponse(s.conn, code)
}

// RedirectResponse writes a minimal pre-handshake redirect response.
func (s *ClientSession) RedirectResponse(code int, location string) error {
	return writeRedirectResponse(s.conn, code, location)
}

// ReceiveData applies one frame to the session's reassembly state. It
// returns the assembled message payload once a final
// frame completes it, or nil if the frame was a control frame, a
// non-final fragment, or caused the session to close.
func (s *ClientSession) ReceiveData(f Frame, masked bool) []byte {
	if !masked {
		s.logger.Warn().Msg("closing session: received unmasked client frame")
		s.Disconnect()
		return nil
	}

	if f.Opcode.IsControl() {
		s.receiveControl(f)
		return nil
	}

	switch f.Opcode {
	case OpcodeContinuation:
		if !s.reassembling {
			s.logger.Warn().Msg("closing session: continuation frame with nothing to continue")
			s.Disconnect()
			return nil
		}
		if len(s.reassembly) >= s.maxBuffer {
			s.logger.Warn().Int("buffered", len(s.reassembly)).Msg("closing session: reassembly buffer exceeded")
			s.Disconnect()
			return nil
		}
		s.reassembly = append(s.reassembly, f)
	case OpcodeText, OpcodeBinary:
		if s.reassembling {
			// A new data message started before the previous one
			// finished; silently resetting the buffer would let a
			// client wedge the reassembly state indefinitely, so the
			// session is torn down instead.
			s.logger.Warn().Msg("closing session: new message interleaved with an unfinished one")
			s.Disconnect()
			return nil
		}
		s.reassembling = true
		s.reassembly = append(s.reassembly[:0], f)
	default:
		s.logger.Warn().Stringer("opcode", f.Opcode).Msg("closing session: unexpected opcode")
		s.Disconnect()
		return nil
	}

	if !f.Final {
		return nil
	}

	var buf bytes.Buffer
	for _, frag := range s.reassembly {
		buf.Write(frag.Payload)
	}
	s.reassembly = s.reassembly[:0]
	s.reassembling = false
	return buf.Bytes()
}

func (s *ClientSession) receiveControl(f Frame) {
	switch f.Opcode {
	case OpcodeClose:
		s.Disconnect()
	case OpcodePing:
		if err := s.send(OpcodePong, f.Payload); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send pong")
		}
	case OpcodePong:
		if s.pendingPing != nil && bytes.Equal(s.pendingPing, f.Payload) {
			s.pendingPing = nil
		}
	}
}

// SendText emits one final TEXT frame.
func (s *ClientSession) SendText(payload []byte) error { return s.send(OpcodeText, payload) }

// SendBinary emits one final BINARY frame.
func (s *ClientSession) SendBinary(payload []byte) error { return s.send(OpcodeBinary, payload) }

func (s *ClientSession) send(op Opcode, payload []byte) error {
	if err := SendFrame(s.conn, Frame{Final: true, Opcode: op, Payload: payload}); err != nil {
		s.Disconnect()
		return fmt.Errorf("websocket: send %s frame: %w", op, err)
	}
	return nil
}

// Ping sends a PING carrying a fresh 16-byte cryptographic nonce and
// records it as the outstanding ping.
func (s *ClientSession) Ping(now time.Time) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("websocket: generate ping nonce: %w", err)
	}
	if err := s.send(OpcodePing, nonce); err != nil {
		return err
	}
	s.pendingPing = nonce
	s.pingedAt = now
	return nil
}

// CheckTimeouts disconnects the session if it has missed a pong or
// never completed the handshake in time.
func (s *ClientSession) CheckTimeouts(now time.Time, handshakeTimeout, pingTimeout time.Duration) {
	if s.pendingPing != nil && now.Sub(s.pingedAt) > pingTimeout {
		s.logger.Info().Msg("closing session: ping response timeout")
		s.Disconnect()
		return
	}
	if !s.handshakePerformed && now.Sub(s.connectedAt) > handshakeTimeout {
		s.logger.Info().Msg("closing session: handshake timeout")
		s.Disconnect()
	}
}

// Disconnect idempotently closes the socket. No further operation on
// the session after this call has any effect.
func (s *ClientSession) Disconnect() {
	if !s.connected {
		return
	}
	s.connected = false
	_ = s.conn.Close()
	select {
	case s.streamReady <- struct{}{}:
	default:
	}
}
