package wsserver

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport selects the listening socket kind.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// Default timings.
const (
	DefaultTimeoutHandshake      = 4000 * time.Millisecond
	DefaultTimeoutPingResponse   = 4000 * time.Millisecond
	DefaultIntervalCheckTimeouts = 2000 * time.Millisecond
	DefaultIntervalPing          = 20000 * time.Millisecond
	readinessSelectCeiling       = 1 * time.Second
	inboxBufferSize              = 256
)

// Config configures a Server before Run is called.
type Config struct {
	Transport Transport
	Host      string
	Port      int
	TLSConfig *tls.Config

	FrameLimits           FrameLimits
	TimeoutHandshake      time.Duration
	TimeoutPingResponse   time.Duration
	IntervalCheckTimeouts time.Duration
	IntervalPing          time.Duration

	Handlers Handlers
	Logger   zerolog.Logger
}

// timer is one entry of the timer wheel: due when now - lastFired >=
// interval, and reset to now (not lastFired+interval) on firing, so
// drift is tolerated and there is no catch-up bursting.
type timer struct {
	interval  time.Duration
	lastFired time.Time
	fn        func(now time.Time)
}

// Server is the event loop. All of its mutable state (clients, online,
// timers) is owned by the single coordinator goroutine started by Run;
// see doc.go.
type Server struct {
	cfg Config

	listener net.Listener
	clients  map[uuid.UUID]*ClientSession
	online   int
	timers   []*timer

	startedAt time.Time
	running   bool

	inbox      chan sessionEvent
	accepts    chan net.Conn
	acceptErrs chan error
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer constructs a Server from cfg, filling in default values
// for the host, transport, frame limits, timeouts and intervals left at
// their zero value. Port, TLSConfig, Handlers and Logger are used as
// given.
func NewServer(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.FrameLimits.MaxChunkLength == 0 || cfg.FrameLimits.MaxChunks == 0 {
		cfg.FrameLimits = DefaultFrameLimits()
	}
	if cfg.TimeoutHandshake == 0 {
		cfg.TimeoutHandshake = DefaultTimeoutHandshake
	}
	if cfg.TimeoutPingResponse == 0 {
		cfg.TimeoutPingResponse = DefaultTimeoutPingResponse
	}
	if cfg.IntervalCheckTimeouts == 0 {
		cfg.IntervalCheckTimeouts = DefaultIntervalCheckTimeouts
	}
	if cfg.IntervalPing == 0 {
		cfg.IntervalPing = DefaultIntervalPing
	}

	return &Server{
		cfg:     cfg,
		clients: map[uuid.UUID]*ClientSession{},
	}
}

// Online returns the number of accepted sessions that have not yet
// disconnected.
func (srv *Server) Online() int { return srv.online }

// Addr returns the listener's bound address. Only meaningful after Run
// has bound the socket.
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// Timer registers an additional periodic callback on the event loop.
func (srv *Server) Timer(interval time.Duration, fn func(now time.Time)) {
	srv.timers = append(srv.timers, &timer{interval: interval, fn: fn})
}

// Run binds the listener and drives the event loop until Stop is
// called. It blocks until the loop exits. An Accept failure is reported
// via SocketError; the loop keeps serving existing sessions but accepts
// no new connections after it.
func (srv *Server) Run() error {
	if srv.running {
		srv.cfg.Handlers.callServerError(srv.cfg.Logger, ErrAlreadyRunning.Error())
		return ErrAlreadyRunning
	}

	listener, err := srv.listen()
	if err != nil {
		srv.cfg.Handlers.callSocketError(srv.cfg.Logger, 0, err.Error())
		return fmt.Errorf("websocket: bind listener: %w", err)
	}

	srv.listener = listener
	srv.inbox = make(chan sessionEvent, inboxBufferSize)
	srv.accepts = make(chan net.Conn)
	srv.acceptErrs = make(chan error, 1)
	srv.done = make(chan struct{})
	srv.running = true
	srv.startedAt = time.Now()

	srv.registerDefaultTimers()

	go srv.acceptLoop()

	srv.cfg.Handlers.callServerStart(srv.cfg.Logger)
	srv.cfg.Logger.Info().
		Str("transport", string(srv.cfg.Transport)).
		Str("addr", listener.Addr().String()).
		Msg("websocket server listening")

	srv.loop()
	return nil
}

// Stop requests a clean shutdown. It is safe to call more than once
// and from any goroutine. It does not block until the loop exits.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		if srv.done != nil {
			close(srv.done)
		}
	})
}

func (srv *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort(srv.cfg.Host, fmt.Sprintf("%d", srv.cfg.Port))

	switch srv.cfg.Transport {
	case TransportTLS:
		if srv.cfg.TLSConfig == nil {
			return nil, fmt.Errorf("websocket: TLS transport requires a certificate")
		}
		cfg := srv.cfg.TLSConfig.Clone()
		cfg.ClientAuth = tls.NoClientCert
		return tls.Listen("tcp", addr, cfg)
	case TransportTCP:
		return net.Listen("tcp", addr)
	default:
		return nil, fmt.Errorf("websocket: unknown transport %q", srv.cfg.Transport)
	}
}

// acceptLoop is the listener's own goroutine. It never touches shared
// server state directly; it only hands accepted connections to the
// coordinator.
func (srv *Server) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case srv.acceptErrs <- err:
			case <-srv.done:
			}
			return
		}
		select {
		case srv.accepts <- conn:
		case <-srv.done:
			_ = conn.Close()
			return
		}
	}
}

// loop is the single coordinator goroutine: the only place clients,
// online, and the timer wheel are read or written, and the only place
// a callback is invoked. The 1s ticker bounds how long the timer wheel
// can lag behind its declared intervals.
func (srv *Server) loop() {
	ticker := time.NewTicker(readinessSelectCeiling)
	defer ticker.Stop()

	for {
		select {
		case <-srv.done:
			srv.shutdown()
			return
		case conn := <-srv.accepts:
			srv.handleAccept(conn)
		case err := <-srv.acceptErrs:
			srv.cfg.Handlers.callSocketError(srv.cfg.Logger, 0, err.Error())
		case ev := <-srv.inbox:
			srv.handleEvent(ev)
		case now := <-ticker.C:
			srv.runTimers(now)
		}
	}
}

func (srv *Server) shutdown() {
	srv.running = false
	for _, s := range srv.clients {
		s.Disconnect()
	}
	_ = srv.listener.Close()
	srv.cfg.Handlers.callServerStop(srv.cfg.Logger)
	srv.cfg.Logger.Info().Msg("websocket server stopped")
}

func (srv *Server) handleAccept(conn net.Conn) {
	session, err := newClientSession(conn, srv.cfg.FrameLimits, srv.cfg.Logger)
	if err != nil {
		srv.cfg.Logger.Warn().Err(err).Msg("dropping connection: could not extract peer address")
		_ = conn.Close()
		return
	}

	srv.clients[session.ID] = session
	session.logger.Debug().Msg("accepted connection")
	go session.readLoop(srv.inbox)
}

func (srv *Server) handleEvent(ev sessionEvent) {
	switch ev.kind {
	case eventRequest:
		srv.handleRequestEvent(ev)
	case eventFrame:
		srv.handleFrameEvent(ev)
	}
	srv.reap(ev.session)
}

func (srv *Server) handleRequestEvent(ev sessionEvent) {
	s := ev.session

	if ev.requestErr != nil && len(ev.requestData) == 0 {
		s.Disconnect()
		return
	}

	req, err := s.ReceiveRequest(ev.requestData)
	if err != nil {
		s.logger.Debug().Err(err).Msg("rejecting request: validation failed")
		_ = s.ErrorResponse(http.StatusBadRequest)
		s.Disconnect()
		return
	}

	if !srv.cfg.Handlers.callClientConnect(s.logger, s, req) {
		s.logger.Debug().Msg("rejecting request: clientConnect handler returned false")
		_ = s.ErrorResponse(http.StatusBadRequest)
		s.Disconnect()
		return
	}

	s.AcceptRequest()
	srv.online++
	if err := s.PerformHandshake(req.Header("sec-websocket-key")); err != nil {
		s.logger.Debug().Err(err).Msg("handshake failed")
		return
	}

	s.logger.Info().Msg("handshake complete")
	select {
	case s.streamReady <- struct{}{}:
	default:
	}
}

func (srv *Server) handleFrameEvent(ev sessionEvent) {
	s := ev.session

	if ev.frameErr != nil {
		s.logger.Debug().Err(ev.frameErr).Msg("closing session: frame error")
		s.Disconnect()
		return
	}

	payload := s.ReceiveData(ev.frame, ev.masked)
	if payload == nil {
		return
	}

	if !srv.cfg.Handlers.callDataReceive(s.logger, s, payload) {
		s.Disconnect()
	}
}

// reap performs the bookkeeping required after handling any event: if
// the session has disconnected and had been accepted, decrement online
// and fire clientDisconnect exactly once; either way, drop it from the
// registry once it's dead.
func (srv *Server) reap(s *ClientSession) {
	if s.connected {
		return
	}
	if s.requestAccepted && !s.disconnectFired {
		s.disconnectFired = true
		srv.online--
		srv.cfg.Handlers.callClientDisconnect(s.logger, s)
		s.logger.Info().Msg("client disconnected")
	}
	delete(srv.clients, s.ID)
}

func (srv *Server) registerDefaultTimers() {
	srv.Timer(srv.cfg.IntervalCheckTimeouts, srv.sweepTimeouts)
	srv.Timer(srv.cfg.IntervalPing, srv.pingAll)
}

func (srv *Server) sweepTimeouts(now time.Time) {
	for _, s := range srv.clients {
		if s.connected {
			s.CheckTimeouts(now, srv.cfg.TimeoutHandshake, srv.cfg.TimeoutPingResponse)
		}
		srv.reap(s)
	}
}

func (srv *Server) pingAll(now time.Time) {
	for _, s := range srv.clients {
		if s.connected && s.handshakePerformed {
			if err := s.Ping(now); err != nil {
				s.logger.Debug().Err(err).Msg("failed to send ping")
			}
		}
	}
}

func (srv *Server) runTimers(now time.Time) {
	for _, t := range srv.timers {
		if now.Sub(t.lastFired) >= t.interval {
			t.lastFired = now
			t.fn(now)
		}
	}
}
