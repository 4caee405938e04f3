// Command wsserver runs a standalone RFC 6455 WebSocket server,
// configured via flags, environment variables, or a TOML file.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wsserver"
	"wsserver/internal/commands"
	"wsserver/internal/config"
	"wsserver/internal/lock"
)

func main() {
	cfg, err := config.Load(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogPretty)

	l := lock.New(cfg.LockFilePath, logger)
	locked, err := l.IsLocked()
	if err != nil {
		logger.Error().Err(err).Msg("failed to check single-instance lock")
		os.Exit(1)
	}
	if locked {
		logger.Error().Msg("another instance is already running; refusing to start")
		os.Exit(1)
	}
	if err := l.Lock(); err != nil {
		logger.Error().Err(err).Msg("failed to acquire single-instance lock")
		os.Exit(1)
	}

	startedAt := time.Now()
	dispatcher := commands.New(startedAt)

	srv := wsserver.NewServer(wsserver.Config{
		Transport: wsserver.Transport(cfg.Transport),
		Host:      cfg.Host,
		Port:      cfg.Port,
		TLSConfig: tlsConfig(cfg),

		FrameLimits: wsserver.FrameLimits{
			MaxChunkLength: cfg.MaxChunkLength,
			MaxChunks:      cfg.MaxChunks,
		},
		TimeoutHandshake:      time.Duration(cfg.TimeoutHandshakeMS) * time.Millisecond,
		TimeoutPingResponse:   time.Duration(cfg.TimeoutPingResponseMS) * time.Millisecond,
		IntervalCheckTimeouts: time.Duration(cfg.IntervalCheckMS) * time.Millisecond,
		IntervalPing:          time.Duration(cfg.IntervalPingMS) * time.Millisecond,

		Logger: logger,
		Handlers: wsserver.Handlers{
			ServerStart: func() {
				logger.Info().Msg("demo callbacks registered")
			},
			ClientConnect: func(session *wsserver.ClientSession, req *wsserver.Request) bool {
				logger.Info().Str("ip", session.IPAddr()).Str("path", req.Path).Msg("client connecting")
				return true
			},
			ClientDisconnect: func(session *wsserver.ClientSession) {
				logger.Info().Str("ip", session.IPAddr()).Msg("client disconnected")
			},
			DataReceive: func(session *wsserver.ClientSession, payload []byte) bool {
				if err := dispatcher.Handle(session, payload); err != nil {
					logger.Debug().Err(err).Msg("failed to send reply")
					return false
				}
				return true
			},
		},
	})

	srv.Timer(time.Duration(cfg.IntervalLockSignalMS)*time.Millisecond, func(time.Time) {
		if err := l.Signal(); err != nil {
			logger.Warn().Err(err).Msg("failed to refresh lock heartbeat")
		}
	})

	go awaitSignal(srv, logger)

	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func tlsConfig(cfg *config.Config) *tls.Config {
	if !cfg.EnableTLS {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load TLS certificate: %v\n", err)
		os.Exit(1)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out = os.Stdout
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func awaitSignal(srv *wsserver.Server, logger zerolog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	srv.Stop()
}
