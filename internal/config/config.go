// Package config loads wsserver's configuration from CLI flags,
// environment variables and a TOML config file, in the order urfave/cli
// resolves value sources: a flag given on the command line wins, then
// the environment variable, then the TOML key, then the default.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	DefaultConfigPath            = "./wsserver.toml"
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 8443
	DefaultLockPath              = "./LOCK"
	DefaultLogLevel              = "info"
	DefaultTimeoutHandshakeMS    = 4000
	DefaultTimeoutPingResponseMS = 4000
	DefaultIntervalCheckMS       = 2000
	DefaultIntervalPingMS        = 20000
	DefaultIntervalLockSignalMS  = 10000
	DefaultMaxChunkLength        = 1024
	DefaultMaxChunks             = 8
)

// Config holds every setting wsserver needs to bind a listener, enforce
// frame limits, and run its ambient logging and single-instance lock.
type Config struct {
	Transport   string
	Host        string
	Port        int
	EnableTLS   bool
	TLSCertPath string
	TLSKeyPath  string

	LogLevel  string
	LogPretty bool

	LockFilePath          string
	IntervalLockSignalMS  int
	TimeoutHandshakeMS    int
	TimeoutPingResponseMS int
	IntervalCheckMS       int
	IntervalPingMS        int
	MaxChunkLength        int
	MaxChunks             int
}

// Flags defines wsserver's CLI flags. Each flag's value source chain is
// an environment variable, then the TOML file at configFilePath.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "transport",
			Usage: `"tcp" or "tls"`,
			Value: "tcp",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_TRANSPORT"),
				toml.TOML("server.transport", configFilePath),
			),
			Validator: validateTransport,
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "bind address",
			Value: DefaultHost,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_HOST"),
				toml.TOML("server.host", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "TCP port, 1024-49151",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_PORT"),
				toml.TOML("server.port", configFilePath),
			),
			Validator: validatePort,
		},
		&cli.BoolFlag{
			Name:  "enable-ssl",
			Usage: "serve over TLS instead of plaintext TCP",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_ENABLE_SSL"),
				toml.TOML("server.tls.enabled", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "ssl-cert",
			Usage: "PEM certificate path (TLS only)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_SSL_CERT"),
				toml.TOML("server.tls.cert", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "ssl-key",
			Usage: "PEM private key path (TLS only)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_SSL_KEY"),
				toml.TOML("server.tls.key", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn, error",
			Value: DefaultLogLevel,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_LOG_LEVEL"),
				toml.TOML("log.level", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "log-pretty",
			Usage: "human-readable console logging, instead of JSON",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_LOG_PRETTY"),
				toml.TOML("log.pretty", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "lock-path",
			Usage: "single-instance lockfile path",
			Value: DefaultLockPath,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_LOCK_PATH"),
				toml.TOML("lock.path", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "lock-signal-interval-ms",
			Usage: "how often to refresh the lockfile heartbeat",
			Value: DefaultIntervalLockSignalMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_LOCK_SIGNAL_INTERVAL_MS"),
				toml.TOML("lock.signal_interval_ms", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "timeout-handshake-ms",
			Value: DefaultTimeoutHandshakeMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_TIMEOUT_HANDSHAKE_MS"),
				toml.TOML("timeouts.handshake_ms", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "timeout-ping-response-ms",
			Value: DefaultTimeoutPingResponseMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_TIMEOUT_PING_RESPONSE_MS"),
				toml.TOML("timeouts.ping_response_ms", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "interval-check-timeouts-ms",
			Value: DefaultIntervalCheckMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_INTERVAL_CHECK_TIMEOUTS_MS"),
				toml.TOML("timeouts.check_interval_ms", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "interval-ping-ms",
			Value: DefaultIntervalPingMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_INTERVAL_PING_MS"),
				toml.TOML("timeouts.ping_interval_ms", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "max-chunk-length",
			Value: DefaultMaxChunkLength,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_MAX_CHUNK_LENGTH"),
				toml.TOML("frames.max_chunk_length", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "max-chunks",
			Value: DefaultMaxChunks,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_MAX_CHUNKS"),
				toml.TOML("frames.max_chunks", configFilePath),
			),
		},
	}
}

func validateTransport(t string) error {
	if t != "tcp" && t != "tls" {
		return fmt.Errorf("transport must be %q or %q, got %q", "tcp", "tls", t)
	}
	return nil
}

func validatePort(p int) error {
	if p < 1024 || p > 49151 {
		return errors.New("port must be in range [1024, 49151]")
	}
	return nil
}

// fromCommand extracts a Config from a parsed cli.Command.
func fromCommand(cmd *cli.Command) *Config {
	return &Config{
		Transport:             cmd.String("transport"),
		Host:                  cmd.String("host"),
		Port:                  cmd.Int("port"),
		EnableTLS:             cmd.Bool("enable-ssl"),
		TLSCertPath:           cmd.String("ssl-cert"),
		TLSKeyPath:            cmd.String("ssl-key"),
		LogLevel:              cmd.String("log-level"),
		LogPretty:             cmd.Bool("log-pretty"),
		LockFilePath:          cmd.String("lock-path"),
		IntervalLockSignalMS:  cmd.Int("lock-signal-interval-ms"),
		TimeoutHandshakeMS:    cmd.Int("timeout-handshake-ms"),
		TimeoutPingResponseMS: cmd.Int("timeout-ping-response-ms"),
		IntervalCheckMS:       cmd.Int("interval-check-timeouts-ms"),
		IntervalPingMS:        cmd.Int("interval-ping-ms"),
		MaxChunkLength:        cmd.Int("max-chunk-length"),
		MaxChunks:             cmd.Int("max-chunks"),
	}
}

func validate(cfg *Config) error {
	if cfg.EnableTLS {
		if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
			return errors.New("config: enable-ssl requires both ssl-cert and ssl-key")
		}
		if _, err := os.Stat(cfg.TLSCertPath); err != nil {
			return fmt.Errorf("config: ssl-cert: %w", err)
		}
		if _, err := os.Stat(cfg.TLSKeyPath); err != nil {
			return fmt.Errorf("config: ssl-key: %w", err)
		}
	}
	return nil
}

// ConfigFilePath returns the --config flag's value, creating an empty
// file if it doesn't already exist so the TOML value source has
// something to read.
func ConfigFilePath(args []string) string {
	path := DefaultConfigPath
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, nil, 0o644)
	}
	return path
}

// Load parses args (normally os.Args) into a Config, applying
// environment and TOML-file overrides, and validates it.
func Load(args []string) (*Config, error) {
	path := ConfigFilePath(args)

	var cfg *Config
	cmd := &cli.Command{
		Name:  "wsserver",
		Usage: "standalone RFC 6455 WebSocket server",
		Flags: append(Flags(altsrc.StringSourcer(path)), &cli.StringFlag{
			Name:  "config",
			Usage: "path to the TOML configuration file",
			Value: DefaultConfigPath,
		}),
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg = fromCommand(cmd)
			return validate(cfg)
		},
	}

	if err := cmd.Run(context.Background(), args); err != nil {
		return nil, err
	}
	return cfg, nil
}
