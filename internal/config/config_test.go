package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wsserver.toml")

	cfg, err := Load([]string{"wsserver", "--config", configPath})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport != "tcp" {
		t.Errorf("Transport = %q, want tcp", cfg.Transport)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.MaxChunkLength != DefaultMaxChunkLength {
		t.Errorf("MaxChunkLength = %d, want %d", cfg.MaxChunkLength, DefaultMaxChunkLength)
	}
}

func TestLoadRejectsPortOutOfRange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wsserver.toml")

	_, err := Load([]string{"wsserver", "--config", configPath, "--port", "80"})
	if err == nil {
		t.Fatal("Load() = nil error, want a port-range validation error")
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wsserver.toml")

	_, err := Load([]string{"wsserver", "--config", configPath, "--transport", "udp"})
	if err == nil {
		t.Fatal("Load() = nil error, want a transport validation error")
	}
}

func TestLoadReadsEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wsserver.toml")

	t.Setenv("WSSERVER_PORT", "9000")

	cfg, err := Load([]string{"wsserver", "--config", configPath})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000 from WSSERVER_PORT", cfg.Port)
	}
}

func TestLoadRequiresCertAndKeyWhenTLSEnabled(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wsserver.toml")

	_, err := Load([]string{"wsserver", "--config", configPath, "--enable-ssl"})
	if err == nil {
		t.Fatal("Load() = nil error, want a missing-cert/key error")
	}
}

func TestConfigFilePathCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "new.toml")

	got := ConfigFilePath([]string{"wsserver", "--config", configPath})
	if got != configPath {
		t.Errorf("ConfigFilePath() = %q, want %q", got, configPath)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("expected %q to be created: %v", configPath, err)
	}
}
