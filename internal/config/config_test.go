package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return flags
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(New(), newFlags(t), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if s.Listen != ":5000" {
		t.Errorf("Listen = %q, want :5000", s.Listen)
	}
	if s.MaxLineLength != 2048 {
		t.Errorf("MaxLineLength = %d, want 2048", s.MaxLineLength)
	}
	if s.MaxUploadSize != 1<<30 {
		t.Errorf("MaxUploadSize = %d, want 1GiB", s.MaxUploadSize)
	}
	if s.MaxSessions != 64 {
		t.Errorf("MaxSessions = %d, want 64", s.MaxSessions)
	}
	if s.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %s, want 10m", s.IdleTimeout)
	}
	if s.LegacySentinel {
		t.Error("LegacySentinel should default to false")
	}
}

func TestLoadPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "jailfsd.yaml")
	content := `
listen: ":6000"
root: /srv/files
max_sessions: 8
idle_timeout: 30s
legacy_sentinel: true
`
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("JAILFS_MAX_SESSIONS", "16")
	t.Setenv("JAILFS_AUDIT", "/var/log/jailfs.jsonl")

	s, err := Load(New(), newFlags(t, "--listen", "127.0.0.1:7000"), file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag beats file", s.Listen, "127.0.0.1:7000"},
		{"file value", s.Root, "/srv/files"},
		{"env beats file", s.MaxSessions, int64(16)},
		{"env only", s.Audit, "/var/log/jailfs.jsonl"},
		{"duration from file", s.IdleTimeout, 30 * time.Second},
		{"bool from file", s.LegacySentinel, true},
		{"default", s.MaxLineLength, 2048},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(New(), nil, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := Settings{Listen: ":5000", MaxLineLength: 2048, MaxSessions: 1}

	tests := []struct {
		name   string
		mutate func(*Settings)
		errSub string
	}{
		{"valid", func(*Settings) {}, ""},
		{"empty listen", func(s *Settings) { s.Listen = " " }, "listen"},
		{"zero line length", func(s *Settings) { s.MaxLineLength = 0 }, "max_line_length"},
		{"negative upload", func(s *Settings) { s.MaxUploadSize = -1 }, "max_upload_size"},
		{"zero sessions", func(s *Settings) { s.MaxSessions = 0 }, "max_sessions"},
		{"api clash", func(s *Settings) { s.API = ":5000" }, "api"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("error = %v, want mention of %s", err, tt.errSub)
			}
		})
	}
}

func TestServerConfig(t *testing.T) {
	s := Settings{Listen: "unix:/run/jailfs.sock", Root: "/srv", MaxSessions: 4, MaxLineLength: 100}

	cfg := s.ServerConfig()
	if cfg.ListenAddr != s.Listen || cfg.RootDir != s.Root || cfg.MaxSessions != 4 {
		t.Errorf("unexpected server config: %+v", cfg)
	}
	if cfg.IdleTimeout >= 0 {
		t.Errorf("IdleTimeout = %s, want negative (disabled) for 0", cfg.IdleTimeout)
	}

	s.IdleTimeout = time.Minute
	if got := s.ServerConfig().IdleTimeout; got != time.Minute {
		t.Errorf("IdleTimeout = %s, want 1m", got)
	}
}
