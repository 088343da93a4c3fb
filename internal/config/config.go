// Package config loads jailfsd settings from defaults, an optional YAML
// file, JAILFS_* environment variables and command line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"jailfs/internal/server"
	"jailfs/pkg/protocol"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. JAILFS_LISTEN.
const EnvPrefix = "JAILFS"

// Keys
const (
	KeyListen         = "listen"
	KeyRoot           = "root"
	KeyPolicy         = "policy"
	KeyAudit          = "audit"
	KeyAPI            = "api"
	KeyIdleTimeout    = "idle_timeout"
	KeyMaxLineLength  = "max_line_length"
	KeyMaxUploadSize  = "max_upload_size"
	KeyMaxSessions    = "max_sessions"
	KeyLegacySentinel = "legacy_sentinel"
)

// Settings is the resolved daemon configuration.
type Settings struct {
	Listen         string        `mapstructure:"listen"`
	Root           string        `mapstructure:"root"`
	Policy         string        `mapstructure:"policy"`
	Audit          string        `mapstructure:"audit"`
	API            string        `mapstructure:"api"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxLineLength  int           `mapstructure:"max_line_length"`
	MaxUploadSize  int64         `mapstructure:"max_upload_size"`
	MaxSessions    int64         `mapstructure:"max_sessions"`
	LegacySentinel bool          `mapstructure:"legacy_sentinel"`
}

// New returns a viper instance with defaults and environment binding in
// place.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyListen, protocol.DefaultAddr)
	v.SetDefault(KeyRoot, "")
	v.SetDefault(KeyPolicy, "")
	v.SetDefault(KeyAudit, "")
	v.SetDefault(KeyAPI, "")
	v.SetDefault(KeyIdleTimeout, server.DefaultIdleTimeout)
	v.SetDefault(KeyMaxLineLength, protocol.MaxLineLength)
	v.SetDefault(KeyMaxUploadSize, int64(1<<30))
	v.SetDefault(KeyMaxSessions, server.DefaultMaxSessions)
	v.SetDefault(KeyLegacySentinel, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterFlags defines one flag per key on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyListen, protocol.DefaultAddr, `listen address, "host:port" or "unix:/path"`)
	flags.String(KeyRoot, "", "jail root directory (default: working directory)")
	flags.String(KeyPolicy, "", "verb policy YAML file (default: allow every verb)")
	flags.String(KeyAudit, "", "JSON-lines audit log (default: disabled)")
	flags.String(KeyAPI, "", "admin HTTP API address (default: disabled)")
	flags.Duration(KeyIdleTimeout, server.DefaultIdleTimeout, "drop a connection idle for this long (0 or negative: never)")
	flags.Int(KeyMaxLineLength, protocol.MaxLineLength, "maximum command line length in bytes")
	flags.Int64(KeyMaxUploadSize, 1<<30, "maximum upload size in bytes (0: unlimited)")
	flags.Int64(KeyMaxSessions, server.DefaultMaxSessions, "maximum concurrent sessions")
	flags.Bool(KeyLegacySentinel, false, `accept uploads terminated by a bare "EOF" write`)
}

// Load binds flags, reads the config file when one is given and returns
// validated settings. Only flags set on the command line override the file
// and the environment.
func Load(v *viper.Viper, flags *pflag.FlagSet, file string) (*Settings, error) {
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil && f.Name != "config" {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("error binding flags: %w", bindErr)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the server cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Listen) == "" {
		errs = append(errs, errors.New("listen: address is empty"))
	}
	if s.MaxLineLength <= 0 {
		errs = append(errs, fmt.Errorf("max_line_length: must be positive, got %d", s.MaxLineLength))
	}
	if s.MaxUploadSize < 0 {
		errs = append(errs, fmt.Errorf("max_upload_size: must not be negative, got %d", s.MaxUploadSize))
	}
	if s.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions: must be positive, got %d", s.MaxSessions))
	}
	if s.API != "" && s.API == s.Listen {
		errs = append(errs, fmt.Errorf("api: %s is also the listen address", s.API))
	}
	return errors.Join(errs...)
}

// ServerConfig converts the settings into a server configuration.
func (s *Settings) ServerConfig() server.Config {
	idle := s.IdleTimeout
	if idle == 0 {
		// 0 in the config means "never" while server.Config treats it as unset.
		idle = -1
	}
	return server.Config{
		ListenAddr:     s.Listen,
		RootDir:        s.Root,
		PolicyPath:     s.Policy,
		AuditPath:      s.Audit,
		APIAddr:        s.API,
		IdleTimeout:    idle,
		MaxLineLength:  s.MaxLineLength,
		MaxUploadSize:  s.MaxUploadSize,
		MaxSessions:    s.MaxSessions,
		LegacySentinel: s.LegacySentinel,
	}
}
