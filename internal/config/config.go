// Package config loads the server configuration from a YAML file with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"layersync/server/internal/acl"
	"layersync/server/internal/recording"
	"layersync/server/internal/session"
	"layersync/server/internal/snapshot"
)

type Config struct {
	Addr      string          `yaml:"addr"`
	TCPAddr   string          `yaml:"tcp_addr"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
}

type StorageConfig struct {
	// Driver is "sqlite", "postgres" or "none". With "none" nothing
	// survives a restart.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	AllowGuests bool          `yaml:"allow_guests"`
	// Operators lists account subjects whose tokens grant session
	// ownership.
	Operators    []string   `yaml:"operators"`
	DevUser      string     `yaml:"dev_user"`
	SessionKey   string     `yaml:"session_key"`
	CookieSecure bool       `yaml:"cookie_secure"`
	OIDC         OIDCConfig `yaml:"oidc"`
}

type OIDCConfig struct {
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Enabled reports whether OIDC login is configured.
func (c OIDCConfig) Enabled() bool { return c.IssuerURL != "" }

type TransportConfig struct {
	LoginTimeout   time.Duration `yaml:"login_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// SessionConfig holds the defaults of new sessions.
type SessionConfig struct {
	Width               int32             `yaml:"width"`
	Height              int32             `yaml:"height"`
	Background          string            `yaml:"background"`
	SizeLimit           string            `yaml:"size_limit"`
	Autoreset           bool              `yaml:"autoreset"`
	SnapshotInterval    int               `yaml:"snapshot_interval"`
	SnapshotKeep        int               `yaml:"snapshot_keep"`
	KeepChat            bool              `yaml:"keep_chat"`
	PersistWithoutUsers bool              `yaml:"persist_without_users"`
	IdleTimeout         time.Duration     `yaml:"idle_timeout"`
	EmptyTimeout        time.Duration     `yaml:"empty_timeout"`
	UndoDepth           int               `yaml:"undo_depth"`
	MaxUsers            int               `yaml:"max_users"`
	OutboxSize          int               `yaml:"outbox_size"`
	RecordingDir        string            `yaml:"recording_dir"`
	RecordingFormat     string            `yaml:"recording_format"`
	Features            map[string]string `yaml:"features"`
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		Storage: StorageConfig{Driver: "sqlite", DSN: "layersync.db"},
		Redis:   RedisConfig{Channel: "layersync.events"},
		Auth:    AuthConfig{TokenTTL: 12 * time.Hour, AllowGuests: true},
		Session: SessionConfig{
			Width:            session.DefaultWidth,
			Height:           session.DefaultHeight,
			Background:       "#00000000",
			SizeLimit:        "16MiB",
			Autoreset:        true,
			SnapshotInterval: 1000,
			SnapshotKeep:     snapshot.DefaultKeep,
			KeepChat:         true,
			IdleTimeout:      session.DefaultIdle,
			EmptyTimeout:     session.DefaultEmpty,
			MaxUsers:         session.DefaultMaxUsers,
			OutboxSize:       session.DefaultOutboxSize,
			RecordingFormat:  "binary",
		},
	}
}

// Load reads path on top of the defaults, then applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvironment(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvironment honors the variables platform deployments set.
func applyEnvironment(cfg *Config, getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if dsn := getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			cfg.Storage.Driver = "postgres"
		}
	}
	if addr := getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if secret := getenv("LAYERSYNC_TOKEN_SECRET"); secret != "" {
		cfg.Auth.TokenSecret = secret
	}
	if user := getenv("LAYERSYNC_DEV_USER"); user != "" {
		cfg.Auth.DevUser = user
	}
	if v := getenv("LAYERSYNC_ALLOW_GUESTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.AllowGuests = b
		}
	}
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "postgresql", "none":
	default:
		return fmt.Errorf("storage driver %q: want sqlite, postgres or none", c.Storage.Driver)
	}
	if c.Storage.Driver != "none" && c.Storage.DSN == "" {
		return errors.New("storage dsn is required")
	}
	if c.Auth.OIDC.Enabled() && c.Auth.DevUser != "" {
		return errors.New("auth: oidc and dev_user are mutually exclusive")
	}
	_, err := c.SessionDefaults()
	return err
}

// IsOperator reports whether tokens for subject grant session ownership.
func (c AuthConfig) IsOperator(subject string) bool {
	for _, op := range c.Operators {
		if op == subject {
			return true
		}
	}
	return false
}

// SessionDefaults converts the session section into the configuration of
// new sessions.
func (c Config) SessionDefaults() (session.Config, error) {
	s := c.Session
	limit, err := humanize.ParseBytes(s.SizeLimit)
	if err != nil {
		return session.Config{}, fmt.Errorf("session size_limit: %w", err)
	}
	background, err := ParseColor(s.Background)
	if err != nil {
		return session.Config{}, fmt.Errorf("session background: %w", err)
	}
	format, err := recording.ParseFormat(s.RecordingFormat)
	if err != nil {
		return session.Config{}, fmt.Errorf("session recording_format: %w", err)
	}
	features := acl.DefaultFeatures()
	for name, tierName := range s.Features {
		f, err := acl.ParseFeature(name)
		if err != nil {
			return session.Config{}, fmt.Errorf("session features: %w", err)
		}
		tier, err := acl.ParseTier(tierName)
		if err != nil {
			return session.Config{}, fmt.Errorf("session feature %s: %w", name, err)
		}
		features[f] = tier
	}
	if s.SnapshotInterval < 0 || s.SnapshotKeep < 0 {
		return session.Config{}, errors.New("session snapshot settings must not be negative")
	}
	return session.Config{
		Width:      s.Width,
		Height:     s.Height,
		Background: background,
		Policy: snapshot.Policy{
			Limit:     int64(limit),
			Autoreset: s.Autoreset,
			Interval:  s.SnapshotInterval,
			Keep:      s.SnapshotKeep,
			KeepChat:  s.KeepChat,
		},
		Features:            features,
		UndoDepth:           s.UndoDepth,
		MaxUsers:            s.MaxUsers,
		PersistWithoutUsers: s.PersistWithoutUsers,
		IdleTimeout:         s.IdleTimeout,
		EmptyTimeout:        s.EmptyTimeout,
		OutboxSize:          s.OutboxSize,
		RecordingDir:        s.RecordingDir,
		RecordingFormat:     format,
	}, nil
}

// ParseColor accepts #rrggbb and #aarrggbb. Colors without alpha are
// opaque.
func ParseColor(s string) (uint32, error) {
	hex, ok := strings.CutPrefix(s, "#")
	if !ok || (len(hex) != 6 && len(hex) != 8) {
		return 0, fmt.Errorf("color %q: want #rrggbb or #aarrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	if len(hex) == 6 {
		v |= 0xff000000
	}
	return uint32(v), nil
}
