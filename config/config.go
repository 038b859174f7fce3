// Package config holds the settings of a watch connection and loads them
// from TOML files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/wearcore/limits"
)

// Logging selects log level and output format.
type Logging struct {
	Level  string
	Format string // "text" or "json"
}

// Config is the full set of connection settings.
type Config struct {
	// MTU is used until the link reports a negotiated value.
	MTU int
	// MaxMTU bounds MTU values announced by the link.
	MaxMTU int
	// AllowHighMTU keeps an announced MTU above MaxMTU (with a warning)
	// instead of clamping it.
	AllowHighMTU bool

	HandshakeTimeout  time.Duration
	ReassemblyTimeout time.Duration
	KeepaliveInterval time.Duration
	KeepaliveIdle     time.Duration
	ReconnectDelay    time.Duration

	// ExtendedChunkFlags selects the chunk header with the extra flags byte.
	ExtendedChunkFlags bool
	// RequireAuth rejects application messages until the handshake succeeds.
	RequireAuth bool

	// PairingKey is the literal pairing credential. It takes precedence over
	// the keyring.
	PairingKey     string
	KeyringService string
	KeyringUser    string
	// KeyFile is a passphrase-encrypted pairing key file, used when neither
	// a literal key nor a keyring entry is configured. The passphrase is read
	// from the environment variable named by KeyFilePassphraseEnv.
	KeyFile              string
	KeyFilePassphraseEnv string

	Logging Logging
}

// Default returns the settings used when no file overrides them.
func Default() Config {
	return Config{
		MTU:                limits.DefaultMTU,
		MaxMTU:             limits.MaxMTU,
		AllowHighMTU:       true,
		HandshakeTimeout:   10 * time.Second,
		ReassemblyTimeout:  30 * time.Second,
		KeepaliveInterval:  25 * time.Minute,
		KeepaliveIdle:      24 * time.Minute,
		ReconnectDelay:     5 * time.Second,
		ExtendedChunkFlags: true,
		RequireAuth:        true,
		Logging:            Logging{Level: "info", Format: "text"},
	}
}

// fileConfig maps config.toml keys to Config fields.
type fileConfig struct {
	MTU                int    `toml:"mtu"`
	MaxMTU             int    `toml:"max_mtu"`
	AllowHighMTU       bool   `toml:"allow_high_mtu"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	ReassemblyTimeout  string `toml:"reassembly_timeout"`
	KeepaliveInterval  string `toml:"keepalive_interval"`
	KeepaliveIdle      string `toml:"keepalive_idle"`
	ReconnectDelay     string `toml:"reconnect_delay"`
	ExtendedChunkFlags bool   `toml:"extended_chunk_flags"`
	RequireAuth        bool   `toml:"require_auth"`
	PairingKey         string `toml:"pairing_key"`
	KeyringService     string `toml:"keyring_service"`
	KeyringUser        string `toml:"keyring_user"`
	KeyFile            string `toml:"key_file"`
	KeyFilePassEnv     string `toml:"key_file_passphrase_env"`
	Log                struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// LoadFile reads a TOML file and overlays the keys it defines on Default().
// The result is validated.
func LoadFile(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(raw, meta)
}

// Parse decodes TOML text and overlays the keys it defines on Default().
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(raw, meta)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("mtu") {
		cfg.MTU = raw.MTU
	}
	if meta.IsDefined("max_mtu") {
		cfg.MaxMTU = raw.MaxMTU
	}
	if meta.IsDefined("allow_high_mtu") {
		cfg.AllowHighMTU = raw.AllowHighMTU
	}
	if meta.IsDefined("extended_chunk_flags") {
		cfg.ExtendedChunkFlags = raw.ExtendedChunkFlags
	}
	if meta.IsDefined("require_auth") {
		cfg.RequireAuth = raw.RequireAuth
	}
	if meta.IsDefined("pairing_key") {
		cfg.PairingKey = strings.TrimSpace(raw.PairingKey)
	}
	if meta.IsDefined("keyring_service") {
		cfg.KeyringService = strings.TrimSpace(raw.KeyringService)
	}
	if meta.IsDefined("keyring_user") {
		cfg.KeyringUser = strings.TrimSpace(raw.KeyringUser)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("key_file_passphrase_env") {
		cfg.KeyFilePassphraseEnv = strings.TrimSpace(raw.KeyFilePassEnv)
	}
	if meta.IsDefined("log", "level") {
		cfg.Logging.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Logging.Format = strings.TrimSpace(raw.Log.Format)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"reassembly_timeout", raw.ReassemblyTimeout, &cfg.ReassemblyTimeout},
		{"keepalive_interval", raw.KeepaliveInterval, &cfg.KeepaliveInterval},
		{"keepalive_idle", raw.KeepaliveIdle, &cfg.KeepaliveIdle},
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if c.MaxMTU < limits.DefaultMTU || c.MaxMTU > limits.MaxMTU {
		return fmt.Errorf("invalid config: max_mtu %d not in [%d, %d]", c.MaxMTU, limits.DefaultMTU, limits.MaxMTU)
	}
	if err := limits.ValidateMTU(c.MTU, c.MaxMTU); err != nil {
		return fmt.Errorf("invalid config: mtu: %w", err)
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeout},
		{"reassembly_timeout", c.ReassemblyTimeout},
		{"keepalive_interval", c.KeepaliveInterval},
		{"keepalive_idle", c.KeepaliveIdle},
		{"reconnect_delay", c.ReconnectDelay},
	} {
		if d.v <= 0 {
			return fmt.Errorf("invalid config: %s must be positive", d.name)
		}
	}
	if c.KeepaliveIdle > c.KeepaliveInterval {
		return fmt.Errorf("invalid config: keepalive_idle %s exceeds keepalive_interval %s", c.KeepaliveIdle, c.KeepaliveInterval)
	}

	if (c.KeyringService == "") != (c.KeyringUser == "") {
		return errors.New("invalid config: keyring_service and keyring_user must be set together")
	}

	if c.KeyFile != "" && c.KeyFilePassphraseEnv == "" {
		return errors.New("invalid config: key_file requires key_file_passphrase_env")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid config: log format %q (expected text or json)", c.Logging.Format)
	}
	return nil
}
