package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gochat"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 8428
	// DefaultBindHost is the interface the relay listens on.
	DefaultBindHost = "0.0.0.0"
	// DefaultTokenTTL is how long issued session tokens stay valid.
	DefaultTokenTTL = 24 * time.Hour
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// tokenSecretBytes is the size of a generated signing secret.
	tokenSecretBytes = 32
)

// ServerConfig contains the persistent relay settings.
type ServerConfig struct {
	ServerID         string `json:"server_id"`
	ServerName       string `json:"server_name"`
	BindHost         string `json:"bind_host"`
	PortMode         string `json:"port_mode"`
	ListeningPort    int    `json:"listening_port"`
	TokenSecret      string `json:"token_secret"`
	TokenTTL         string `json:"token_ttl"`
	DisableDiscovery bool   `json:"disable_discovery"`
}

// ListenAddress returns the host:port the relay binds to.
func (c *ServerConfig) ListenAddress() string {
	port := c.ListeningPort
	if c.PortMode == PortModeAutomatic {
		port = 0
	}
	return net.JoinHostPort(c.BindHost, strconv.Itoa(port))
}

// TokenLifetime parses TokenTTL, falling back to DefaultTokenTTL.
func (c *ServerConfig) TokenLifetime() time.Duration {
	ttl, err := time.ParseDuration(c.TokenTTL)
	if err != nil || ttl <= 0 {
		return DefaultTokenTTL
	}
	return ttl
}

// envOverrides are process-level settings that win over config.json and are
// never written back to it.
type envOverrides struct {
	DataDir     string        `env:"GOCHAT_DATA_DIR"`
	ListenAddr  string        `env:"GOCHAT_LISTEN_ADDR"`
	TokenSecret string        `env:"GOCHAT_TOKEN_SECRET"`
	TokenTTL    time.Duration `env:"GOCHAT_TOKEN_TTL"`
	Discovery   string        `env:"GOCHAT_DISCOVERY"`
}

func parseEnv() (envOverrides, error) {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return envOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return overrides, nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GOCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	overrides, err := parseEnv()
	if err != nil {
		return "", err
	}
	if overrides.DataDir != "" {
		return overrides.DataDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data dir and config exist, applies environment
// overrides, and returns the config, its path and the data dir.
func LoadOrCreate() (*ServerConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg, err = defaultConfig()
		if err != nil {
			return nil, "", "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	} else {
		updated, err := normalizeDefaults(cfg)
		if err != nil {
			return nil, "", "", err
		}
		if updated {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", "", err
			}
		}
	}

	overrides, err := parseEnv()
	if err != nil {
		return nil, "", "", err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, "", "", err
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if _, err := normalizeDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeDefaults(cfg *ServerConfig) (bool, error) {
	updated := false

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
		updated = true
	}

	if cfg.ServerName == "" {
		serverName := "GoChat Relay"
		if host, err := os.Hostname(); err == nil && host != "" {
			serverName = host
		}
		cfg.ServerName = serverName
		updated = true
	}

	if cfg.BindHost == "" {
		cfg.BindHost = DefaultBindHost
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.TokenSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return false, err
		}
		cfg.TokenSecret = secret
		updated = true
	}

	if ttl, err := time.ParseDuration(cfg.TokenTTL); err != nil || ttl <= 0 {
		cfg.TokenTTL = DefaultTokenTTL.String()
		updated = true
	}

	return updated, nil
}

func applyOverrides(cfg *ServerConfig, overrides envOverrides) error {
	if overrides.ListenAddr != "" {
		host, portText, err := net.SplitHostPort(overrides.ListenAddr)
		if err != nil {
			return fmt.Errorf("parse GOCHAT_LISTEN_ADDR: %w", err)
		}
		port, err := strconv.Atoi(portText)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("parse GOCHAT_LISTEN_ADDR: invalid port %q", portText)
		}
		if host != "" {
			cfg.BindHost = host
		}
		cfg.ListeningPort = port
		cfg.PortMode = PortModeFixed
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		}
	}
	if overrides.TokenSecret != "" {
		cfg.TokenSecret = overrides.TokenSecret
	}
	if overrides.TokenTTL > 0 {
		cfg.TokenTTL = overrides.TokenTTL.String()
	}
	if overrides.Discovery != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(overrides.Discovery))
		if err != nil {
			return fmt.Errorf("parse GOCHAT_DISCOVERY: %w", err)
		}
		cfg.DisableDiscovery = !enabled
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
