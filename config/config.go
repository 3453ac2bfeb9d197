package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "sumchat"
	// DefaultChatPort is the TCP port used when no user override exists.
	DefaultChatPort = 60123
	// PortModeAutomatic falls back to an ephemeral port when the
	// configured one is taken.
	PortModeAutomatic = "automatic"
	// PortModeFixed refuses to start when the configured port is taken.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Shared-directory defaults, relative to SharedDir.
const (
	defaultUserFileName = "userfile.json"
	defaultLockFileName = "userfile.lock"
	defaultInfoTemplate = "userinfo-#.json"
)

// Timing defaults in milliseconds.
const (
	DefaultUserTimeoutMs     = 60000
	DefaultRefreshIntervalMs = 3000
	DefaultLockStaleMs       = 3000
	DefaultLockRetryMinMs    = 3000
	DefaultLockRetryMaxMs    = 5000
)

// DefaultRoomAll is the virtual room every peer belongs to.
const DefaultRoomAll = "everyone"

// Config contains persistent local settings plus the shared-directory
// layout all peers agree on.
type Config struct {
	Username string `json:"username"`
	PortMode string `json:"port_mode"`
	ChatPort int    `json:"chat_port"`

	// SharedDir is the common filesystem location peers discover each
	// other through. UserFile, LockFile and UserInfoTemplate are resolved
	// against it when relative.
	SharedDir        string `json:"shared_dir"`
	UserFile         string `json:"user_file"`
	LockFile         string `json:"lock_file"`
	UserInfoTemplate string `json:"user_info_template"`

	UserTimeoutMs     int64 `json:"user_timeout_ms"`
	RefreshIntervalMs int64 `json:"refresh_interval_ms"`
	LockStaleMs       int64 `json:"lock_stale_ms"`
	LockRetryMinMs    int64 `json:"lock_retry_min_ms"`
	LockRetryMaxMs    int64 `json:"lock_retry_max_ms"`

	RoomAll string `json:"room_all"`

	DownloadDir        string `json:"download_dir"`
	RSAPrivateKeyPath  string `json:"rsa_private_key_path"`
	RSAPublicKeyPath   string `json:"rsa_public_key_path"`
	KeyFingerprint     string `json:"key_fingerprint"`
	EnableNotification bool   `json:"enable_notifications"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SUMCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SUMCHAT_DATA_DIR"); override != "" {
		return override, nil
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// UserFilePath returns the absolute shared userlist path.
func (c *Config) UserFilePath() string {
	return c.resolveShared(c.UserFile)
}

// LockFilePath returns the absolute lock file path.
func (c *Config) LockFilePath() string {
	return c.resolveShared(c.LockFile)
}

// UserInfoPath substitutes hash into the extended-info template and
// resolves it against the shared directory.
func (c *Config) UserInfoPath(hash string) string {
	return c.resolveShared(strings.Replace(c.UserInfoTemplate, "#", hash, 1))
}

func (c *Config) resolveShared(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.SharedDir, p)
}

func defaultConfig(dataDir string) *Config {
	username := "user"
	if u := os.Getenv("USERNAME"); u != "" {
		username = u
	} else if u := os.Getenv("USER"); u != "" {
		username = u
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &Config{
		Username:           username,
		PortMode:           PortModeAutomatic,
		ChatPort:           DefaultChatPort,
		SharedDir:          filepath.Join(dataDir, "shared"),
		UserFile:           defaultUserFileName,
		LockFile:           defaultLockFileName,
		UserInfoTemplate:   defaultInfoTemplate,
		UserTimeoutMs:      DefaultUserTimeoutMs,
		RefreshIntervalMs:  DefaultRefreshIntervalMs,
		LockStaleMs:        DefaultLockStaleMs,
		LockRetryMinMs:     DefaultLockRetryMinMs,
		LockRetryMaxMs:     DefaultLockRetryMaxMs,
		RoomAll:            DefaultRoomAll,
		DownloadDir:        filepath.Join(dataDir, "downloads"),
		RSAPrivateKeyPath:  filepath.Join(keysDir, "rsa_private.pem"),
		RSAPublicKeyPath:   filepath.Join(keysDir, "rsa_public.pem"),
		EnableNotification: true,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.Username == "" {
		cfg.Username = defaultConfig(dataDir).Username
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		mode = PortModeAutomatic
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.ChatPort <= 0 {
		cfg.ChatPort = DefaultChatPort
		updated = true
	}

	if cfg.SharedDir == "" {
		cfg.SharedDir = filepath.Join(dataDir, "shared")
		updated = true
	}
	if cfg.UserFile == "" {
		cfg.UserFile = defaultUserFileName
		updated = true
	}
	if cfg.LockFile == "" {
		cfg.LockFile = defaultLockFileName
		updated = true
	}
	if cfg.UserInfoTemplate == "" || !strings.Contains(cfg.UserInfoTemplate, "#") {
		cfg.UserInfoTemplate = defaultInfoTemplate
		updated = true
	}

	if cfg.UserTimeoutMs <= 0 {
		cfg.UserTimeoutMs = DefaultUserTimeoutMs
		updated = true
	}
	if cfg.RefreshIntervalMs <= 0 {
		cfg.RefreshIntervalMs = DefaultRefreshIntervalMs
		updated = true
	}
	if cfg.LockStaleMs <= 0 {
		cfg.LockStaleMs = DefaultLockStaleMs
		updated = true
	}
	if cfg.LockRetryMinMs <= 0 {
		cfg.LockRetryMinMs = DefaultLockRetryMinMs
		updated = true
	}
	if cfg.LockRetryMaxMs < cfg.LockRetryMinMs {
		cfg.LockRetryMaxMs = cfg.LockRetryMinMs + (DefaultLockRetryMaxMs - DefaultLockRetryMinMs)
		updated = true
	}

	if cfg.RoomAll == "" {
		cfg.RoomAll = DefaultRoomAll
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.RSAPrivateKeyPath == "" {
		cfg.RSAPrivateKeyPath = filepath.Join(keysDir, "rsa_private.pem")
		updated = true
	}
	if cfg.RSAPublicKeyPath == "" {
		cfg.RSAPublicKeyPath = filepath.Join(keysDir, "rsa_public.pem")
		updated = true
	}

	return updated
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
