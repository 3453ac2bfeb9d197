package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "appdata")
	t.Setenv("SUMCHAT_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if cfgPath != ConfigPath(dataDir) {
		t.Fatalf("config path: got %q want %q", cfgPath, ConfigPath(dataDir))
	}

	if cfg.Username == "" {
		t.Fatal("default config has no username")
	}
	if cfg.PortMode != PortModeAutomatic || cfg.ChatPort != DefaultChatPort {
		t.Fatalf("port defaults: mode=%q port=%d", cfg.PortMode, cfg.ChatPort)
	}
	if cfg.RoomAll != DefaultRoomAll {
		t.Fatalf("room all: %q", cfg.RoomAll)
	}
	if cfg.UserTimeoutMs != DefaultUserTimeoutMs || cfg.RefreshIntervalMs != DefaultRefreshIntervalMs {
		t.Fatalf("timing defaults: timeout=%d refresh=%d", cfg.UserTimeoutMs, cfg.RefreshIntervalMs)
	}

	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys"), filepath.Join(dataDir, "downloads")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("data directory %q missing: %v", dir, err)
		}
	}

	// A second call reads the same file back.
	again, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *again != *cfg {
		t.Fatalf("reloaded config differs:\n%+v\n%+v", again, cfg)
	}
}

func TestLoadOrCreateFillsGaps(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "appdata")
	t.Setenv("SUMCHAT_DATA_DIR", dataDir)

	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	// A sparse config from an older version keeps what it sets.
	sparse := &Config{Username: "alice", PortMode: "bogus", ChatPort: -1}
	if err := Save(ConfigPath(dataDir), sparse); err != nil {
		t.Fatalf("save sparse config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}

	if cfg.Username != "alice" {
		t.Fatalf("username overwritten: %q", cfg.Username)
	}
	if cfg.PortMode != PortModeAutomatic {
		t.Fatalf("bogus port mode not normalized: %q", cfg.PortMode)
	}
	if cfg.ChatPort != DefaultChatPort {
		t.Fatalf("invalid port not normalized: %d", cfg.ChatPort)
	}
	if cfg.SharedDir == "" || cfg.UserFile == "" || cfg.LockFile == "" {
		t.Fatalf("shared-directory defaults missing: %+v", cfg)
	}
	if cfg.LockRetryMaxMs < cfg.LockRetryMinMs {
		t.Fatalf("retry window inverted: min=%d max=%d", cfg.LockRetryMinMs, cfg.LockRetryMaxMs)
	}

	// Normalization is persisted.
	reloaded, err := Load(ConfigPath(dataDir))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.PortMode != PortModeAutomatic {
		t.Fatalf("normalized config not saved: %q", reloaded.PortMode)
	}
}

func TestSharedPathResolution(t *testing.T) {
	cfg := &Config{
		SharedDir:        filepath.Join("/mnt", "share"),
		UserFile:         "userfile.json",
		LockFile:         "userfile.lock",
		UserInfoTemplate: "userinfo-#.json",
	}

	if got := cfg.UserFilePath(); got != filepath.Join("/mnt", "share", "userfile.json") {
		t.Fatalf("user file path: %q", got)
	}
	if got := cfg.LockFilePath(); got != filepath.Join("/mnt", "share", "userfile.lock") {
		t.Fatalf("lock file path: %q", got)
	}
	if got := cfg.UserInfoPath("abc123"); got != filepath.Join("/mnt", "share", "userinfo-abc123.json") {
		t.Fatalf("user info path: %q", got)
	}

	// Absolute overrides bypass the shared directory.
	cfg.LockFile = filepath.Join("/tmp", "other.lock")
	if got := cfg.LockFilePath(); got != filepath.Join("/tmp", "other.lock") {
		t.Fatalf("absolute lock path: %q", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	want := &Config{
		Username:           "alice",
		PortMode:           PortModeFixed,
		ChatPort:           61000,
		SharedDir:          "/mnt/share",
		UserFile:           "userfile.json",
		LockFile:           "userfile.lock",
		UserInfoTemplate:   "userinfo-#.json",
		UserTimeoutMs:      30000,
		RefreshIntervalMs:  2000,
		LockStaleMs:        4000,
		LockRetryMinMs:     1000,
		LockRetryMaxMs:     2000,
		RoomAll:            "everyone",
		DownloadDir:        "/home/alice/downloads",
		RSAPrivateKeyPath:  "/home/alice/.keys/rsa_private.pem",
		RSAPublicKeyPath:   "/home/alice/.keys/rsa_public.pem",
		KeyFingerprint:     "a1b2c3",
		EnableNotification: true,
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", got, want)
	}
}
