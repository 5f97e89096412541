// Package config loads and persists the node's local settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "p2p-fs"
	// DefaultListenPort is the TCP port used when no override exists.
	DefaultListenPort = 9876
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Defaults for tunables left at zero in config.json.
const (
	DefaultPeerTTLSeconds       = 120
	DefaultChunkSize            = 256 * 1024
	DefaultMaxActiveJobs        = 4
	DefaultChunkWindow          = 8
	DefaultMaxChunkRetries      = 3
	DefaultChunkTimeoutSeconds  = 10
	DefaultHandshakeTimeoutSecs = 30
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	ListenPort     int    `json:"listen_port"`
	PrivateKeyPath string `json:"ed25519_private_key_path"`
	PublicKeyPath  string `json:"ed25519_public_key_path"`
	DownloadDir    string `json:"download_dir"`

	PeerTTLSeconds          int `json:"peer_ttl_seconds"`
	ChunkSize               int `json:"chunk_size"`
	MaxActiveJobs           int `json:"max_active_jobs"`
	ChunkWindow             int `json:"chunk_window"`
	MaxChunkRetries         int `json:"max_chunk_retries"`
	ChunkTimeoutSeconds     int `json:"chunk_timeout_seconds"`
	HandshakeTimeoutSeconds int `json:"handshake_timeout_seconds"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If P2PFS_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("P2PFS_DATA_DIR"); override != "" {
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
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
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

// LoadOrCreate loads config.json from the data directory, creating it with
// defaults on first launch. Missing fields in an existing file are filled in
// and written back.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		cfg = &NodeConfig{}
	default:
		return nil, "", err
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, dataDir, nil
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	changed := false

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		changed = true
	}
	if cfg.DisplayName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "p2pfs-node"
		}
		cfg.DisplayName = host
		changed = true
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = DefaultListenPort
		changed = true
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(dataDir, "keys", "ed25519_private.pem")
		changed = true
	}
	if cfg.PublicKeyPath == "" {
		cfg.PublicKeyPath = filepath.Join(dataDir, "keys", "ed25519_public.pem")
		changed = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		changed = true
	}
	if cfg.PeerTTLSeconds <= 0 {
		cfg.PeerTTLSeconds = DefaultPeerTTLSeconds
		changed = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		changed = true
	}
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = DefaultMaxActiveJobs
		changed = true
	}
	if cfg.ChunkWindow <= 0 {
		cfg.ChunkWindow = DefaultChunkWindow
		changed = true
	}
	if cfg.MaxChunkRetries <= 0 {
		cfg.MaxChunkRetries = DefaultMaxChunkRetries
		changed = true
	}
	if cfg.ChunkTimeoutSeconds <= 0 {
		cfg.ChunkTimeoutSeconds = DefaultChunkTimeoutSeconds
		changed = true
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = DefaultHandshakeTimeoutSecs
		changed = true
	}
	return changed
}
