// Package config manages cloudkeep's user-data paths and global settings.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

const (
	ConfigDirName     = ".cloudkeep"
	ConfigFileName    = "config.json"
	WorkspaceFileName = "workspace.json"
	AuditDBFileName   = "audit.db"
	KeystoreFileName  = "keystore.bin"
	KeystoreKeyFile   = "keystore.key"
	DefaultLogLevel   = "info"

	// BridgeSocketName is the well-known IPC channel identifier for a
	// production installation. Tests bind their own socket under a
	// temporary directory so they never collide with a running daemon.
	BridgeSocketName = "cloudkeep.sock"
)

// GlobalConfig holds user-level configuration shared by the CLI and the daemon.
type GlobalConfig struct {
	DefaultRegion        string `json:"default_region"`
	LogLevel             string `json:"log_level"`
	RotationIntervalSecs int    `json:"rotation_interval_seconds"`
	RefreshAheadSecs     int    `json:"refresh_ahead_seconds"`
	CredentialsFilePath  string `json:"credentials_file_path"` // AWS shared credentials file
}

// DefaultGlobalConfig returns sensible defaults.
func DefaultGlobalConfig() GlobalConfig {
	home, _ := os.UserHomeDir()
	return GlobalConfig{
		DefaultRegion:        "us-east-1",
		LogLevel:             DefaultLogLevel,
		RotationIntervalSecs: 20,
		RefreshAheadSecs:     600,
		CredentialsFilePath:  filepath.Join(home, ".aws", "credentials"),
	}
}

// Dir returns the cloudkeep user-data directory path.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// WorkspacePath returns the path of the persisted workspace document.
func WorkspacePath() string { return filepath.Join(Dir(), WorkspaceFileName) }

// KeystorePath returns the path of the file-backed credential store.
func KeystorePath() string { return filepath.Join(Dir(), KeystoreFileName) }

// AuditDBPath returns the path of the audit log database.
func AuditDBPath() string { return filepath.Join(Dir(), AuditDBFileName) }

// BridgeSocketPath returns the fixed per-installation IPC socket path.
func BridgeSocketPath() string { return filepath.Join(Dir(), BridgeSocketName) }

// Load reads the global config from ~/.cloudkeep/config.json, falling back
// to defaults when the file is absent.
func Load() (GlobalConfig, error) {
	path := filepath.Join(Dir(), ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGlobalConfig(), nil
		}
		return GlobalConfig{}, err
	}

	cfg := DefaultGlobalConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

// Save persists the global config to ~/.cloudkeep/config.json.
func Save(cfg GlobalConfig) error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}

// EnsureKeystoreSecret returns the per-installation keystore passphrase,
// generating and persisting a random one on first run.
func EnsureKeystoreSecret() (string, error) {
	dir := Dir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	path := filepath.Join(dir, KeystoreKeyFile)
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(raw)

	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", err
	}
	return secret, nil
}
