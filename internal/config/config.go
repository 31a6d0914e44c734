// Package config handles reading and writing the gateway's configuration
// files: an optional YAML defaults file for the daemon's `run` flags, and
// the client's JSON knock bundle (spec-mandated wire format, not YAML,
// since it is meant to travel as a single portable file or QR payload).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with human-readable YAML marshalling
// (e.g. "30s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// DaemonConfig supplies defaults for the daemon's `run` flags. Any flag
// explicitly passed on the command line overrides the matching field here;
// a field left unset here falls back to the daemon's built-in default.
// This file is a convenience layer for systemd-managed deployments — the
// CLI flags remain authoritative.
type DaemonConfig struct {
	// Listen is the UDP listen address, e.g. "0.0.0.0:51820".
	Listen string `yaml:"listen,omitempty"`

	// OpenSecs is how long an address-set membership stays open.
	OpenSecs Duration `yaml:"open_secs,omitempty"`

	// WindowSecs is the freshness window a knock timestamp must fall within.
	WindowSecs Duration `yaml:"window_secs,omitempty"`

	// NFTable is the nft table name within the fixed "inet" family.
	NFTable string `yaml:"nft_table,omitempty"`

	// NFChain is the nft chain whose "<chain>_set" address-set is mutated.
	NFChain string `yaml:"nft_chain,omitempty"`
}

// DefaultDaemonConfig returns the built-in daemon defaults.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Listen:     "0.0.0.0:62201",
		OpenSecs:   Duration{45 * time.Second},
		WindowSecs: Duration{30 * time.Second},
		NFTable:    "inet",
		NFChain:    "wg_spa_allow",
	}
}

// LoadDaemonConfig reads an optional YAML defaults file, overlaying it onto
// the built-in defaults. An empty path is not an error — it simply means
// every field falls back to DefaultDaemonConfig. A non-empty path that
// cannot be read is returned as an error.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}
	return cfg, nil
}

// ClientConfig is the client's knock bundle. Field names and JSON tags
// must not change — this is a wire format, shared with the QR bootstrap
// payload.
type ClientConfig struct {
	// RouterHost is the hostname or IP address the knock is sent to.
	RouterHost string `json:"router_host"`

	// SPAPort is the UDP port the gateway's receive loop listens on.
	SPAPort uint16 `json:"spa_port"`

	// WGPort is the hidden WireGuard UDP port being protected (carried for
	// client convenience — the knock protocol itself never references it).
	WGPort uint16 `json:"wg_port"`

	// KEMPubB64 is the gateway's base64-encoded ML-KEM-768 public key.
	KEMPubB64 string `json:"kem_pub_b64"`

	// PSKB64 is the base64-encoded long-term pre-shared key.
	PSKB64 string `json:"psk_b64"`
}

// DefaultClientConfigPath returns the default path to the client config file.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spa-knock/config.json"
	}
	return filepath.Join(home, ".spa-knock", "config.json")
}

// LoadClientConfig reads and parses a client config file from path.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config %s: %w", path, err)
	}
	var cfg ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}
	return &cfg, nil
}

// SaveClientConfig writes the client config to path as indented JSON,
// creating directories as needed. The file is written with 0600 permissions
// since it contains the PSK.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling client config: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
