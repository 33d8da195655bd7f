package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tinyland-inc/deskbridge/pkg/protocol"
)

type Config struct {
	Bridge   BridgeConfig   `json:"bridge"`
	Delivery DeliveryConfig `json:"delivery"`
	Log      LogConfig      `json:"log"`
}

// BridgeConfig holds the listener and liveness settings.
// The bridge is loopback-only: Host is validated at startup and anything
// other than a loopback address is rejected.
type BridgeConfig struct {
	Host                   string `env:"DESKBRIDGE_BRIDGE_HOST"                     json:"host"`
	Port                   int    `env:"DESKBRIDGE_BRIDGE_PORT"                     json:"port"`
	LivenessTimeoutSeconds int    `env:"DESKBRIDGE_BRIDGE_LIVENESS_TIMEOUT_SECONDS" json:"liveness_timeout_seconds"`
	SendBufferSize         int    `env:"DESKBRIDGE_BRIDGE_SEND_BUFFER_SIZE"         json:"send_buffer_size"`
}

// DeliveryConfig controls what happens to messages whose target role has no
// active peer.
type DeliveryConfig struct {
	QueueTimeoutSeconds int          `env:"DESKBRIDGE_DELIVERY_QUEUE_TIMEOUT_SECONDS" json:"queue_timeout_seconds"`
	QueueLimit          int          `env:"DESKBRIDGE_DELIVERY_QUEUE_LIMIT"           json:"queue_limit"`
	Types               []TypeConfig `json:"types,omitempty"`
}

// TypeConfig maps a message type to its delivery policy. The type set is
// open: peers may declare more at registration.
type TypeConfig struct {
	Name   string `json:"name"`
	Policy string `json:"policy"`
}

type LogConfig struct {
	Level string `env:"DESKBRIDGE_LOG_LEVEL" json:"level"`
	File  string `env:"DESKBRIDGE_LOG_FILE"  json:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Host:                   "127.0.0.1",
			Port:                   5004,
			LivenessTimeoutSeconds: 30,
			SendBufferSize:         64,
		},
		Delivery: DeliveryConfig{
			QueueTimeoutSeconds: 5,
			QueueLimit:          256,
			Types: []TypeConfig{
				{Name: protocol.TypeFileOpen, Policy: string(protocol.PolicyQueue)},
				{Name: protocol.TypeFileSave, Policy: string(protocol.PolicyQueue)},
				{Name: protocol.TypeLearningSync, Policy: string(protocol.PolicyDrop)},
				{Name: protocol.TypeStatusUpdate, Policy: string(protocol.PolicyDrop)},
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a JSON config file and applies DESKBRIDGE_* environment
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Pre-scan: the JSON decoder merges into existing slices element
		// by element, so a user-provided type table must replace the
		// default one wholesale rather than inherit entries positionally.
		var tmp Config
		if err := json.Unmarshal(data, &tmp); err != nil {
			return nil, err
		}
		if len(tmp.Delivery.Types) > 0 {
			cfg.Delivery.Types = nil
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	// Environment overrides apply whether or not a file exists, and the
	// result is validated either way.
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	for i, tc := range c.Delivery.Types {
		if tc.Name == "" {
			return fmt.Errorf("delivery.types[%d]: name is required", i)
		}
		switch protocol.DeliveryPolicy(tc.Policy) {
		case protocol.PolicyDrop, protocol.PolicyQueue:
		default:
			return fmt.Errorf("delivery.types[%d]: unknown policy %q", i, tc.Policy)
		}
	}
	if c.Bridge.LivenessTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.liveness_timeout_seconds must be positive")
	}
	if c.Bridge.SendBufferSize <= 0 {
		return fmt.Errorf("bridge.send_buffer_size must be positive")
	}
	return nil
}

func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Bridge.LivenessTimeoutSeconds) * time.Second
}

func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.Delivery.QueueTimeoutSeconds) * time.Second
}

// TypePolicies returns the configured type table as a lookup map.
func (c *Config) TypePolicies() map[string]protocol.DeliveryPolicy {
	m := make(map[string]protocol.DeliveryPolicy, len(c.Delivery.Types))
	for _, tc := range c.Delivery.Types {
		m[tc.Name] = protocol.DeliveryPolicy(tc.Policy)
	}
	return m
}
