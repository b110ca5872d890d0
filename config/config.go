// Package config loads and validates the daemon configuration from YAML.
// Network resource configurations may live here (static) or in the shared
// KV bucket (dynamic); gateways always come from this file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	NATS     NATSConfig      `yaml:"nats"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Health   HealthConfig    `yaml:"health"`
	Registry RegistryConfig  `yaml:"registry"`
	Networks []NetworkConfig `yaml:"networks"`
	Gateways []GatewayConfig `yaml:"gateways"`
}

// ServerConfig identifies this node in the cluster.
type ServerConfig struct {
	ID              string        `yaml:"id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the cluster connection and KV buckets.
type NATSConfig struct {
	URL             string `yaml:"url"`
	Name            string `yaml:"name"`
	OwnershipBucket string `yaml:"ownership_bucket"`
	DirectoryBucket string `yaml:"directory_bucket"`
	NetworkBucket   string `yaml:"network_bucket"`
	SubjectPrefix   string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// HealthConfig configures the health endpoint. Port 0 disables it.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// RegistryConfig tunes the session registry.
type RegistryConfig struct {
	CheckInterval   time.Duration    `yaml:"check_interval"`
	InitialDelay    time.Duration    `yaml:"initial_delay"`
	TransportLimits map[string]int64 `yaml:"transport_limits"`
}

// NetworkConfig is one statically configured network resource. The
// configuration document is provider-specific.
type NetworkConfig struct {
	ID            string         `yaml:"id"`
	Type          string         `yaml:"type"`
	Name          string         `yaml:"name"`
	Enabled       bool           `yaml:"enabled"`
	AutoReload    bool           `yaml:"auto_reload"`
	Configuration map[string]any `yaml:"configuration"`
}

// Properties converts the YAML entry into the form the network manager
// consumes, with the provider document re-encoded as JSON.
func (n *NetworkConfig) Properties() (*network.Properties, error) {
	raw, err := json.Marshal(n.Configuration)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Properties",
			fmt.Sprintf("configuration of network %s", n.ID))
	}
	return &network.Properties{
		ID:            n.ID,
		Type:          network.Type(n.Type),
		Name:          n.Name,
		Enabled:       n.Enabled,
		AutoReload:    n.AutoReload,
		Configuration: raw,
	}, nil
}

// GatewayConfig is one protocol gateway binding.
type GatewayConfig struct {
	ID             string        `yaml:"id"`
	NetworkType    string        `yaml:"network_type"`
	NetworkID      string        `yaml:"network_id"`
	Protocol       string        `yaml:"protocol"`
	MessageRate    float64       `yaml:"message_rate"`
	MessageBurst   int           `yaml:"message_burst"`
	UnknownTimeout time.Duration `yaml:"unknown_timeout"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read "+path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ID = host
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "devlink"
	}
	if c.NATS.OwnershipBucket == "" {
		c.NATS.OwnershipBucket = "devlink_ownership"
	}
	if c.NATS.DirectoryBucket == "" {
		c.NATS.DirectoryBucket = "devlink_devices"
	}
	if c.NATS.NetworkBucket == "" {
		c.NATS.NetworkBucket = "devlink_networks"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.Path == "" {
		c.Health.Path = "/healthz"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Server.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "server.id required")
	}
	seen := map[string]bool{}
	for i := range c.Networks {
		n := &c.Networks[i]
		if n.ID == "" || n.Type == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("network %d needs id and type", i))
		}
		key := n.Type + ":" + n.ID
		if seen[key] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"duplicate network "+key)
		}
		seen[key] = true
	}
	gwSeen := map[string]bool{}
	for i := range c.Gateways {
		g := &c.Gateways[i]
		if g.ID == "" || g.NetworkType == "" || g.NetworkID == "" || g.Protocol == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("gateway %d needs id, network_type, network_id and protocol", i))
		}
		if gwSeen[g.ID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"duplicate gateway "+g.ID)
		}
		gwSeen[g.ID] = true
	}
	return nil
}
