package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MeshConfig is the meshd daemon configuration loaded from TOML.
type MeshConfig struct {
	LocalNodeID string   `toml:"local_node_id"`
	AdminAddr   string   `toml:"admin_addr"`
	CorsOrigins []string `toml:"cors_origins"`

	Quorum        int `toml:"quorum"`
	ReplicaFactor int `toml:"replica_factor"`
	RequiredAcks  int `toml:"required_acks"`

	InitTimeoutMS       int `toml:"init_timeout_ms"`
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `toml:"heartbeat_timeout_ms"`
	MaxMissedHeartbeats int `toml:"max_missed_heartbeats"`
	AckWindowMS         int `toml:"ack_window_ms"`
	RetryBudget         int `toml:"retry_budget"`
	RetentionDepth      int `toml:"retention_depth"`

	Nodes []NodeEntry `toml:"nodes"`
}

// NodeEntry declares one mesh member.
type NodeEntry struct {
	NodeID       string   `toml:"node_id"`
	NodeType     string   `toml:"node_type"`
	Capabilities []string `toml:"capabilities"`
	Load         float64  `toml:"load"`
}

// Load reads, defaults, and validates a mesh config file.
func Load(path string) (MeshConfig, error) {
	var cfg MeshConfig
	if err := loadToml(path, &cfg); err != nil {
		return MeshConfig{}, err
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return MeshConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *MeshConfig) {
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = ":9400"
	}
	if cfg.LocalNodeID == "" && len(cfg.Nodes) > 0 {
		cfg.LocalNodeID = cfg.Nodes[0].NodeID
	}
}

// Validate rejects configs the coordinator would refuse at startup.
func Validate(cfg MeshConfig) error {
	if strings.TrimSpace(cfg.LocalNodeID) == "" {
		return fmt.Errorf("mesh config missing local_node_id")
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("mesh config missing admin_addr")
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("mesh config declares no nodes")
	}
	seen := make(map[string]struct{}, len(cfg.Nodes))
	local := false
	for i, entry := range cfg.Nodes {
		if err := ValidateNodeEntry(entry); err != nil {
			return fmt.Errorf("node[%d] invalid: %w", i, err)
		}
		if _, dup := seen[entry.NodeID]; dup {
			return fmt.Errorf("node[%d] duplicate node_id %q", i, entry.NodeID)
		}
		seen[entry.NodeID] = struct{}{}
		if entry.NodeID == cfg.LocalNodeID {
			local = true
		}
	}
	if !local {
		return fmt.Errorf("local_node_id %q not declared in nodes", cfg.LocalNodeID)
	}
	if cfg.Quorum < 0 || cfg.Quorum > len(cfg.Nodes) {
		return fmt.Errorf("quorum %d out of range for %d nodes", cfg.Quorum, len(cfg.Nodes))
	}
	return nil
}

// ValidateNodeEntry rejects malformed node declarations.
func ValidateNodeEntry(entry NodeEntry) error {
	if strings.TrimSpace(entry.NodeID) == "" {
		return fmt.Errorf("node_id is required")
	}
	switch strings.ToLower(strings.TrimSpace(entry.NodeType)) {
	case "local", "remote", "cloud":
	default:
		return fmt.Errorf("node_type %q must be local, remote, or cloud", entry.NodeType)
	}
	if entry.Load < 0 || entry.Load > 1 {
		return fmt.Errorf("load %f out of [0,1]", entry.Load)
	}
	return nil
}

// Durations converts the millisecond knobs into time.Durations, zero
// meaning use the component default.
func (c MeshConfig) Durations() (initTimeout, hbInterval, hbTimeout, ackWindow time.Duration) {
	return time.Duration(c.InitTimeoutMS) * time.Millisecond,
		time.Duration(c.HeartbeatIntervalMS) * time.Millisecond,
		time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond,
		time.Duration(c.AckWindowMS) * time.Millisecond
}
