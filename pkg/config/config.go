// Package config provides configuration for a cluster node
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/store"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is prepended to environment overrides, e.g. SQLCLUSTER_HTTP_ADDR.
const EnvPrefix = "SQLCLUSTER"

// Config holds all configuration for a cluster node
type Config struct {
	// Node identification
	NodeID  string `mapstructure:"node_id" json:"node_id"`
	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	// Network addresses
	HTTPAddr      string `mapstructure:"http_addr" json:"http_addr"`
	GRPCAddr      string `mapstructure:"grpc_addr" json:"grpc_addr"`
	RaftAddr      string `mapstructure:"raft_addr" json:"raft_addr"`
	RaftAdvertise string `mapstructure:"raft_advertise" json:"raft_advertise"`
	// APIAdvertise is the URL other nodes hand to clients in redirects.
	APIAdvertise string `mapstructure:"api_advertise" json:"api_advertise"`

	// Cluster formation
	Bootstrap bool     `mapstructure:"bootstrap" json:"bootstrap"`
	Join      string   `mapstructure:"join" json:"join"`
	Members   []string `mapstructure:"members" json:"members"`

	LogLevel     string        `mapstructure:"log_level" json:"log_level"`
	ApplyTimeout time.Duration `mapstructure:"apply_timeout" json:"apply_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`

	Raft   RaftConfig   `mapstructure:"raft" json:"raft"`
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite"`

	// SnapshotSchedule is a cron spec such as "@every 10m"; empty disables it.
	SnapshotSchedule string `mapstructure:"snapshot_schedule" json:"snapshot_schedule"`

	Auth   AuthConfig   `mapstructure:"auth" json:"auth"`
	Events EventsConfig `mapstructure:"events" json:"events"`

	// EncryptionKey is a hex AES key for the log store. Empty means plaintext.
	EncryptionKey string `mapstructure:"encryption_key" json:"-"`
}

// RaftConfig tunes the consensus layer.
type RaftConfig struct {
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
	ElectionTimeout    time.Duration `mapstructure:"election_timeout" json:"election_timeout"`
	LeaderLeaseTimeout time.Duration `mapstructure:"leader_lease_timeout" json:"leader_lease_timeout"`
	CommitTimeout      time.Duration `mapstructure:"commit_timeout" json:"commit_timeout"`
	SnapshotInterval   time.Duration `mapstructure:"snapshot_interval" json:"snapshot_interval"`
	SnapshotThreshold  uint64        `mapstructure:"snapshot_threshold" json:"snapshot_threshold"`
	TrailingLogs       uint64        `mapstructure:"trailing_logs" json:"trailing_logs"`
	MaxAppendEntries   int           `mapstructure:"max_append_entries" json:"max_append_entries"`
	TransportPool      int           `mapstructure:"transport_pool" json:"transport_pool"`
	TransportTimeout   time.Duration `mapstructure:"transport_timeout" json:"transport_timeout"`
}

// SQLiteConfig tunes the local database.
type SQLiteConfig struct {
	BusyTimeout       time.Duration `mapstructure:"busy_timeout" json:"busy_timeout"`
	CheckpointBackoff time.Duration `mapstructure:"checkpoint_backoff" json:"checkpoint_backoff"`
	ReadConns         int           `mapstructure:"read_conns" json:"read_conns"`
}

// AuthConfig enables bearer token auth on the HTTP API when Secret is set.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret" json:"-"`
	TokenTTL time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
}

// EventsConfig enables publishing of applied writes when Brokers is set.
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		NodeID:       hostname,
		DataDir:      "./data",
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		RaftAddr:     ":10000",
		LogLevel:     "info",
		ApplyTimeout: 10 * time.Second,
		ReadTimeout:  5 * time.Second,
		Raft: RaftConfig{
			HeartbeatTimeout:   1000 * time.Millisecond,
			ElectionTimeout:    1000 * time.Millisecond,
			LeaderLeaseTimeout: 500 * time.Millisecond,
			CommitTimeout:      50 * time.Millisecond,
			SnapshotInterval:   120 * time.Second,
			SnapshotThreshold:  8192,
			TrailingLogs:       10240,
			MaxAppendEntries:   64,
			TransportPool:      3,
			TransportTimeout:   10 * time.Second,
		},
		SQLite: SQLiteConfig{
			BusyTimeout:       5 * time.Second,
			CheckpointBackoff: 100 * time.Millisecond,
			ReadConns:         8,
		},
		Auth:   AuthConfig{TokenTTL: 24 * time.Hour},
		Events: EventsConfig{Topic: "sqlcluster.applied"},
	}
}

// setDefaults registers every key so environment overrides are seen by
// Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("grpc_addr", cfg.GRPCAddr)
	v.SetDefault("raft_addr", cfg.RaftAddr)
	v.SetDefault("raft_advertise", cfg.RaftAdvertise)
	v.SetDefault("api_advertise", cfg.APIAdvertise)
	v.SetDefault("bootstrap", cfg.Bootstrap)
	v.SetDefault("join", cfg.Join)
	v.SetDefault("members", cfg.Members)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("apply_timeout", cfg.ApplyTimeout)
	v.SetDefault("read_timeout", cfg.ReadTimeout)

	v.SetDefault("raft.heartbeat_timeout", cfg.Raft.HeartbeatTimeout)
	v.SetDefault("raft.election_timeout", cfg.Raft.ElectionTimeout)
	v.SetDefault("raft.leader_lease_timeout", cfg.Raft.LeaderLeaseTimeout)
	v.SetDefault("raft.commit_timeout", cfg.Raft.CommitTimeout)
	v.SetDefault("raft.snapshot_interval", cfg.Raft.SnapshotInterval)
	v.SetDefault("raft.snapshot_threshold", cfg.Raft.SnapshotThreshold)
	v.SetDefault("raft.trailing_logs", cfg.Raft.TrailingLogs)
	v.SetDefault("raft.max_append_entries", cfg.Raft.MaxAppendEntries)
	v.SetDefault("raft.transport_pool", cfg.Raft.TransportPool)
	v.SetDefault("raft.transport_timeout", cfg.Raft.TransportTimeout)

	v.SetDefault("sqlite.busy_timeout", cfg.SQLite.BusyTimeout)
	v.SetDefault("sqlite.checkpoint_backoff", cfg.SQLite.CheckpointBackoff)
	v.SetDefault("sqlite.read_conns", cfg.SQLite.ReadConns)

	v.SetDefault("snapshot_schedule", cfg.SnapshotSchedule)
	v.SetDefault("auth.secret", cfg.Auth.Secret)
	v.SetDefault("auth.token_ttl", cfg.Auth.TokenTTL)
	v.SetDefault("events.brokers", cfg.Events.Brokers)
	v.SetDefault("events.topic", cfg.Events.Topic)
	v.SetDefault("encryption_key", cfg.EncryptionKey)
}

// Load reads configuration into v from the optional file at path, .env files
// in the working directory and SQLCLUSTER_ environment variables. Flags bound
// to v take precedence over all of them.
func Load(v *viper.Viper, path string) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg := DefaultConfig()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.RaftAddr == "" {
		errs = append(errs, errors.New("raft_addr is required"))
	}
	if c.ApplyTimeout <= 0 || c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("apply_timeout and read_timeout must be positive"))
	}
	if c.Bootstrap && c.Join != "" {
		errs = append(errs, errors.New("bootstrap and join are mutually exclusive"))
	}
	if _, err := c.ParseMembers(); err != nil {
		errs = append(errs, err)
	}
	if c.SnapshotSchedule != "" {
		if _, err := cron.ParseStandard(c.SnapshotSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid snapshot_schedule: %w", err))
		}
	}
	if _, err := store.CipherFromHexKey(c.EncryptionKey); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseMembers parses Members entries of the form id=raft_addr@api_addr.
func (c *Config) ParseMembers() ([]message.NodeInfo, error) {
	out := make([]message.NodeInfo, 0, len(c.Members))
	for _, m := range c.Members {
		id, rest, ok := strings.Cut(strings.TrimSpace(m), "=")
		if !ok || id == "" || rest == "" {
			return nil, fmt.Errorf("invalid member %q (expected id=raft_addr@api_addr)", m)
		}
		raftAddr, apiAddr, _ := strings.Cut(rest, "@")
		out = append(out, message.NodeInfo{ID: id, RaftAddr: raftAddr, APIAddr: apiAddr})
	}
	return out, nil
}

// AdvertisedRaftAddr is the raft address other nodes dial.
func (c *Config) AdvertisedRaftAddr() string {
	if c.RaftAdvertise != "" {
		return c.RaftAdvertise
	}
	return c.RaftAddr
}

// AdvertisedAPIAddr is the HTTP base URL handed to clients.
func (c *Config) AdvertisedAPIAddr() string {
	addr := c.APIAdvertise
	if addr == "" {
		addr = c.HTTPAddr
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}

// Instance is written to the data directory on first start.
type Instance struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	APIAddr  string `json:"api_addr"`
}

// CheckInstance records the node's identity in data_dir on first start and
// refuses to start a data directory that belongs to another node.
func (c *Config) CheckInstance() (*Instance, error) {
	path := filepath.Join(c.DataDir, "instance.json")
	want := &Instance{NodeID: c.NodeID, RaftAddr: c.AdvertisedRaftAddr(), APIAddr: c.AdvertisedAPIAddr()}

	data, err := os.ReadFile(path)
	if err == nil {
		var have Instance
		if err := json.Unmarshal(data, &have); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if have.NodeID != want.NodeID {
			return nil, fmt.Errorf("data dir %s belongs to node %q, not %q", c.DataDir, have.NodeID, want.NodeID)
		}
		if have == *want {
			return want, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	data, _ = json.MarshalIndent(want, "", "  ")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return want, nil
}

// NewLogger builds a production zap logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
