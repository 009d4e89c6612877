// Package config provides configuration types and loading for missionctl.
package config

import (
	"path/filepath"
	"time"

	"github.com/velvetclaw/missionctl/internal/directory"
	"github.com/velvetclaw/missionctl/internal/ingest"
	"github.com/velvetclaw/missionctl/internal/notify"
	"github.com/velvetclaw/missionctl/internal/search"
	"github.com/velvetclaw/missionctl/internal/store"
	"github.com/velvetclaw/missionctl/internal/usage"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Server, Store, Retention, Directory, Search,
// Usage, Ingest, Notify.
type Config struct {
	Paths     PathsConfig        `json:"paths"`
	Server    ServerConfig       `json:"server"`
	Store     store.Config       `json:"store"`
	Retention RetentionConfig    `json:"retention"`
	Directory directory.Config   `json:"directory"`
	Search    search.Config      `json:"search"`
	Usage     usage.Config       `json:"usage"`
	Ingest    ingest.KafkaConfig `json:"ingest"`
	Notify    notify.SlackConfig `json:"notify"`
}

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// DBPath returns the SQLite database location under the data directory.
func (p PathsConfig) DBPath() string {
	return filepath.Join(p.DataDir, "missionctl.db")
}

// ServerConfig configures the read-only query API.
type ServerConfig struct {
	Host string `json:"host" envconfig:"HOST"`
	Port int    `json:"port" envconfig:"PORT"`
}

// RetentionConfig controls compaction of raw events into daily summaries.
type RetentionConfig struct {
	// Horizon is how long raw events are kept before the compaction sweep
	// folds them into daily summaries. Zero disables compaction.
	Horizon time.Duration `json:"horizon" envconfig:"HORIZON"`
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.missionctl",
		},
		Server: ServerConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18890,
		},
		Store: store.Config{
			ClockSkewTolerance: 2 * time.Minute,
		},
		Retention: RetentionConfig{
			Horizon:       90 * 24 * time.Hour,
			SweepInterval: 6 * time.Hour,
		},
		Directory: directory.Config{
			OnlineThreshold: 5 * time.Minute,
		},
		Search: search.Config{
			LexicalWeight:   0.5,
			SemanticTimeout: 2 * time.Second,
		},
		Usage: usage.Config{},
		Ingest: ingest.KafkaConfig{
			Brokers:       "localhost:9092",
			Topic:         "missionctl.telemetry",
			ConsumerGroup: "missionctl",
		},
		Notify: notify.SlackConfig{},
	}
}
