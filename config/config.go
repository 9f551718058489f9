// Package config loads the cluster description shared by every servent.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	servent "go-servent"
	"go-servent/wire"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	KeyServentCount = "servent_count"
	KeyChordSize    = "chord_size"
	KeySeedIndex    = "bs.port"
	KeyWorkingDir   = "working_dir"
	KeyDatabaseURL  = "database_url"
	KeyClusterID    = "cluster_id"

	defaultHost = "localhost"
)

// Servent is one configured cluster member.
type Servent struct {
	Host string
	Port int
}

// Config describes the fixed cluster: ring size, members and where they keep files.
type Config struct {
	ServentCount int
	ChordSize    int
	SeedIndex    int
	Servents     []Servent
	WorkingDir   string
	DatabaseURL  string
	ClusterID    string
}

// NewViper returns a viper instance reading a properties file at path with
// SERVENT_ environment overrides.
func NewViper(path string) *viper.Viper {
	var v = viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	v.SetEnvPrefix("SERVENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyChordSize, 64)
	v.SetDefault(KeySeedIndex, 0)
	v.SetDefault(KeyWorkingDir, "files")
	v.SetDefault(KeyClusterID, "servents")
	return v
}

// Load reads and parses the properties file at path.
func Load(path string) (*Config, error) {
	var v = NewViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return FromViper(v), nil
}

// FromViper builds a Config from already loaded settings.
func FromViper(v *viper.Viper) *Config {
	var cfg = &Config{
		ServentCount: v.GetInt(KeyServentCount),
		ChordSize:    v.GetInt(KeyChordSize),
		SeedIndex:    v.GetInt(KeySeedIndex),
		WorkingDir:   strings.TrimSpace(v.GetString(KeyWorkingDir)),
		DatabaseURL:  strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		ClusterID:    strings.TrimSpace(v.GetString(KeyClusterID)),
	}

	for i := range max(cfg.ServentCount, 0) {
		var host = strings.TrimSpace(v.GetString(fmt.Sprintf("servent%d.host", i)))
		if host == "" {
			host = defaultHost
		}
		cfg.Servents = append(cfg.Servents, Servent{
			Host: host,
			Port: v.GetInt(fmt.Sprintf("servent%d.port", i)),
		})
	}

	return cfg
}

// Validate checks the cluster description and that index names one of its servents.
func (c *Config) Validate(index int) error {
	if err := servent.ValidateRingSize(c.ChordSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ServentCount < 1 {
		return fmt.Errorf("%w: %s must be at least 1", ErrInvalidConfig, KeyServentCount)
	}
	if c.ServentCount > c.ChordSize {
		return fmt.Errorf("%w: %d servents cannot fit a ring of size %d", ErrInvalidConfig, c.ServentCount, c.ChordSize)
	}
	if index < 0 || index >= c.ServentCount {
		return fmt.Errorf("%w: servent index %d out of range [0, %d)", ErrInvalidConfig, index, c.ServentCount)
	}
	if c.SeedIndex < 0 || c.SeedIndex >= c.ServentCount {
		return fmt.Errorf("%w: seed index %d out of range [0, %d)", ErrInvalidConfig, c.SeedIndex, c.ServentCount)
	}

	for i, s := range c.Servents {
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("%w: servent%d.port %d missing or out of range", ErrInvalidConfig, i, s.Port)
		}
	}

	return nil
}

// Node returns the identity of servent i.
func (c *Config) Node(i int) wire.NodeInfo {
	return wire.NewNodeInfo(c.Servents[i].Host, c.Servents[i].Port, c.ChordSize)
}

// Peers returns every servent's identity, indexed by servent index.
func (c *Config) Peers() []wire.NodeInfo {
	var peers = make([]wire.NodeInfo, len(c.Servents))
	for i := range c.Servents {
		peers[i] = c.Node(i)
	}
	return peers
}

// Seed returns the servent the static rendezvous points joiners at.
func (c *Config) Seed() wire.NodeInfo {
	return c.Node(c.SeedIndex)
}

// NodeDir returns the working directory of servent i.
func (c *Config) NodeDir(i int) string {
	return filepath.Join(c.WorkingDir, fmt.Sprintf("servent%d", i))
}
