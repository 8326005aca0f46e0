// Package config loads the settings of one instance: a YAML file over the
// defaults, then CONFLUENCE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/registry"
	"github.com/ssd-technologies/confluence/internal/syncer"
)

// ErrInvalid is matched by a *ValidationError.
var ErrInvalid = errors.New("config: invalid")

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Config is the complete configuration of one instance.
type Config struct {
	// Listen is the address the HTTP server binds. It serves the peer
	// transport and the capability service.
	Listen string `yaml:"listen"`
	// Advertise is the websocket endpoint given to peers. Derived from
	// Listen when empty.
	Advertise string `yaml:"advertise"`
	// MessageSkew bounds how far a peer message timestamp may differ from
	// the local clock. Zero uses the transport default; negative disables
	// the check and replay protection with it.
	MessageSkew time.Duration    `yaml:"message_skew"`
	KeyFile     string           `yaml:"key_file"`
	Storage     StorageConfig    `yaml:"storage"`
	Log         LogConfig        `yaml:"log"`
	Merge       merge.Config     `yaml:"merge"`
	Sync        syncer.Config    `yaml:"sync"`
	Registry    registry.Config  `yaml:"registry"`
	Capability  CapabilityConfig `yaml:"capability"`
	Embedding   EmbeddingConfig  `yaml:"embedding"`
	Peers       []PeerConfig     `yaml:"peers"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CapabilityConfig selects where hash, sign and aggregate run.
type CapabilityConfig struct {
	Deployment capability.DeploymentContext `yaml:"deployment"`
	// RemoteURL is the base URL of a shared capability service. Empty
	// disables the networked source.
	RemoteURL   string        `yaml:"remote_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Serve exposes the embedded service to other instances.
	Serve bool `yaml:"serve"`
	// RequireSigned limits the served service to known peers whose calls
	// carry a valid instance signature.
	RequireSigned bool `yaml:"require_signed"`
	MemoEntries   int  `yaml:"memo_entries"`
	MaxInFlight   int  `yaml:"max_in_flight"`
}

// EmbeddingConfig selects the embedding provider behind the ANN stage.
type EmbeddingConfig struct {
	// Provider is "hashing", "openai" or "none".
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	LSHTables  int           `yaml:"lsh_tables"`
	LSHBits    int           `yaml:"lsh_bits"`
	LSHSeed    int64         `yaml:"lsh_seed"`
}

// PeerConfig is a seed peer. PublicKey is hex; when empty the key is learnt
// from the peer's first signed message.
type PeerConfig struct {
	ID        string `yaml:"id"`
	Endpoint  string `yaml:"endpoint"`
	PublicKey string `yaml:"public_key"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:   "127.0.0.1:7420",
		KeyFile:  "confluence.key",
		Storage:  StorageConfig{Path: "confluence.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Merge:    merge.DefaultConfig(),
		Sync:     syncer.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Capability: CapabilityConfig{
			CallTimeout: 2 * time.Second,
			Serve:       true,
			MemoEntries: 4096,
			MaxInFlight: 64,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hashing",
			Dimensions: 256,
			Timeout:    2 * time.Second,
			LSHTables:  8,
			LSHBits:    12,
			LSHSeed:    1,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so a misspelt setting is not silently ignored.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Endpoint returns the websocket endpoint advertised to peers.
func (c Config) Endpoint() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return "ws://" + c.Listen + "/ws"
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	add := func(err error) {
		if err == nil {
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				problems = append(problems, e.Error())
			}
			return
		}
		problems = append(problems, err.Error())
	}

	if c.Listen == "" {
		problems = append(problems, "listen address is required")
	}
	if c.KeyFile == "" {
		problems = append(problems, "key_file is required")
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	add(c.Merge.Validate())
	add(c.Sync.Validate())
	if c.Registry.MinHealth < 0 || c.Registry.MinHealth > 1 {
		problems = append(problems, fmt.Sprintf("registry.min_health must be in [0,1], got %v", c.Registry.MinHealth))
	}
	if c.Capability.CallTimeout < 0 {
		problems = append(problems, "capability.call_timeout must be >= 0")
	}
	switch c.Embedding.Provider {
	case "none":
	case "hashing", "openai":
		if c.Embedding.Dimensions <= 0 {
			problems = append(problems, fmt.Sprintf("embedding.dimensions must be > 0, got %d", c.Embedding.Dimensions))
		}
	default:
		problems = append(problems, fmt.Sprintf("embedding.provider %q is not hashing, openai or none", c.Embedding.Provider))
	}
	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if p.ID == "" || p.Endpoint == "" {
			problems = append(problems, fmt.Sprintf("peers[%d] needs id and endpoint", i))
		}
		if seen[p.ID] {
			problems = append(problems, fmt.Sprintf("peers[%d]: duplicate id %s", i, p.ID))
		}
		seen[p.ID] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
