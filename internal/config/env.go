package config

import (
	"fmt"
	"strconv"
	"strings"
)

const envPrefix = "CONFLUENCE_"

// applyEnv overrides cfg from the environment. CONFLUENCE_PEERS is a comma
// separated list of id=endpoint pairs and replaces the configured peers.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	str("LISTEN", &cfg.Listen)
	str("ADVERTISE", &cfg.Advertise)
	str("KEY_FILE", &cfg.KeyFile)
	str("DB", &cfg.Storage.Path)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("CAPABILITY_URL", &cfg.Capability.RemoteURL)
	str("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	str("OPENAI_API_KEY", &cfg.Embedding.APIKey)

	if v, ok := lookup(envPrefix + "FANOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sFANOUT: %w", envPrefix, err)
		}
		cfg.Sync.Fanout = n
	}
	if v, ok := lookup(envPrefix + "QUORUM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sQUORUM: %w", envPrefix, err)
		}
		cfg.Sync.Quorum = n
	}
	if v, ok := lookup(envPrefix + "STREAMING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sSTREAMING: %w", envPrefix, err)
		}
		cfg.Sync.Streaming = b
	}
	if v, ok := lookup(envPrefix + "PEERS"); ok {
		peers, err := parsePeers(v)
		if err != nil {
			return err
		}
		cfg.Peers = peers
	}
	return nil
}

func parsePeers(v string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, endpoint, ok := strings.Cut(item, "=")
		if !ok || id == "" || endpoint == "" {
			return nil, fmt.Errorf("config: %sPEERS entry %q is not id=endpoint", envPrefix, item)
		}
		peers = append(peers, PeerConfig{ID: id, Endpoint: endpoint})
	}
	return peers, nil
}
