// Package config loads engine configuration from .env plus the process
// environment, the way the teacher's original config package does, and
// exposes the tunable defaults named throughout spec §6.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every engine tunable, with the defaults from spec §6.
type Config struct {
	DefaultRelays []string

	ConnectTimeout    time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectJitter   time.Duration
	NegentropyInitial time.Duration

	NegentropyFrameLimit int
	NegUpLowWater        int
	NegUpHighWater       int
	NegDownBatchSize     int
	MessageMaxSize       int
	OutboundQueueCap     int
	EpochLookback        uint64

	MinHealthAttempts int
	MinSuccessRate    float64
	MaxLatency        time.Duration
	MaxTags           int
	WaitForOKTimeout  time.Duration
}

// RelayPresets mirrors the teacher's named relay groups, extended with a
// group of well-known MLS-capable relays for demonstration purposes.
var RelayPresets = map[string][]string{
	"popular": {"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nostr.band"},
	"fast":    {"wss://relay.primal.net", "wss://nostr.mom"},
	"mls":     {"wss://relay.damus.io", "wss://auth.nostr1.com"},
}

// Default returns a Config with every spec §6 default applied.
func Default() *Config {
	return &Config{
		DefaultRelays:        []string{"wss://relay.damus.io", "wss://nos.lol"},
		ConnectTimeout:       60 * time.Second,
		PingInterval:         55 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReconnectBase:        10 * time.Second,
		ReconnectMax:         60 * time.Second,
		ReconnectJitter:      3 * time.Second,
		NegentropyInitial:    10 * time.Second,
		NegentropyFrameLimit: 60_000,
		NegUpLowWater:        4,
		NegUpHighWater:       16,
		NegDownBatchSize:     100,
		MessageMaxSize:       5 * 1024 * 1024,
		OutboundQueueCap:     1024,
		EpochLookback:        5,
		MinHealthAttempts:    20,
		MinSuccessRate:       0.5,
		MaxLatency:           5 * time.Second,
		MaxTags:              2000,
		WaitForOKTimeout:     30 * time.Second,
	}
}

// Load builds a Config from defaults, an optional YAML file, a .env file,
// and then the process environment (highest precedence), mirroring the
// teacher's .env-then-environment layering in internal/config.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := loadYAMLFile(yamlPath, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading %s: %w", yamlPath, err)
		}
	}

	if err := loadEnvFile(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay struct {
		DefaultRelays []string `yaml:"default_relays"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(overlay.DefaultRelays) > 0 {
		cfg.DefaultRelays = overlay.DefaultRelays
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if relays := os.Getenv("QUOIN_RELAYS"); relays != "" {
		cfg.DefaultRelays = parseRelays(relays)
	}
	durationEnv("QUOIN_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	durationEnv("QUOIN_PING_INTERVAL", &cfg.PingInterval)
	durationEnv("QUOIN_WRITE_TIMEOUT", &cfg.WriteTimeout)
	durationEnv("QUOIN_RECONNECT_BASE", &cfg.ReconnectBase)
	durationEnv("QUOIN_RECONNECT_MAX", &cfg.ReconnectMax)
	durationEnv("QUOIN_RECONNECT_JITTER", &cfg.ReconnectJitter)
	intEnv("QUOIN_MESSAGE_MAX_SIZE", &cfg.MessageMaxSize)
	intEnv("QUOIN_OUTBOUND_QUEUE_CAP", &cfg.OutboundQueueCap)
}

func durationEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func intEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func loadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if os.Getenv(key) == "" && value != "" {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func parseRelays(relaysStr string) []string {
	var relays []string
	for _, r := range strings.Split(relaysStr, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			relays = append(relays, r)
		}
	}
	return relays
}
