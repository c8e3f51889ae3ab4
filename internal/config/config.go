package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete chorus configuration
type Config struct {
	Identity  Identity  `yaml:"identity"`
	Backend   Backend   `yaml:"backend"`
	Relays    Relays    `yaml:"relays"`
	Sync      Sync      `yaml:"sync"`
	Mutations Mutations `yaml:"mutations"`
	Media     Media     `yaml:"media"`
	Storage   Storage   `yaml:"storage"`
	Logging   Logging   `yaml:"logging"`
}

// Identity contains the local user's identity
type Identity struct {
	Npub string `yaml:"npub"`
}

// Backend contains the snapshot/mutation API settings
type Backend struct {
	BaseURL   string `yaml:"base_url"`
	AuthToken string `yaml:"-"` // CHORUS_AUTH_TOKEN only
	TimeoutMs int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent"`
}

// Relays contains push channel relay configuration
type Relays struct {
	Seeds         []string    `yaml:"seeds"`
	BackendPubkey string      `yaml:"backend_pubkey"` // hex; only events signed by this key are accepted
	Policy        RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs  int `yaml:"connect_timeout_ms"`
	ReconnectMinMs    int `yaml:"reconnect_min_ms"`
	ReconnectMaxMs    int `yaml:"reconnect_max_ms"`
	MaxConcurrentSubs int `yaml:"max_concurrent_subs"`
}

// Sync contains event ingestion and resync settings
type Sync struct {
	Topics                []string `yaml:"topics"`
	QueueSize             int      `yaml:"queue_size"`
	DedupeCacheSize       int      `yaml:"dedupe_cache_size"`
	BadgeReconcileSeconds int      `yaml:"badge_reconcile_seconds"` // 0 = disabled
	StoryPruneSeconds     int      `yaml:"story_prune_seconds"`
	MembershipDebounceMs  int      `yaml:"membership_debounce_ms"`
	FeedPageSize          int      `yaml:"feed_page_size"`
}

// Mutations contains optimistic mutation retry policy
type Mutations struct {
	MaxRetries       int  `yaml:"max_retries"`
	InitialBackoffMs int  `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int  `yaml:"max_backoff_ms"`
	EchoWindowMs     int  `yaml:"echo_window_ms"`
	RetryValidations bool `yaml:"retry_validations"`
}

// Media contains playback settings
type Media struct {
	LoadTimeoutMs int `yaml:"load_timeout_ms"`
}

// Storage contains local store settings
type Storage struct {
	Driver          string `yaml:"driver"` // sqlite|memory
	SQLitePath      string `yaml:"sqlite_path"`
	JournalKeepDays int    `yaml:"journal_keep_days"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

var (
	validStorageDrivers = map[string]bool{
		"sqlite": true,
		"memory": true,
	}
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	validTopics = map[string]bool{
		"messages":             true,
		"message_reads":        true,
		"conversation_members": true,
		"stories":              true,
		"story_views":          true,
		"likes":                true,
		"validations":          true,
		"posts":                true,
		"comments":             true,
	}
)

// Timeout returns the backend request timeout
func (b *Backend) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the relay connect timeout
func (p *RelayPolicy) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// InitialBackoff returns the first retry delay for transient failures
func (m *Mutations) InitialBackoff() time.Duration {
	return time.Duration(m.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay ceiling
func (m *Mutations) MaxBackoff() time.Duration {
	return time.Duration(m.MaxBackoffMs) * time.Millisecond
}

// EchoWindow returns how long a confirmed mutation still claims its server echo
func (m *Mutations) EchoWindow() time.Duration {
	return time.Duration(m.EchoWindowMs) * time.Millisecond
}

// UserID decodes the identity npub into the hex pubkey used as the local user id
func (i *Identity) UserID() (string, error) {
	prefix, value, err := nip19.Decode(i.Npub)
	if err != nil {
		return "", fmt.Errorf("failed to decode npub: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("identity.npub has prefix %q, want npub", prefix)
	}
	return value.(string), nil
}

// applyDefaults fills zero values from Default()
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Backend.TimeoutMs == 0 {
		cfg.Backend.TimeoutMs = defaults.Backend.TimeoutMs
	}
	if cfg.Backend.UserAgent == "" {
		cfg.Backend.UserAgent = defaults.Backend.UserAgent
	}

	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.ReconnectMinMs == 0 {
		cfg.Relays.Policy.ReconnectMinMs = defaults.Relays.Policy.ReconnectMinMs
	}
	if cfg.Relays.Policy.ReconnectMaxMs == 0 {
		cfg.Relays.Policy.ReconnectMaxMs = defaults.Relays.Policy.ReconnectMaxMs
	}
	if cfg.Relays.Policy.MaxConcurrentSubs == 0 {
		cfg.Relays.Policy.MaxConcurrentSubs = defaults.Relays.Policy.MaxConcurrentSubs
	}

	if len(cfg.Sync.Topics) == 0 {
		cfg.Sync.Topics = defaults.Sync.Topics
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = defaults.Sync.QueueSize
	}
	if cfg.Sync.DedupeCacheSize == 0 {
		cfg.Sync.DedupeCacheSize = defaults.Sync.DedupeCacheSize
	}
	if cfg.Sync.StoryPruneSeconds == 0 {
		cfg.Sync.StoryPruneSeconds = defaults.Sync.StoryPruneSeconds
	}
	if cfg.Sync.FeedPageSize == 0 {
		cfg.Sync.FeedPageSize = defaults.Sync.FeedPageSize
	}

	if cfg.Mutations.InitialBackoffMs == 0 {
		cfg.Mutations.InitialBackoffMs = defaults.Mutations.InitialBackoffMs
	}
	if cfg.Mutations.MaxBackoffMs == 0 {
		cfg.Mutations.MaxBackoffMs = defaults.Mutations.MaxBackoffMs
	}
	if cfg.Mutations.EchoWindowMs == 0 {
		cfg.Mutations.EchoWindowMs = defaults.Mutations.EchoWindowMs
	}

	if cfg.Media.LoadTimeoutMs == 0 {
		cfg.Media.LoadTimeoutMs = defaults.Media.LoadTimeoutMs
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.JournalKeepDays == 0 {
		cfg.Storage.JournalKeepDays = defaults.Storage.JournalKeepDays
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and env overrides, and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if token := os.Getenv("CHORUS_AUTH_TOKEN"); token != "" {
		cfg.Backend.AuthToken = token
	}
	if url := os.Getenv("CHORUS_BACKEND_URL"); url != "" {
		cfg.Backend.BaseURL = url
	}
	if level := os.Getenv("CHORUS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Backend: Backend{
			TimeoutMs: 10000,
			UserAgent: "chorus/1.0",
		},
		Relays: Relays{
			Seeds: []string{},
			Policy: RelayPolicy{
				ConnectTimeoutMs:  5000,
				ReconnectMinMs:    500,
				ReconnectMaxMs:    30000,
				MaxConcurrentSubs: 16,
			},
		},
		Sync: Sync{
			Topics: []string{
				"messages",
				"message_reads",
				"conversation_members",
				"stories",
				"story_views",
				"likes",
				"validations",
				"posts",
				"comments",
			},
			QueueSize:             1024,
			DedupeCacheSize:       5000,
			BadgeReconcileSeconds: 300,
			StoryPruneSeconds:     60,
			MembershipDebounceMs:  750,
			FeedPageSize:          20,
		},
		Mutations: Mutations{
			MaxRetries:       3,
			InitialBackoffMs: 250,
			MaxBackoffMs:     4000,
			EchoWindowMs:     30000,
			RetryValidations: false,
		},
		Media: Media{
			LoadTimeoutMs: 15000,
		},
		Storage: Storage{
			Driver:          "sqlite",
			SQLitePath:      "./data/chorus.db",
			JournalKeepDays: 7,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for errors
func Validate(cfg *Config) error {
	if cfg.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if !strings.HasPrefix(cfg.Backend.BaseURL, "https://") && !strings.HasPrefix(cfg.Backend.BaseURL, "http://") {
		return fmt.Errorf("backend.base_url must start with http:// or https://")
	}

	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}
	if len(cfg.Relays.BackendPubkey) != 64 {
		return fmt.Errorf("relays.backend_pubkey must be a 64 character hex pubkey")
	}
	if cfg.Relays.Policy.ReconnectMinMs > cfg.Relays.Policy.ReconnectMaxMs {
		return fmt.Errorf("relays.policy.reconnect_min_ms must not exceed reconnect_max_ms")
	}

	for _, topic := range cfg.Sync.Topics {
		if !validTopics[topic] {
			return fmt.Errorf("invalid sync topic: %s", topic)
		}
	}
	if limit := cfg.Relays.Policy.MaxConcurrentSubs; limit < 0 {
		return fmt.Errorf("relays.policy.max_concurrent_subs must not be negative")
	} else if limit > 0 && len(cfg.Sync.Topics) > limit {
		return fmt.Errorf("sync.topics lists %d topics but relays.policy.max_concurrent_subs is %d", len(cfg.Sync.Topics), limit)
	}
	if cfg.Sync.DedupeCacheSize < 1 {
		return fmt.Errorf("sync.dedupe_cache_size must be positive")
	}
	if cfg.Sync.BadgeReconcileSeconds < 0 {
		return fmt.Errorf("sync.badge_reconcile_seconds must not be negative")
	}

	if cfg.Mutations.MaxRetries < 0 || cfg.Mutations.MaxRetries > 10 {
		return fmt.Errorf("mutations.max_retries must be between 0 and 10")
	}
	if cfg.Mutations.InitialBackoffMs > cfg.Mutations.MaxBackoffMs {
		return fmt.Errorf("mutations.initial_backoff_ms must not exceed max_backoff_ms")
	}

	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite, memory)", cfg.Storage.Driver)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}

	return nil
}
