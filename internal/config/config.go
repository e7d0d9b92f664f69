// Package config assembles runtime settings from the environment (a
// local .env file is honored when present) and the network seed file.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"

	"orcfax-index/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env         string // development | production | test
	DatabaseURL string
	Port        string

	SyncIntervalMin int
	ArchiveWorkers  int
	ChainIndexRPS   int

	DiscordWebhookURL        string
	PrimaryArweaveEndpoint   string
	SecondaryArweaveEndpoint string

	NetworksFile string
}

// Load reads .env (if present) and builds the Config. Missing required
// variables are fatal: the indexer cannot run partially configured.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	env := requireEnv("NODE_ENV")
	if !validNodeEnv(env) {
		log.Fatalf("[config] NODE_ENV must be development, production or test, got %q", env)
	}

	cfg := &Config{
		Env:                      env,
		Port:                     envOr("PORT", "8080"),
		SyncIntervalMin:          envInt("SYNC_INTERVAL_MIN", 10),
		ArchiveWorkers:           envInt("ARCHIVE_WORKERS", 5),
		ChainIndexRPS:            envInt("CHAIN_INDEX_RPS", 20),
		DiscordWebhookURL:        requireEnv("DISCORD_WEBHOOK_URL"),
		PrimaryArweaveEndpoint:   requireEnv("PRIMARY_ARWEAVE_ENDPOINT"),
		SecondaryArweaveEndpoint: requireEnv("SECONDARY_ARWEAVE_ENDPOINT"),
		NetworksFile:             envOr("NETWORKS_FILE", "networks.yaml"),
	}

	host := requireEnv("DB_HOST")
	user := requireEnv("DB_EMAIL")
	pass := requireEnv("DB_PASSWORD")
	name := envOr("DB_NAME", "orcfax_index")
	cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s/%s",
		url.QueryEscape(user), url.QueryEscape(pass), host, name)

	return cfg
}

// validNodeEnv reports whether env is one of the deployment modes the
// alerting layer keys its behavior on.
func validNodeEnv(env string) bool {
	switch env {
	case "development", "production", "test":
		return true
	}
	return false
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required environment variable %s is not set", key)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("[config] %s must be an integer, got %q", key, v)
	}
	return n
}

// networkSeed mirrors one entry of networks.yaml. Chain-index base URLs
// come from the environment, keyed by the upper-cased network name, so
// the seed file can be committed without per-deployment endpoints.
type networkSeed struct {
	Name                 string   `yaml:"name"`
	FactStatementPointer string   `yaml:"fact_statement_pointer"`
	ScriptToken          string   `yaml:"script_token"`
	ActiveFeedsURL       string   `yaml:"active_feeds_url"`
	ZeroTime             int64    `yaml:"zero_time"`
	ZeroSlot             int64    `yaml:"zero_slot"`
	SlotLength           int64    `yaml:"slot_length"`
	IsEnabled            bool     `yaml:"is_enabled"`
	TrackArchives        bool     `yaml:"track_archives"`
	IgnorePolicies       []string `yaml:"ignore_policies"`
}

// LoadNetworkSeeds parses the network seed file into network records
// ready to upsert. A seed without a matching <NAME>_CHAIN_INDEX_BASE_URL
// environment variable is fatal.
func LoadNetworkSeeds(path string) ([]models.Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network seed file: %w", err)
	}

	var doc struct {
		Networks []networkSeed `yaml:"networks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(doc.Networks) == 0 {
		return nil, fmt.Errorf("%s defines no networks", path)
	}

	networks := make([]models.Network, 0, len(doc.Networks))
	for _, seed := range doc.Networks {
		if seed.Name == "" || seed.FactStatementPointer == "" || seed.ScriptToken == "" {
			return nil, fmt.Errorf("network seed missing name, pointer or token: %+v", seed)
		}
		if seed.SlotLength <= 0 {
			return nil, fmt.Errorf("network %s: slot_length must be positive", seed.Name)
		}
		baseURL := requireEnv(envKeyForNetwork(seed.Name))
		networks = append(networks, models.Network{
			Name:                 seed.Name,
			FactStatementPointer: seed.FactStatementPointer,
			ScriptToken:          seed.ScriptToken,
			ChainIndexBaseURL:    baseURL,
			ActiveFeedsURL:       seed.ActiveFeedsURL,
			ZeroTime:             seed.ZeroTime,
			ZeroSlot:             seed.ZeroSlot,
			SlotLength:           seed.SlotLength,
			IsEnabled:            seed.IsEnabled,
			TrackArchives:        seed.TrackArchives,
			IgnorePolicies:       seed.IgnorePolicies,
		})
	}
	return networks, nil
}

func envKeyForNetwork(name string) string {
	upper := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper[i] = c
	}
	return string(upper) + "_CHAIN_INDEX_BASE_URL"
}
