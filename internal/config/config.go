package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "REPAIRDESK"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "repairdesk.db"
	defaultLogLevel            = "info"
	defaultAuthIssuer          = "repairdesk-auth"
	defaultAuthAudience        = "repairdesk-api"
	defaultTokenTTLMinutes     = 60
	defaultCasesVisibility     = "owner_and_public"
	defaultCacheTTLSeconds     = 5
	defaultCacheCapacity       = 1024
	defaultSyncServerURL       = "http://127.0.0.1:8080"
	defaultSyncCachePath       = "repairdesk-cache.db"
	defaultSyncDebounceMillis  = 3000
	defaultSyncSettleMillis    = 1000
	defaultHealthIntervalSecs  = 15
	defaultPartitionByIdentity = true
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	CaseVisibility string
	CacheTTL       time.Duration
	CacheCapacity  uint64
}

// SyncConfig captures runtime configuration for the headless sync client.
type SyncConfig struct {
	ServerURL           string
	Identity            string
	Token               string
	CachePath           string
	PartitionByIdentity bool
	DebounceThreshold   time.Duration
	SettleDelay         time.Duration
	WriteThroughStatus  bool
	HealthInterval      time.Duration
	LogLevel            string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cases.visibility", defaultCasesVisibility)
	configViper.SetDefault("cases.cache_ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("cases.cache_capacity", defaultCacheCapacity)

	configViper.SetDefault("sync.server_url", defaultSyncServerURL)
	configViper.SetDefault("sync.cache_path", defaultSyncCachePath)
	configViper.SetDefault("sync.partition_by_identity", defaultPartitionByIdentity)
	configViper.SetDefault("sync.debounce_ms", defaultSyncDebounceMillis)
	configViper.SetDefault("sync.settle_delay_ms", defaultSyncSettleMillis)
	configViper.SetDefault("sync.write_through_status", false)
	configViper.SetDefault("sync.health_interval_seconds", defaultHealthIntervalSecs)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: configViper.GetString("database.driver"),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		CaseVisibility: configViper.GetString("cases.visibility"),
		CacheTTL:       time.Duration(configViper.GetInt("cases.cache_ttl_seconds")) * time.Second,
		CacheCapacity:  configViper.GetUint64("cases.cache_capacity"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.DatabaseDriver)) {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// LoadSync parses sync client configuration from viper.
func LoadSync(configViper *viper.Viper) (SyncConfig, error) {
	cfg := SyncConfig{
		ServerURL:           strings.TrimRight(configViper.GetString("sync.server_url"), "/"),
		Identity:            strings.TrimSpace(configViper.GetString("sync.identity")),
		Token:               strings.TrimSpace(configViper.GetString("sync.token")),
		CachePath:           configViper.GetString("sync.cache_path"),
		PartitionByIdentity: configViper.GetBool("sync.partition_by_identity"),
		DebounceThreshold:   time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		SettleDelay:         time.Duration(configViper.GetInt("sync.settle_delay_ms")) * time.Millisecond,
		WriteThroughStatus:  configViper.GetBool("sync.write_through_status"),
		HealthInterval:      time.Duration(configViper.GetInt("sync.health_interval_seconds")) * time.Second,
		LogLevel:            configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return SyncConfig{}, err
	}

	return cfg, nil
}

func (c SyncConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("sync.server_url must be an absolute url, got %q", c.ServerURL)
	}
	if c.Identity == "" {
		return fmt.Errorf("sync.identity is required")
	}
	if c.Token == "" {
		return fmt.Errorf("sync.token is required")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("sync.cache_path is required")
	}
	if c.DebounceThreshold <= 0 || c.SettleDelay <= 0 {
		return fmt.Errorf("sync.debounce_ms and sync.settle_delay_ms must be positive")
	}
	return nil
}
