package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Ledger struct {
		Path string
	}
	Download struct {
		DataDir        string
		MaxActiveJobs  int
		ChunkWorkers   int
		FetchTimeout   int // seconds per chunk attempt
		MaxRetries     int
		RetryBackoffMS int
	}
	Resolver struct {
		BaseURL   string
		MasterKey string // base64
		Timeout   int    // seconds
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	_ = godotenv.Load() // optional .env

	v := viper.New()
	v.SetEnvPrefix("TRACKVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/trackvault.db")
	v.SetDefault("ledger.path", "data/downloaded_history.json")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.maxactivejobs", 3)
	v.SetDefault("download.chunkworkers", 8)
	v.SetDefault("download.fetchtimeout", 30)
	v.SetDefault("download.maxretries", 4)
	v.SetDefault("download.retrybackoffms", 1000)
	v.SetDefault("resolver.baseurl", "")
	v.SetDefault("resolver.masterkey", "")
	v.SetDefault("resolver.timeout", 15)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "trackvault")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 720)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// MasterKey decodes the configured base64 master key used to unwrap
// manifest security tokens.
func (c Config) MasterKey() ([]byte, error) {
	if strings.TrimSpace(c.Resolver.MasterKey) == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Resolver.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode resolver master key: %w", err)
	}
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("resolver master key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	return key, nil
}
