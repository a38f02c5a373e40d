package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NIMBUS"
	defaultHTTPAddress       = "0.0.0.0:8000"
	defaultDatabasePath      = "nimbus.db"
	defaultMaxConnections    = 4
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "nimbus-token-server"
	defaultBatchLifetimeSecs = 7200
)

// AppConfig captures runtime configuration for the storage service.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	MaxConnections       int
	LogLevel             string
	AuthSigningSecret    string
	AuthIssuer           string
	BatchLifetimeSeconds int64
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.max_connections", defaultMaxConnections)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("batch.lifetime_seconds", defaultBatchLifetimeSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		MaxConnections:       configViper.GetInt("database.max_connections"),
		LogLevel:             configViper.GetString("log.level"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		BatchLifetimeSeconds: configViper.GetInt64("batch.lifetime_seconds"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("database.max_connections must be positive")
	}
	if c.BatchLifetimeSeconds <= 0 {
		return fmt.Errorf("batch.lifetime_seconds must be positive")
	}
	return nil
}
