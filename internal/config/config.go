package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SEALED"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "sealed.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 60
	defaultMaxCiphertextLen = 10000
	defaultSendQueueSize    = 32
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress      string
	SigningSecret    string
	DatabasePath     string
	LogLevel         string
	TokenTTL         time.Duration
	MaxCiphertextLen int
	SendQueueSize    int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("chat.max_ciphertext_len", defaultMaxCiphertextLen)
	configViper.SetDefault("chat.send_queue_size", defaultSendQueueSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxCiphertextLen: configViper.GetInt("chat.max_ciphertext_len"),
		SendQueueSize:    configViper.GetInt("chat.send_queue_size"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.MaxCiphertextLen <= 0 {
		return fmt.Errorf("chat.max_ciphertext_len must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("chat.send_queue_size must be positive")
	}
	return nil
}
