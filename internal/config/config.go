package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "NOTEPAD"
	defaultStoreDriver   = DriverSQLite
	defaultStorePath     = "notepad.db"
	defaultNamespace     = "notes:"
	defaultPollInterval  = 5 * time.Second
	defaultAutosaveDelay = 750 * time.Millisecond
	defaultWatchDebounce = 100 * time.Millisecond
	defaultHTTPAddress   = "127.0.0.1:8080"
	defaultLogLevel      = "info"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// AppConfig captures runtime configuration for the notepad commands.
type AppConfig struct {
	StoreDriver   string
	StorePath     string
	Namespace     string
	PollInterval  time.Duration
	AutosaveDelay time.Duration
	WatchDebounce time.Duration
	HTTPAddress   string
	LogLevel      string
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

	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.namespace", defaultNamespace)
	configViper.SetDefault("store.watch_debounce", defaultWatchDebounce)
	configViper.SetDefault("sync.poll_interval", defaultPollInterval)
	configViper.SetDefault("autosave.delay", defaultAutosaveDelay)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		StoreDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StorePath:     strings.TrimSpace(configViper.GetString("store.path")),
		Namespace:     configViper.GetString("store.namespace"),
		PollInterval:  configViper.GetDuration("sync.poll_interval"),
		AutosaveDelay: configViper.GetDuration("autosave.delay"),
		WatchDebounce: configViper.GetDuration("store.watch_debounce"),
		HTTPAddress:   strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *AppConfig) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StoreDriver, validation.Required, validation.In(DriverSQLite, DriverMemory)),
		validation.Field(&c.StorePath, validation.When(c.StoreDriver == DriverSQLite, validation.Required)),
		validation.Field(&c.Namespace, validation.Required),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.AutosaveDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.WatchDebounce, validation.Min(time.Duration(0))),
		validation.Field(&c.HTTPAddress, validation.Required),
		validation.Field(&c.LogLevel, validation.In("", "debug", "info", "warn", "warning", "error")),
	)
}
