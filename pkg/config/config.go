package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Session SessionConfig `mapstructure:"session"`
	Sources SourcesConfig `mapstructure:"sources"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Render  RenderConfig  `mapstructure:"render"`
}

// ServerConfig points at the chat backend
type ServerConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"-"`
	TimeoutStr string        `mapstructure:"timeout"` // For parsing string duration
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// SessionConfig identifies this client to the backend
type SessionConfig struct {
	ID            string `mapstructure:"id"`
	RetrievalTool string `mapstructure:"retrieval_tool"`
}

// SourcesConfig selects where citations come from: inline or endpoint
type SourcesConfig struct {
	Mode string `mapstructure:"mode"`
}

// CacheConfig controls the local transcript cache
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RenderConfig controls terminal output
type RenderConfig struct {
	Style     string `mapstructure:"style"`
	Formatter string `mapstructure:"formatter"`
	ShowTools bool   `mapstructure:"show_tools"`
	Width     int    `mapstructure:"width"`
}

const (
	settingsDir  = ".divechat"
	settingsName = "settings.yaml"
	envPrefix    = "DIVECHAT"
)

var (
	// Global config instance
	cfg *Config
)

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Set replaces the global config instance (tests and embedding callers)
func Set(c *Config) {
	cfg = c
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./" + settingsDir)
		viper.AddConfigPath(filepath.Join(xdgConfigHome, settingsDir))
		viper.SetConfigType("yaml")
		viper.SetConfigName(settingsName)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvironmentVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine, a broken one is not
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(loaded); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}
	if err := validate(loaded); err != nil {
		return nil, err
	}

	ensureSessionID(loaded)

	cfg = loaded
	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("server.url", "http://localhost:4321")
	viper.SetDefault("server.timeout", "0s")

	viper.SetDefault("logging.log_file", "./"+settingsDir+"/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("session.id", "")
	viper.SetDefault("session.retrieval_tool", "query")

	viper.SetDefault("sources.mode", "inline")

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.path", "./"+settingsDir+"/transcripts.db")

	viper.SetDefault("render.style", "monokai")
	viper.SetDefault("render.formatter", "terminal16m")
	viper.SetDefault("render.show_tools", true)
	viper.SetDefault("render.width", 100)
}

// bindEnvironmentVariables binds the DIVECHAT_ variables that do not follow
// the key replacer naming
func bindEnvironmentVariables() {
	viper.BindEnv("server.url", "DIVECHAT_SERVER_URL", "DIVE_HOST")
	viper.BindEnv("logging.level", "DIVECHAT_LOG_LEVEL")
	viper.BindEnv("logging.log_file", "DIVECHAT_LOG_FILE")
	viper.BindEnv("sources.mode", "DIVECHAT_SOURCES_MODE")
	viper.BindEnv("cache.enabled", "DIVECHAT_CACHE_ENABLED")
}

// processDurations converts string durations to time.Duration
func processDurations(c *Config) error {
	if c.Server.TimeoutStr != "" {
		d, err := time.ParseDuration(c.Server.TimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid server.timeout: %w", err)
		}
		c.Server.Timeout = d
	}
	return nil
}

func validate(c *Config) error {
	switch c.Sources.Mode {
	case "inline", "endpoint":
	default:
		return fmt.Errorf("invalid sources.mode %q: want inline or endpoint", c.Sources.Mode)
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url must not be empty")
	}
	return nil
}

// ensureSessionID generates the persistent client session id on first run
// and writes it back when a settings file is in use
func ensureSessionID(c *Config) {
	if c.Session.ID != "" {
		return
	}
	c.Session.ID = uuid.NewString()
	viper.Set("session.id", c.Session.ID)
	if viper.ConfigFileUsed() != "" {
		_ = viper.WriteConfig()
	}
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// InitializeDefaults writes a default settings file under ./.divechat if
// none exists yet
func InitializeDefaults() (string, error) {
	path := filepath.Join(settingsDir, settingsName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(settingsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", settingsDir, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("server.url", viper.GetString("server.url"))
	v.Set("server.timeout", viper.GetString("server.timeout"))
	v.Set("logging.log_file", viper.GetString("logging.log_file"))
	v.Set("logging.preserve", viper.GetBool("logging.preserve"))
	v.Set("logging.level", viper.GetString("logging.level"))
	v.Set("session.id", uuid.NewString())
	v.Set("session.retrieval_tool", viper.GetString("session.retrieval_tool"))
	v.Set("sources.mode", viper.GetString("sources.mode"))
	v.Set("cache.enabled", viper.GetBool("cache.enabled"))
	v.Set("cache.path", viper.GetString("cache.path"))
	v.Set("render.style", viper.GetString("render.style"))
	v.Set("render.show_tools", viper.GetBool("render.show_tools"))

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write settings file: %w", err)
	}
	return path, nil
}
