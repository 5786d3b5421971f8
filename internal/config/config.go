package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/yegors/windburglr/internal/timefmt"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Storage   StorageConfig   `toml:"storage"`   // Data persistence settings
	Scraper   ScraperConfig   `toml:"scraper"`   // Poll loop defaults and backoff policy
	Relay     RelayConfig     `toml:"relay"`     // Change log tailing settings
	Broadcast BroadcastConfig `toml:"broadcast"` // Live fan-out settings
	Cache     CacheConfig     `toml:"cache"`     // In-memory wind data cache
	Watchdog  WatchdogConfig  `toml:"watchdog"`  // Scraper suspension detection
	MQTT      MQTTConfig      `toml:"mqtt"`      // Optional MQTT bridge
	Stations  []StationConfig `toml:"stations"`  // Wind stations to poll
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the server
	Host             string `toml:"host"`                  // Host address to bind to (0.0.0.0 for all interfaces)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	StaticFilesDir   string `toml:"static_files_dir"`      // Directory with the web UI (empty = disabled)
	DefaultStation   string `toml:"default_station"`       // Station used when /api/wind has no stn parameter
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Driver          string `toml:"driver"`                // "sqlite" or "postgres"
	SQLitePath      string `toml:"sqlite_path"`           // Database file for the sqlite driver
	PostgresURL     string `toml:"postgres_url"`          // Connection string for the postgres driver (DATABASE_URL overrides)
	PostgresMaxConn int    `toml:"postgres_max_conns"`    // Pool size for the postgres driver
	QueryTimeoutSec int    `toml:"query_timeout_seconds"` // Timeout applied to backfill queries
}

// ScraperConfig holds poll loop defaults shared by all stations
type ScraperConfig struct {
	PollIntervalSecs    int `toml:"poll_interval_seconds"`    // Default refresh rate when a station does not set one
	BaseBackoffSecs     int `toml:"base_backoff_seconds"`     // Backoff base, doubled per consecutive failure
	MaxBackoffSecs      int `toml:"max_backoff_seconds"`      // Backoff ceiling
	BreakerFailures     int `toml:"breaker_failures"`         // Consecutive failures before a station's circuit opens
	BreakerOpenSecs     int `toml:"breaker_open_seconds"`     // How long an open circuit rejects attempts
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_seconds"` // Grace period to record the stopped status
}

// RelayConfig holds change log tailing settings
type RelayConfig struct {
	PollIntervalMillis int `toml:"poll_interval_ms"`       // Fallback poll when no wake-up signal arrives
	BatchSize          int `toml:"batch_size"`             // Changes read per query
	MaxBackoffSecs     int `toml:"max_backoff_seconds"`    // Reconnect backoff ceiling
	RetentionMinutes   int `toml:"retention_minutes"`      // Change log rows older than this are pruned
	PruneIntervalMins  int `toml:"prune_interval_minutes"` // How often the prune job runs
}

// BroadcastConfig holds live fan-out settings
type BroadcastConfig struct {
	BufferSize       int `toml:"buffer_size"`           // Per-subscriber event buffer (oldest dropped on overflow)
	HeartbeatSecs    int `toml:"heartbeat_seconds"`     // Idle interval before a heartbeat is sent
	WriteTimeoutSecs int `toml:"write_timeout_seconds"` // Deadline for one websocket write
}

// CacheConfig controls the in-memory wind data cache
type CacheConfig struct {
	Enabled bool `toml:"enabled"` // Serve recent queries from memory
	Hours   int  `toml:"hours"`   // Window kept per station
}

// WatchdogConfig controls scraper suspension detection
type WatchdogConfig struct {
	TimeoutMinutes int `toml:"timeout_minutes"` // A station is suspended when its last attempt is older than this
	SweepSecs      int `toml:"sweep_seconds"`   // How often stations are checked
}

// MQTTConfig configures the optional MQTT bridge
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`      // Republish changes to an MQTT broker
	Broker      string `toml:"broker"`       // Broker URL, e.g. tcp://localhost:1883
	ClientID    string `toml:"client_id"`    // MQTT client identifier
	TopicPrefix string `toml:"topic_prefix"` // Topics are <prefix>/<station>/observation|status
	QoS         byte   `toml:"qos"`          // Publish QoS (0, 1 or 2)
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// StationConfig describes one wind station source
type StationConfig struct {
	Name             string            `toml:"name" validate:"required"`                    // Unique station identifier (e.g. "CYTZ")
	URL              string            `toml:"url" validate:"required,url"`                 // Source endpoint returning JSON
	TimeoutSecs      int               `toml:"timeout_seconds" validate:"min=0"`            // Fetch timeout (default 15)
	Headers          map[string]string `toml:"headers"`                                     // Extra request headers
	DirectionPath    string            `toml:"direction_path"`                              // Dot path to wind direction
	SpeedPath        string            `toml:"speed_path"`                                  // Dot path to wind speed
	GustPath         string            `toml:"gust_path"`                                   // Dot path to wind gust
	TimestampPath    string            `toml:"timestamp_path"`                              // Dot path to the observation time
	TimestampFormat  string            `toml:"timestamp_format"`                            // strptime-style format (default "%Y-%m-%d %H:%M")
	SourceTimezone   string            `toml:"source_timezone"`                             // IANA zone the timestamp is expressed in
	LocalTimezone    string            `toml:"local_timezone"`                              // Display zone for clients
	StaleTimeoutSecs int               `toml:"stale_data_timeout_seconds" validate:"min=0"` // Data older than this is stale (default 300)
	PollIntervalSecs int               `toml:"poll_interval_seconds" validate:"min=0"`      // Refresh rate override
}

// Timeout returns the fetch timeout
func (s StationConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// StaleTimeout returns the freshness threshold
func (s StationConfig) StaleTimeout() time.Duration {
	return time.Duration(s.StaleTimeoutSecs) * time.Second
}

// PollInterval returns the normal cadence between cycles
func (s StationConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSecs) * time.Second
}

// Defaults applied by Validate
const (
	DefaultStationTimeoutSecs = 15
	DefaultStaleTimeoutSecs   = 300
	DefaultPollIntervalSecs   = 60
	DefaultTimestampFormat    = "%Y-%m-%d %H:%M"
)

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// ApplyEnv overrides settings from environment variables.
// DATABASE_URL selects the postgres driver unless a driver is set explicitly.
func (c *Config) ApplyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Storage.PostgresURL = url
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if minutes := os.Getenv("SCRAPER_STATUS_TIMEOUT_MINUTES"); minutes != "" {
		var v int
		if _, err := fmt.Sscanf(minutes, "%d", &v); err == nil && v > 0 {
			c.Watchdog.TimeoutMinutes = v
		}
	}
}

// Validate fills defaults and validates the configuration
func (c *Config) Validate() error {
	// Server
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 60
	}
	if c.Server.StaticFilesDir != "" {
		if _, err := os.Stat(c.Server.StaticFilesDir); os.IsNotExist(err) {
			return fmt.Errorf("static files directory does not exist: %s", c.Server.StaticFilesDir)
		}
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	c.applyRuntimeDefaults()

	if err := c.ValidateStations(); err != nil {
		return err
	}

	if c.Server.DefaultStation == "" {
		c.Server.DefaultStation = c.Stations[0].Name
	} else if _, ok := c.Station(c.Server.DefaultStation); !ok {
		return fmt.Errorf("default_station %q is not a configured station", c.Server.DefaultStation)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when the MQTT bridge is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "windburglr"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "windburglr"
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			c.Storage.SQLitePath = "data/windburglr.db"
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url (or DATABASE_URL) is required for the postgres driver")
		}
		if c.Storage.PostgresMaxConn == 0 {
			c.Storage.PostgresMaxConn = 10
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.QueryTimeoutSec == 0 {
		c.Storage.QueryTimeoutSec = 10
	}
	return nil
}

func (c *Config) applyRuntimeDefaults() {
	if c.Scraper.PollIntervalSecs == 0 {
		c.Scraper.PollIntervalSecs = DefaultPollIntervalSecs
	}
	if c.Scraper.BaseBackoffSecs == 0 {
		c.Scraper.BaseBackoffSecs = 5
	}
	if c.Scraper.MaxBackoffSecs == 0 {
		c.Scraper.MaxBackoffSecs = 600
	}
	if c.Scraper.MaxBackoffSecs < c.Scraper.BaseBackoffSecs {
		c.Scraper.MaxBackoffSecs = c.Scraper.BaseBackoffSecs
	}
	if c.Scraper.BreakerFailures == 0 {
		c.Scraper.BreakerFailures = 5
	}
	if c.Scraper.BreakerOpenSecs == 0 {
		c.Scraper.BreakerOpenSecs = 60
	}
	if c.Scraper.ShutdownTimeoutSecs == 0 {
		c.Scraper.ShutdownTimeoutSecs = 5
	}

	if c.Relay.PollIntervalMillis == 0 {
		c.Relay.PollIntervalMillis = 1000
	}
	if c.Relay.BatchSize == 0 {
		c.Relay.BatchSize = 500
	}
	if c.Relay.MaxBackoffSecs == 0 {
		c.Relay.MaxBackoffSecs = 30
	}
	if c.Relay.RetentionMinutes == 0 {
		c.Relay.RetentionMinutes = 60
	}
	if c.Relay.PruneIntervalMins == 0 {
		c.Relay.PruneIntervalMins = 10
	}

	if c.Broadcast.BufferSize == 0 {
		c.Broadcast.BufferSize = 64
	}
	if c.Broadcast.HeartbeatSecs == 0 {
		c.Broadcast.HeartbeatSecs = 30
	}
	if c.Broadcast.WriteTimeoutSecs == 0 {
		c.Broadcast.WriteTimeoutSecs = 10
	}

	if c.Cache.Hours == 0 {
		c.Cache.Hours = 48
	}

	if c.Watchdog.TimeoutMinutes == 0 {
		c.Watchdog.TimeoutMinutes = 5
	}
	if c.Watchdog.SweepSecs == 0 {
		c.Watchdog.SweepSecs = 30
	}
}

var validate = validator.New()

// ValidateStations fills per-station defaults and rejects unusable station definitions
func (c *Config) ValidateStations() error {
	if len(c.Stations) == 0 {
		return fmt.Errorf("at least one station must be configured")
	}

	names := make(map[string]bool)
	for i := range c.Stations {
		s := &c.Stations[i]

		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("invalid station #%d (%s): %w", i+1, s.Name, err)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate station name: %s", s.Name)
		}
		names[s.Name] = true

		if s.TimeoutSecs == 0 {
			s.TimeoutSecs = DefaultStationTimeoutSecs
		}
		if s.StaleTimeoutSecs == 0 {
			s.StaleTimeoutSecs = DefaultStaleTimeoutSecs
		}
		if s.PollIntervalSecs == 0 {
			s.PollIntervalSecs = c.Scraper.PollIntervalSecs
		}
		if s.DirectionPath == "" {
			s.DirectionPath = "direction"
		}
		if s.SpeedPath == "" {
			s.SpeedPath = "speed"
		}
		if s.GustPath == "" {
			s.GustPath = "gust"
		}
		if s.TimestampPath == "" {
			s.TimestampPath = "timestamp"
		}
		if s.TimestampFormat == "" {
			s.TimestampFormat = DefaultTimestampFormat
		}
		if s.SourceTimezone == "" {
			s.SourceTimezone = "UTC"
		}
		if s.LocalTimezone == "" {
			s.LocalTimezone = s.SourceTimezone
		}

		if _, err := time.LoadLocation(s.SourceTimezone); err != nil {
			return fmt.Errorf("invalid source_timezone for station %s: %w", s.Name, err)
		}
		if _, err := timefmt.Layout(s.TimestampFormat); err != nil {
			return fmt.Errorf("invalid timestamp_format for station %s: %w", s.Name, err)
		}
		if _, err := time.LoadLocation(s.LocalTimezone); err != nil {
			return fmt.Errorf("invalid local_timezone for station %s: %w", s.Name, err)
		}
	}

	return nil
}

// Station looks up a configured station by name
func (c *Config) Station(name string) (StationConfig, bool) {
	for _, s := range c.Stations {
		if s.Name == name {
			return s, true
		}
	}
	return StationConfig{}, false
}

// StationNames returns the configured station names in file order
func (c *Config) StationNames() []string {
	names := make([]string, 0, len(c.Stations))
	for _, s := range c.Stations {
		names = append(names, s.Name)
	}
	return names
}
