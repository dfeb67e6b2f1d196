package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"opsconsole/pkg/validation"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	LiveKit struct {
		URL             string        `yaml:"url"`
		APIKey          string        `yaml:"api_key"`
		APISecret       string        `yaml:"api_secret"`
		SDKPollInterval time.Duration `yaml:"sdk_poll_interval"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
	} `yaml:"livekit"`

	Metrics struct {
		RetentionWindow time.Duration `yaml:"retention_window"`
		UpdateInterval  time.Duration `yaml:"update_interval"`
		RateWindow      time.Duration `yaml:"rate_window"`
	} `yaml:"metrics"`

	Alerts struct {
		DisconnectRateThreshold   float64       `yaml:"disconnect_rate_threshold"`
		ParticipantCountThreshold int           `yaml:"participant_count_threshold"`
		RoomDurationWarning       time.Duration `yaml:"room_duration_warning"`
		Cooldown                  time.Duration `yaml:"cooldown"`
		ResolvedHistory           int           `yaml:"resolved_history"`
	} `yaml:"alerts"`

	WebSocket struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	} `yaml:"websocket"`

	Simulator struct {
		MockMode        bool          `yaml:"mock_mode"`
		TargetRooms     int           `yaml:"target_rooms"`
		MinParticipants int           `yaml:"min_participants"`
		MaxParticipants int           `yaml:"max_participants"`
		MinRoomLifetime time.Duration `yaml:"min_room_lifetime"`
		MaxRoomLifetime time.Duration `yaml:"max_room_lifetime"`
		ChurnRate       float64       `yaml:"churn_rate"`
		QualityFlux     float64       `yaml:"quality_flux"`
	} `yaml:"simulator"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`

		// SinglePublisher relays events only from the replica holding a
		// lease on <channel>:publisher.
		SinglePublisher bool          `yaml:"single_publisher"`
		LeaseTTL        time.Duration `yaml:"lease_ttl"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// HistoryCapacity is the number of snapshots kept in the history ring.
func (c *Config) HistoryCapacity() int {
	if c.Metrics.UpdateInterval <= 0 {
		return 1
	}
	n := int(c.Metrics.RetentionWindow / c.Metrics.UpdateInterval)
	if n < 1 {
		return 1
	}
	return n
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Metrics
	if c.Metrics.RetentionWindow <= 0 {
		return fmt.Errorf("metrics.retention_window must be > 0")
	}
	if c.Metrics.UpdateInterval <= 0 {
		return fmt.Errorf("metrics.update_interval must be > 0")
	}
	if c.Metrics.RateWindow <= 0 {
		return fmt.Errorf("metrics.rate_window must be > 0")
	}

	// Alerts
	if c.Alerts.DisconnectRateThreshold <= 0 || c.Alerts.DisconnectRateThreshold > 1 {
		return fmt.Errorf("alerts.disconnect_rate_threshold must be in (0, 1]")
	}
	if c.Alerts.ParticipantCountThreshold <= 0 {
		return fmt.Errorf("alerts.participant_count_threshold must be > 0")
	}
	if c.Alerts.RoomDurationWarning <= 0 {
		return fmt.Errorf("alerts.room_duration_warning must be > 0")
	}
	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must be >= 0")
	}
	if c.Alerts.ResolvedHistory <= 0 {
		return fmt.Errorf("alerts.resolved_history must be > 0")
	}

	// WebSocket
	if c.WebSocket.HeartbeatInterval <= 0 {
		return fmt.Errorf("websocket.heartbeat_interval must be > 0")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be > 0")
	}
	if c.WebSocket.PongTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.pong_timeout must be > websocket.ping_interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be > 0")
	}

	// LiveKit
	if !c.Simulator.MockMode {
		if err := validation.ValidateURL(c.LiveKit.URL); err != nil {
			return fmt.Errorf("livekit.url: %w", err)
		}
		if c.LiveKit.SDKPollInterval <= 0 {
			return fmt.Errorf("livekit.sdk_poll_interval must be > 0 when mock_mode=false")
		}
		if (c.LiveKit.APIKey == "") != (c.LiveKit.APISecret == "") {
			return fmt.Errorf("livekit.api_key and livekit.api_secret must both be set when one is set")
		}
	}

	// Simulator
	if c.Simulator.MockMode {
		if c.Simulator.TargetRooms <= 0 {
			return fmt.Errorf("simulator.target_rooms must be > 0")
		}
		if c.Simulator.MinParticipants < 0 || c.Simulator.MaxParticipants < c.Simulator.MinParticipants {
			return fmt.Errorf("simulator participant bounds must satisfy 0 <= min <= max")
		}
		if c.Simulator.MinRoomLifetime <= 0 || c.Simulator.MaxRoomLifetime < c.Simulator.MinRoomLifetime {
			return fmt.Errorf("simulator room lifetime bounds must satisfy 0 < min <= max")
		}
		if c.Simulator.ChurnRate < 0 || c.Simulator.ChurnRate > 1 {
			return fmt.Errorf("simulator.churn_rate must be in [0, 1]")
		}
		if c.Simulator.QualityFlux < 0 || c.Simulator.QualityFlux > 1 {
			return fmt.Errorf("simulator.quality_flux must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
		if c.Redis.SinglePublisher && c.Redis.LeaseTTL < time.Second {
			return fmt.Errorf("redis.lease_ttl must be >= 1s when redis.single_publisher=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// CORS
	if len(c.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must not be empty")
	}
	for _, o := range c.CORS.AllowedOrigins {
		if err := validation.ValidateOrigin(o); err != nil {
			return fmt.Errorf("cors.allowed_origins: %w", err)
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.LiveKit.URL = "http://localhost:7880"
	cfg.LiveKit.SDKPollInterval = 30 * time.Second
	cfg.LiveKit.RequestTimeout = 10 * time.Second

	cfg.Metrics.RetentionWindow = 300 * time.Second
	cfg.Metrics.UpdateInterval = time.Second
	cfg.Metrics.RateWindow = 60 * time.Second

	cfg.Alerts.DisconnectRateThreshold = 0.1
	cfg.Alerts.ParticipantCountThreshold = 100
	cfg.Alerts.RoomDurationWarning = 120 * time.Minute
	cfg.Alerts.Cooldown = 5 * time.Minute
	cfg.Alerts.ResolvedHistory = 100

	cfg.WebSocket.HeartbeatInterval = 30 * time.Second
	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.PongTimeout = 60 * time.Second
	cfg.WebSocket.WriteTimeout = 10 * time.Second
	cfg.WebSocket.MaxMessageBytes = 64 * 1024

	cfg.Simulator.MockMode = true
	cfg.Simulator.TargetRooms = 5
	cfg.Simulator.MinParticipants = 2
	cfg.Simulator.MaxParticipants = 8
	cfg.Simulator.MinRoomLifetime = 60 * time.Second
	cfg.Simulator.MaxRoomLifetime = 300 * time.Second
	cfg.Simulator.ChurnRate = 0.1
	cfg.Simulator.QualityFlux = 0.05

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "opsconsole:events"
	cfg.Redis.SinglePublisher = false
	cfg.Redis.LeaseTTL = 10 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.CORS.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("OPSCONSOLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("OPSCONSOLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("OPSCONSOLE_MOCK_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Simulator.MockMode = b
		}
	}
	if v := os.Getenv("OPSCONSOLE_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("OPSCONSOLE_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}

	// Same variable names the LiveKit server and SDKs use.
	if v := os.Getenv("LIVEKIT_URL"); v != "" {
		c.LiveKit.URL = v
	}
	if v := os.Getenv("LIVEKIT_API_KEY"); v != "" {
		c.LiveKit.APIKey = v
	}
	if v := os.Getenv("LIVEKIT_API_SECRET"); v != "" {
		c.LiveKit.APISecret = v
	}
}
