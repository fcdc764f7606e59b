package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"chorus/cmd/internal/realtime"
)

// EnvPrefix is prepended to every config variable, e.g. CHORUS_HTTP_ADDR.
const EnvPrefix = "chorus"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	CORSAllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"false"`
	CORSMaxAgeSeconds    int      `envconfig:"CORS_MAX_AGE_SECONDS" default:"600"`

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	DBSchema    string `envconfig:"DB_SCHEMA" default:"chorus"`

	DBMaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"1h"`
	DBMaxConnIdleTime time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB" default:"false"`

	ProfilesSchema string `envconfig:"PROFILES_SCHEMA" default:"public"`
	ProfilesTable  string `envconfig:"PROFILES_TABLE" default:"users"`

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
	MaxBodyBytes   int64         `envconfig:"MAX_BODY_BYTES" default:"65536"`
	RetractWindow  time.Duration `envconfig:"RETRACT_WINDOW" default:"60m"`

	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	WSDevInsecure       bool          `envconfig:"WS_DEV_INSECURE" default:"false"`
	WSOriginRequired    bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins    []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSRequireMembership bool          `envconfig:"WS_REQUIRE_MEMBERSHIP" default:"true"`
	WSSendQueueSize     int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSWriteTimeout      time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadIdleTimeout   time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSRateEvents        int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow        time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`

	// Empty ValkeyAddr disables cross-instance fan-out.
	ValkeyAddr          string `envconfig:"VALKEY_ADDR"`
	ValkeyPassword      string `envconfig:"VALKEY_PASSWORD"`
	ValkeyChannelPrefix string `envconfig:"VALKEY_CHANNEL_PREFIX" default:"chorus:room:"`
}

// LoadConfig loads Config from the environment. A .env file in the working
// directory, when present, fills variables that are not already set.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces startup policy. Fail fast rather than serve without auth.
func (c Config) Validate() error {
	if len(strings.TrimSpace(c.JWTSecret)) < 32 {
		return errors.New("config: CHORUS_JWT_SECRET is required (min 32 bytes)")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("config: unknown CHORUS_LOG_FORMAT %q", c.LogFormat)
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("config: invalid pool bounds min=%d max=%d", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// GatewayConfig maps the WS_* settings onto the realtime gateway.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		RequireMembership: c.WSRequireMembership,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		OpTimeout:         c.RequestTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}
