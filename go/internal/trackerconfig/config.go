package trackerconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the feed server settings.
type Config struct {
	Host                   string
	Port                   int
	TickInterval           time.Duration
	WriteTimeout           time.Duration
	MaxConsecutiveFailures int
	CatalogFile            string
	AllowedOrigins         []string
	NATSURL                string
	NATSSubject            string
	LogLevel               zerolog.Level
}

// NewConfigFromEnv reads TRACKER_* environment variables (with defaults).
// Values that fail to parse are reported rather than silently replaced.
func NewConfigFromEnv() (Config, error) {
	var errs []error

	port, err := strconv.Atoi(getEnv("TRACKER_PORT", "9238"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TRACKER_PORT: %w", err))
	}

	tick, err := time.ParseDuration(getEnv("TRACKER_TICK_INTERVAL", "500ms"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TRACKER_TICK_INTERVAL: %w", err))
	}

	writeTimeout, err := time.ParseDuration(getEnv("TRACKER_WRITE_TIMEOUT", "10s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TRACKER_WRITE_TIMEOUT: %w", err))
	}

	maxFailures, err := strconv.Atoi(getEnv("TRACKER_MAX_CONSECUTIVE_FAILURES", "0"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TRACKER_MAX_CONSECUTIVE_FAILURES: %w", err))
	}

	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	cfg := Config{
		Host:                   getEnv("TRACKER_HOST", "localhost"),
		Port:                   port,
		TickInterval:           tick,
		WriteTimeout:           writeTimeout,
		MaxConsecutiveFailures: maxFailures,
		CatalogFile:            os.Getenv("TRACKER_CATALOG_FILE"),
		AllowedOrigins:         splitList(getEnv("TRACKER_ALLOWED_ORIGINS", "*")),
		NATSURL:                os.Getenv("TRACKER_NATS_URL"),
		NATSSubject:            getEnv("TRACKER_NATS_SUBJECT", "tracker.item_counts"),
		LogLevel:               level,
	}

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges that parsing alone cannot.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures must not be negative, got %d", c.MaxConsecutiveFailures)
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("at least one allowed origin is required")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
