// Package config loads relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"prjsdr.xyz/relay/internal/relay"
)

// Config is the full runtime configuration.
type Config struct {
	Env      string `env:"RELAY_ENV" envDefault:"development"`
	HTTPAddr string `env:"RELAY_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"RELAY_GRPC_ADDR" envDefault:":9090"`

	JWTSecret string `env:"RELAY_JWT_SECRET"`
	JWTIssuer string `env:"RELAY_JWT_ISSUER"`

	TicketURL       string        `env:"RELAY_TICKET_URL" envDefault:"http://localhost:8097"`
	SupportURL      string        `env:"RELAY_SUPPORT_URL" envDefault:"http://localhost:8098/api/support/category"`
	ExternalTimeout time.Duration `env:"RELAY_EXTERNAL_TIMEOUT" envDefault:"5s"`

	// DBDSN selects the message store. Empty keeps messages in memory.
	DBDSN string `env:"RELAY_DB_DSN"`

	AMQPURL      string `env:"RELAY_AMQP_URL"`
	AMQPExchange string `env:"RELAY_AMQP_EXCHANGE" envDefault:"tickets"`
	AMQPQueue    string `env:"RELAY_AMQP_QUEUE" envDefault:"relay.ticket-created"`

	AnnounceDelay     time.Duration `env:"RELAY_ANNOUNCE_DELAY" envDefault:"500ms"`
	RingTimeout       time.Duration `env:"RELAY_RING_TIMEOUT" envDefault:"45s"`
	ParticipantPolicy string        `env:"RELAY_PARTICIPANT_POLICY" envDefault:"ticket"`
	ValidateSDP       bool          `env:"RELAY_VALIDATE_SDP" envDefault:"true"`

	RatePerSec float64 `env:"RELAY_RATE_PER_SEC" envDefault:"25"`
	RateBurst  int     `env:"RELAY_RATE_BURST" envDefault:"50"`

	WSFramesPerSec float64 `env:"RELAY_WS_FRAMES_PER_SEC" envDefault:"20"`
	WSBurst        int     `env:"RELAY_WS_BURST" envDefault:"40"`

	OTelEndpoint string `env:"RELAY_OTEL_ENDPOINT"`
}

// Load reads .env files when present and parses the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// Production reports whether RELAY_ENV is production.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks required values and their shape.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("RELAY_JWT_SECRET is required"))
	} else if c.Production() && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("RELAY_JWT_SECRET must be at least 32 bytes in production"))
	}
	for name, raw := range map[string]string{"RELAY_TICKET_URL": c.TicketURL, "RELAY_SUPPORT_URL": c.SupportURL} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.AMQPURL != "" && (c.AMQPExchange == "" || c.AMQPQueue == "") {
		errs = append(errs, errors.New("RELAY_AMQP_EXCHANGE and RELAY_AMQP_QUEUE are required with RELAY_AMQP_URL"))
	}
	if _, err := relay.ParsePolicy(c.ParticipantPolicy); err != nil {
		errs = append(errs, fmt.Errorf("RELAY_PARTICIPANT_POLICY: %w", err))
	}
	if c.AnnounceDelay < 0 || c.RingTimeout < 0 || c.ExternalTimeout <= 0 {
		errs = append(errs, errors.New("durations must not be negative and RELAY_EXTERNAL_TIMEOUT must be positive"))
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 || c.WSFramesPerSec <= 0 || c.WSBurst <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}
