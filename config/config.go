// Package config loads server settings from the environment.
//
// A local .env file is honored in development (loaded by main before this
// package reads the environment); deployed environments set real variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full server configuration, bound from METER_* variables.
type Config struct {
	Env  string `envconfig:"ENV" default:"development"`
	Port int    `envconfig:"PORT" default:"8080"`

	DBPath string `envconfig:"DB_PATH" default:"meter.db"`

	JWTSecret     string `envconfig:"JWT_SECRET" required:"true"`
	TokenTTLHours int    `envconfig:"TOKEN_TTL_HOURS" default:"720"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`

	MQTTEnabled     bool   `envconfig:"MQTT_ENABLED" default:"false"`
	MQTTBroker      string `envconfig:"MQTT_BROKER" default:"tcp://localhost:1883"`
	MQTTClientID    string `envconfig:"MQTT_CLIENT_ID" default:"meter-engine"`
	MQTTTopicPrefix string `envconfig:"MQTT_TOPIC_PREFIX" default:"wattwise/meters"`
	MQTTUsername    string `envconfig:"MQTT_USERNAME"`
	MQTTPassword    string `envconfig:"MQTT_PASSWORD"`
}

// Load binds configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("METER", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// TokenTTL returns the token lifetime as a duration.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// IsProduction reports whether the server runs in production mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
