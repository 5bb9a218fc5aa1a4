/*
Package publisher emits accepted readings to an MQTT broker.

PURPOSE:
  Home-automation dashboards subscribe to meter topics and want to see a new
  reading the moment it is accepted. This is a best-effort side channel: the
  service publishes after commit and ignores broker outages, so the write
  path never depends on the broker being up.

TOPICS:
  <prefix>/<cycle-id>/reading with a small JSON payload carrying the stamp,
  the value, and the units consumed since the previous reading.

SEE ALSO:
  - meter/service.go: The Publisher interface and the publish call site
*/
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wattwise/meter-engine/meter"
)

// Config holds broker connection settings.
type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string // e.g. wattwise/meters
	Username    string
	Password    string
}

// MQTT implements meter.Publisher over an MQTT broker.
type MQTT struct {
	client mqtt.Client
	prefix string
	log    zerolog.Logger
}

// New connects to the broker. The client keeps reconnecting in the
// background after transient drops.
func New(cfg Config, log zerolog.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", cfg.Broker, token.Error())
	}

	log.Info().Str("broker", cfg.Broker).Msg("connected to MQTT broker")
	return &MQTT{client: client, prefix: cfg.TopicPrefix, log: log}, nil
}

type readingMessage struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Value    string `json:"value"`
	Consumed string `json:"consumed"`
}

// Publish sends the accepted reading to the cycle's topic (QoS 1).
func (p *MQTT) Publish(ctx context.Context, cycle meter.Cycle, r meter.Reading, consumed decimal.Decimal) error {
	payload, err := json.Marshal(readingMessage{
		Date:     r.At.DateString(),
		Time:     r.At.ClockString(),
		Value:    r.Value.String(),
		Consumed: consumed.StringFixed(2),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reading message: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/reading", p.prefix, cycle.ID)
	token := p.client.Publish(topic, 1, false, payload)

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (p *MQTT) Close() {
	p.client.Disconnect(250)
}
