// Package notify delivers scheduling notifications to downstream
// consumers (export, staff messaging). Delivery is best effort: the
// engine logs a failed publish and keeps the committed change.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/warp/care-scheduler/scheduling"
)

const (
	DefaultTopicPrefix = "care/scheduling"

	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// MQTT publishes each notification as JSON to <prefix>/<kind>, e.g.
// care/scheduling/event.transitioned, with QoS 1.
type MQTT struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
	log     zerolog.Logger
}

var _ scheduling.Notifier = (*MQTT)(nil)

// DialMQTT connects to brokerURL and returns a publisher.
func DialMQTT(brokerURL, clientID, prefix string, log zerolog.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", brokerURL).Msg("connected to MQTT broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", brokerURL).Msg("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return NewMQTT(client, prefix, log), nil
}

// NewMQTT wraps an already configured client.
func NewMQTT(client mqtt.Client, prefix string, log zerolog.Logger) *MQTT {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTT{client: client, prefix: prefix, timeout: publishTimeout, log: log}
}

func (m *MQTT) Topic(kind scheduling.NotificationKind) string {
	return m.prefix + "/" + string(kind)
}

func (m *MQTT) Notify(ctx context.Context, n scheduling.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	topic := m.Topic(n.Kind)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	token := m.client.Publish(topic, 1, false, payload)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("publish to %s: timed out after %s", topic, m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	m.log.Debug().Str("topic", topic).Msg("notification published")
	return nil
}

func (m *MQTT) Close() {
	m.client.Disconnect(disconnectQuiesce)
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log writes notifications to the structured log. Used when no broker
// is configured.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n scheduling.Notification) error {
	ev := l.log.Info()
	if len(n.Warnings) > 0 {
		ev = l.log.Warn().Strs("warnings", n.Warnings)
	}
	ev.Str("kind", string(n.Kind)).
		Str("template_id", string(n.TemplateID)).
		Str("event_id", string(n.EventID)).
		Str("authorization_id", string(n.AuthorizationID)).
		Str("status", string(n.Status)).
		Str("verification", string(n.Verification)).
		Msg("notification")
	return nil
}
