package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Event is the envelope published on till/{terminal}/event/{kind}.
type Event struct {
	Terminal  string    `json:"terminal"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publish sends a message to the specified MQTT topic.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "till/till-01/event/backup")
//   - payload: The message payload (typically JSON, max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (guaranteed delivery, may duplicate)
//   - 2: Exactly once (guaranteed, no duplicates, higher overhead)
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// await waits for token, reporting a timeout or broker error as kind.
func await(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", kind, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// PublishEvent publishes data wrapped in an Event envelope on this
// terminal's event topic for kind, with the configured default QoS.
// Events are not retained.
func (c *Client) PublishEvent(kind string, data any) error {
	payload, err := encodeEvent(c.topics.Terminal, kind, data, time.Now().UTC())
	if err != nil {
		return err
	}
	return c.Publish(c.topics.Event(kind), payload, byte(c.cfg.QoS), false)
}

func encodeEvent(terminal, kind string, data any, ts time.Time) ([]byte, error) {
	if kind == "" {
		return nil, ErrInvalidTopic
	}
	payload, err := json.Marshal(Event{
		Terminal:  terminal,
		Kind:      kind,
		Timestamp: ts,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s event: %w", ErrPublishFailed, kind, err)
	}
	return payload, nil
}
