package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/playback"
)

// EventMessage is the JSON form of a playback event on the bus.
type EventMessage struct {
	TenantID     string    `json:"tenant_id"`
	Kind         string    `json:"kind"`
	UtteranceID  string    `json:"utterance_id"`
	Text         string    `json:"text"`
	VoiceStyleID int       `json:"voice_style_id"`
	Attempts     int       `json:"attempts,omitempty"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// EventPublisher is a playback.Reporter that publishes every event to
// <prefix>.<tenant>. Publishing is buffered by nats.go and never blocks.
type EventPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewEventPublisher publishes under prefix, e.g. "relay.events".
func NewEventPublisher(client *Client, prefix string) *EventPublisher {
	return &EventPublisher{conn: client.Conn(), prefix: prefix, logger: client.logger}
}

// Report publishes ev.
func (p *EventPublisher) Report(ev playback.Event) {
	msg := EventMessage{
		TenantID:     ev.TenantID,
		Kind:         string(ev.Kind),
		UtteranceID:  ev.Utterance.ID,
		Text:         ev.Utterance.Text,
		VoiceStyleID: ev.Utterance.VoiceStyleID,
		Attempts:     ev.Attempts,
		LatencyMs:    ev.Latency.Milliseconds(),
		At:           ev.At,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode playback event")
		return
	}
	if err := p.conn.Publish(p.prefix+"."+ev.TenantID, data); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to publish playback event")
	}
}
