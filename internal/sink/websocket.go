// Package sink implements live audio outputs for playback engines.
package sink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/audio"
	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/playback"
)

// ErrClosed is returned by Play once the underlying connection is gone.
var ErrClosed = fmt.Errorf("sink: %w", playback.ErrOutputClosed)

const writeWait = 5 * time.Second

// StreamMessage is one JSON frame on a media-stream websocket. Outbound
// frames carry media, mark or clear events; inbound frames carry connected,
// start, mark and stop.
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	Mark      *StreamMark  `json:"mark,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
}

// StreamMedia is base64 encoded 8 kHz mu-law audio.
type StreamMedia struct {
	Payload string `json:"payload"`
}

// StreamMark names a point in the outbound audio. The relay marks the end of
// every utterance with its id.
type StreamMark struct {
	Name string `json:"name"`
}

// StreamStart is the payload of the peer's start event.
type StreamStart struct {
	StreamSid string `json:"streamSid"`
}

// WebSocketSink streams PCMU frames over a websocket in real time, 20 ms per
// frame.
type WebSocketSink struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	// FrameDuration paces outbound frames. Tests shrink it.
	FrameDuration time.Duration

	writeMu sync.Mutex

	mu        sync.RWMutex
	streamSid string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketSink wraps an upgraded connection. streamSid may be empty; it is
// then taken from the peer's start event.
func NewWebSocketSink(conn *websocket.Conn, streamSid string, logger zerolog.Logger) *WebSocketSink {
	return &WebSocketSink{
		conn:          conn,
		logger:        logger,
		FrameDuration: audio.FrameDuration,
		streamSid:     streamSid,
		closed:        make(chan struct{}),
	}
}

// Play encodes the audio to PCMU and writes it one frame per FrameDuration.
// Cancellation sends a clear event so the peer drops anything it buffered.
func (s *WebSocketSink) Play(ctx context.Context, a *playback.SynthesizedAudio) error {
	frames, err := audio.PCMUFrames(a.PCM, a.SampleRate, a.Channels)
	if err != nil {
		return fmt.Errorf("encode utterance %s: %w", a.Utterance.ID, err)
	}

	ticker := time.NewTicker(s.FrameDuration)
	defer ticker.Stop()

	sent := 0
	defer func() { observability.RecordAudioBytes("websocket", sent) }()

	for i, frame := range frames {
		if i == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		} else {
			select {
			case <-ctx.Done():
				s.clear()
				return ctx.Err()
			case <-s.closed:
				return ErrClosed
			case <-ticker.C:
			}
		}

		err := s.write(StreamMessage{
			Event:     "media",
			StreamSid: s.StreamSid(),
			Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
		})
		if err != nil {
			return fmt.Errorf("write media frame: %w", err)
		}
		sent += len(frame)
	}

	return s.write(StreamMessage{
		Event:     "mark",
		StreamSid: s.StreamSid(),
		Mark:      &StreamMark{Name: a.Utterance.ID},
	})
}

func (s *WebSocketSink) clear() {
	if err := s.write(StreamMessage{Event: "clear", StreamSid: s.StreamSid()}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send clear event")
	}
}

func (s *WebSocketSink) write(msg StreamMessage) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		// A failed write leaves the connection unusable
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("WebSocket write failed, closing output")
		s.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// ReadLoop consumes inbound frames until the peer stops the stream or the
// connection fails. It must run for the lifetime of the sink; Play fails with
// ErrClosed once it returns.
func (s *WebSocketSink) ReadLoop() error {
	defer s.Close()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
				return err
			}
			return nil
		}

		var msg StreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse stream message")
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Info().Msg("Audio stream connected")
		case "start":
			sid := msg.StreamSid
			if msg.Start != nil && msg.Start.StreamSid != "" {
				sid = msg.Start.StreamSid
			}
			s.mu.Lock()
			s.streamSid = sid
			s.mu.Unlock()
			s.logger.Info().Str("stream_sid", sid).Msg("Audio stream started")
		case "mark":
			if msg.Mark != nil {
				s.logger.Debug().Str("utterance_id", msg.Mark.Name).Msg("Peer finished utterance")
			}
		case "stop":
			s.logger.Info().Msg("Audio stream stopped")
			return nil
		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Ignoring stream event")
		}
	}
}

// StreamSid returns the id stamped on outbound frames.
func (s *WebSocketSink) StreamSid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSid
}

// Done is closed when the connection has gone away.
func (s *WebSocketSink) Done() <-chan struct{} {
	return s.closed
}

// Close marks the sink closed and closes the connection.
func (s *WebSocketSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
