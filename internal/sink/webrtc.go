package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/audio"
	"github.com/lexiqai/tts-relay/internal/observability"
	"github.com/lexiqai/tts-relay/internal/playback"
)

// WebRTCSink streams PCMU samples to one browser or SFU peer.
type WebRTCSink struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger zerolog.Logger

	// FrameDuration paces outbound samples. Tests shrink it.
	FrameDuration time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebRTCSink answers an SDP offer with a send-only PCMU track. It returns
// once ICE gathering is complete so the answer carries every candidate.
func NewWebRTCSink(ctx context.Context, offer webrtc.SessionDescription, logger zerolog.Logger) (*WebRTCSink, *webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: audio.TelephonyRate, Channels: 1},
		"audio",
		"tts-relay",
	)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create audio track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("add track: %w", err)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, nil, ctx.Err()
	}

	s := &WebRTCSink{
		pc:            pc,
		track:         track,
		logger:        logger,
		FrameDuration: audio.FrameDuration,
		closed:        make(chan struct{}),
	}

	// Drain RTCP so interceptors keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("WebRTC connection state changed")
		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed ||
			state == webrtc.PeerConnectionStateDisconnected {
			s.Close()
		}
	})

	return s, pc.LocalDescription(), nil
}

// Play writes the audio as 20 ms PCMU samples in real time.
func (s *WebRTCSink) Play(ctx context.Context, a *playback.SynthesizedAudio) error {
	frames, err := audio.PCMUFrames(a.PCM, a.SampleRate, a.Channels)
	if err != nil {
		return fmt.Errorf("encode utterance %s: %w", a.Utterance.ID, err)
	}

	ticker := time.NewTicker(s.FrameDuration)
	defer ticker.Stop()

	sent := 0
	defer func() { observability.RecordAudioBytes("webrtc", sent) }()

	for i, frame := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.closed:
				return ErrClosed
			case <-ticker.C:
			}
		} else {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case <-s.closed:
				return ErrClosed
			default:
			}
		}

		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: audio.FrameDuration}); err != nil {
			select {
			case <-s.closed:
				return ErrClosed
			default:
			}
			return fmt.Errorf("write sample: %w", err)
		}
		sent += len(frame)
	}
	return nil
}

// Done is closed when the peer connection has ended.
func (s *WebRTCSink) Done() <-chan struct{} {
	return s.closed
}

// Close tears down the peer connection.
func (s *WebRTCSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.pc.Close()
	})
	return err
}
