package audio

import (
	"encoding/binary"
	"time"
)

const (
	// TelephonyRate is the sample rate of G.711 output (8 kHz).
	TelephonyRate = 8000

	// FrameDuration is the pacing interval sinks emit audio at.
	FrameDuration = 20 * time.Millisecond

	// PCMUFrameSize is one 20ms frame of 8 kHz mono μ-law audio.
	PCMUFrameSize = TelephonyRate / 50
)

// BytesToSamples decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as 16-bit little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// Downmix averages interleaved channels into a single mono channel.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// Frames splits data into frames of size bytes. The last frame is padded with
// pad so every frame has the same length.
func Frames(data []byte, size int, pad byte) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end <= len(data) {
			frames = append(frames, data[off:end])
			continue
		}
		last := make([]byte, size)
		n := copy(last, data[off:])
		for i := n; i < size; i++ {
			last[i] = pad
		}
		frames = append(frames, last)
	}
	return frames
}

// Duration returns the play time of 16-bit PCM at the given format.
func Duration(pcmBytes, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := pcmBytes / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
