package audio

import (
	"fmt"
)

// pcmuSilence is μ-law encoded zero.
const pcmuSilence = 0xFF

// EncodePCMU converts 16-bit little-endian PCM of any rate and channel count
// into 8 kHz mono G.711 μ-law, the format both the websocket and WebRTC sinks
// emit.
func EncodePCMU(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	samples := Downmix(BytesToSamples(pcm), channels)
	if sampleRate != TelephonyRate {
		samples = resample(samples, sampleRate, TelephonyRate)
	}

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out, nil
}

// PCMUFrames encodes PCM to μ-law and cuts it into 20ms frames.
func PCMUFrames(pcm []byte, sampleRate, channels int) ([][]byte, error) {
	encoded, err := EncodePCMU(pcm, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return Frames(encoded, PCMUFrameSize, pcmuSilence), nil
}

// DecodePCMU converts G.711 μ-law back to 16-bit little-endian PCM.
func DecodePCMU(pcmu []byte) ([]byte, error) {
	if len(pcmu) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}
	samples := make([]int16, len(pcmu))
	for i, b := range pcmu {
		samples[i] = mulawToLinear(b)
	}
	return SamplesToBytes(samples), nil
}

// resample performs linear interpolation resampling.
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, int(float64(len(samples))*ratio))

	for i := range output {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw converts a 16-bit linear sample to 8-bit μ-law (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample)
	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above 0x40.
	var segment byte
	for threshold := int32(0x40); segment < 7 && magnitude >= threshold; threshold <<= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM.
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
