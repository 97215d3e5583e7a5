package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Loudness meter window and curve. Levels are advisory UI telemetry, not
// part of the wire contract.
const (
	minLoudnessDb = -50.0
	maxLoudnessDb = -10.0
	loudnessCurve = 2.5
)

// PCM16FromFloat32 converts 32-bit float samples to signed 16-bit PCM.
// Each sample is clamped to [-1, 1] and mapped via round(s * 32767).
// The output always has the same length as the input.
func PCM16FromFloat32(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		f := float64(s)
		if f > 1 {
			f = 1
		} else if f < -1 || math.IsNaN(f) {
			if math.IsNaN(f) {
				f = 0
			} else {
				f = -1
			}
		}
		out[i] = int16(math.Round(f * 32767))
	}
	return out
}

// BytesFromPCM16 packs samples as little-endian bytes for the wire.
func BytesFromPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// PCM16FromBytes unpacks little-endian PCM-16 bytes into samples.
func PCM16FromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out, nil
}

// Float32FromBytes unpacks little-endian 32-bit float samples, the raw
// layout capture engines deliver before PCM conversion.
func Float32FromBytes(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 audio data length must be a multiple of 4 (got %d bytes)", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// MonoChannel extracts a single channel from interleaved multi-channel
// samples. The capture stage streams one channel only.
func MonoChannel(samples []float32, channels, channel int) []float32 {
	if channels <= 1 {
		return samples
	}
	if channel < 0 || channel >= channels {
		channel = 0
	}
	out := make([]float32, 0, len(samples)/channels)
	for i := channel; i < len(samples); i += channels {
		out = append(out, samples[i])
	}
	return out
}

// Loudness computes the normalized loudness of a float frame: RMS energy
// converted to decibels relative to full scale, normalized over the
// [-50, -10] dB window, clamped to [0, 1], then raised to a power curve
// to bias the meter toward perceptible loudness changes.
func Loudness(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 || math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0
	}

	db := 20 * math.Log10(rms)
	normalized := (db - minLoudnessDb) / (maxLoudnessDb - minLoudnessDb)
	if normalized < 0 {
		normalized = 0
	} else if normalized > 1 {
		normalized = 1
	}

	return math.Pow(normalized, loudnessCurve)
}

// LoudnessPCM16 computes the loudness of a PCM-16 byte frame.
func LoudnessPCM16(data []byte) float64 {
	samples, err := PCM16FromBytes(data)
	if err != nil {
		return 0
	}
	floats := make([]float32, len(samples))
	for i, s := range samples {
		floats[i] = float32(s) / 32768
	}
	return Loudness(floats)
}

// FrameBytes returns the byte size of one outbound frame at the given
// sample rate and cadence. The cadence is conventional, not load-bearing.
func FrameBytes(sampleRate int, frameDuration time.Duration) int {
	samples := int(float64(sampleRate) * frameDuration.Seconds())
	if samples < 1 {
		samples = 1
	}
	return samples * 2
}

// DurationOfBytes returns the play time of a PCM-16 byte count at the
// given sample rate, used for duration sanity checks.
func DurationOfBytes(byteCount int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(byteCount) / float64(sampleRate*2)
}
