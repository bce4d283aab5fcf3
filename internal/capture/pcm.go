package capture

import (
	"encoding/binary"
	"math"
)

// EncodePCM16 converts float32 samples to 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1] and scaled asymmetrically: positive values
// by 32767, negative by 32768, so the full int16 range is reachable.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s >= 0 {
			v = int16(s * 32767)
		} else {
			v = int16(s * 32768)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM back to float32 samples.
// Odd trailing bytes are ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v >= 0 {
			out[i] = float32(v) / 32767
		} else {
			out[i] = float32(v) / 32768
		}
	}
	return out
}

// Decimate resamples by nearest-sample stride selection. Cheap and fine
// for speech-band content; it aliases anything above the target band.
func Decimate(src []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(src) == 0 {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	n := int(math.Round(float64(len(src)) * float64(dstRate) / float64(srcRate)))
	out := make([]float32, n)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < n; i++ {
		idx := int(float64(i) * step)
		if idx >= len(src) {
			idx = len(src) - 1
		}
		out[i] = src[idx]
	}
	return out
}

// bytesToFloat32 reinterprets little-endian float32 capture bytes.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}
