package audio

import (
	"encoding/binary"
	"math"
)

// decodeSamples widens signed little-endian samples to the int32 range so
// conversions between widths keep the most significant bits.
func decodeSamples(pcm []byte, width int) []int32 {
	if width <= 0 || width > 4 {
		return nil
	}
	n := len(pcm) / width
	out := make([]int32, n)
	shift := uint((4 - width) * 8)
	for i := 0; i < n; i++ {
		b := pcm[i*width : (i+1)*width]
		var v int32
		switch width {
		case 1:
			v = int32(int8(b[0]))
		case 2:
			v = int32(int16(binary.LittleEndian.Uint16(b)))
		case 3:
			u := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
			v = int32(u<<8) >> 8
		case 4:
			v = int32(binary.LittleEndian.Uint32(b))
		}
		out[i] = v << shift
	}
	return out
}

func encodeSamples(samples []int32, width int) []byte {
	if width <= 0 || width > 4 {
		return nil
	}
	out := make([]byte, len(samples)*width)
	shift := uint((4 - width) * 8)
	for i, s := range samples {
		v := s >> shift
		b := out[i*width : (i+1)*width]
		switch width {
		case 1:
			b[0] = byte(int8(v))
		case 2:
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case 3:
			b[0] = byte(v)
			b[1] = byte(v >> 8)
			b[2] = byte(v >> 16)
		case 4:
			binary.LittleEndian.PutUint32(b, uint32(v))
		}
	}
	return out
}

// resample converts between sample rates with linear interpolation.
func resample(samples []int32, from, to int) []int32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]int32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		a := float64(samples[j])
		b := float64(samples[j+1])
		out[i] = int32(math.Round(a + (b-a)*frac))
	}
	return out
}

// downmix averages interleaved channels into one.
func downmix(samples []int, channels int) []int {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / channels
	}
	return out
}

// rms returns the root mean square of a buffer in the sample's own scale.
func rms(pcm []byte, width int) float64 {
	if width <= 0 || width > 4 || len(pcm) < width {
		return 0
	}
	n := len(pcm) / width
	shift := uint((4 - width) * 8)
	var sum float64
	for _, s := range decodeSamples(pcm, width) {
		v := float64(s >> shift)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
