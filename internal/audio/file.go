package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// ReadWAV decodes an entire PCM WAV file into a mono buffer, averaging
// channels when the file has more than one.
func ReadWAV(path string) (*Data, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio file %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	depth := int(dec.BitDepth)
	if depth%8 != 0 || depth < 8 || depth > 32 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", depth)
	}
	width := depth / 8

	samples := downmix(buf.Data, int(dec.NumChans))
	pcm := make([]int32, len(samples))
	shift := uint((4 - width) * 8)
	for i, s := range samples {
		if width == 1 {
			// 8-bit WAV samples are unsigned
			s -= 128
		}
		pcm[i] = int32(s) << shift
	}

	return &Data{
		PCM:         encodeSamples(pcm, width),
		SampleRate:  int(dec.SampleRate),
		SampleWidth: width,
	}, nil
}
