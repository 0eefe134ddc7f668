package audio

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-vosk/internal/config"
)

const (
	// starting point of ambient noise calibration
	defaultEnergyThreshold     = 300
	defaultDynamicDamping      = 0.15
	defaultDynamicRatio        = 1.5
	defaultPhraseThreshold     = 300 * time.Millisecond
	defaultNonSpeakingDuration = 500 * time.Millisecond
)

// Listener detects an utterance on a Device by comparing buffer energy to a
// threshold. It is not safe for concurrent use.
type Listener struct {
	EnergyThreshold     float64
	DynamicEnergy       bool
	DynamicDamping      float64
	DynamicRatio        float64
	PauseThreshold      time.Duration // silence that ends a phrase
	PhraseThreshold     time.Duration // minimum speech to count as a phrase
	NonSpeakingDuration time.Duration // silence kept on both sides of a phrase
}

func NewListener(cfg config.CaptureConfig) *Listener {
	pause := time.Duration(cfg.PauseThresholdSeconds * float64(time.Second))
	if pause <= 0 {
		pause = 800 * time.Millisecond
	}
	nonSpeaking := defaultNonSpeakingDuration
	if nonSpeaking > pause {
		nonSpeaking = pause
	}
	threshold := cfg.EnergyThreshold
	if cfg.Calibrate() {
		threshold = defaultEnergyThreshold
	}
	return &Listener{
		EnergyThreshold:     threshold,
		DynamicEnergy:       cfg.DynamicEnergy,
		DynamicDamping:      defaultDynamicDamping,
		DynamicRatio:        defaultDynamicRatio,
		PauseThreshold:      pause,
		PhraseThreshold:     defaultPhraseThreshold,
		NonSpeakingDuration: nonSpeaking,
	}
}

// AdjustForAmbientNoise reads duration worth of audio and moves the energy
// threshold towards the observed background level.
func (l *Listener) AdjustForAmbientNoise(ctx context.Context, dev Device, duration time.Duration) error {
	spb := secondsPerBuffer(dev)
	if spb <= 0 {
		return fmt.Errorf("%w: invalid buffer geometry", ErrDevice)
	}
	elapsed := 0.0
	for {
		elapsed += spb
		if elapsed > duration.Seconds() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := dev.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrDevice, err)
		}
		energy := rms(buf, dev.SampleWidth())
		damping := math.Pow(l.DynamicDamping, spb)
		target := energy * l.DynamicRatio
		l.EnergyThreshold = l.EnergyThreshold*damping + target*(1-damping)
	}
}

// Listen waits for speech and records until a pause ends the phrase. timeout
// bounds the wait for speech to begin and phraseLimit the phrase itself; zero
// disables either bound. Elapsed time is measured in captured audio.
func (l *Listener) Listen(ctx context.Context, dev Device, timeout, phraseLimit time.Duration) (*Data, error) {
	spb := secondsPerBuffer(dev)
	if spb <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer geometry", ErrDevice)
	}
	width := dev.SampleWidth()
	pauseBuffers := int(math.Ceil(l.PauseThreshold.Seconds() / spb))
	phraseBuffers := int(math.Ceil(l.PhraseThreshold.Seconds() / spb))
	nonSpeakingBuffers := int(math.Ceil(l.NonSpeakingDuration.Seconds() / spb))

	elapsed := 0.0
	var frames [][]byte
	var pauseCount int
	for {
		frames = frames[:0]

		// wait for energy above threshold
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			elapsed += spb
			if timeout > 0 && elapsed > timeout.Seconds() {
				return nil, ErrWaitTimeout
			}
			buf, err := dev.Read(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: read: %v", ErrDevice, err)
			}
			frames = append(frames, buf)
			if len(frames) > nonSpeakingBuffers {
				frames = frames[1:]
			}
			energy := rms(buf, width)
			if energy > l.EnergyThreshold {
				break
			}
			if l.DynamicEnergy {
				damping := math.Pow(l.DynamicDamping, spb)
				target := energy * l.DynamicRatio
				l.EnergyThreshold = l.EnergyThreshold*damping + target*(1-damping)
			}
		}

		// record until the pause is long enough
		pauseCount = 0
		phraseCount := 0
		phraseStart := elapsed
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			elapsed += spb
			if phraseLimit > 0 && elapsed-phraseStart > phraseLimit.Seconds() {
				break
			}
			buf, err := dev.Read(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: read: %v", ErrDevice, err)
			}
			frames = append(frames, buf)
			phraseCount++
			if rms(buf, width) > l.EnergyThreshold {
				pauseCount = 0
			} else {
				pauseCount++
			}
			if pauseCount > pauseBuffers {
				break
			}
		}

		phraseCount -= pauseCount
		if phraseCount >= phraseBuffers || (phraseLimit > 0 && elapsed-phraseStart > phraseLimit.Seconds()) {
			break
		}
	}

	// keep at most NonSpeakingDuration of trailing silence
	for i := 0; i < pauseCount-nonSpeakingBuffers && len(frames) > 0; i++ {
		frames = frames[:len(frames)-1]
	}

	return &Data{
		PCM:         bytes.Join(frames, nil),
		SampleRate:  dev.SampleRate(),
		SampleWidth: width,
	}, nil
}

func secondsPerBuffer(dev Device) float64 {
	rate := dev.SampleRate()
	if rate <= 0 {
		return 0
	}
	return float64(dev.FramesPerBuffer()) / float64(rate)
}
