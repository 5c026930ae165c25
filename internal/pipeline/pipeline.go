// Package pipeline implements the Translate→Synthesize Pipeline (spec §4.7):
// normalize, cache lookup, translate through retry+breaker, synthesize
// through retry+breaker, all under an outer pipeline timeout that itself
// counts as one breaker failure.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vertaler/s2sbroker/internal/breaker"
	"github.com/vertaler/s2sbroker/internal/retry"
	"github.com/vertaler/s2sbroker/internal/synthesizesvc"
	"github.com/vertaler/s2sbroker/internal/translatesvc"
)

// Config holds the pipeline's fixed-at-boundary options (spec §4.7, §6.4).
type Config struct {
	SourceLang      string
	TargetLang      string
	TranslateTimeout time.Duration
	TTSLanguageCode string
	TTSVoiceName    string
	TTSAudioFormat  string
	SynthesizeTimeout time.Duration
	PipelineTimeout time.Duration
	Retry           retry.Config
}

func DefaultConfig() Config {
	return Config{
		SourceLang:        "nl",
		TargetLang:        "en",
		TranslateTimeout:  10 * time.Second,
		TTSLanguageCode:   "en-US",
		TTSVoiceName:      "en-US-Wavenet-D",
		TTSAudioFormat:    "MP3",
		SynthesizeTimeout: 10 * time.Second,
		PipelineTimeout:   15 * time.Second,
		Retry:             retry.DefaultConfig(),
	}
}

// Pipeline wires the shared breaker and cache to the translate/synthesize
// engine clients (spec §4.7: "Pure function of Utterance with side effects
// only via the shared breaker and cache").
type Pipeline struct {
	cfg        Config
	translator translatesvc.Translator
	synth      synthesizesvc.Synthesizer
	breaker    *breaker.Breaker
	cache      *Cache
}

func New(cfg Config, translator translatesvc.Translator, synth synthesizesvc.Synthesizer, br *breaker.Breaker, cache *Cache) *Pipeline {
	return &Pipeline{cfg: cfg, translator: translator, synth: synth, breaker: br, cache: cache}
}

// Run executes the four steps of spec §4.7 for one finalized transcript.
func (p *Pipeline) Run(ctx context.Context, transcript string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PipelineTimeout)
	defer cancel()

	key := NormalizeKey(transcript)

	english, hit := p.cache.Get(key)
	if !hit {
		var translated string
		err := p.breaker.Call(ctx, func(callCtx context.Context) error {
			callCtx, cancel := context.WithTimeout(callCtx, p.cfg.TranslateTimeout)
			defer cancel()
			return retry.Do(callCtx, p.cfg.Retry, func(attemptCtx context.Context) error {
				out, err := p.translator.Translate(attemptCtx, transcript, p.cfg.SourceLang, p.cfg.TargetLang)
				if err != nil {
					return err
				}
				translated = out
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		if translated == "" {
			return nil, errors.New("pipeline: empty translation result")
		}
		p.cache.Put(key, translated) // I6: only cache on success
		english = translated
	}

	var audio []byte
	err := p.breaker.Call(ctx, func(callCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(callCtx, p.cfg.SynthesizeTimeout)
		defer cancel()
		return retry.Do(callCtx, p.cfg.Retry, func(attemptCtx context.Context) error {
			out, err := p.synth.Synthesize(attemptCtx, english, p.cfg.TTSLanguageCode, p.cfg.TTSVoiceName, p.cfg.TTSAudioFormat)
			if err != nil {
				return err
			}
			audio = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return audio, nil
}

// NormalizeKey implements I6: the transcript lowercased and whitespace-trimmed.
func NormalizeKey(transcript string) string {
	return strings.TrimSpace(strings.ToLower(transcript))
}
