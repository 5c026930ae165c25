// Package translatesvc implements the translate leg of the Translate→
// Synthesize Pipeline (spec §4.7), grounded directly on
// MatchaCake-LiveSub/internal/translate/gemini.go: a google.golang.org/genai
// client that degrades to a fallback model for 30s after a 429/503/
// RESOURCE_EXHAUSTED/UNAVAILABLE response, then auto-recovers.
package translatesvc

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"
)

// Translator is the local, opaque-RPC-shaped interface the pipeline depends
// on (spec §6.3: translate(text, sourceLang, targetLang) -> {translatedText}).
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// GeminiTranslator is the production Translator.
type GeminiTranslator struct {
	client        *genai.Client
	model         string
	fallbackModel string
	degraded      atomic.Bool
	recoverAt     atomic.Int64
}

func NewGeminiTranslator(ctx context.Context, apiKey, model, fallbackModel string) (*GeminiTranslator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("translatesvc: create genai client: %w", err)
	}
	if fallbackModel == "" {
		fallbackModel = "gemini-2.0-flash"
	}
	return &GeminiTranslator{client: client, model: model, fallbackModel: fallbackModel}, nil
}

// Translate implements Translator. Source/target languages are fixed at the
// deployment boundary per spec §6.4 (nl -> en) but are accepted as
// parameters to keep the engine contract general, per §6.3.
func (t *GeminiTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(
		"Translate the following %s text to %s. Output ONLY the translation, "+
			"nothing else. Keep it natural and concise for a live speech broadcast.\n\n%s",
		sourceLang, targetLang, text,
	)

	model := t.activeModel()
	resp, err := t.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		if isTransientOverload(err) {
			t.degraded.Store(true)
			t.recoverAt.Store(time.Now().Add(30 * time.Second).UnixMilli())
			resp, err = t.client.Models.GenerateContent(ctx, t.fallbackModel, genai.Text(prompt), nil)
			if err != nil {
				return "", fmt.Errorf("translatesvc: gemini translate (fallback): %w", err)
			}
		} else {
			return "", fmt.Errorf("translatesvc: gemini translate: %w", err)
		}
	}

	return strings.TrimSpace(resp.Text()), nil
}

func isTransientOverload(err error) bool {
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "503") ||
		strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "UNAVAILABLE")
}

// activeModel returns the current model, auto-recovering from degraded
// state once the 30s window has elapsed.
func (t *GeminiTranslator) activeModel() string {
	if t.degraded.Load() {
		if time.Now().UnixMilli() >= t.recoverAt.Load() {
			t.degraded.Store(false)
			return t.model
		}
		return t.fallbackModel
	}
	return t.model
}

func (t *GeminiTranslator) Close() {}
