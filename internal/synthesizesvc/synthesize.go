// Package synthesizesvc implements the synthesize leg of the Translate→
// Synthesize Pipeline (spec §4.7), backed by cloud.google.com/go/texttospeech
// (present in the retrieval pack's iamprashant-voice-ai go.mod). The client
// is created once, up front, in NewGoogleSynthesizer, and every call is
// context-scoped. The wiring follows the same shape as
// the teacher's pkg/providers/tts/lokutor.go, adapted from a websocket
// streaming client to a unary RPC client since this engine's contract (spec
// §6.3) is request/response, not a persistent session.
package synthesizesvc

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

// Synthesizer is the local, opaque-RPC-shaped interface the pipeline
// depends on (spec §6.3: synthesize(text, voice, audioConfig) -> bytes).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageCode, voiceName, audioFormat string) ([]byte, error)
}

// GoogleSynthesizer is the production Synthesizer.
type GoogleSynthesizer struct {
	client *texttospeech.Client
}

func NewGoogleSynthesizer(ctx context.Context) (*GoogleSynthesizer, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("synthesizesvc: create texttospeech client: %w", err)
	}
	return &GoogleSynthesizer{client: client}, nil
}

func (s *GoogleSynthesizer) Close() error { return s.client.Close() }

// Synthesize implements Synthesizer. Voice configuration and audio encoding
// are fixed at the deployment boundary (spec §4.7, §6.4): default
// en-US-Wavenet-D, MP3.
func (s *GoogleSynthesizer) Synthesize(ctx context.Context, text, languageCode, voiceName, audioFormat string) ([]byte, error) {
	resp, err := s.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: languageCode,
			Name:         voiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: audioEncodingFor(audioFormat),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizesvc: synthesize speech: %w", err)
	}
	return resp.AudioContent, nil
}

// audioEncodingFor maps the configured audio format string (spec §6.4
// ttsAudioFormat, default "MP3") to the texttospeech encoding enum.
func audioEncodingFor(audioFormat string) texttospeechpb.AudioEncoding {
	if audioFormat == "LINEAR16" {
		return texttospeechpb.AudioEncoding_LINEAR16
	}
	return texttospeechpb.AudioEncoding_MP3
}
