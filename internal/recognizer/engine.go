package recognizer

import (
	"context"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

// StreamConfig is the opaque session configuration passed to StreamEngine
// (spec §6.3 treats the engine as an opaque RPC; this is the minimal shape
// the core depends on).
type StreamConfig struct {
	SampleRateHertz int
	LanguageCode    string
	Model           string
	Enhanced        bool
	InterimResults  bool
}

// EngineEvent is one event from a StreamSession's Recv loop.
type EngineEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// RecognizeConfig is the one-shot recognize() config (spec §6.3).
type RecognizeConfig struct {
	SampleRateHertz int
	LanguageCode    string
}

// RecognizeResult is one one-shot recognition alternative.
type RecognizeResult struct {
	Text       string
	Confidence float64
}

// StreamEngine starts new streaming sessions. A concrete implementation
// wraps whatever the current engine SDK looks like (spec §9: "implementers
// should consult the engine's current API and match it").
type StreamEngine interface {
	NewSession(ctx context.Context, cfg StreamConfig) (StreamSession, error)
}

// StreamSession is one long-lived streaming recognize call.
type StreamSession interface {
	SendAudio(ctx context.Context, chunk []byte) error
	Recv(ctx context.Context) (EngineEvent, error)
	CloseSend() error
}

// OneShotEngine performs a synchronous, non-streaming recognize call, used
// by the buffered fallback path (spec §4.9 step 5).
type OneShotEngine interface {
	Recognize(ctx context.Context, cfg RecognizeConfig, audio []byte) ([]RecognizeResult, error)
}

// GoogleEngine implements StreamEngine and OneShotEngine on top of
// cloud.google.com/go/speech apiv1, grounded on
// MatchaCake-LiveSub/internal/stt/google.go's client usage.
type GoogleEngine struct {
	client *speech.Client
}

func NewGoogleEngine(ctx context.Context) (*GoogleEngine, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("recognizer: create speech client: %w", err)
	}
	return &GoogleEngine{client: client}, nil
}

func (g *GoogleEngine) Close() error { return g.client.Close() }

func (g *GoogleEngine) NewSession(ctx context.Context, cfg StreamConfig) (StreamSession, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("recognizer: start streaming: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "latest_long"
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(cfg.SampleRateHertz),
					LanguageCode:    cfg.LanguageCode,
					Model:           model,
					UseEnhanced:     cfg.Enhanced,
				},
				InterimResults:  cfg.InterimResults,
				SingleUtterance: false,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("recognizer: send config: %w", err)
	}

	return &googleStreamSession{stream: stream}, nil
}

type googleStreamSession struct {
	stream speechpb.Speech_StreamingRecognizeClient
}

func (s *googleStreamSession) SendAudio(ctx context.Context, chunk []byte) error {
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

func (s *googleStreamSession) Recv(ctx context.Context) (EngineEvent, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return EngineEvent{}, io.EOF
		}
		return EngineEvent{}, err
	}
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		return EngineEvent{Text: alt.Transcript, IsFinal: result.IsFinal, Confidence: float64(alt.Confidence)}, nil
	}
	// No alternatives in this response (e.g. a voice-activity-only event);
	// the caller's Recv loop will simply call again.
	return EngineEvent{}, nil
}

func (s *googleStreamSession) CloseSend() error {
	return s.stream.CloseSend()
}

func (g *GoogleEngine) Recognize(ctx context.Context, cfg RecognizeConfig, audio []byte) ([]RecognizeResult, error) {
	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(cfg.SampleRateHertz),
			LanguageCode:    cfg.LanguageCode,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recognizer: one-shot recognize: %w", err)
	}

	var results []RecognizeResult
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		results = append(results, RecognizeResult{Text: alt.Transcript, Confidence: float64(alt.Confidence)})
	}
	return results, nil
}
