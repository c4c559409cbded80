// Package gemini implements live.Dialer on the Gemini Live API.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/room4-2/voicelive/live"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

// Dialer opens Live sessions with one shared GenAI client
type Dialer struct {
	client *genai.Client
}

var _ live.Dialer = (*Dialer)(nil)

// NewDialer creates the GenAI client used by every channel it opens
func NewDialer(ctx context.Context, apiKey string) (*Dialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Dialer{client: client}, nil
}

// Open implements live.Dialer
func (d *Dialer) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	ch, err := d.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Connect establishes the Live session and starts receiving
func (d *Dialer) Connect(ctx context.Context, cfg live.Config) (*Channel, error) {
	model := modelName(cfg.Model)
	ctx, span := tracer.Start(ctx, "connect gemini live")
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", model))

	session, err := d.client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		err = fmt.Errorf("%w: failed to connect to Live API: %w", live.ErrOpen, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Info("connected to Gemini Live", "model", model)
	return newChannel(session), nil
}

func modelName(model string) string {
	if model == "" {
		model = live.DefaultModel
	}
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func connectConfig(cfg live.Config) *genai.LiveConnectConfig {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = live.ModalityAudio
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(modality)},
	}
	if cfg.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemPrompt}},
		}
	}
	if cfg.Voice != "" {
		// Available voices: Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		config.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		config.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return config
}
