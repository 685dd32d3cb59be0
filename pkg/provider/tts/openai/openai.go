// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/candorlabs/viva/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// pcmSampleRate is the sample rate of the OpenAI PCM response format.
const pcmSampleRate = 24000

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
	voice  oai.AudioSpeechNewParamsVoice
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   oai.SpeechModel
	voice   oai.AudioSpeechNewParamsVoice
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model (e.g., "tts-1", "tts-1-hd").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = oai.SpeechModel(model)
	}
}

// WithVoice sets the voice (e.g., "alloy", "nova").
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = oai.AudioSpeechNewParamsVoice(voice)
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New creates a new OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}

	cfg := config{
		model: DefaultModel,
		voice: oai.AudioSpeechNewParamsVoiceAlloy,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
	}, nil
}

// Synthesize implements tts.Provider. It requests raw PCM so the duration
// can be measured from the sample count rather than estimated.
func (p *Provider) Synthesize(ctx context.Context, text string) (*tts.Audio, error) {
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          p.model,
		Voice:          p.voice,
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}

	return &tts.Audio{
		PCM:        pcm,
		SampleRate: pcmSampleRate,
		Duration:   PCMDuration(len(pcm), pcmSampleRate),
	}, nil
}

// PCMDuration returns the playback time of n bytes of 16-bit mono PCM at the
// given sample rate.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}
