// Package openai provides image and speech generators backed by the OpenAI API.
//
// Images are requested as base64 JSON so that no second download is needed;
// when a model only returns URLs the image is fetched with the same HTTP
// client. Speech is requested as raw 24 kHz mono PCM so that it can be played
// without a decoder.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/provider/media"
)

const (
	// DefaultImageModel is used when no image model is configured.
	DefaultImageModel = oai.ImageModelDallE3

	// DefaultSpeechModel is used when no speech model is configured.
	DefaultSpeechModel = oai.SpeechModelTTS1

	// DefaultVoice is the narrator voice used when none is configured.
	DefaultVoice = oai.AudioSpeechNewParamsVoiceSage
)

// speechFormat is the fixed format of OpenAI "pcm" speech responses.
var speechFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Compile-time interface assertions.
var (
	_ media.ImageGenerator  = (*Provider)(nil)
	_ media.SpeechGenerator = (*Provider)(nil)
)

// Provider generates portraits and narration through OpenAI.
type Provider struct {
	client      oai.Client
	http        *http.Client
	imageModel  string
	speechModel string
	voice       oai.AudioSpeechNewParamsVoice
	size        oai.ImageGenerateParamsSize
	speed       float64
}

// config holds optional configuration for the provider.
type config struct {
	baseURL     string
	imageModel  string
	speechModel string
	voice       string
	size        string
	speed       float64
	timeout     time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithImageModel selects the image model (e.g. "dall-e-3", "gpt-image-1").
func WithImageModel(m string) Option {
	return func(c *config) { c.imageModel = m }
}

// WithSpeechModel selects the speech model (e.g. "tts-1-hd").
func WithSpeechModel(m string) Option {
	return func(c *config) { c.speechModel = m }
}

// WithVoice selects the narrator voice (e.g. "alloy", "sage").
func WithVoice(v string) Option {
	return func(c *config) { c.voice = v }
}

// WithImageSize sets the requested image dimensions (e.g. "1024x1024").
func WithImageSize(s string) Option {
	return func(c *config) { c.size = s }
}

// WithSpeed sets the narration speed multiplier (0.25–4.0).
func WithSpeed(s float64) Option {
	return func(c *config) { c.speed = s }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai media: apiKey must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{Timeout: cfg.timeout}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	p := &Provider{
		client:      oai.NewClient(reqOpts...),
		http:        httpClient,
		imageModel:  cfg.imageModel,
		speechModel: cfg.speechModel,
		voice:       oai.AudioSpeechNewParamsVoice(cfg.voice),
		size:        oai.ImageGenerateParamsSize(cfg.size),
		speed:       cfg.speed,
	}
	if p.imageModel == "" {
		p.imageModel = DefaultImageModel
	}
	if p.speechModel == "" {
		p.speechModel = DefaultSpeechModel
	}
	if p.voice == "" {
		p.voice = DefaultVoice
	}
	if p.size == "" {
		p.size = oai.ImageGenerateParamsSize1024x1024
	}
	return p, nil
}

// GenerateImage implements media.ImageGenerator.
func (p *Provider) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	params := oai.ImageGenerateParams{
		Prompt: prompt,
		Model:  p.imageModel,
		Size:   p.size,
		N:      param.NewOpt[int64](1),
	}
	// gpt-image-1 always answers with base64 and rejects response_format.
	if p.imageModel != oai.ImageModelGPTImage1 {
		params.ResponseFormat = oai.ImageGenerateParamsResponseFormatB64JSON
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai media: generate image: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai media: generate image: %w", media.ErrEmptyPayload)
	}

	img := resp.Data[0]
	switch {
	case img.B64JSON != "":
		b, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("openai media: decode image: %w", err)
		}
		return b, nil
	case img.URL != "":
		return p.download(ctx, img.URL)
	}
	return nil, fmt.Errorf("openai media: generate image: %w", media.ErrEmptyPayload)
}

// GenerateSpeech implements media.SpeechGenerator.
func (p *Provider) GenerateSpeech(ctx context.Context, text string) (media.Speech, error) {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.speechModel,
		Voice:          p.voice,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed > 0 {
		params.Speed = param.NewOpt(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return media.Speech{}, fmt.Errorf("openai media: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return media.Speech{}, fmt.Errorf("openai media: read speech: %w", err)
	}
	if len(pcm) < 2 {
		return media.Speech{}, fmt.Errorf("openai media: synthesize: %w", media.ErrEmptyPayload)
	}
	return media.SpeechFromPCM(pcm[:len(pcm)&^1], speechFormat), nil
}

func (p *Provider) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("openai media: build download request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai media: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai media: download image: status %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("openai media: download image: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("openai media: download image: %w", media.ErrEmptyPayload)
	}
	return buf.Bytes(), nil
}
