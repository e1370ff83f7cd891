// Package coqui provides a speech generator backed by a self-hosted Coqui TTS
// server. Two server APIs are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu), GET /api/tts with query parameters.
//   - APIModeXTTS: the XTTS v2 API server, POST /tts_to_audio/ with a JSON body
//     naming a reference speaker.
//
// Both answer with a WAV file, which is unwrapped into raw PCM.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/provider/media"
)

// Compile-time interface assertion.
var _ media.SpeechGenerator = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second
	xttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	APIModeXTTS     APIMode = "xtts"
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server (e.g. "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSpeaker selects the narrator: a speaker id in standard mode, or a
// reference speaker WAV name in XTTS mode.
func WithSpeaker(id string) Option {
	return func(p *Provider) { p.speaker = id }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// Provider implements media.SpeechGenerator against a Coqui server.
type Provider struct {
	serverURL  string
	language   string
	speaker    string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Provider targeting serverURL (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	if p.apiMode == APIModeXTTS && p.speaker == "" {
		return nil, errors.New("coqui: xtts mode requires a speaker")
	}
	return p, nil
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// GenerateSpeech implements media.SpeechGenerator.
func (p *Provider) GenerateSpeech(ctx context.Context, text string) (media.Speech, error) {
	req, err := p.buildRequest(ctx, text)
	if err != nil {
		return media.Speech{}, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return media.Speech{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return media.Speech{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return media.Speech{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		return media.Speech{}, fmt.Errorf("coqui: %w", err)
	}
	if len(clip.PCM) == 0 {
		return media.Speech{}, fmt.Errorf("coqui: %w", media.ErrEmptyPayload)
	}
	return media.SpeechFromPCM(clip.PCM, clip.Format), nil
}

func (p *Provider) buildRequest(ctx context.Context, text string) (*http.Request, error) {
	if p.apiMode == APIModeXTTS {
		body, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: p.speaker, Language: p.language})
		if err != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("coqui: create tts request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	params := url.Values{}
	params.Set("text", text)
	if p.speaker != "" {
		params.Set("speaker_id", p.speaker)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}
