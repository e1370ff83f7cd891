// Package elevenlabs provides a speech generator backed by the ElevenLabs
// streaming WebSocket API. The whole narration is sent as one input and the
// streamed PCM chunks are collected into a single [media.Speech].
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/storyloom/pkg/audio"
	"github.com/MrWong99/storyloom/pkg/provider/media"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_multilingual_v2"
	defaultOutputFmt = "pcm_22050"

	// readLimit bounds a single WebSocket message; audio chunks are base64 PCM.
	readLimit = 8 << 20
)

// Compile-time interface assertion.
var _ media.SpeechGenerator = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.outputFormat = format
		}
	}
}

// WithEndpoint overrides the WebSocket origin (scheme and host).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// Provider implements media.SpeechGenerator for a single narrator voice.
type Provider struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	endpoint     string
}

// New creates a new ElevenLabs Provider. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := parseOutputFormat(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- WebSocket message types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// openMessage authenticates and configures the stream.
type openMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// GenerateSpeech implements media.SpeechGenerator.
func (p *Provider) GenerateSpeech(ctx context.Context, text string) (media.Speech, error) {
	if strings.TrimSpace(text) == "" {
		return media.Speech{}, errors.New("elevenlabs: text must not be empty")
	}
	format, _ := parseOutputFormat(p.outputFormat)

	conn, _, err := websocket.Dial(ctx, p.streamURL(), nil)
	if err != nil {
		return media.Speech{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(readLimit)

	msgs := []any{
		openMessage{
			Text:          " ", // the service requires a non-empty first text value
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
			XiAPIKey:      p.apiKey,
		},
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""}, // end of input
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return media.Speech{}, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var pcm bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return media.Speech{}, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return media.Speech{}, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return media.Speech{}, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}

	if pcm.Len() < 2 {
		return media.Speech{}, fmt.Errorf("elevenlabs: %w", media.ErrEmptyPayload)
	}
	data := pcm.Bytes()
	return media.SpeechFromPCM(data[:len(data)&^1], format), nil
}

func (p *Provider) streamURL() string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.endpoint, url.PathEscape(p.voiceID), q.Encode())
}

// parseOutputFormat maps "pcm_<rate>" to an audio format. Only raw PCM
// formats are accepted because the result is played without a decoder.
func parseOutputFormat(s string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: output format %q is not raw PCM", s)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", s)
	}
	return audio.Format{SampleRate: n, Channels: 1}, nil
}
