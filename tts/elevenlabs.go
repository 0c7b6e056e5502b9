package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/model"
)

var (
	// ErrUpstream covers transport failures and non-2xx responses.
	ErrUpstream = errors.New("speech synthesis request failed")
	// ErrEmptyAudio is returned when the provider answers 2xx with no audio.
	ErrEmptyAudio = errors.New("speech synthesis returned no audio")
)

type Options struct {
	APIKey     string
	BaseURL    string
	VoiceID    string
	ModelID    string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

type ElevenLabsClient struct {
	apiKey     string
	endpoint   string
	modelID    string
	httpClient *http.Client
	logger     *logrus.Logger
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func NewElevenLabsClient(opts Options) (*ElevenLabsClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	if opts.VoiceID == "" {
		return nil, errors.New("voice id is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("model id is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse elevenlabs base url")
	}
	base.Path = fmt.Sprintf("%s/v1/text-to-speech/%s", base.Path, url.PathEscape(opts.VoiceID))

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &ElevenLabsClient{
		apiKey:     opts.APIKey,
		endpoint:   base.String(),
		modelID:    opts.ModelID,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

// Synthesize converts the reply text to audio bytes.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text model.ReplyText) (model.SynthesizedAudio, error) {
	bodyBytes, err := json.Marshal(synthesisRequest{Text: string(text), ModelID: c.modelID})
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrUpstream, "bad status %s: %s", resp.Status, snippet(audio))
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	c.logger.WithFields(logrus.Fields{
		"audio_bytes":  len(audio),
		"content_type": resp.Header.Get("Content-Type"),
	}).Info("speech synthesized")
	return model.SynthesizedAudio(audio), nil
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
