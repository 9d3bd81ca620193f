package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"quest/internal/domain"
	"quest/internal/observability"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"

	// MaxUploadBytes is the provider's upload ceiling.
	MaxUploadBytes = 25 << 20

	defaultTimeout = 60 * time.Second
)

// Config controls the speech-to-text endpoint.
type Config struct {
	APIKey     string
	APIBaseURL string
	Model      string
	Language   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider implements ports.Transcriber against an OpenAI-compatible
// /audio/transcriptions endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		cfg:    cfg,
		client: client,
		log:    observability.Default(cfg.Logger).With("component", "whisper"),
	}
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Transcribe submits one recording. There are no retries.
func (p *Provider) Transcribe(ctx context.Context, audio domain.AudioBuffer) (domain.Transcript, error) {
	if audio.Len() == 0 {
		return domain.Transcript{}, domain.NewError(domain.ErrorKindInvalidInput, "audio recording is empty")
	}
	if audio.Len() > MaxUploadBytes {
		return domain.Transcript{}, domain.NewError(domain.ErrorKindInvalidInput, "audio recording is %d bytes; the limit is 25MB", audio.Len())
	}

	key := strings.TrimSpace(p.cfg.APIKey)
	if key == "" {
		return domain.Transcript{}, domain.NewError(domain.ErrorKindMisconfigured, "OpenAI API key is not configured")
	}
	if !strings.HasPrefix(key, "sk-") {
		return domain.Transcript{}, domain.NewError(domain.ErrorKindMisconfigured, "OpenAI API key format is invalid")
	}

	body, contentType, err := p.buildForm(audio)
	if err != nil {
		return domain.Transcript{}, domain.WrapError(domain.ErrorKindInvalidInput, err, "could not build upload")
	}

	endpoint := strings.TrimRight(p.cfg.APIBaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return domain.Transcript{}, domain.WrapError(domain.ErrorKindMisconfigured, err, "invalid transcription endpoint")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+key)

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.Transcript{}, err
		}
		return domain.Transcript{}, domain.WrapError(domain.ErrorKindNetworkError, err, "transcription request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Transcript{}, domain.WrapError(domain.ErrorKindNetworkError, err, "failed to read transcription response")
	}
	p.log.Debug("transcription response", "status", resp.StatusCode, "bytes", len(raw), "elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Transcript{}, statusError(resp.StatusCode, raw)
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Transcript{}, domain.WrapError(domain.ErrorKindRemoteError, err, "transcription response is not valid JSON")
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return domain.Transcript{}, domain.NewError(domain.ErrorKindEmptyResult, "no transcription text received")
	}

	return domain.Transcript{
		Text:     text,
		Language: parsed.Language,
		Duration: parsed.Duration,
	}, nil
}

func (p *Provider) buildForm(audio domain.AudioBuffer) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	mimeType := audio.MIMEType
	if mimeType == "" {
		mimeType = "audio/wav"
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, uploadFilename(mimeType)))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err := writer.WriteField("model", p.cfg.Model); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return nil, "", err
	}
	if lang := strings.TrimSpace(p.cfg.Language); lang != "" {
		if err := writer.WriteField("language", lang); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

func uploadFilename(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "webm"):
		return "recording.webm"
	case strings.Contains(mimeType, "ogg"):
		return "recording.ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return "recording.mp3"
	default:
		return "recording.wav"
	}
}

func statusError(status int, body []byte) error {
	var parsed errorResponse
	_ = json.Unmarshal(body, &parsed)
	message := strings.TrimSpace(parsed.Error.Message)

	switch status {
	case http.StatusUnauthorized:
		return domain.NewError(domain.ErrorKindUnauthorized, "invalid OpenAI API key")
	case http.StatusTooManyRequests:
		return domain.NewError(domain.ErrorKindRateLimited, "rate limit exceeded, please try again later")
	case http.StatusRequestEntityTooLarge:
		return domain.NewError(domain.ErrorKindPayloadTooLarge, "audio file too large")
	}
	if message == "" {
		message = "request failed"
	}
	return domain.NewError(domain.ErrorKindRemoteError, "OpenAI API error (%d): %s", status, message)
}
