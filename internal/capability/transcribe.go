package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"speechflow/internal/infra"
)

// TranscriberOptions controls how the transcription client is configured.
type TranscriberOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// HTTPTranscriber calls a speech-to-text inference service (a whisper
// server). Word and character counts are derived client-side from the
// returned text.
type HTTPTranscriber struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger

	modelName    string
	modelVersion string
}

// NewHTTPTranscriber builds a transcription client for the given endpoint.
func NewHTTPTranscriber(opts TranscriberOptions) *HTTPTranscriber {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPTranscriber{
		baseURL:      opts.BaseURL,
		httpClient:   client,
		logger:       opts.Logger,
		modelName:    "whisper-large-v3",
		modelVersion: "3",
	}
}

func (c *HTTPTranscriber) Model() (string, string) { return c.modelName, c.modelVersion }

type transcribeResponse struct {
	Text            string    `json:"text"`
	Segments        []Segment `json:"segments"`
	DurationSeconds float64   `json:"duration_seconds"`
	ModelName       string    `json:"model_name"`
	ModelVersion    string    `json:"model_version"`
}

func (c *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (*TranscriptionResult, error) {
	url := c.baseURL + "/transcribe"
	if language != "" {
		url += "?language=" + language
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return nil, classified(CodeTranscription, fmt.Sprintf("build transcribe request: %v", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classified(CodeTranscription, fmt.Sprintf("transcribe request: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classified(CodeTranscription, fmt.Sprintf("transcription service returned %d: %s", resp.StatusCode, body))
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classified(CodeTranscription, fmt.Sprintf("decode transcribe response: %v", err))
	}
	if out.ModelName != "" {
		c.modelName = out.ModelName
	}
	if out.ModelVersion != "" {
		c.modelVersion = out.ModelVersion
	}

	text := strings.TrimSpace(out.Text)
	wordCount := 0
	if text != "" {
		wordCount = len(strings.Fields(text))
	}

	if c.logger != nil {
		c.logger.Debug().
			Int("word_count", wordCount).
			Float64("audio_duration_seconds", out.DurationSeconds).
			Msg("transcribe: complete")
	}

	return &TranscriptionResult{
		Text:                 text,
		Segments:             out.Segments,
		AudioDurationSeconds: out.DurationSeconds,
		WordCount:            wordCount,
		CharCount:            len(text),
	}, nil
}
