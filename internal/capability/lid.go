package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"speechflow/internal/infra"
)

// LIDOptions controls how the LID client is configured.
type LIDOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// HTTPLID calls a language-identification inference service. The service
// accepts raw audio and answers with the detected language, a confidence
// score and the clip duration.
type HTTPLID struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger

	modelName    string
	modelVersion string
}

// NewHTTPLID builds an LID client for the given inference endpoint.
func NewHTTPLID(opts LIDOptions) *HTTPLID {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPLID{
		baseURL:      opts.BaseURL,
		httpClient:   client,
		logger:       opts.Logger,
		modelName:    "facebook/mms-lid-126",
		modelVersion: "1",
	}
}

func (c *HTTPLID) Model() (string, string) { return c.modelName, c.modelVersion }

type lidResponse struct {
	Language        string  `json:"language"`
	Confidence      float64 `json:"confidence"`
	DurationSeconds float64 `json:"duration_seconds"`
	ModelName       string  `json:"model_name"`
	ModelVersion    string  `json:"model_version"`
}

func (c *HTTPLID) Identify(ctx context.Context, audio []byte) (*LIDResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/identify", bytes.NewReader(audio))
	if err != nil {
		return nil, classified(CodeLIDInference, fmt.Sprintf("build lid request: %v", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classified(CodeLIDInference, fmt.Sprintf("lid request: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classified(CodeLIDInference, fmt.Sprintf("lid service returned %d: %s", resp.StatusCode, body))
	}

	var out lidResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classified(CodeLIDInference, fmt.Sprintf("decode lid response: %v", err))
	}
	if out.ModelName != "" {
		c.modelName = out.ModelName
	}
	if out.ModelVersion != "" {
		c.modelVersion = out.ModelVersion
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("language", out.Language).
			Float64("confidence", out.Confidence).
			Msg("lid: identified language")
	}

	return &LIDResult{
		Language:             out.Language,
		Confidence:           out.Confidence,
		AudioDurationSeconds: out.DurationSeconds,
	}, nil
}
