// Package webhook delivers best-effort completion callbacks. A failed
// delivery is recorded on the job's callback status and never retried; it
// cannot affect the job status itself.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"speechflow/internal/domain"
	"speechflow/internal/infra"
)

// Callback delivery outcomes recorded in Job.CallbackStatus.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Payload is the body POSTed to the job's callback URL.
type Payload struct {
	JobID           string              `json:"job_id"`
	Status          domain.JobStatus    `json:"status"`
	WorkflowType    domain.WorkflowType `json:"workflow_type"`
	CompletedAt     *time.Time          `json:"completed_at"`
	TotalTokensUsed int                 `json:"total_tokens_used"`
	TotalCostUSD    float64             `json:"total_cost_usd"`
}

// Notifier POSTs job outcomes to submitter-provided callback URLs.
type Notifier struct {
	httpClient *http.Client
	logger     infra.Logger
}

// NewNotifier builds a notifier with a bounded delivery timeout.
func NewNotifier(timeout time.Duration, logger infra.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify delivers the callback for a finished job and returns the delivery
// status. Jobs without a callback URL return an empty status.
func (n *Notifier) Notify(ctx context.Context, job *domain.Job) string {
	url := job.CallbackURL
	if url == "" {
		url = job.Metadata["callback_url"]
	}
	if url == "" {
		return ""
	}

	body, err := json.Marshal(Payload{
		JobID:           job.ID,
		Status:          job.Status,
		WorkflowType:    job.WorkflowType,
		CompletedAt:     job.CompletedAt,
		TotalTokensUsed: job.TotalTokensUsed,
		TotalCostUSD:    job.TotalCostUSD,
	})
	if err != nil {
		n.logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: encode payload failed")
		return StatusFailed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: build request failed")
		return StatusFailed
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("job_id", job.ID).Msg("webhook: delivery failed")
		return StatusFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("job_id", job.ID).Msg("webhook: endpoint rejected callback")
		return StatusFailed
	}
	return StatusSuccess
}
