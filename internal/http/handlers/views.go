package handlers

import (
	"strings"
	"time"

	"speechflow/internal/domain"
)

type stepView struct {
	StepName   domain.StepName   `json:"step_name"`
	Status     domain.StepStatus `json:"status"`
	RetryCount int               `json:"retry_count"`

	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	DequeuedAt  *time.Time `json:"dequeued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	QueueWaitMS          *int `json:"queue_wait_ms,omitempty"`
	ProcessingDurationMS *int `json:"processing_duration_ms,omitempty"`

	WorkerID     string `json:"worker_id,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`

	DetectedLanguage   string   `json:"detected_language,omitempty"`
	LanguageConfidence *float64 `json:"language_confidence,omitempty"`

	TranscriptWordCount *int     `json:"transcript_word_count,omitempty"`
	TranscriptionRTF    *float64 `json:"transcription_rtf,omitempty"`

	TotalTokens *int     `json:"total_tokens,omitempty"`
	APICostUSD  *float64 `json:"api_cost_usd,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type jobDetail struct {
	jobSummary
	CallbackURL    string     `json:"callback_url,omitempty"`
	CallbackStatus string     `json:"callback_status,omitempty"`
	CallbackSentAt *time.Time `json:"callback_sent_at,omitempty"`
	Steps          []stepView `json:"steps"`
}

type jobSummary struct {
	ID             string              `json:"id"`
	CustomerID     string              `json:"customer_id,omitempty"`
	WorkflowType   domain.WorkflowType `json:"workflow_type"`
	Status         domain.JobStatus    `json:"status"`
	AudioFilename  string              `json:"audio_filename,omitempty"`
	SourceLanguage string              `json:"source_language,omitempty"`
	TargetLanguage string              `json:"target_language,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalTokensUsed int     `json:"total_tokens_used"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

func summarizeJob(j *domain.Job) jobSummary {
	return jobSummary{
		ID:              j.ID,
		CustomerID:      j.CustomerID,
		WorkflowType:    j.WorkflowType,
		Status:          j.Status,
		AudioFilename:   j.AudioFilename,
		SourceLanguage:  j.SourceLanguage,
		TargetLanguage:  j.TargetLanguage,
		CreatedAt:       j.CreatedAt,
		QueuedAt:        j.QueuedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		TotalTokensUsed: j.TotalTokensUsed,
		TotalCostUSD:    j.TotalCostUSD,
	}
}

func viewJob(j *domain.Job, steps []domain.JobStep) jobDetail {
	views := make([]stepView, 0, len(steps))
	for i := range steps {
		views = append(views, viewStep(&steps[i]))
	}
	return jobDetail{
		jobSummary:     summarizeJob(j),
		CallbackURL:    j.CallbackURL,
		CallbackStatus: j.CallbackStatus,
		CallbackSentAt: j.CallbackSentAt,
		Steps:          views,
	}
}

func viewStep(s *domain.JobStep) stepView {
	return stepView{
		StepName:             s.StepName,
		Status:               s.Status,
		RetryCount:           s.RetryCount,
		QueuedAt:             s.QueuedAt,
		DequeuedAt:           s.DequeuedAt,
		StartedAt:            s.StartedAt,
		CompletedAt:          s.CompletedAt,
		QueueWaitMS:          s.QueueWaitMS,
		ProcessingDurationMS: s.ProcessingDurationMS,
		WorkerID:             s.WorkerID,
		ModelName:            s.ModelName,
		ModelVersion:         s.ModelVersion,
		DetectedLanguage:     s.DetectedLanguage,
		LanguageConfidence:   s.LanguageConfidence,
		TranscriptWordCount:  s.TranscriptWordCount,
		TranscriptionRTF:     s.TranscriptionRTF,
		TotalTokens:          s.TotalTokens,
		APICostUSD:           s.APICostUSD,
		ErrorCode:            s.ErrorCode,
		ErrorMessage:         s.ErrorMessage,
	}
}

func stepKey(name domain.StepName) string {
	return strings.ToLower(string(name))
}
