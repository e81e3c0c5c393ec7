// Package capability defines the processing abilities a stage worker invokes:
// language identification, transcription, and AI text tasks. The worker
// runtime depends only on these interfaces; the HTTP clients in this package
// are the production implementations.
package capability

import "context"

// Error is a classified capability failure. The code travels on STEP_FAILED
// events and into the step row; it is set by the capability layer, never
// inferred from the text of an underlying error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Error codes set by the capability layer.
const (
	CodeLIDInference  = "LID_INFERENCE_ERROR"
	CodeTranscription = "TRANSCRIPTION_ERROR"
	CodeAIAPI         = "AI_API_ERROR"
	CodeMissingInput  = "MISSING_INPUT"
	CodeUnknownTask   = "UNKNOWN_TASK"
	CodeUnclassified  = "UNCLASSIFIED"
)

// Classify returns the error's code, or CodeUnclassified when the failure
// carries none.
func Classify(err error) string {
	if cerr, ok := err.(*Error); ok && cerr.Code != "" {
		return cerr.Code
	}
	return CodeUnclassified
}

func classified(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// LIDResult is the outcome of language identification.
type LIDResult struct {
	Language             string
	Confidence           float64
	AudioDurationSeconds float64
}

// LID identifies the spoken language of an audio clip.
type LID interface {
	Identify(ctx context.Context, audio []byte) (*LIDResult, error)
	Model() (name, version string)
}

// Segment is one timed span of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the outcome of speech-to-text.
type TranscriptionResult struct {
	Text                 string
	Segments             []Segment
	AudioDurationSeconds float64
	WordCount            int
	CharCount            int
}

// Transcriber converts audio in a given language to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (*TranscriptionResult, error)
	Model() (name, version string)
}

// AIResult is the outcome of an AI text task with its token spend.
type AIResult struct {
	Output           string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// AITask runs a named text task ("summarize" or "translate") with
// task-specific params such as target_lang and source_lang.
type AITask interface {
	Run(ctx context.Context, task, text string, params map[string]string) (*AIResult, error)
	Model() (name, version string)
}
