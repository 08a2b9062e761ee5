package document

import (
	"errors"
	"time"

	"github.com/dokvern/privshield/internal/pii"
)

// ProcessingStatus tracks where a document is in the pipeline.
type ProcessingStatus string

const (
	// StatusUploaded means raw bytes are stored but not yet transcribed.
	StatusUploaded ProcessingStatus = "uploaded"
	// StatusExtracted means transcription returned text. Detection runs
	// immediately afterwards, so the state is transient and never persisted.
	StatusExtracted ProcessingStatus = "extracted"
	// StatusReviewed means text is extracted, findings attached, awaiting a
	// redaction decision from the reviewer.
	StatusReviewed ProcessingStatus = "reviewed"
	// StatusRedactionDecided means the reviewer confirmed or skipped masking.
	StatusRedactionDecided ProcessingStatus = "redaction_decided"
	// StatusAnalyzing means the external analysis call is in flight.
	StatusAnalyzing ProcessingStatus = "analyzing"
	// StatusAnalyzed is terminal: the analysis output has been stored.
	StatusAnalyzed ProcessingStatus = "analyzed"
	// StatusError is terminal but retryable back into analyzing.
	StatusError ProcessingStatus = "error"
)

// RedactionStatus tracks the reviewer's masking decision.
type RedactionStatus string

const (
	RedactionPending       RedactionStatus = "pending"
	RedactionAutoDetected  RedactionStatus = "auto_detected"
	RedactionUserConfirmed RedactionStatus = "user_confirmed"
	RedactionSkipped       RedactionStatus = "skipped"
)

// Decided reports whether the reviewer has made a redaction decision. Only
// decided documents may cross the boundary to the analysis service.
func (s RedactionStatus) Decided() bool {
	return s == RedactionUserConfirmed || s == RedactionSkipped
}

// Typed pipeline errors. The store and the gate both produce them; the HTTP
// layer maps them to status codes with errors.Is.
var (
	// ErrNotFound means no document exists for the given ID.
	ErrNotFound = errors.New("document not found")
	// ErrGateViolation means analysis was requested before a redaction
	// decision was made. Never retried automatically.
	ErrGateViolation = errors.New("redaction decision required before analysis")
	// ErrConflictState means the document is already analyzing or analyzed.
	ErrConflictState = errors.New("document is already analyzing or analyzed")
	// ErrInvalidTransition means the requested operation does not apply to
	// the document's current state.
	ErrInvalidTransition = errors.New("operation not valid in current document state")
	// ErrUpstream means a collaborator (transcription or analysis) failed;
	// the document moves to error and can be retried.
	ErrUpstream = errors.New("upstream collaborator failure")
)

// Document is the persisted pipeline record for one uploaded file.
//
// MaskedAnalysisOutput is the audit trail of what actually crossed the
// privacy boundary; it is append-only and survives un-redaction.
type Document struct {
	ID                     string            `json:"id"`
	FileName               string            `json:"fileName"`
	MediaType              string            `json:"mediaType"`
	ExtractedText          string            `json:"-"` // never serialized outward
	Findings               []pii.Finding     `json:"findings"`
	RedactionStatus        RedactionStatus   `json:"redactionStatus"`
	MaskedText             string            `json:"-"`
	MaskMap                map[string]string `json:"-"`
	MaskedAnalysisOutput   string            `json:"-"`
	RestoredAnalysisOutput string            `json:"restoredAnalysisOutput,omitempty"`
	NeedsAttention         bool              `json:"needsAttention"`
	ProcessingStatus       ProcessingStatus  `json:"processingStatus"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}
