package gate

import (
	"context"
	"fmt"

	"github.com/dokvern/privshield/internal/document"
	"github.com/dokvern/privshield/internal/logger"
	"github.com/dokvern/privshield/internal/pii"
	"github.com/dokvern/privshield/internal/upstream"
	"go.uber.org/zap"
)

// Store persists documents and serializes the one transition that matters:
// the conditional move into analyzing.
type Store interface {
	Create(ctx context.Context, doc *document.Document) error
	Get(ctx context.Context, id string) (*document.Document, error)
	SaveExtraction(ctx context.Context, id, text string, findings []pii.Finding) error
	UpdateFindings(ctx context.Context, id string, findings []pii.Finding) error
	SaveRedaction(ctx context.Context, id string, status document.RedactionStatus, maskedText string, maskMap map[string]string) error
	// TransitionToAnalyzing performs a conditional check-and-set: it succeeds
	// only when the redaction decision is made and no analysis is in flight.
	// It returns document.ErrGateViolation, document.ErrConflictState or
	// document.ErrNotFound otherwise.
	TransitionToAnalyzing(ctx context.Context, id string) error
	SaveAnalysis(ctx context.Context, id, maskedOutput, restoredOutput string, needsAttention bool) error
	MarkError(ctx context.Context, id string) error
}

// Transcriber turns raw document bytes into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mediaType string) (string, error)
}

// Analyzer accepts masked text and returns the service's free-form output.
type Analyzer interface {
	Analyze(ctx context.Context, maskedText string) (string, error)
}

// OutputCache caches analyzer output keyed by the exact text that was sent.
// A retry of an identical masked text reuses the cached output instead of
// crossing the boundary a second time.
type OutputCache interface {
	Get(ctx context.Context, sentText string) (string, bool)
	Set(ctx context.Context, sentText, output string)
}

// Publisher broadcasts pipeline events for the review dashboard. It must
// never receive document content, only statuses and counts.
type Publisher interface {
	PublishStatus(documentID string, status document.ProcessingStatus)
	PublishDetection(documentID string, findings []pii.Finding)
}

// Gate sequences the privacy pipeline for documents and refuses to invoke
// the analysis collaborator until a redaction decision exists. It is the
// enforcement point of the whole pipeline's privacy guarantee.
type Gate struct {
	store       Store
	detector    *pii.Detector
	transcriber Transcriber
	analyzer    Analyzer
	cache       OutputCache
	events      Publisher
	logger      *logger.Logger
}

// Options carries the optional collaborators of a Gate.
type Options struct {
	Cache  OutputCache
	Events Publisher
}

// New creates a new privacy gate
func New(store Store, detector *pii.Detector, transcriber Transcriber, analyzer Analyzer, opts Options, log *logger.Logger) *Gate {
	return &Gate{
		store:       store,
		detector:    detector,
		transcriber: transcriber,
		analyzer:    analyzer,
		cache:       opts.Cache,
		events:      opts.Events,
		logger:      log,
	}
}

// Ingest runs uploaded -> reviewed: the document is created, transcribed and
// scanned for PII in one step. A transcription failure moves the document to
// error and aborts.
func (g *Gate) Ingest(ctx context.Context, doc *document.Document, data []byte) (*document.Document, error) {
	doc.ProcessingStatus = document.StatusUploaded
	doc.RedactionStatus = document.RedactionPending

	if err := g.store.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	g.publishStatus(doc.ID, document.StatusUploaded)

	text, err := g.transcriber.Transcribe(ctx, data, doc.MediaType)
	if err != nil {
		g.logger.WithDocumentID(doc.ID).Error("Transcription failed", zap.Error(err))
		g.markError(ctx, doc.ID)
		return nil, fmt.Errorf("transcription failed: %w: %w", document.ErrUpstream, err)
	}

	g.publishStatus(doc.ID, document.StatusExtracted)

	findings := g.detector.Detect(text)
	if err := g.store.SaveExtraction(ctx, doc.ID, text, findings); err != nil {
		return nil, fmt.Errorf("failed to save extraction: %w", err)
	}

	g.logger.WithDocumentID(doc.ID).Info("Document extracted and scanned",
		zap.Int("findings", len(findings)),
	)
	g.publishStatus(doc.ID, document.StatusReviewed)
	if g.events != nil {
		g.events.PublishDetection(doc.ID, findings)
	}

	return g.store.Get(ctx, doc.ID)
}

// Get returns the current state of a document.
func (g *Gate) Get(ctx context.Context, id string) (*document.Document, error) {
	return g.store.Get(ctx, id)
}

// ToggleFinding flips the confirmed flag of one finding. This is the only
// mutation the review surface may apply to a finding, and only while the
// document awaits a redaction decision.
func (g *Gate) ToggleFinding(ctx context.Context, id string, index int) (*document.Document, error) {
	doc, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc.ProcessingStatus != document.StatusReviewed {
		return nil, fmt.Errorf("cannot toggle findings in state %s: %w", doc.ProcessingStatus, document.ErrInvalidTransition)
	}
	if index < 0 || index >= len(doc.Findings) {
		return nil, fmt.Errorf("finding index %d out of range: %w", index, document.ErrInvalidTransition)
	}

	doc.Findings[index].Confirmed = !doc.Findings[index].Confirmed
	if err := g.store.UpdateFindings(ctx, id, doc.Findings); err != nil {
		return nil, fmt.Errorf("failed to update findings: %w", err)
	}

	return doc, nil
}

// Confirm runs reviewed -> redaction-decided with masking applied: the
// confirmed findings are redacted and the masked text plus mask map are
// persisted. A decided document never re-enters review; a changed decision
// requires a fresh detection pass.
func (g *Gate) Confirm(ctx context.Context, id string) (*document.Document, error) {
	doc, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc.ProcessingStatus != document.StatusReviewed {
		return nil, fmt.Errorf("cannot confirm redaction in state %s: %w", doc.ProcessingStatus, document.ErrInvalidTransition)
	}

	result := pii.Redact(doc.ExtractedText, doc.Findings)
	if err := g.store.SaveRedaction(ctx, id, document.RedactionUserConfirmed, result.MaskedText, result.MaskMap); err != nil {
		return nil, fmt.Errorf("failed to save redaction: %w", err)
	}

	g.logger.WithDocumentID(id).Info("Redaction confirmed",
		zap.Int("masked_values", len(result.MaskMap)),
	)
	g.publishStatus(id, document.StatusRedactionDecided)

	return g.store.Get(ctx, id)
}

// Skip runs reviewed -> redaction-decided without masking: the original
// extracted text goes downstream unchanged. The reviewer's explicit choice.
func (g *Gate) Skip(ctx context.Context, id string) (*document.Document, error) {
	doc, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc.ProcessingStatus != document.StatusReviewed {
		return nil, fmt.Errorf("cannot skip redaction in state %s: %w", doc.ProcessingStatus, document.ErrInvalidTransition)
	}

	if err := g.store.SaveRedaction(ctx, id, document.RedactionSkipped, "", nil); err != nil {
		return nil, fmt.Errorf("failed to save redaction decision: %w", err)
	}

	g.logger.WithDocumentID(id).Info("Redaction skipped by reviewer")
	g.publishStatus(id, document.StatusRedactionDecided)

	return g.store.Get(ctx, id)
}

// Analyze runs redaction-decided -> analyzing -> analyzed. The transition
// into analyzing is a conditional check-and-set in the store, so of two
// concurrent attempts exactly one proceeds and the other observes a
// conflict. Retrying from error re-enters here without repeating detection
// or review.
func (g *Gate) Analyze(ctx context.Context, id string) (*document.Document, error) {
	if err := g.store.TransitionToAnalyzing(ctx, id); err != nil {
		return nil, err
	}
	g.publishStatus(id, document.StatusAnalyzing)

	// From here on the document holds the analyzing state; any failure must
	// move it to error or no retry could ever re-enter.
	doc, err := g.store.Get(ctx, id)
	if err != nil {
		g.markError(ctx, id)
		return nil, err
	}

	// The only two texts that may ever cross the boundary: the masked text,
	// or the original when the reviewer explicitly skipped masking.
	sendText := doc.MaskedText
	if doc.RedactionStatus == document.RedactionSkipped {
		sendText = doc.ExtractedText
	}

	maskedOutput, cached := g.cachedOutput(ctx, sendText)
	if !cached {
		maskedOutput, err = g.analyzer.Analyze(ctx, sendText)
		if err != nil {
			g.logger.WithDocumentID(id).Error("Analysis call failed", zap.Error(err))
			g.markError(ctx, id)
			return nil, fmt.Errorf("analysis failed: %w: %w", document.ErrUpstream, err)
		}
		if g.cache != nil {
			g.cache.Set(ctx, sendText, maskedOutput)
		}
	}

	restoredOutput, needsAttention := g.restore(id, maskedOutput, doc.MaskMap)

	// The masked output is stored verbatim regardless of how restoration
	// went: it is the audit record of what crossed the boundary.
	if err := g.store.SaveAnalysis(ctx, id, maskedOutput, restoredOutput, needsAttention); err != nil {
		g.markError(ctx, id)
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	g.logger.WithDocumentID(id).Info("Document analyzed",
		zap.Bool("needs_attention", needsAttention),
		zap.Bool("cache_hit", cached),
	)
	g.publishStatus(id, document.StatusAnalyzed)

	return g.store.Get(ctx, id)
}

// restore un-redacts the analyzer output and validates that the result still
// parses. If restoration breaks the structure, the still-masked output is
// returned instead and the document is flagged for attention rather than
// silently shown as final.
func (g *Gate) restore(id, maskedOutput string, maskMap map[string]string) (string, bool) {
	restored := pii.Unredact(maskedOutput, maskMap)

	if _, err := upstream.ParseAnalysis(restored); err == nil {
		return restored, false
	}

	if _, err := upstream.ParseAnalysis(maskedOutput); err == nil {
		g.logger.WithDocumentID(id).Warn("Restored output no longer parses, falling back to masked output")
		return maskedOutput, true
	}

	g.logger.WithDocumentID(id).Warn("Analysis output is not parseable, keeping restored text")
	return restored, true
}

// markError moves the document to error so a retry can re-enter analyzing.
func (g *Gate) markError(ctx context.Context, id string) {
	if err := g.store.MarkError(ctx, id); err != nil {
		g.logger.WithDocumentID(id).Error("Failed to mark document error", zap.Error(err))
	}
	g.publishStatus(id, document.StatusError)
}

func (g *Gate) cachedOutput(ctx context.Context, sentText string) (string, bool) {
	if g.cache == nil {
		return "", false
	}
	return g.cache.Get(ctx, sentText)
}

func (g *Gate) publishStatus(id string, status document.ProcessingStatus) {
	if g.events != nil {
		g.events.PublishStatus(id, status)
	}
}
