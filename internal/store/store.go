package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/dokvern/privshield/internal/config"
	"github.com/dokvern/privshield/internal/document"
	"github.com/dokvern/privshield/internal/pii"
)

// Store handles document persistence in PostgreSQL. The conditional update
// in TransitionToAnalyzing is the serialization point for the pipeline's
// privacy guarantee.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New creates a new document store instance
func New(cfg *config.StorageConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Document store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))

	return store, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id                       TEXT PRIMARY KEY,
	file_name                TEXT NOT NULL DEFAULT '',
	media_type               TEXT NOT NULL DEFAULT '',
	extracted_text           TEXT NOT NULL DEFAULT '',
	findings                 JSONB NOT NULL DEFAULT '[]',
	redaction_status         TEXT NOT NULL DEFAULT 'pending',
	masked_text              TEXT NOT NULL DEFAULT '',
	mask_map                 JSONB NOT NULL DEFAULT '{}',
	masked_analysis_output   TEXT NOT NULL DEFAULT '',
	restored_analysis_output TEXT NOT NULL DEFAULT '',
	needs_attention          BOOLEAN NOT NULL DEFAULT FALSE,
	processing_status        TEXT NOT NULL DEFAULT 'uploaded',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_documents_processing_status ON documents (processing_status);
`

// initialize checks the database connection and ensures the schema exists
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}

// documentRow is the database representation of a document; findings and the
// mask map travel as JSONB.
type documentRow struct {
	ID                     string          `db:"id"`
	FileName               string          `db:"file_name"`
	MediaType              string          `db:"media_type"`
	ExtractedText          string          `db:"extracted_text"`
	Findings               json.RawMessage `db:"findings"`
	RedactionStatus        string          `db:"redaction_status"`
	MaskedText             string          `db:"masked_text"`
	MaskMap                json.RawMessage `db:"mask_map"`
	MaskedAnalysisOutput   string          `db:"masked_analysis_output"`
	RestoredAnalysisOutput string          `db:"restored_analysis_output"`
	NeedsAttention         bool            `db:"needs_attention"`
	ProcessingStatus       string          `db:"processing_status"`
	CreatedAt              time.Time       `db:"created_at"`
	UpdatedAt              time.Time       `db:"updated_at"`
}

// storedFinding is the JSONB shape of a finding. Unlike the API
// representation, the original text is persisted: the redactor needs it, and
// the database sits inside the trust boundary.
type storedFinding struct {
	Category     string `json:"category"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	OriginalText string `json:"originalText"`
	Mask         string `json:"mask"`
	Confirmed    bool   `json:"confirmed"`
}

func encodeFindings(findings []pii.Finding) (json.RawMessage, error) {
	stored := make([]storedFinding, len(findings))
	for i, f := range findings {
		stored[i] = storedFinding{
			Category:     string(f.Category),
			Start:        f.Start,
			End:          f.End,
			OriginalText: f.OriginalText,
			Mask:         f.Mask,
			Confirmed:    f.Confirmed,
		}
	}
	return json.Marshal(stored)
}

func decodeFindings(raw json.RawMessage) ([]pii.Finding, error) {
	var stored []storedFinding
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	findings := make([]pii.Finding, len(stored))
	for i, f := range stored {
		findings[i] = pii.Finding{
			Category:     pii.Category(f.Category),
			Start:        f.Start,
			End:          f.End,
			OriginalText: f.OriginalText,
			Mask:         f.Mask,
			Confirmed:    f.Confirmed,
		}
	}
	return findings, nil
}

func (r *documentRow) toDocument() (*document.Document, error) {
	findings, err := decodeFindings(r.Findings)
	if err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}

	maskMap := make(map[string]string)
	if len(r.MaskMap) > 0 {
		if err := json.Unmarshal(r.MaskMap, &maskMap); err != nil {
			return nil, fmt.Errorf("failed to decode mask map: %w", err)
		}
	}

	return &document.Document{
		ID:                     r.ID,
		FileName:               r.FileName,
		MediaType:              r.MediaType,
		ExtractedText:          r.ExtractedText,
		Findings:               findings,
		RedactionStatus:        document.RedactionStatus(r.RedactionStatus),
		MaskedText:             r.MaskedText,
		MaskMap:                maskMap,
		MaskedAnalysisOutput:   r.MaskedAnalysisOutput,
		RestoredAnalysisOutput: r.RestoredAnalysisOutput,
		NeedsAttention:         r.NeedsAttention,
		ProcessingStatus:       document.ProcessingStatus(r.ProcessingStatus),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}, nil
}

// Create inserts a new document record
func (s *Store) Create(ctx context.Context, doc *document.Document) error {
	query := `
		INSERT INTO documents (id, file_name, media_type, redaction_status, processing_status)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		doc.ID,
		doc.FileName,
		doc.MediaType,
		string(doc.RedactionStatus),
		string(doc.ProcessingStatus),
	)
	if err != nil {
		s.logger.Error("Failed to insert document",
			zap.Error(err),
			zap.String("document_id", doc.ID))
		return fmt.Errorf("failed to insert document: %w", err)
	}

	return nil
}

// Get fetches one document by ID
func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}

	return row.toDocument()
}

// SaveExtraction stores the extracted text and its findings, moving the
// document into review.
func (s *Store) SaveExtraction(ctx context.Context, id, text string, findings []pii.Finding) error {
	encoded, err := encodeFindings(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	query := `
		UPDATE documents
		SET extracted_text = $2,
		    findings = $3,
		    redaction_status = $4,
		    processing_status = $5,
		    updated_at = NOW()
		WHERE id = $1`

	return s.exec(ctx, id, query, id, text, encoded,
		string(document.RedactionAutoDetected), string(document.StatusReviewed))
}

// UpdateFindings persists reviewer toggles. Only allowed while the document
// is still in review.
func (s *Store) UpdateFindings(ctx context.Context, id string, findings []pii.Finding) error {
	encoded, err := encodeFindings(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	query := `
		UPDATE documents
		SET findings = $2, updated_at = NOW()
		WHERE id = $1 AND processing_status = $3`

	return s.exec(ctx, id, query, id, encoded, string(document.StatusReviewed))
}

// SaveRedaction records the reviewer's decision and the redaction artifacts.
func (s *Store) SaveRedaction(ctx context.Context, id string, status document.RedactionStatus, maskedText string, maskMap map[string]string) error {
	if maskMap == nil {
		maskMap = map[string]string{}
	}
	encoded, err := json.Marshal(maskMap)
	if err != nil {
		return fmt.Errorf("failed to encode mask map: %w", err)
	}

	query := `
		UPDATE documents
		SET redaction_status = $2,
		    masked_text = $3,
		    mask_map = $4,
		    processing_status = $5,
		    updated_at = NOW()
		WHERE id = $1 AND processing_status = $6`

	return s.exec(ctx, id, query, id, string(status), maskedText, encoded,
		string(document.StatusRedactionDecided), string(document.StatusReviewed))
}

// TransitionToAnalyzing performs the guarded check-and-set into analyzing.
// The WHERE clause encodes the whole privacy guarantee: a redaction decision
// must exist and no analysis may be in flight or finished.
func (s *Store) TransitionToAnalyzing(ctx context.Context, id string) error {
	query := `
		UPDATE documents
		SET processing_status = $2, updated_at = NOW()
		WHERE id = $1
		  AND processing_status IN ($3, $4)
		  AND redaction_status IN ($5, $6)`

	res, err := s.db.ExecContext(ctx, query, id,
		string(document.StatusAnalyzing),
		string(document.StatusRedactionDecided), string(document.StatusError),
		string(document.RedactionUserConfirmed), string(document.RedactionSkipped))
	if err != nil {
		return fmt.Errorf("failed to transition document: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// The conditional update matched nothing; re-read to tell the caller
	// which guard rejected it.
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.ProcessingStatus == document.StatusAnalyzing || doc.ProcessingStatus == document.StatusAnalyzed {
		return document.ErrConflictState
	}
	return document.ErrGateViolation
}

// SaveAnalysis stores the analysis artifacts and completes the run. The
// masked output is appended to the audit column, never overwritten.
func (s *Store) SaveAnalysis(ctx context.Context, id, maskedOutput, restoredOutput string, needsAttention bool) error {
	query := `
		UPDATE documents
		SET masked_analysis_output = CASE
		        WHEN masked_analysis_output = '' THEN $2
		        ELSE masked_analysis_output || E'\n---\n' || $2
		    END,
		    restored_analysis_output = $3,
		    needs_attention = $4,
		    processing_status = $5,
		    updated_at = NOW()
		WHERE id = $1 AND processing_status = $6`

	return s.exec(ctx, id, query, id, maskedOutput, restoredOutput, needsAttention,
		string(document.StatusAnalyzed), string(document.StatusAnalyzing))
}

// MarkError moves the document into the retryable error state.
func (s *Store) MarkError(ctx context.Context, id string) error {
	query := `
		UPDATE documents
		SET processing_status = $2, updated_at = NOW()
		WHERE id = $1`

	return s.exec(ctx, id, query, id, string(document.StatusError))
}

// exec runs an update that must affect exactly one row.
func (s *Store) exec(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Document update failed",
			zap.Error(err),
			zap.String("document_id", id))
		return fmt.Errorf("document update failed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		// Either the document is missing or a status precondition failed.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return document.ErrInvalidTransition
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// maskDatabaseURL masks credentials in a database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if idx := strings.LastIndex(userPart, ":"); idx > strings.Index(userPart, "//") {
				parts[0] = userPart[:idx] + ":***"
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
