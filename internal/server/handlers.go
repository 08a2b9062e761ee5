package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dokvern/privshield/internal/document"
	"github.com/dokvern/privshield/internal/upstream"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// documentView is the outward document representation. Extracted text,
// masked text and the mask map never leave the service through it.
type documentView struct {
	ID               string                    `json:"id"`
	FileName         string                    `json:"fileName"`
	MediaType        string                    `json:"mediaType"`
	ProcessingStatus document.ProcessingStatus `json:"processingStatus"`
	RedactionStatus  document.RedactionStatus  `json:"redactionStatus"`
	FindingsCount    int                       `json:"findingsCount"`
	NeedsAttention   bool                      `json:"needsAttention"`
	CreatedAt        time.Time                 `json:"createdAt"`
	UpdatedAt        time.Time                 `json:"updatedAt"`
}

// findingView is the reviewer-facing finding. It includes the matched text:
// the review surface sits inside the trust boundary and the reviewer must
// see what will be masked to judge it.
type findingView struct {
	Index     int    `json:"index"`
	Category  string `json:"category"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Text      string `json:"text"`
	Mask      string `json:"mask"`
	Confirmed bool   `json:"confirmed"`
}

// resultView carries the restored analysis output. The structured analysis
// is attached when the output parses; the raw text is always present.
type resultView struct {
	ID               string                    `json:"id"`
	ProcessingStatus document.ProcessingStatus `json:"processingStatus"`
	NeedsAttention   bool                      `json:"needsAttention"`
	Output           string                    `json:"output"`
	Analysis         *upstream.Analysis        `json:"analysis,omitempty"`
}

func toDocumentView(doc *document.Document) documentView {
	return documentView{
		ID:               doc.ID,
		FileName:         doc.FileName,
		MediaType:        doc.MediaType,
		ProcessingStatus: doc.ProcessingStatus,
		RedactionStatus:  doc.RedactionStatus,
		FindingsCount:    len(doc.Findings),
		NeedsAttention:   doc.NeedsAttention,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

// handleUpload accepts raw document bytes and runs them through
// transcription and detection.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxUploadMB<<20)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "empty document")
		return
	}

	fileName := r.Header.Get("X-File-Name")
	if fileName == "" {
		fileName = "upload"
	}
	mediaType := r.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	doc := &document.Document{
		ID:        newDocumentID(),
		FileName:  fileName,
		MediaType: mediaType,
	}

	doc, err = s.pipeline.Ingest(r.Context(), doc, data)
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toDocumentView(doc))
}

// handleGetDocument returns a document's pipeline state.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentView(doc))
}

// handleListFindings returns the detected findings for review.
func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	views := make([]findingView, len(doc.Findings))
	for i, f := range doc.Findings {
		views[i] = findingView{
			Index:     i,
			Category:  string(f.Category),
			Start:     f.Start,
			End:       f.End,
			Text:      f.OriginalText,
			Mask:      f.Mask,
			Confirmed: f.Confirmed,
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleToggleFinding flips one finding's confirmed flag.
func (s *Server) handleToggleFinding(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid finding index")
		return
	}

	doc, err := s.pipeline.ToggleFinding(r.Context(), vars["id"], index)
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentView(doc))
}

// handleConfirm applies the confirmed findings as the redaction decision.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Confirm(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentView(doc))
}

// handleSkip records an explicit decision to analyze without masking.
func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Skip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentView(doc))
}

// handleAnalyze requests analysis; it also serves retries of failed runs.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Analyze(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDocumentView(doc))
}

// handleResult returns the restored analysis output.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	if doc.ProcessingStatus != document.StatusAnalyzed {
		s.writeError(w, r, http.StatusConflict, "analysis not complete")
		return
	}

	view := resultView{
		ID:               doc.ID,
		ProcessingStatus: doc.ProcessingStatus,
		NeedsAttention:   doc.NeedsAttention,
		Output:           doc.RestoredAnalysisOutput,
	}
	if analysis, err := upstream.ParseAnalysis(doc.RestoredAnalysisOutput); err == nil {
		view.Analysis = analysis
	}
	s.writeJSON(w, http.StatusOK, view)
}

// writePipelineError maps pipeline errors to HTTP status codes. Bodies stay
// generic; the detail goes to the log, never to the client.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "document not found")
	case errors.Is(err, document.ErrGateViolation):
		s.writeError(w, r, http.StatusPreconditionFailed, "redaction decision required before analysis")
	case errors.Is(err, document.ErrConflictState):
		s.writeError(w, r, http.StatusConflict, "document is already analyzing or analyzed")
	case errors.Is(err, document.ErrInvalidTransition):
		s.writeError(w, r, http.StatusConflict, "operation not valid in current document state")
	case errors.Is(err, document.ErrUpstream):
		s.writeError(w, r, http.StatusBadGateway, "upstream service failure")
	default:
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// newDocumentID generates a random document identifier.
func newDocumentID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
