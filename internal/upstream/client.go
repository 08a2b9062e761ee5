package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dokvern/privshield/internal/config"
	"github.com/dokvern/privshield/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// analyzerInstructions is sent alongside every analysis request. The service
// must treat mask tokens as opaque placeholders and echo them verbatim, or
// un-redaction cannot restore the original values afterwards.
const analyzerInstructions = "Placeholders like [KONTO *12345] or [EPOST A] are opaque tokens. " +
	"Reuse every token exactly as written; never alter, translate or expand them. " +
	"Respond with a JSON object with fields: classification, summary, concerns, deadlines, urgency, recommended_action."

// TranscriberClient calls the external transcription collaborator that turns
// raw document bytes into plain text.
type TranscriberClient struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *logger.Logger
}

// NewTranscriberClient creates a transcription client from upstream config
func NewTranscriberClient(cfg config.UpstreamConfig, log *logger.Logger) *TranscriberClient {
	return &TranscriberClient{
		endpoint: cfg.Transcriber,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.TranscriberRPS), cfg.TranscriberBurst),
		logger:   log,
	}
}

// Transcribe sends raw bytes with their declared media type and returns the
// extracted plain text. Failures are opaque to the caller.
func (c *TranscriberClient) Transcribe(ctx context.Context, data []byte, mediaType string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("transcriber rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mediaType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}

	c.logger.Debug("Transcription completed",
		zap.String("media_type", mediaType),
		zap.Int("input_bytes", len(data)),
		zap.Int("text_length", len(body)),
	)

	return string(body), nil
}

// AnalyzerClient calls the external structured-analysis collaborator. Only
// masked (or explicitly skipped) text may ever reach it; the gate enforces
// that before this client is invoked.
type AnalyzerClient struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *logger.Logger
}

// NewAnalyzerClient creates an analysis client from upstream config
func NewAnalyzerClient(cfg config.UpstreamConfig, log *logger.Logger) *AnalyzerClient {
	return &AnalyzerClient{
		endpoint: cfg.Analyzer,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.AnalyzerRPS), cfg.AnalyzerBurst),
		logger:   log,
	}
}

type analyzeRequest struct {
	Instructions string `json:"instructions"`
	Text         string `json:"text"`
}

// Analyze sends masked text and returns the service's free-form output. The
// caller owns timeout and cancellation through ctx; failures propagate as-is.
func (c *AnalyzerClient) Analyze(ctx context.Context, maskedText string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("analyzer rate limit: %w", err)
	}

	payload, err := json.Marshal(analyzeRequest{
		Instructions: analyzerInstructions,
		Text:         maskedText,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("analysis service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read analysis response: %w", err)
	}

	c.logger.Debug("Analysis completed",
		zap.Int("input_length", len(maskedText)),
		zap.Int("output_length", len(body)),
	)

	return string(body), nil
}
