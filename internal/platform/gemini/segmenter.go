package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/segment"
)

const systemPrompt = `You restructure documents for retrieval.
Return the user's text as markdown. Keep every sentence and fact, do not summarize,
translate or add content. Group related sentences into paragraphs and put a short
"#" heading (use "##" and "###" for sub-sections) above each topic. Keep tables and
code blocks unchanged. Reply with the markdown only.`

// generator is the subset of *genai.Models the segmenter calls.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Segmenter implements segment.Service with a Gemini model.
type Segmenter struct {
	models     generator
	model      string
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

var _ segment.Service = (*Segmenter)(nil)

// NewSegmenter creates a Segmenter from the LLM configuration.
func NewSegmenter(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Segmenter, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %v", ErrInvalidConfig, err)
	}
	return newSegmenter(client.Models, cfg, logger)
}

func newSegmenter(models generator, cfg config.LLMConfig, logger *slog.Logger) (*Segmenter, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}
	s := &Segmenter{
		models:     models,
		model:      cfg.ModelName,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryDelay,
		logger:     logger.With("component", "gemini_segmenter"),
	}
	if s.maxRetries < 0 {
		s.maxRetries = 3
	}
	if s.baseDelay <= 0 {
		s.baseDelay = 2 * time.Second
	}
	return s, nil
}

// modelFor returns the requested model when it is a Gemini model and the
// configured default otherwise.
func (s *Segmenter) modelFor(requested string) string {
	if strings.HasPrefix(requested, "gemini") {
		return requested
	}
	return s.model
}

// Segment implements segment.Service.
func (s *Segmenter) Segment(ctx context.Context, req segment.Request) (segment.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return segment.Result{}, ErrEmptyText
	}
	model := s.modelFor(req.Model)
	log := s.logger.With("model", model, "billing_id", req.BillingID.String())

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Text}},
	}}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
	}

	for attempt := 0; ; attempt++ {
		resp, err := s.models.GenerateContent(ctx, model, contents, genCfg)
		if err == nil {
			res, perr := parseResponse(resp)
			if perr != nil {
				log.WarnContext(ctx, "unusable segmentation response", "error", perr)
				return segment.Result{}, perr
			}
			log.DebugContext(ctx, "segmentation call succeeded",
				"attempt", attempt+1,
				"input_tokens", res.InputTokens,
				"output_tokens", res.OutputTokens)
			return res, nil
		}

		if attempt >= s.maxRetries {
			log.ErrorContext(ctx, "segmentation call failed", "attempts", attempt+1, "error", err)
			return segment.Result{}, fmt.Errorf("%w: %w", ErrTransientFailure, err)
		}

		delay := s.backoff(attempt)
		log.WarnContext(ctx, "segmentation call failed, retrying",
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return segment.Result{}, fmt.Errorf("%w: %w", ErrTransientFailure, ctx.Err())
		}
	}
}

// backoff is baseDelay * 2^attempt scaled by a jitter factor in [0.5, 1).
func (s *Segmenter) backoff(attempt int) time.Duration {
	d := float64(s.baseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(d * (0.5 + rand.Float64()*0.5))
}

func parseResponse(resp *genai.GenerateContentResponse) (segment.Result, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return segment.Result{}, fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return segment.Result{}, ErrContentBlocked
	}
	if cand.Content == nil {
		return segment.Result{}, fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return segment.Result{}, fmt.Errorf("%w: empty text", ErrInvalidResponse)
	}

	res := segment.Result{Text: text}
	if u := resp.UsageMetadata; u != nil {
		res.InputTokens = int(u.PromptTokenCount)
		res.OutputTokens = int(u.CandidatesTokenCount)
	}
	return res, nil
}
