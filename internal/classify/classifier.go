// Package classify determines the question type of an inbound conversation.
//
// The backend is an LLM selected once at configuration load (openai or
// anthropic via langchaingo); the orchestrator only sees the Classifier
// interface and is agnostic to the concrete provider.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/retry"
	"github.com/supportdhq/supportd/internal/store"
)

// ErrUnavailable is returned when the classification backend cannot be
// reached after retries.
var ErrUnavailable = errors.New("classify: classification unavailable")

// Classification is the classifier's verdict.
type Classification struct {
	Type       store.QuestionType
	Confidence float64
}

// Classifier determines the question type of a message.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

const classificationPrompt = `Analyze the following message and classify it into one of these categories:

1. bug: The user is reporting a bug, error, or something not working as expected
2. how_to: The user is asking how to do something or requesting guidance
3. feature_request: The user is requesting a new feature or enhancement
4. ops_action: The user is requesting an operational action (restart service, clear cache, etc.)
5. other: Anything else that doesn't fit the above categories

Message: %s

Respond with ONLY the category name (bug, how_to, feature_request, ops_action, or other).`

// LLMClassifier classifies via a langchaingo model.
type LLMClassifier struct {
	llm     llms.Model
	limiter *rate.Limiter
	retry   retry.Config
	logger  *logging.Logger
}

// New builds the classifier for the configured provider.
func New(cfg config.ClassifierConfig, logger *logging.Logger) (*LLMClassifier, error) {
	llm, err := NewModel(cfg.Provider, cfg.Model, cfg.APIKey.Value(), cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier model: %w", err)
	}
	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 2
	}
	return &LLMClassifier{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		retry:   retry.DefaultConfig(),
		logger:  logger.Named("classify"),
	}, nil
}

// NewModel builds a langchaingo model for the given provider. Shared with
// the answer generator, which uses the same provider selection.
func NewModel(provider, model, apiKey, baseURL string) (llms.Model, error) {
	switch provider {
	case "openai":
		opts := []openai.Option{openai.WithToken(apiKey)}
		if model != "" {
			opts = append(opts, openai.WithModel(model))
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithToken(apiKey)}
		if model != "" {
			opts = append(opts, anthropic.WithModel(model))
		}
		if baseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(baseURL))
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// Classify maps the message to a question type. Transient backend failures
// are retried; exhaustion returns ErrUnavailable.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prompt := fmt.Sprintf(classificationPrompt, text)

	var raw string
	err := retry.Do(ctx, c.retry, func() error {
		out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
			llms.WithTemperature(0.1),
			llms.WithMaxTokens(10),
		)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		c.logger.Warn(ctx, "classification backend unavailable", zap.Error(err))
		return Classification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := ParseLabel(raw)
	c.logger.Info(ctx, "message classified",
		zap.String("label", raw),
		zap.String("question_type", string(result.Type)))
	return result, nil
}

// ParseLabel maps the raw model output onto a question type. Unknown labels
// fall back to "other" with low confidence rather than failing the
// conversation.
func ParseLabel(raw string) Classification {
	label := strings.ToLower(strings.TrimSpace(raw))
	label = strings.Trim(label, `."'`)

	switch store.QuestionType(label) {
	case store.QuestionBug, store.QuestionHowTo, store.QuestionFeatureRequest,
		store.QuestionOpsAction, store.QuestionOther:
		return Classification{Type: store.QuestionType(label), Confidence: 0.9}
	}
	return Classification{Type: store.QuestionOther, Confidence: 0.3}
}
