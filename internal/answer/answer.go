// Package answer produces grounded answers for confirmed questions.
//
// Retrieval and generation are separate capabilities: a Retriever pulls
// candidate documents for the channel's knowledge index, and the Generator
// synthesizes the final answer with an LLM. The orchestrator depends only on
// the Generator interface.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/retry"

	"go.uber.org/zap"
)

// Typed failures, converted to triggers at the orchestrator boundary.
var (
	ErrRetrieval  = errors.New("answer: retrieval failed")
	ErrGeneration = errors.New("answer: generation failed")
)

// Document is one retrieved knowledge-base entry.
type Document struct {
	ID         string
	Content    string
	Source     string
	Similarity float32
}

// Answer is the generated response.
type Answer struct {
	Text       string
	Citations  []string
	Confidence float64
}

// Retriever finds documents relevant to a question in a named index.
type Retriever interface {
	Retrieve(ctx context.Context, index, query string, params config.RetrievalParams) ([]Document, error)
}

// Generator answers a confirmed question.
type Generator interface {
	Answer(ctx context.Context, question, index string, params config.RetrievalParams) (Answer, error)
}

const answerPrompt = `You are a support assistant. Answer the question using only the provided context. Be concise and practical. If the context does not contain the answer, say so plainly.

Context:
%s

Question: %s

Answer:`

// RAGGenerator retrieves context and generates an answer with an LLM.
type RAGGenerator struct {
	retriever Retriever
	llm       llms.Model
	retry     retry.Config
	logger    *logging.Logger
}

// NewRAGGenerator wires a retriever and model together.
func NewRAGGenerator(retriever Retriever, llm llms.Model, logger *logging.Logger) *RAGGenerator {
	return &RAGGenerator{
		retriever: retriever,
		llm:       llm,
		retry:     retry.DefaultConfig(),
		logger:    logger.Named("answer"),
	}
}

// Answer retrieves documents above the channel's similarity threshold and
// synthesizes a response. Retrieval and generation failures are distinct so
// the orchestrator can audit them separately.
func (g *RAGGenerator) Answer(ctx context.Context, question, index string, params config.RetrievalParams) (Answer, error) {
	docs, err := g.retriever.Retrieve(ctx, index, question, params)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	var contextBlock strings.Builder
	citations := make([]string, 0, len(docs))
	for i, doc := range docs {
		fmt.Fprintf(&contextBlock, "[%d] %s\n", i+1, doc.Content)
		if doc.Source != "" {
			citations = append(citations, doc.Source)
		}
	}
	if contextBlock.Len() == 0 {
		contextBlock.WriteString("(no relevant documents found)")
	}

	prompt := fmt.Sprintf(answerPrompt, contextBlock.String(), question)

	var text string
	err = retry.Do(ctx, g.retry, func() error {
		out, genErr := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt,
			llms.WithTemperature(0.2),
		)
		if genErr != nil {
			return genErr
		}
		text = out
		return nil
	})
	if err != nil {
		g.logger.Warn(ctx, "answer generation failed", zap.Error(err))
		return Answer{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	confidence := 0.5
	if len(docs) > 0 {
		confidence = float64(docs[0].Similarity)
	}

	return Answer{
		Text:       strings.TrimSpace(text),
		Citations:  citations,
		Confidence: confidence,
	}, nil
}
