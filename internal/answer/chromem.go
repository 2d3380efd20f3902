package answer

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/supportdhq/supportd/internal/config"
)

// ChromemRetriever serves retrieval from an embedded chromem-go store. Each
// channel's rag_index maps to one collection.
type ChromemRetriever struct {
	db        *chromem.DB
	embedding chromem.EmbeddingFunc
}

// NewChromemRetriever opens (or creates) the persistent store at path.
// An empty apiKey falls back to chromem's default embedding backend.
func NewChromemRetriever(path, apiKey string) (*ChromemRetriever, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open retrieval index: %w", err)
	}

	embedding := chromem.NewEmbeddingFuncDefault()
	if apiKey != "" {
		embedding = chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI3Small)
	}

	return &ChromemRetriever{db: db, embedding: embedding}, nil
}

// Retrieve queries the index collection and filters by the channel's
// similarity threshold.
func (r *ChromemRetriever) Retrieve(ctx context.Context, index, query string, params config.RetrievalParams) ([]Document, error) {
	collection, err := r.db.GetOrCreateCollection(index, nil, r.embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", index, err)
	}

	n := params.TopK
	if count := collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if params.Namespace != "" {
		where = map[string]string{"namespace": params.Namespace}
	}

	results, err := collection.Query(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed for %s: %w", index, err)
	}

	docs := make([]Document, 0, len(results))
	for _, res := range results {
		if float64(res.Similarity) < params.SimilarityThreshold {
			continue
		}
		docs = append(docs, Document{
			ID:         res.ID,
			Content:    res.Content,
			Source:     res.Metadata["source"],
			Similarity: res.Similarity,
		})
	}
	return docs, nil
}
