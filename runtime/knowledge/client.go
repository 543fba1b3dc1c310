// Package knowledge implements the Knowledge Retrieval Client: a local
// vector-index cache fronting an external search service, reranked with a
// hybrid dense/lexical/intent scorer.
package knowledge

import (
	"context"
	"sync"
)

// Doc is a single retrievable knowledge document.
type Doc struct {
	ID      string
	Content string
	Score   float64
}

// UserState carries the caller-scoped context (knowledge-base tokens) that
// gates pre-warming and scopes remote queries.
type UserState struct {
	KnowledgeBaseTokens []string
}

// RemoteSearch queries the external search service (SEARCH_SERVICE_URL).
type RemoteSearch interface {
	Search(ctx context.Context, tokens []string, query string, limit int) ([]Doc, error)
	FetchPage(ctx context.Context, tokens []string, limit int) ([]Doc, error)
}

// LocalIndex is the in-process vector store the client pre-warms and
// queries before falling back to the remote search service.
type LocalIndex interface {
	Query(ctx context.Context, query string, limit int) ([]Doc, error)
	Insert(ctx context.Context, docs []Doc) error
}

// Client implements the Knowledge Retrieval Client.
type Client struct {
	remote  RemoteSearch
	local   LocalIndex
	weights RerankerWeights

	// minLocalResults is the threshold below which a remote query is
	// issued to supplement local results.
	minLocalResults int
	prewarmPageSize int

	mu         sync.Mutex
	prewarmed  map[string]bool
}

// Options configures a Client.
type Options struct {
	Remote RemoteSearch
	Local  LocalIndex

	MinLocalResults int
	PrewarmPageSize int
	Weights         *RerankerWeights
}

// New builds a Client. MinLocalResults defaults to 3, PrewarmPageSize to 50.
func New(opts Options) *Client {
	minResults := opts.MinLocalResults
	if minResults == 0 {
		minResults = 3
	}
	pageSize := opts.PrewarmPageSize
	if pageSize == 0 {
		pageSize = 50
	}
	weights := DefaultRerankerWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	return &Client{
		remote:          opts.Remote,
		local:           opts.Local,
		weights:         weights,
		minLocalResults: minResults,
		prewarmPageSize: pageSize,
		prewarmed:       make(map[string]bool),
	}
}

// PreWarm fetches a bounded page of documents for the given knowledge-base
// tokens and indexes them locally, if tokens are present and pre-warming
// hasn't already happened for this token set in this process.
func (c *Client) PreWarm(ctx context.Context, state UserState) error {
	if len(state.KnowledgeBaseTokens) == 0 {
		return nil
	}
	key := tokenSetKey(state.KnowledgeBaseTokens)

	c.mu.Lock()
	if c.prewarmed[key] {
		c.mu.Unlock()
		return nil
	}
	c.prewarmed[key] = true
	c.mu.Unlock()

	docs, err := c.remote.FetchPage(ctx, state.KnowledgeBaseTokens, c.prewarmPageSize)
	if err != nil {
		return err
	}
	return c.local.Insert(ctx, docs)
}

// GetDocs returns documents relevant to query, consulting the local index
// first and falling back to a remote query (whose results are inserted
// into the local index) whenever the local index returns fewer than
// minLocalResults. Results are reranked with the hybrid scorer before
// being returned.
func (c *Client) GetDocs(ctx context.Context, query string, state UserState) ([]Doc, error) {
	local, err := c.local.Query(ctx, query, c.minLocalResults*2)
	if err != nil {
		return nil, err
	}

	docs := local
	if len(local) < c.minLocalResults {
		remote, err := c.remote.Search(ctx, state.KnowledgeBaseTokens, query, c.minLocalResults*2)
		if err != nil {
			return nil, err
		}
		if len(remote) > 0 {
			if err := c.local.Insert(ctx, remote); err != nil {
				return nil, err
			}
		}
		docs = mergeDocs(local, remote)
	}

	return HybridRerank(query, docs, c.weights), nil
}

func mergeDocs(a, b []Doc) []Doc {
	seen := make(map[string]bool, len(a))
	out := make([]Doc, 0, len(a)+len(b))
	for _, d := range a {
		seen[d.ID] = true
		out = append(out, d)
	}
	for _, d := range b {
		if !seen[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

func tokenSetKey(tokens []string) string {
	key := ""
	for _, t := range tokens {
		key += t + "\x00"
	}
	return key
}
