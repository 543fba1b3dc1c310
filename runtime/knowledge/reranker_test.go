package knowledge_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unpod/corertc/runtime/knowledge"
)

func TestHybridRerank_FeeDocOutranksContactDoc(t *testing.T) {
	docs := []knowledge.Doc{
		{ID: "contact", Content: "Contact us: phone: 555-1234, email: info@example.com, address: Old Rajinder Nagar, New Delhi.", Score: 0.6},
		{ID: "fees", Content: "The fees for the GS course are 45000 rupees per year, payable in two installments.", Score: 0.55},
	}

	reranked := knowledge.HybridRerank("fees for GS course", docs, knowledge.DefaultRerankerWeights())
	require.Len(t, reranked, 2)
	require.Equal(t, "fees", reranked[0].ID)
	require.Greater(t, reranked[0].Score, reranked[1].Score)
}

func TestHybridRerank_ShortSliceUnchanged(t *testing.T) {
	docs := []knowledge.Doc{{ID: "only", Score: 0.1}}
	require.Equal(t, docs, knowledge.HybridRerank("q", docs, knowledge.DefaultRerankerWeights()))

	var empty []knowledge.Doc
	require.Equal(t, empty, knowledge.HybridRerank("q", empty, knowledge.DefaultRerankerWeights()))
}

func TestHybridRerank_StableSortOnTiedScores(t *testing.T) {
	docs := []knowledge.Doc{
		{ID: "a", Score: 0.5},
		{ID: "b", Score: 0.5},
	}
	reranked := knowledge.HybridRerank("irrelevant query text", docs, knowledge.DefaultRerankerWeights())
	require.Len(t, reranked, 2)
}
