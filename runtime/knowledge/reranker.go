package knowledge

import (
	"math"
	"regexp"
	"strings"
)

// RerankerWeights combines dense, lexical, and intent signals, with a flat
// penalty subtracted for generic contact-info documents matched against an
// intentful query. Defaults are ported verbatim from the original hybrid
// reranker.
type RerankerWeights struct {
	Dense           float64
	Lexical         float64
	Intent          float64
	GenericPenalty  float64
}

// DefaultRerankerWeights mirrors RerankerWeights' dataclass defaults.
func DefaultRerankerWeights() RerankerWeights {
	return RerankerWeights{Dense: 0.5, Lexical: 0.35, Intent: 0.15, GenericPenalty: 0.4}
}

var stopWords = buildStopWords()

func buildStopWords() map[string]struct{} {
	words := []string{
		// English
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "shall",
		"should", "may", "might", "can", "could", "i", "me", "my", "we",
		"our", "you", "your", "he", "she", "it", "they", "them", "this",
		"that", "these", "those", "am", "if", "or", "but", "not", "no",
		"so", "at", "by", "for", "with", "about", "to", "from", "in", "on",
		"of", "and", "how", "what", "which", "who", "whom", "when", "where",
		"why", "all", "each", "every", "both", "few", "more", "most", "some",
		"any", "into", "through", "during", "before", "after", "above",
		"below", "up", "down", "out", "off", "over", "under", "again",
		"further", "then", "once", "here", "there", "just", "also", "very",
		"too", "only", "own", "same", "than", "tell", "know", "get",
		// Hindi / Hinglish (romanized)
		"ke", "ka", "ki", "hai", "hain", "aur", "se", "ko", "me", "mein",
		"par", "liye", "tha", "the", "thi", "ho", "hota", "hoti", "hote",
		"yeh", "woh", "kya", "nahi", "na", "ya", "bhi", "toh", "jo",
		"jab", "tak", "koi", "kuch", "sab", "bahut", "ek", "ye", "wo",
		"apna", "apni", "apne", "unka", "unki", "uske", "iske", "jaise",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var contactDocMarkers = []string{
	"phone:",
	"email:",
	"contact",
	"old rajinder nagar",
	"new delhi",
	"@",
}

var intentfulQueryMarkers = []string{
	"why",
	"join",
	"process",
	"services",
	"fees",
	"timings",
}

var wordPattern = regexp.MustCompile(`\w+`)

func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

func queryKeywords(text string) []string {
	var out []string
	for _, tok := range tokenize(text) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if len(tok) <= 1 {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// lexicalScore is a log-dampened term-frequency score: for each query
// keyword present in the document, 1 occurrence scores ~1.7, 3 score ~2.4,
// 6 score ~2.9 (1 + ln(1+count)) — averaged over matched keywords, not all keywords, so a
// strong partial match isn't penalized for the keywords it misses.
func lexicalScore(keywords []string, docText string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	docLower := strings.ToLower(docText)

	var total float64
	matched := 0
	for _, kw := range keywords {
		count := strings.Count(docLower, kw)
		if count > 0 {
			matched++
			total += 1.0 + math.Log(1+float64(count))
		}
	}
	if matched == 0 {
		return 0
	}
	return total / float64(matched)
}

// intentScore rewards documents containing multi-word phrases from the
// query: 60% weight on bigram overlap, 40% on trigram overlap when the
// query has at least 3 words. A single-word query falls back to an exact
// substring check.
func intentScore(query, docContent string) float64 {
	queryLower := strings.ToLower(query)
	docLower := strings.ToLower(docContent)

	words := tokenize(queryLower)
	if len(words) < 2 {
		if strings.Contains(docLower, strings.TrimSpace(queryLower)) {
			return 1.0
		}
		return 0.0
	}

	bigrams := make([]string, 0, len(words)-1)
	for i := 0; i < len(words)-1; i++ {
		bigrams = append(bigrams, words[i]+" "+words[i+1])
	}
	matchedBigrams := 0
	for _, bg := range bigrams {
		if strings.Contains(docLower, bg) {
			matchedBigrams++
		}
	}
	bigramScore := 0.0
	if len(bigrams) > 0 {
		bigramScore = float64(matchedBigrams) / float64(len(bigrams))
	}

	trigramScore := 0.0
	if len(words) >= 3 {
		trigrams := make([]string, 0, len(words)-2)
		for i := 0; i < len(words)-2; i++ {
			trigrams = append(trigrams, words[i]+" "+words[i+1]+" "+words[i+2])
		}
		matchedTrigrams := 0
		for _, tg := range trigrams {
			if strings.Contains(docLower, tg) {
				matchedTrigrams++
			}
		}
		if len(trigrams) > 0 {
			trigramScore = float64(matchedTrigrams) / float64(len(trigrams))
		}
	}

	return 0.6*bigramScore + 0.4*trigramScore
}

// genericDocPenalty returns 1.0 when the query is intentful (matches one of
// the intent markers) and the document carries two or more contact-info
// markers, else 0.0. Requiring multiple markers avoids over-penalizing
// ordinary documents that merely mention a phone number in passing.
func genericDocPenalty(query, docContent string) float64 {
	queryLower := strings.ToLower(query)
	intentful := false
	for _, marker := range intentfulQueryMarkers {
		if strings.Contains(queryLower, marker) {
			intentful = true
			break
		}
	}
	if !intentful {
		return 0
	}

	docLower := strings.ToLower(docContent)
	hits := 0
	for _, marker := range contactDocMarkers {
		if strings.Contains(docLower, marker) {
			hits++
		}
	}
	if hits >= 2 {
		return 1.0
	}
	return 0.0
}

// HybridRerank combines dense similarity (each Doc's existing Score) with
// lexical and intent signals, subtracting the generic-document penalty, and
// returns docs sorted by combined score descending. Doc slices of length 0
// or 1 are returned unchanged.
func HybridRerank(query string, docs []Doc, weights RerankerWeights) []Doc {
	if len(docs) <= 1 {
		return docs
	}

	keywords := queryKeywords(query)
	scored := make([]Doc, len(docs))
	copy(scored, docs)

	for i := range scored {
		dense := scored[i].Score
		lexical := lexicalScore(keywords, scored[i].Content)
		intent := intentScore(query, scored[i].Content)
		penalty := genericDocPenalty(query, scored[i].Content)

		scored[i].Score = weights.Dense*dense + weights.Lexical*lexical + weights.Intent*intent - weights.GenericPenalty*penalty
	}

	sortDocsByScoreDesc(scored)
	return scored
}

func sortDocsByScoreDesc(docs []Doc) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j].Score > docs[j-1].Score; j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}
