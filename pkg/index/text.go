package index

import (
	"strings"
	"unicode"
)

// TextIndex is an inverted index over engram content. It keeps exact-token
// postings, stemmed postings for looser matching, and per-document term
// statistics for relevance scoring.
type TextIndex struct {
	keywords map[string]IDSet
	stems    map[string]IDSet

	// docTerms holds per-document term frequencies; docLen the token count
	// per document. Both feed BM25 scoring in the search layer.
	docTerms map[string]map[string]int
	docLen   map[string]int
	totalLen int
}

// NewTextIndex creates an empty text index.
func NewTextIndex() *TextIndex {
	return &TextIndex{
		keywords: make(map[string]IDSet),
		stems:    make(map[string]IDSet),
		docTerms: make(map[string]map[string]int),
		docLen:   make(map[string]int),
	}
}

// Tokenize splits text on whitespace and punctuation, lowercases, and drops
// tokens shorter than three characters. Duplicates are preserved.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		if unicode.IsSpace(r) {
			return true
		}
		return r < 128 && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.ToLower(f)
		if len(t) >= 3 {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Stem strips one common English suffix, longest first, keeping stems of at
// least three characters: "running" -> "runn", "jumped" -> "jump",
// "classes" -> "class", "cats" -> "cat".
func Stem(word string) string {
	w := strings.ToLower(word)
	switch {
	case strings.HasSuffix(w, "ing") && len(w) > 5:
		return w[:len(w)-3]
	case strings.HasSuffix(w, "ed") && len(w) > 4:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "es") && len(w) > 4:
		return w[:len(w)-2]
	case strings.HasSuffix(w, "s") && len(w) > 3:
		return w[:len(w)-1]
	}
	return w
}

// Add indexes a document's content. Re-adding the same id replaces its
// previous postings, so add doubles as update.
func (ti *TextIndex) Add(id, content string) {
	ti.Remove(id)

	tokens := Tokenize(content)
	terms := make(map[string]int, len(tokens))
	for _, t := range tokens {
		terms[t]++
	}

	for t := range terms {
		addTo(ti.keywords, t, id)
		addTo(ti.stems, Stem(t), id)
	}
	ti.docTerms[id] = terms
	ti.docLen[id] = len(tokens)
	ti.totalLen += len(tokens)
}

// Remove clears a document from all postings.
func (ti *TextIndex) Remove(id string) {
	terms, ok := ti.docTerms[id]
	if !ok {
		return
	}
	for t := range terms {
		removeFrom(ti.keywords, t, id)
		removeFrom(ti.stems, Stem(t), id)
	}
	ti.totalLen -= ti.docLen[id]
	delete(ti.docTerms, id)
	delete(ti.docLen, id)
}

// FindByKeyword returns documents containing the exact token.
func (ti *TextIndex) FindByKeyword(keyword string) IDSet {
	return ti.keywords[strings.ToLower(keyword)].Clone()
}

// FindByStem returns documents whose stemmed tokens match the stemmed word.
func (ti *TextIndex) FindByStem(word string) IDSet {
	return ti.stems[Stem(word)].Clone()
}

// Matches is the per-token candidate set: exact postings plus stemmed
// postings. Both search modes and BM25 scoring build on it.
func (ti *TextIndex) Matches(token string) IDSet {
	return ti.FindByKeyword(token).Union(ti.stems[Stem(token)])
}

// SearchExact returns documents matching every query token (intersection).
// An empty query matches nothing.
func (ti *TextIndex) SearchExact(query string) IDSet {
	var result IDSet
	for _, t := range uniqueTokens(query) {
		matches := ti.Matches(t)
		if result == nil {
			result = matches
		} else {
			result = result.Intersect(matches)
		}
		if len(result) == 0 {
			break
		}
	}
	if result == nil {
		return make(IDSet)
	}
	return result
}

// SearchFuzzy returns documents matching any query token (union).
func (ti *TextIndex) SearchFuzzy(query string) IDSet {
	result := make(IDSet)
	for _, t := range uniqueTokens(query) {
		result.Union(ti.Matches(t))
	}
	return result
}

func uniqueTokens(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Tokenize(query) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ============================================================================
// Term statistics for relevance scoring
// ============================================================================

// DocCount returns the number of indexed documents.
func (ti *TextIndex) DocCount() int { return len(ti.docTerms) }

// DocLength returns the token count of a document.
func (ti *TextIndex) DocLength(id string) int { return ti.docLen[id] }

// AvgDocLength returns the mean token count across documents.
func (ti *TextIndex) AvgDocLength() float64 {
	if len(ti.docLen) == 0 {
		return 0
	}
	return float64(ti.totalLen) / float64(len(ti.docLen))
}

// TermFrequency returns how often a token occurs in a document.
func (ti *TextIndex) TermFrequency(id, token string) int {
	return ti.docTerms[id][strings.ToLower(token)]
}

// MatchFrequency returns how often a token or any term sharing its stem
// occurs in a document. Documents reached through stemmed postings score
// on this rather than on an exact count of zero.
func (ti *TextIndex) MatchFrequency(id, token string) int {
	terms, ok := ti.docTerms[id]
	if !ok {
		return 0
	}
	token = strings.ToLower(token)
	if tf := terms[token]; tf > 0 {
		return tf
	}
	stem := Stem(token)
	total := 0
	for term, tf := range terms {
		if Stem(term) == stem {
			total += tf
		}
	}
	return total
}

// DocFrequency returns how many documents contain a token.
func (ti *TextIndex) DocFrequency(token string) int {
	return len(ti.keywords[strings.ToLower(token)])
}

// MatchDocFrequency returns how many documents the token reaches through
// exact or stemmed postings.
func (ti *TextIndex) MatchDocFrequency(token string) int {
	return len(ti.Matches(token))
}
