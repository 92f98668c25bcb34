package extract

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/store"
)

func newExtractor() *Extractor {
	return New(config.ExtractionConfig{})
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const parserText = "The parser uses Pratt algorithm for operator precedence. " +
	"It is fast. " +
	"We chose sqlite for storage because it is zero-config."

func TestExtractKeepsScoringSentences(t *testing.T) {
	facts := newExtractor().Extract(parserText)

	require.Len(t, facts, 2)
	contents := []string{facts[0].Content, facts[1].Content}
	assert.Contains(t, contents[0]+contents[1], "Pratt")
	assert.Contains(t, contents[0]+contents[1], "sqlite")
	for _, f := range facts {
		assert.NotContains(t, f.Content, "It is fast")
		assert.GreaterOrEqual(t, f.Score, 3.0)
	}
}

func TestExtractOrdersByScore(t *testing.T) {
	facts := newExtractor().Extract(parserText)
	require.Len(t, facts, 2)
	assert.GreaterOrEqual(t, facts[0].Score, facts[1].Score)
}

func TestExtractImportanceFromCategory(t *testing.T) {
	facts := newExtractor().Extract("We decided to use the raft algorithm because it is understandable.")
	require.NotEmpty(t, facts)
	assert.Equal(t, "high", string(facts[0].Importance))
}

func TestExtractRespectsMinScore(t *testing.T) {
	e := New(config.ExtractionConfig{MinScore: 50})
	assert.Empty(t, e.Extract(parserText))
}

func TestExtractCapsAtMaxFacts(t *testing.T) {
	e := New(config.ExtractionConfig{MaxFacts: 1})
	facts := e.Extract(parserText)
	assert.Len(t, facts, 1)
}

func TestExtractDeduplicates(t *testing.T) {
	text := "The scheduler module uses a priority queue algorithm for ordering. " +
		"The scheduler module uses a priority queue algorithm for ordering tasks. " +
		"The billing layer chose event sourcing because audits require history."
	facts := newExtractor().Extract(text)

	require.Len(t, facts, 2)
	schedulerCount := 0
	for _, f := range facts {
		if Jaccard(f.Content, "The scheduler module uses a priority queue algorithm for ordering") > 0.7 {
			schedulerCount++
		}
	}
	assert.Equal(t, 1, schedulerCount)
}

func TestExtractIdempotent(t *testing.T) {
	e := newExtractor()
	first := e.Extract(parserText)
	second := e.Extract(parserText)
	assert.Equal(t, first, second)
}

func TestExtractAndStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ids, err := newExtractor().ExtractAndStore(ctx, s, parserText, "notes")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	topics, err := s.Topics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "notes", topics[0].Topic)
	assert.Equal(t, 2, topics[0].Count)
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First sentence here. Second sentence there! Third one maybe?")
	assert.Equal(t, []string{
		"First sentence here.",
		"Second sentence there!",
		"Third one maybe?",
	}, got)
}

func TestSplitSentencesRespectsQuotes(t *testing.T) {
	got := SplitSentences(`The error said "no such table: memories. run migrations" and stopped here.`)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "no such table")
}

func TestSplitSentencesDropsFragments(t *testing.T) {
	got := SplitSentences("OK. Yes. This fragment is long enough to keep.")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "long enough")
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("same words here", "same words here"))
	assert.Equal(t, 1.0, Jaccard("", ""))
	assert.Greater(t, Jaccard(
		"the parser uses pratt algorithm",
		"the parser uses pratt algorithm for parsing"), 0.7)
	assert.Less(t, Jaccard(
		"matrix operations use cofactor expansion",
		"complex numbers use conjugate division"), 0.3)
}

func TestFormatContext(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	empty, err := FormatContext(ctx, s, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = newExtractor().ExtractAndStore(ctx, s, parserText, "mathlib")
	require.NoError(t, err)

	out, err := FormatContext(ctx, s, "parser algorithm", 5)
	require.NoError(t, err)
	assert.Contains(t, out, "[mathlib]")
	assert.Contains(t, out, "Pratt")
	assert.Contains(t, out, "keywords:")
}
