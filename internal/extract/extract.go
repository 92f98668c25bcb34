// Package extract implements the rule-based fact extraction (layer 0) and
// the context injection formatter (layer 2). No LLM calls, no network I/O.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/model"
	"github.com/icm-sh/icm/internal/store"
)

// Fact is one extracted sentence with its keyword score.
type Fact struct {
	Content    string           `json:"content"`
	Score      float64          `json:"score"`
	Importance model.Importance `json:"importance"`
	Keywords   []string         `json:"keywords,omitempty"`
}

// Category keyword lists. A sentence earns each category's weight once per
// keyword hit.
var categories = []struct {
	name     string
	keywords []string
}{
	{"architecture", []string{
		"architecture", "module", "component", "pipeline", "design",
		"structure", "layer", "system", "framework", "storage", "database",
		"deployed", "service", "schema",
	}},
	{"algorithm", []string{
		"algorithm", "complexity", "recursive", "parser", "precedence",
		"implements", "consensus", "replication", "heuristic", "hash",
		"index", "cache",
	}},
	{"decision", []string{
		"chose", "chosen", "decided", "because", "instead of", "trade-off",
		"rather than", "reason", "switched to", "agreed",
	}},
	{"technical", []string{
		"default", "timeout", "threshold", "port", "protocol", "config",
		"requires", "supports", "maximum", "minimum", "version", "limit",
	}},
}

const jaccardCutoff = 0.7

// Extractor scores sentences against the category tables.
type Extractor struct {
	minScore float64
	maxFacts int
	weights  map[string]float64
}

// New builds an extractor from the extraction config section.
func New(cfg config.ExtractionConfig) *Extractor {
	e := &Extractor{
		minScore: cfg.MinScore,
		maxFacts: cfg.MaxFacts,
		weights:  cfg.Weights,
	}
	if e.minScore == 0 {
		e.minScore = 3.0
	}
	if e.maxFacts == 0 {
		e.maxFacts = 10
	}
	if e.weights == nil {
		e.weights = map[string]float64{
			"architecture": 2.0, "algorithm": 2.0, "decision": 3.0, "technical": 1.0,
		}
	}
	return e
}

// Extract splits text into sentences, scores them, deduplicates near
// copies, and returns at most maxFacts facts ordered by descending score.
// Running it twice on the same input yields the same facts.
func (e *Extractor) Extract(text string) []Fact {
	sentences := SplitSentences(text)

	var accepted []Fact
	for _, s := range sentences {
		score, imp, hits := e.scoreSentence(s)
		if score < e.minScore {
			continue
		}
		accepted = append(accepted, Fact{Content: s, Score: score, Importance: imp, Keywords: hits})
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Score > accepted[j].Score
	})

	// Pairwise dedup: near-duplicates keep the higher-scored copy, which
	// sorts first.
	var facts []Fact
	for _, f := range accepted {
		dup := false
		for _, kept := range facts {
			if Jaccard(kept.Content, f.Content) > jaccardCutoff {
				dup = true
				break
			}
		}
		if !dup {
			facts = append(facts, f)
		}
	}

	if len(facts) > e.maxFacts {
		facts = facts[:e.maxFacts]
	}
	return facts
}

func (e *Extractor) scoreSentence(s string) (float64, model.Importance, []string) {
	lower := strings.ToLower(s)
	score := 0.0
	importance := model.ImportanceMedium
	var hits []string

	for _, cat := range categories {
		w := e.weights[cat.name]
		for _, kw := range cat.keywords {
			if strings.Contains(lower, kw) {
				score += w
				hits = append(hits, kw)
				if cat.name == "decision" || cat.name == "algorithm" {
					importance = model.ImportanceHigh
				}
			}
		}
	}
	return score, importance, hits
}

// ExtractAndStore runs layer 0 and commits one memory per retained fact.
// This is also the pre-compaction capture entry point: hosts call it right
// before compacting their context window.
func (e *Extractor) ExtractAndStore(ctx context.Context, st store.Store, text, topic string) ([]string, error) {
	facts := e.Extract(text)
	ids := make([]string, 0, len(facts))
	for _, f := range facts {
		m := model.NewMemory(topic, f.Content, f.Importance)
		m.Keywords = f.Keywords
		id, err := st.Put(ctx, m)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SplitSentences splits on terminal punctuation (. ! ?) and newlines,
// ignoring terminators inside single or double quotes. Fragments shorter
// than a clause are dropped.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	var quote rune

	flush := func() {
		s := strings.TrimSpace(current.String())
		if len(s) >= 16 {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for _, ch := range text {
		current.WriteRune(ch)
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '.' || ch == '!' || ch == '?' || ch == '\n':
			flush()
		}
	}
	flush()
	return sentences
}

// Jaccard computes token-set similarity over lowercased words.
func Jaccard(a, b string) float64 {
	aw := tokenSet(a)
	bw := tokenSet(b)
	if len(aw) == 0 && len(bw) == 0 {
		return 1.0
	}
	inter := 0
	for w := range aw {
		if bw[w] {
			inter++
		}
	}
	union := len(aw) + len(bw) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,:;!?"'()`)
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// FormatContext runs recall and renders the results as a plain-text
// preamble for prompt injection (layer 2).
func FormatContext(ctx context.Context, st store.Store, query string, limit int) (string, error) {
	if limit <= 0 {
		limit = 15
	}
	results, err := st.Recall(ctx, store.RecallParams{Query: query, Limit: limit})
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant long-term memory (use it to answer without re-deriving context):\n")
	for _, r := range results {
		fmt.Fprintf(&b, "[%s] %s\n", r.Topic, r.Summary)
		if len(r.Keywords) > 0 {
			fmt.Fprintf(&b, "  keywords: %s\n", strings.Join(r.Keywords, ","))
		}
	}
	return b.String(), nil
}
