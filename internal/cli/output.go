package cli

import (
	"fmt"
	"strings"

	"github.com/icm-sh/icm/internal/model"
)

func printScoredMemory(m *model.Memory, score float64) {
	fmt.Printf("--- %s [score: %.3f] ---\n", m.ID, score)
	printMemoryBody(m)
}

func printPlainMemory(m *model.Memory) {
	fmt.Printf("--- %s ---\n", m.ID)
	printMemoryBody(m)
}

func printMemoryBody(m *model.Memory) {
	fmt.Printf("  topic: %s\n", m.Topic)
	fmt.Printf("  importance: %s\n", m.Importance)
	fmt.Printf("  weight: %.3f\n", m.Weight)
	fmt.Printf("  summary: %s\n", m.Summary)
	if len(m.Keywords) > 0 {
		fmt.Printf("  keywords: %s\n", strings.Join(m.Keywords, ", "))
	}
	if m.RawExcerpt != "" {
		fmt.Printf("  raw: %s\n", m.RawExcerpt)
	}
	fmt.Println()
}

func printConcept(c *model.Concept) {
	fmt.Printf("--- %s (rev %d, confidence %.2f) ---\n", c.Name, c.Revision, c.Confidence)
	fmt.Printf("  %s\n", c.Definition)
	if len(c.Labels) > 0 {
		fmt.Printf("  labels: %s\n", strings.Join(c.Labels, ", "))
	}
	fmt.Println()
}
