package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/icm-sh/icm/internal/model"
)

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"a", "b"}, splitCSV("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a , ,b "))
}

func TestConceptNameFor(t *testing.T) {
	m := model.NewMemory("t", "The scheduler uses a priority queue", model.ImportanceMedium)
	assert.Equal(t, "the-scheduler-uses-a", conceptNameFor(m))

	m.Keywords = []string{"scheduler", "queue"}
	assert.Equal(t, "scheduler", conceptNameFor(m))
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{
		"store", "recall", "forget", "consolidate", "topics", "list", "stats",
		"decay", "prune", "extract", "recall-context", "embed", "memoir",
		"serve", "config", "init", "bench",
	}
	have := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %s", name)
	}
}

func TestMemoirSubcommands(t *testing.T) {
	subs := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		if c.Name() == "memoir" {
			for _, sub := range c.Commands() {
				subs[sub.Name()] = true
			}
		}
	}
	if len(subs) == 0 {
		t.Fatal("memoir command not registered")
	}
	for _, name := range []string{
		"create", "list", "show", "add-concept", "refine", "link",
		"search", "search-all", "inspect", "distill",
	} {
		assert.True(t, subs[name], "missing memoir subcommand %s", name)
	}
}
