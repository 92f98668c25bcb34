package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/model"
)

func init() {
	memoirCmd := &cobra.Command{
		Use:   "memoir",
		Short: "Manage permanent knowledge graphs",
	}

	createCmd := &cobra.Command{
		Use:   "create <name> [description]",
		Short: "Create a memoir",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.CreateMemoir(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("Created memoir %q (%s)\n", m.Name, m.ID)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List memoirs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			memoirs, err := s.ListMemoirs(cmd.Context())
			if err != nil {
				return err
			}
			if len(memoirs) == 0 {
				fmt.Println("No memoirs yet.")
				return nil
			}
			for _, m := range memoirs {
				st, err := s.MemoirStats(cmd.Context(), m.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%-24s %3d concepts, %3d links  %s\n",
					m.Name, st.TotalConcepts, st.TotalLinks, m.Description)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a memoir's stats and concepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.MemoirByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st, err := s.MemoirStats(cmd.Context(), m.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Memoir: %s\n", m.Name)
			if m.Description != "" {
				fmt.Printf("  %s\n", m.Description)
			}
			fmt.Printf("Concepts: %d  Links: %d  Avg confidence: %.2f\n",
				st.TotalConcepts, st.TotalLinks, st.AvgConfidence)
			fmt.Printf("Consolidation threshold: %d\n", m.ConsolidationThreshold)
			for label, n := range st.LabelCounts {
				fmt.Printf("  label %s: %d\n", label, n)
			}
			fmt.Println()

			concepts, err := s.ListConcepts(cmd.Context(), m.ID)
			if err != nil {
				return err
			}
			for i := range concepts {
				printConcept(&concepts[i])
			}
			return nil
		},
	}

	addConceptCmd := &cobra.Command{
		Use:   "add-concept <memoir> <name> <definition>",
		Short: "Add a concept to a memoir",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			labelsStr, _ := cmd.Flags().GetString("labels")

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.MemoirByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c := model.NewConcept(m.ID, args[1], strings.Join(args[2:], " "))
			c.Labels = splitCSV(labelsStr)
			if _, err := s.AddConcept(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Printf("Added concept %q to %q\n", c.Name, m.Name)
			return nil
		},
	}
	addConceptCmd.Flags().String("labels", "", "Comma-separated labels")

	refineCmd := &cobra.Command{
		Use:   "refine <memoir> <concept> <definition>",
		Short: "Overwrite a concept's definition",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.MemoirByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c, err := s.RefineConcept(cmd.Context(), m.ID, args[1], strings.Join(args[2:], " "), nil)
			if err != nil {
				return err
			}
			fmt.Printf("Refined %q (rev %d, confidence %.2f)\n", c.Name, c.Revision, c.Confidence)
			return nil
		},
	}

	linkCmd := &cobra.Command{
		Use:   "link <memoir> <from> <kind> <to>",
		Short: "Create a typed edge between two concepts",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseRelationKind(args[2])
			if err != nil {
				return err
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.MemoirByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := s.Link(cmd.Context(), m.ID, args[1], args[3], kind); err != nil {
				return err
			}
			fmt.Printf("Linked %s -[%s]-> %s\n", args[1], kind, args[3])
			return nil
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <memoir> <query>",
		Short: "Full-text search concepts in a memoir",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, _ := cmd.Flags().GetString("label")
			limit, _ := cmd.Flags().GetInt("limit")

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.MemoirByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			concepts, err := s.SearchConcepts(cmd.Context(), m.ID, strings.Join(args[1:], " "), label, limit)
			if err != nil {
				return err
			}
			if len(concepts) == 0 {
				fmt.Println("No concepts found.")
				return nil
			}
			for i := range concepts {
				printConcept(&concepts[i])
			}
			return nil
		},
	}
	searchCmd.Flags().String("label", "", "Restrict to concepts carrying this label")
	searchCmd.Flags().IntP("limit", "l", 10, "Max results")

	searchAllCmd := &cobra.Command{
		Use:   "search-all <query>",
		Short: "Full-text search concepts across all memoirs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			concepts, err := s.SearchConceptsAll(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(concepts) == 0 {
				fmt.Println("No concepts found.")
				return nil
			}
			for i := range concepts {
				printConcept(&concepts[i])
			}
			return nil
		},
	}
	searchAllCmd.Flags().IntP("limit", "l", 10, "Max results")

	inspectCmd := &cobra.Command{
		Use:   "inspect <memoir> <concept>",
		Short: "Show a concept's BFS neighborhood",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			depth, _ := cmd.Flags().GetInt("depth")

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := s.MemoirByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := s.Inspect(cmd.Context(), m.ID, args[1], depth)
			if err != nil {
				return err
			}

			for d, layer := range res.Layers {
				fmt.Printf("depth %d:\n", d)
				for _, node := range layer {
					if node.Via == "" {
						fmt.Printf("  %s: %s\n", node.Name, node.Definition)
					} else {
						fmt.Printf("  %s (via %s): %s\n", node.Name, node.Via, node.Definition)
					}
				}
			}
			return nil
		},
	}
	inspectCmd.Flags().Int("depth", 1, "BFS depth")

	distillCmd := &cobra.Command{
		Use:   "distill <topic> <memoir>",
		Short: "Turn a topic's memories into concepts of a memoir",
		Args:  cobra.ExactArgs(2),
		RunE:  runDistill,
	}

	memoirCmd.AddCommand(createCmd, listCmd, showCmd, addConceptCmd, refineCmd,
		linkCmd, searchCmd, searchAllCmd, inspectCmd, distillCmd)
	RootCmd.AddCommand(memoirCmd)
}

func runDistill(cmd *cobra.Command, args []string) error {
	topic, memoirName := args[0], args[1]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := s.MemoirByName(cmd.Context(), memoirName)
	if err != nil {
		return err
	}
	memories, err := s.ByTopic(cmd.Context(), topic)
	if err != nil {
		return err
	}

	added := 0
	for _, mem := range memories {
		name := conceptNameFor(&mem)
		if _, err := s.ConceptByName(cmd.Context(), m.ID, name); err == nil {
			continue // already distilled
		}
		c := model.NewConcept(m.ID, name, mem.Summary)
		c.Labels = []string{"topic:" + topic}
		c.SourceMemoryIDs = []string{mem.ID}
		if _, err := s.AddConcept(cmd.Context(), c); err != nil {
			return err
		}
		added++
	}
	fmt.Printf("Distilled %d memories from %q into memoir %q.\n", added, topic, memoirName)
	return nil
}

// conceptNameFor derives a stable concept name: the first keyword when one
// exists, else the leading words of the summary.
func conceptNameFor(m *model.Memory) string {
	if len(m.Keywords) > 0 {
		return m.Keywords[0]
	}
	words := strings.Fields(m.Summary)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.ToLower(strings.Join(words, "-"))
}
