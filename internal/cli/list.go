package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories by topic or all",
		RunE:  runList,
	}
	cmd.Flags().StringP("topic", "p", "", "List a single topic")
	cmd.Flags().Bool("all", false, "List every memory")
	cmd.Flags().String("sort", "created", "Sort field: weight, created, accessed")
	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	all, _ := cmd.Flags().GetBool("all")
	sortField, _ := cmd.Flags().GetString("sort")

	if topic == "" && !all {
		return icmerr.E(icmerr.InvalidInput, "use --topic <name> or --all")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	var memories []model.Memory
	if topic != "" {
		memories, err = s.ByTopic(cmd.Context(), topic)
	} else {
		var topics []model.TopicCount
		topics, err = s.Topics(cmd.Context())
		if err == nil {
			for _, t := range topics {
				ms, terr := s.ByTopic(cmd.Context(), t.Topic)
				if terr != nil {
					return terr
				}
				memories = append(memories, ms...)
			}
		}
	}
	if err != nil {
		return err
	}

	switch sortField {
	case "weight":
		sort.SliceStable(memories, func(i, j int) bool { return memories[i].Weight > memories[j].Weight })
	case "accessed":
		sort.SliceStable(memories, func(i, j int) bool { return memories[i].LastAccessed.After(memories[j].LastAccessed) })
	case "created":
		sort.SliceStable(memories, func(i, j int) bool { return memories[i].CreatedAt.After(memories[j].CreatedAt) })
	default:
		return icmerr.E(icmerr.InvalidInput, "invalid sort field: %q", sortField)
	}

	if len(memories) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	for i := range memories {
		printPlainMemory(&memories[i])
	}
	return nil
}
