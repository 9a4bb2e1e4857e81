package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/theapemachine/mnemo/pkg/memory"
)

var (
	statsUserFlag string

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print memory statistics for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			defer deps.Working.Close()

			episodic, err := deps.Episodic.Stats(cmd.Context(), statsUserFlag)
			if err != nil {
				return err
			}

			count, err := deps.Semantic.Count(cmd.Context(), statsUserFlag)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(memory.MemoryStats{
				Episodic: episodic,
				Semantic: memory.SemanticStats{Count: count},
			}, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(out))
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVarP(&statsUserFlag, "user", "u", "", "User to report on")
	statsCmd.MarkFlagRequired("user")
}
