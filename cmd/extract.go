package cmd

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	extractUserFlag    string
	extractSessionFlag string

	extractCmd = &cobra.Command{
		Use:   "extract",
		Short: "Run the semantic extraction pipeline once",
		Long:  longExtract,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			defer deps.Working.Close()

			stats, err := deps.Pipeline.Run(cmd.Context(), extractUserFlag, extractSessionFlag)
			if err != nil {
				return err
			}

			log.Info("extraction finished",
				"processed", stats.Processed,
				"created", stats.Created,
				"merged", stats.Merged,
				"skipped", stats.Skipped,
				"failures", stats.Failures,
				"relations", stats.RelationsMade,
				"duration", stats.Duration)
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractUserFlag, "user", "u", "", "User to extract concepts for")
	extractCmd.Flags().StringVarP(&extractSessionFlag, "session", "s", "", "Optional session to narrow the scan")
	extractCmd.MarkFlagRequired("user")
}

var longExtract = `
Run one batch of semantic extraction for a user: recent episodic memories
are sent to the completion model, and the resulting concepts are merged
into the semantic store.
`
