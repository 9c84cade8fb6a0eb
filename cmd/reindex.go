package cmd

import (
	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	var suffix string
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Copies the index into a fresh one and swaps the alias",
		Long: `Creates <alias>_<suffix>, copies every document into it, repoints the
alias, and drops the previous index. Nothing happens when the alias does not
exist yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Migrator(suffix).Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&suffix, "suffix", "", "new index suffix (default: UTC timestamp)")
	return cmd
}
