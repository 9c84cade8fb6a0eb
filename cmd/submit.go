package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-indexer/internal/dispatcher"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

func newSubmitCmd() *cobra.Command {
	var access ingest.Access
	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Queues a repository folder or file for indexing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Dispatcher.Import(cmd.Context(), dispatcher.ImportRequest{URL: args[0], Access: access})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&access.Username, "username", "", "repository username")
	cmd.Flags().StringVar(&access.Password, "password", "", "repository password")
	cmd.Flags().StringVar(&access.Endpoint, "endpoint", "", "host[:port] to connect to instead of the URL host")
	return cmd
}
