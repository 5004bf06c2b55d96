package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// refreshCmd represents the refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh ENGINE",
	Short: "Asks a running server to fetch the latest definition of an engine",
	Long: `Asks a running server to fetch the latest definition of an engine from the
metadata server. Fetch failures are retried by the server and show up in the
engine's report, see the engines command.`,
	Args:   cobra.ExactArgs(1),
	PreRun: PreRunSetup,
	RunE:   Refresh,
}

func Refresh(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	engine := args[0]

	if err := client.Refresh(cmd.Context(), engine); err != nil {
		return loggedError{
			err:     err,
			fields:  log.Fields{"ovm.discovery.engine": engine},
			message: "Refresh failed",
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Refresh of %v acknowledged\n", engine)
	return nil
}

func init() {
	rootCmd.AddCommand(refreshCmd)

	addAPIClientFlags(refreshCmd)
}
