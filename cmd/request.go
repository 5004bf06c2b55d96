package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/overmindtech/discovery-server/discovery"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// requestCmd represents the request command
var requestCmd = &cobra.Command{
	Use:    "request REQUEST_ID",
	Short:  "Prints the status of an asynchronous discovery request, or cancels it",
	Args:   cobra.ExactArgs(1),
	PreRun: PreRunSetup,
	RunE:   Request,
}

func Request(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return flagError{usage: fmt.Sprintf("invalid request ID %q: %v\n\n%v", args[0], err, cmd.UsageString())}
	}

	client, err := apiClient()
	if err != nil {
		return err
	}

	var result *discovery.DiscoveryResult
	if viper.GetBool("cancel") {
		result, err = client.CancelRequest(cmd.Context(), id)
	} else {
		result, err = client.RequestStatus(cmd.Context(), id)
	}
	if err != nil {
		return loggedError{
			err:     err,
			fields:  log.Fields{"ovm.discovery.requestID": id.String()},
			message: "Could not get request",
		}
	}

	return printJSON(cmd, result)
}

func init() {
	rootCmd.AddCommand(requestCmd)

	addAPIClientFlags(requestCmd)

	requestCmd.PersistentFlags().Bool("cancel", false, "Cancel the request instead of printing its status")
}
