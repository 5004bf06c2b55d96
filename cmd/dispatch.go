package cmd

import (
	"errors"

	"github.com/overmindtech/discovery-server/api"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch ENGINE REQUEST_TYPE",
	Short: "Runs a discovery request on a running server",
	Long: `Runs a discovery request on a running server and prints the result.

Parameters are passed as --param key=value and may be repeated. With --async
the request is accepted and runs in the background, use the request command
to follow it.`,
	Args:   cobra.ExactArgs(2),
	PreRun: PreRunSetup,
	RunE:   Dispatch,
}

func Dispatch(cmd *cobra.Command, args []string) error {
	// Read directly, viper splits array flags on commas
	pairs, err := cmd.Flags().GetStringArray("param")
	if err != nil {
		return err
	}

	params, err := parseParams(pairs)
	if err != nil {
		return flagError{usage: err.Error() + "\n\n" + cmd.UsageString()}
	}

	timeout := viper.GetDuration("timeout")
	if timeout < 0 {
		return flagError{usage: "--timeout must not be negative\n\n" + cmd.UsageString()}
	}

	client, err := apiClient()
	if err != nil {
		return err
	}

	engine, requestType := args[0], args[1]

	result, err := client.Dispatch(cmd.Context(), engine, requestType, params, api.DispatchOptions{
		Async:   viper.GetBool("async"),
		Timeout: timeout,
	})
	if err != nil {
		if errors.Is(err, api.ErrServiceFailed) && result != nil {
			// Print the failed result so the caller can see the detail
			if printErr := printJSON(cmd, result); printErr != nil {
				log.WithError(printErr).Error("Could not print result")
			}
		}

		return loggedError{
			err: err,
			fields: log.Fields{
				"ovm.discovery.engine":      engine,
				"ovm.discovery.requestType": requestType,
			},
			message: "Discovery request failed",
		}
	}

	return printJSON(cmd, result)
}

func init() {
	rootCmd.AddCommand(dispatchCmd)

	addAPIClientFlags(dispatchCmd)

	dispatchCmd.PersistentFlags().StringArray("param", []string{}, "A request parameter as key=value, may be repeated")
	dispatchCmd.PersistentFlags().Bool("async", false, "Run the request in the background and print the accepted request")
	dispatchCmd.PersistentFlags().Duration("timeout", 0, "How long the request may run for. Zero uses the engine's timeout")
}
