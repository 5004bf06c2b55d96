package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/overmindtech/discovery-server/api"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// enginesCmd represents the engines command
var enginesCmd = &cobra.Command{
	Use:    "engines",
	Short:  "Prints the status of every engine hosted by a running server",
	PreRun: PreRunSetup,
	RunE:   Engines,
}

func Engines(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	engines, err := client.Engines(cmd.Context())
	if err != nil {
		return loggedError{
			err:     err,
			fields:  log.Fields{"ovm.api.url": viper.GetString("api-url")},
			message: "Could not list engines",
		}
	}

	if viper.GetBool("json") {
		return printJSON(cmd, engines)
	}

	renderEngines(cmd.OutOrStdout(), engines)
	return nil
}

func renderEngines(w io.Writer, engines *api.EnginesBody) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(engines.Server)
	t.AppendHeader(table.Row{"Engine", "Status", "Version", "Request Types", "Attempts", "Last Error"})

	for _, e := range engines.Engines {
		t.AppendRow(table.Row{
			e.Engine,
			e.Status,
			e.Version,
			strings.Join(e.RequestTypes, ", "),
			e.Attempts,
			e.LastError,
		})
	}

	listener := "disconnected"
	if engines.Listener.Connected {
		listener = "connected"
	}
	t.AppendFooter(table.Row{"Listener", listener, "", "", "", engines.Listener.LastError})

	t.Render()

	fmt.Fprintf(w, "%v change events received, %v ignored, %v dropped\n",
		engines.Listener.EventsReceived, engines.Listener.EventsIgnored, engines.Listener.EventsDropped)
}

func init() {
	rootCmd.AddCommand(enginesCmd)

	addAPIClientFlags(enginesCmd)

	enginesCmd.PersistentFlags().Bool("json", false, "Print the reports as JSON instead of a table")
}
