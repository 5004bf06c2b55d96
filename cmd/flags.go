package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/overmindtech/discovery-server/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// addAPIClientFlags adds the flags used by commands that talk to a running
// server over its HTTP API
func addAPIClientFlags(command *cobra.Command) {
	command.PersistentFlags().String("api-url", "http://localhost:8080", "The URL of the discovery server's HTTP API")
	cobra.CheckErr(viper.BindEnv("api-url", "DISCOVERY_API_URL", "API_URL"))
	command.PersistentFlags().String("server-name", "", "The name of the discovery server. Defaults to discovery-<hostname>")
	cobra.CheckErr(viper.BindEnv("server-name", "DISCOVERY_SERVER_NAME", "SERVER_NAME"))
}

func apiClient() (*api.Client, error) {
	serverName := viper.GetString("server-name")
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("error getting hostname: %w", err)
		}
		serverName = fmt.Sprintf("discovery-%s", hostname)
	}

	apiURL := viper.GetString("api-url")
	if apiURL == "" {
		return nil, flagError{usage: "--api-url is required"}
	}

	return api.NewClient(apiURL, serverName), nil
}

// parseParams turns key=value pairs into request parameters. Values that are
// valid JSON numbers, booleans or objects keep their type, everything else is
// a string
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}

		params[key] = parseValue(value)
	}

	return params, nil
}

func parseValue(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}

func printJSON(command *cobra.Command, v any) error {
	enc := json.NewEncoder(command.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
