package discovery

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerConfig is the local configuration document of a discovery server.
// It only says where to find the metadata server and which engines to host,
// everything else about the engines is fetched from the metadata server
type ServerConfig struct {
	ServerName string // The name of this discovery server, defaults to "discovery-<hostname>"
	Version    string // The version reported in heartbeats

	MetadataServerURL  string   // The platform URL root of the metadata server
	MetadataServerName string   // The name of the metadata server
	Engines            []string // Qualified names of the engines to host

	// NATS servers used for change notifications and heartbeats. If empty
	// the server will only pick up changes through refresh requests
	NATSServers           []string
	NATSConnectionName    string
	NATSConnectionTimeout time.Duration

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	FetchTimeout         time.Duration
	MaxRequestTimeout    time.Duration

	MaxParallelExecutions int           // Max number of async requests to run in parallel
	ResultRetention       time.Duration // How long finished async requests are kept
	HeartbeatFrequency    time.Duration // Zero disables heartbeats

	// How long Start waits for the first fetch of every engine. Defaults to
	// DefaultStartupGracePeriod
	StartupGracePeriod time.Duration
}

// Validate checks the document for the errors that stop a server from
// starting
func (c *ServerConfig) Validate() error {
	if c == nil {
		return &Error{Kind: KindNoConfigDoc}
	}

	if c.MetadataServerURL == "" {
		return &Error{Kind: KindNoMetadataServerURL, Server: c.ServerName}
	}

	if c.MetadataServerName == "" {
		return &Error{Kind: KindNoMetadataServerName, Server: c.ServerName}
	}

	if len(c.Engines) == 0 {
		return &Error{Kind: KindNoDiscoveryEngines, Server: c.ServerName}
	}

	seen := make(map[string]struct{}, len(c.Engines))
	for _, e := range c.Engines {
		if e == "" {
			return &Error{Kind: KindNoDiscoveryEngines, Server: c.ServerName}
		}
		if _, ok := seen[e]; ok {
			return &Error{Kind: KindDuplicateDiscoveryEngine, Server: c.ServerName, Engine: e}
		}
		seen[e] = struct{}{}
	}

	return nil
}

// RetryPolicy returns the retry policy for engines and the listener
func (c *ServerConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: c.RetryInitialInterval,
		MaxInterval:     c.RetryMaxInterval,
	}
}

func AddServerFlags(command *cobra.Command) {
	command.PersistentFlags().String("server-name", "", "The name of this discovery server. Defaults to discovery-<hostname>")
	cobra.CheckErr(viper.BindEnv("server-name", "SERVER_NAME"))
	command.PersistentFlags().String("metadata-server-url", "", "The platform URL root of the metadata server, or file:///path/to/engines.yaml to read definitions from a local file")
	cobra.CheckErr(viper.BindEnv("metadata-server-url", "METADATA_SERVER_URL"))
	command.PersistentFlags().String("metadata-server-name", "", "The name of the metadata server")
	cobra.CheckErr(viper.BindEnv("metadata-server-name", "METADATA_SERVER_NAME"))
	command.PersistentFlags().StringSlice("engines", []string{}, "The qualified names of the discovery engines to host")
	cobra.CheckErr(viper.BindEnv("engines", "ENGINES"))

	command.PersistentFlags().StringSlice("nats-servers", []string{}, "NATS servers used for change notifications and heartbeats")
	cobra.CheckErr(viper.BindEnv("nats-servers", "NATS_SERVERS"))
	command.PersistentFlags().String("nats-connection-name", "", "The name that the server should use to connect to NATS")
	cobra.CheckErr(viper.BindEnv("nats-connection-name", "NATS_CONNECTION_NAME"))
	command.PersistentFlags().Int("nats-connection-timeout", 10, "The timeout for connecting to NATS, in seconds")
	cobra.CheckErr(viper.BindEnv("nats-connection-timeout", "NATS_CONNECTION_TIMEOUT"))

	command.PersistentFlags().Duration("retry-initial-interval", DefaultRetryInitialInterval, "The first interval between attempts to fetch an engine definition")
	cobra.CheckErr(viper.BindEnv("retry-initial-interval", "RETRY_INITIAL_INTERVAL"))
	command.PersistentFlags().Duration("retry-max-interval", DefaultRetryMaxInterval, "The maximum interval between attempts to fetch an engine definition")
	cobra.CheckErr(viper.BindEnv("retry-max-interval", "RETRY_MAX_INTERVAL"))
	command.PersistentFlags().Duration("fetch-timeout", DefaultFetchTimeout, "The timeout for fetching an engine definition")
	cobra.CheckErr(viper.BindEnv("fetch-timeout", "FETCH_TIMEOUT"))
	command.PersistentFlags().Duration("max-request-timeout", DefaultMaxRequestTimeout, "The maximum time a discovery request can run for")
	cobra.CheckErr(viper.BindEnv("max-request-timeout", "MAX_REQUEST_TIMEOUT"))

	command.PersistentFlags().Int("max-parallel", 0, "The maximum number of parallel asynchronous requests")
	cobra.CheckErr(viper.BindEnv("max-parallel", "MAX_PARALLEL"))
	command.PersistentFlags().Duration("result-retention", DefaultResultRetention, "How long the results of asynchronous requests are kept")
	cobra.CheckErr(viper.BindEnv("result-retention", "RESULT_RETENTION"))
	command.PersistentFlags().Duration("startup-grace-period", DefaultStartupGracePeriod, "How long to wait for engine definitions at startup before serving without the slow ones")
	cobra.CheckErr(viper.BindEnv("startup-grace-period", "STARTUP_GRACE_PERIOD"))
	command.PersistentFlags().Duration("heartbeat-frequency", 0, "How often to publish heartbeats over NATS, zero disables them")
	cobra.CheckErr(viper.BindEnv("heartbeat-frequency", "HEARTBEAT_FREQUENCY"))
}

// splitList handles lists that came from an environment variable as a single
// comma separated value
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ServerConfigFromViper reads the configuration document. The returned
// config has not been validated, call Validate before using it
func ServerConfigFromViper(version string) (*ServerConfig, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("error getting hostname: %w", err)
	}

	serverName := viper.GetString("server-name")
	if serverName == "" {
		serverName = fmt.Sprintf("discovery-%s", hostname)
	}

	natsConnectionName := viper.GetString("nats-connection-name")
	if natsConnectionName == "" {
		natsConnectionName = hostname
	}

	maxParallelExecutions := viper.GetInt("max-parallel")
	if maxParallelExecutions == 0 {
		maxParallelExecutions = runtime.NumCPU()
	}

	return &ServerConfig{
		ServerName:            serverName,
		Version:               version,
		MetadataServerURL:     viper.GetString("metadata-server-url"),
		MetadataServerName:    viper.GetString("metadata-server-name"),
		Engines:               splitList(viper.GetStringSlice("engines")),
		NATSServers:           splitList(viper.GetStringSlice("nats-servers")),
		NATSConnectionName:    natsConnectionName,
		NATSConnectionTimeout: time.Duration(viper.GetInt("nats-connection-timeout")) * time.Second,
		RetryInitialInterval:  viper.GetDuration("retry-initial-interval"),
		RetryMaxInterval:      viper.GetDuration("retry-max-interval"),
		FetchTimeout:          viper.GetDuration("fetch-timeout"),
		MaxRequestTimeout:     viper.GetDuration("max-request-timeout"),
		MaxParallelExecutions: maxParallelExecutions,
		ResultRetention:       viper.GetDuration("result-retention"),
		HeartbeatFrequency:    viper.GetDuration("heartbeat-frequency"),
		StartupGracePeriod:    viper.GetDuration("startup-grace-period"),
	}, nil
}

// MapFromServerConfig Returns the config as a map
func MapFromServerConfig(c *ServerConfig) map[string]any {
	return map[string]any{
		"server-name":             c.ServerName,
		"version":                 c.Version,
		"metadata-server-url":     redactURL(c.MetadataServerURL),
		"metadata-server-name":    c.MetadataServerName,
		"engines":                 c.Engines,
		"nats-servers":            c.NATSServers,
		"nats-connection-name":    c.NATSConnectionName,
		"nats-connection-timeout": c.NATSConnectionTimeout.String(),
		"retry-initial-interval":  c.RetryInitialInterval.String(),
		"retry-max-interval":      c.RetryMaxInterval.String(),
		"fetch-timeout":           c.FetchTimeout.String(),
		"max-request-timeout":     c.MaxRequestTimeout.String(),
		"max-parallel":            c.MaxParallelExecutions,
		"result-retention":        c.ResultRetention.String(),
		"heartbeat-frequency":     c.HeartbeatFrequency.String(),
		"startup-grace-period":    c.StartupGracePeriod.String(),
	}
}

// redactURL hides credentials embedded in a URL
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}

	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok || strings.Contains(userinfo, "/") {
		return raw
	}

	return scheme + "://[REDACTED]@" + host
}
