package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/overmindtech/discovery-server/logging"
	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "discovery-server",
	Short: "Hosts discovery engines defined on a metadata server",
	Long: `Hosts discovery engines and runs discovery requests against them.

The definition of each engine, including which discovery service handles each
request type, is fetched from the metadata server and kept up to date as it
changes.`,
	Version:       tracing.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var lErr loggedError
		var fErr flagError
		switch {
		case errors.As(err, &lErr):
			log.WithError(lErr.err).WithFields(lErr.fields).Error(lErr.message)
		case errors.As(err, &fErr):
			fmt.Fprintln(os.Stderr, fErr.Error())
		default:
			log.WithError(err).Error("Command failed")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// General config options
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/discovery-server/config.yaml", "config file path")
	rootCmd.PersistentFlags().String("log", "info", "Set the log level. Valid values: panic, fatal, error, warn, info, debug, trace")
	cobra.CheckErr(viper.BindEnv("log", "DISCOVERY_LOG", "LOG")) // fallback to global config
	rootCmd.PersistentFlags().String("log-format", "text", "Set the log format. Valid values: text, json")
	cobra.CheckErr(viper.BindEnv("log-format", "DISCOVERY_LOG_FORMAT", "LOG_FORMAT"))

	// tracing
	rootCmd.PersistentFlags().String("honeycomb-api-key", "", "If specified, configures opentelemetry libraries to submit traces to honeycomb")
	cobra.CheckErr(viper.BindEnv("honeycomb-api-key", "DISCOVERY_HONEYCOMB_API_KEY", "HONEYCOMB_API_KEY")) // fallback to global config
	rootCmd.PersistentFlags().String("sentry-dsn", "", "If specified, configures sentry libraries to capture errors")
	cobra.CheckErr(viper.BindEnv("sentry-dsn", "DISCOVERY_SENTRY_DSN", "SENTRY_DSN")) // fallback to global config
	rootCmd.PersistentFlags().String("run-mode", "release", "Set the run mode for this service, 'release', 'debug' or 'test'. Defaults to 'release'.")
	rootCmd.PersistentFlags().Bool("stdout-trace-dump", false, "Dump all otel traces to stdout for debugging")

	// Bind these to viper
	err := viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Could not bind flags to viper")
	}

	// Run this before we do anything to set up the loglevel
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Bind flags that haven't been set to the values from viper of we have them
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			// Bind the flag to viper only if it has a non-empty default
			if f.DefValue != "" || f.Changed {
				if err := viper.BindPFlag(f.Name, f); err != nil {
					bindErr = errors.Join(bindErr, err)
				}
			}
		})
		if bindErr != nil {
			return fmt.Errorf("could not bind flags to viper: %w", bindErr)
		}

		if err := logging.Configure(log.StandardLogger(), viper.GetString("log-format"), viper.GetString("log")); err != nil {
			return flagError{usage: fmt.Sprintf("%v\n\n%v", err, cmd.UsageString())}
		}

		log.AddHook(TerminationLogHook{})

		if err := tracing.InitTracerWithUpstreams("discovery-server", viper.GetString("honeycomb-api-key"), viper.GetString("sentry-dsn")); err != nil {
			return fmt.Errorf("could not initialise tracing: %w", err)
		}

		// Attach log entries to the active span as events
		log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
			log.AllLevels[:log.GetLevel()+1]...,
		)))

		return nil
	}

	// shut down tracing at the end of the process
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		tracing.ShutdownTracer(context.Background())
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetConfigFile(cfgFile)

	replacer := strings.NewReplacer("-", "_")

	viper.SetEnvKeyReplacer(replacer)
	viper.SetEnvPrefix("DISCOVERY")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Infof("Using config file: %v", viper.ConfigFileUsed())
	}
}

// TerminationLogHook A hook that logs fatal errors to the termination log
type TerminationLogHook struct{}

func (t TerminationLogHook) Levels() []log.Level {
	return []log.Level{log.FatalLevel}
}

func (t TerminationLogHook) Fire(e *log.Entry) error {
	tLog, err := os.OpenFile("/dev/termination-log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer tLog.Close()

	message := e.Message

	for k, v := range e.Data {
		message = fmt.Sprintf("%v %v=%v", message, k, v)
	}

	_, err = tLog.WriteString(message)

	return err
}
