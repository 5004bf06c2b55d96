package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overmindtech/discovery-server/api"
	"github.com/overmindtech/discovery-server/configclient"
	"github.com/overmindtech/discovery-server/discovery"
	"github.com/overmindtech/discovery-server/services"
	"github.com/overmindtech/discovery-server/tracing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Hosts the configured discovery engines and serves the HTTP API",
	Long: `Loads the local configuration document, fetches the definition of every
configured engine from the metadata server and serves discovery requests over
HTTP until it receives SIGINT or SIGTERM.`,
	PreRun: PreRunSetup,
	RunE:   Serve,
}

func Serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	defer tracing.LogRecoverToExit(ctx, "serve")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	config, err := discovery.ServerConfigFromViper(tracing.Version())
	if err != nil {
		return loggedError{err: err, message: "Could not read the configuration document"}
	}

	if err := config.Validate(); err != nil {
		return loggedError{
			err:     err,
			fields:  discovery.MapFromServerConfig(config),
			message: "Invalid configuration document",
		}
	}

	client, err := configclient.NewClient(ctx, config)
	if err != nil {
		return loggedError{
			err:     err,
			fields:  discovery.MapFromServerConfig(config),
			message: "Could not create the configuration client",
		}
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Error("Could not close the configuration client")
		}
	}()

	loader := discovery.NewServiceLoader()
	if err := services.Register(loader); err != nil {
		return loggedError{err: err, message: "Could not register discovery services"}
	}

	server, err := discovery.NewServer(config, client, loader)
	if err != nil {
		return loggedError{
			err:     err,
			fields:  discovery.MapFromServerConfig(config),
			message: "Could not create the discovery server",
		}
	}

	if publisher := client.HeartbeatPublisher(); publisher != nil && config.HeartbeatFrequency > 0 {
		server.HeartbeatOptions = &discovery.HeartbeatOptions{
			Publisher: publisher,
			Frequency: config.HeartbeatFrequency,
		}
	}

	if err := server.Start(ctx); err != nil {
		return loggedError{err: err, message: "Could not start the discovery server"}
	}
	defer func() {
		if err := server.Stop(); err != nil {
			log.WithError(err).Error("Could not stop the discovery server")
		}
	}()

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%v", viper.GetInt("service-port")),
		Handler: api.NewHandler(server, api.Options{
			AllowedOrigins: viper.GetStringSlice("cors-allowed-origins"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous requests can take up to the max request timeout
		WriteTimeout: config.MaxRequestTimeout + 10*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		defer tracing.LogRecoverToReturn(ctx, "api server")

		log.WithFields(log.Fields{
			"ovm.api.address": httpServer.Addr,
		}).Info("Starting HTTP API")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("Stopping discovery server")
	case err := <-serveErr:
		return loggedError{
			err:     err,
			fields:  log.Fields{"ovm.api.address": httpServer.Addr},
			message: "HTTP API failed",
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Could not shut down the HTTP API cleanly")
	}

	return nil
}

// PreRunSetup binds the flags of the command being run to viper
func PreRunSetup(cmd *cobra.Command, args []string) {
	err := viper.BindPFlags(cmd.Flags())
	if err != nil {
		log.WithError(err).Fatal("could not bind `serve` flags")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	discovery.AddServerFlags(serveCmd)

	serveCmd.PersistentFlags().Int("service-port", 8080, "The port that the HTTP API listens on")
	cobra.CheckErr(viper.BindEnv("service-port", "DISCOVERY_SERVICE_PORT", "SERVICE_PORT"))
	serveCmd.PersistentFlags().StringSlice("cors-allowed-origins", []string{}, "Origins that may call the HTTP API from a browser")
	cobra.CheckErr(viper.BindEnv("cors-allowed-origins", "DISCOVERY_CORS_ALLOWED_ORIGINS"))
}
