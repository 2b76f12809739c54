// cmd/main.go
//
// Entry point for DMCF. Responsibilities:
//   - Parse the command line (serve / check-config, config path).
//   - Initialise a temporary logger so config loading has a logger.
//   - Load and validate configuration from YAML.
//   - Construct the App (wires all internal components).
//   - Start the App and block until SIGINT/SIGTERM.
//   - Trigger a bounded graceful shutdown on signal.
package main

import (
	stdctx "context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/pkg/app"
	"github.com/sentinelai/dmcf/pkg/factory"
)

var (
	configPath      string        // path to the YAML config file
	shutdownTimeout time.Duration // bound for graceful shutdown
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "dmcf",
	Short: "DDoS detection and mitigation coordination engine",
}

// serveCmd runs the engine until a termination signal arrives.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection and mitigation engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// checkConfigCmd loads and validates the config, then prints the effective
// values with secrets redacted.
var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a config file and print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, readError := factory.ReadConfig(configPath)
		if readError != nil {
			return readError
		}
		fmt.Fprintln(cmd.OutOrStdout(), factory.Dump(config))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", factory.DmcfDefaultConfigPath, "path to DMCF config file (YAML)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "maximum time allowed for graceful shutdown")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	// ---- 1. Temporary logger initialisation ---------------------------------
	//
	// We initialise logging with a safe default so that configuration loading
	// and validation can use logger.CfgLog / logger.MainLog. NewApp() will call
	// InitLog again with the level from the config, which is safe.
	_ = logger.InitLog("info", false)

	if executeError := rootCmd.Execute(); executeError != nil {
		logger.MainLog.Errorf("%v", executeError)
		os.Exit(1)
	}
}

func serve() error {
	logger.MainLog.Infof("DMCF starting, configPath=%s", configPath)

	// ---- 2. Load configuration ----------------------------------------------

	config, readError := factory.ReadConfig(configPath)
	if readError != nil {
		return fmt.Errorf("failed to read config: %w", readError)
	}

	// ---- 3. Build App --------------------------------------------------------

	// Root context for construction and Start; Stop will create its own
	// timeout context.
	rootContext, rootCancel := stdctx.WithCancel(stdctx.Background())
	defer rootCancel()

	dmcfApp, appError := app.NewApp(rootContext, config)
	if appError != nil {
		return fmt.Errorf("failed to create DMCF app: %w", appError)
	}

	// ---- 4. Start DMCF -------------------------------------------------------

	if startError := dmcfApp.Start(rootContext); startError != nil {
		return fmt.Errorf("failed to start DMCF: %w", startError)
	}

	// ---- 5. Wait for OS signals (Ctrl-C / kill) -----------------------------

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	receivedSignal := <-signalChannel
	logger.MainLog.Infof("received signal=%s, initiating shutdown", receivedSignal.String())

	// Let any Start()-spawned logic that honours the root context know we are
	// shutting down.
	rootCancel()

	// ---- 6. Graceful shutdown ------------------------------------------------
	//
	// We give the App a bounded time window to finish cleanup. If it cannot
	// complete in time, we log a warning and exit anyway.
	shutdownContext, shutdownCancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
	defer shutdownCancel()

	if stopError := dmcfApp.Stop(shutdownContext); stopError != nil {
		logger.MainLog.Warnf("DMCF shutdown encountered error: %v", stopError)
	} else {
		logger.MainLog.Infof("DMCF shutdown completed within %s", shutdownTimeout)
	}
	return nil
}
