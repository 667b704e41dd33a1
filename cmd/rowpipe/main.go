package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/rowpipe/pkg/config"
	"github.com/ajitpratap0/rowpipe/pkg/logger"
	"github.com/ajitpratap0/rowpipe/pkg/observability"

	// DateTime columns may name any IANA zone
	_ "time/tzdata"
)

var version = "0.1.0"

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	logLevel   string
}

// app carries what the commands need once flags are parsed.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	a := &app{}

	root := &cobra.Command{
		Use:   "rowpipe",
		Short: "rowpipe - RowBinary encoding and batched inserts for ClickHouse",
		Long: `rowpipe turns rows of JSON into the byte stream ClickHouse expects for
FORMAT RowBinary and drives batched inserts over the HTTP interface.

Table layouts are read from YAML schema files. Settings come from an optional
config file and ROWPIPE_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				cfg.Logging.Level = flags.logLevel
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.With(zap.String("component", "rowpipe-cli"))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rowpipe v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newPlanCmd(a), newEncodeCmd(a), newDecodeCmd(a), newInsertCmd(a))
	return root
}

// startTelemetry serves metrics and installs tracing as configured. The
// returned function stops both.
func (a *app) startTelemetry() (func(), error) {
	shutdownTracing, err := observability.InitTracing(a.cfg.Tracing, version, os.Stderr)
	if err != nil {
		return nil, err
	}

	var srv *http.Server
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, promhttp.Handler())
		srv = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		a.log.Info("serving metrics",
			zap.String("listen", a.cfg.Metrics.Listen),
			zap.String("path", a.cfg.Metrics.Path))
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			a.log.Warn("tracing shutdown failed", zap.Error(err))
		}
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}, nil
}
