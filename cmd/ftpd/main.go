// Command ftpd runs the FTP server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telmach/ftpd/internal/config"
	"github.com/telmach/ftpd/internal/metrics"
	"github.com/telmach/ftpd/internal/vfs"
	"github.com/telmach/ftpd/server"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		root       string
		bind       string
		port       uint16
	)

	cmd := &cobra.Command{
		Use:           "ftpd",
		Short:         "Single-reactor FTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, root, bind, port)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	cmd.Flags().StringVar(&root, "root", "", "directory to serve at the virtual root")
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default: all interfaces)")
	cmd.Flags().Uint16Var(&port, "port", 0, "control port (default 2121)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ftpd %s (%s)\n", version, commit)
		},
	})

	return cmd
}

func runServer(configPath, root, bind string, port uint16) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Flags override the file and environment.
	if root != "" {
		cfg.Root = root
	}
	if bind != "" {
		cfg.BindAddress = bind
	}
	if port != 0 {
		cfg.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger()

	fsys, err := vfs.New(cfg.MountTable(), vfs.WithReadOnly(cfg.ReadOnly))
	if err != nil {
		return fmt.Errorf("mount filesystem: %w", err)
	}

	opts := []server.Option{server.WithLogger(logger)}

	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector()
		opts = append(opts, server.WithMetrics(collector))

		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	srv, err := server.New(cfg.ServerConfig(), fsys, opts...)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		srv.Shutdown()
	}()

	if err := srv.Run(); err != nil && err != server.ErrServerClosed {
		return err
	}
	return nil
}
