package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/agent"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/config"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/lock"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/metrics"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/ovs"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/store"
	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/watcher"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	agentName    = "ovs-tunnel-agent"
	agentVersion = "0.1.0"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd().Execute(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		verbose  bool
		lockFile string
	)

	cmd := &cobra.Command{
		Use:           agentName + " [flags] <config file>",
		Short:         "Maintain the GRE overlay of the local Open vSwitch",
		Version:       agentVersion,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Configure logging
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, args[0], lockFile)
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().StringVar(&lockFile, "lock-file", "", "Lock file path (overrides the configuration)")
	cmd.AddCommand(notifyCmd(), inspectCmd())
	return cmd
}

func run(ctx context.Context, configPath, lockFile string) error {
	logrus.Infof("Starting %s version %s", agentName, agentVersion)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if lockFile != "" {
		cfg.Agent.LockFile = lockFile
	}

	l, err := lock.Acquire(cfg.Agent.LockFile)
	if err != nil {
		return err
	}
	defer l.Release()
	logrus.Debugf("Lock file: %s", l.Path())

	db := store.NewStore(store.Options{
		Addr:     cfg.Database.Addr(),
		Password: cfg.Database.Password,
		DB:       cfg.Database.DB,
	})
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return err
	}

	client, err := ovs.NewClient(cfg.Agent.RootHelper)
	if err != nil {
		return err
	}
	if err := client.Ping(); err != nil {
		return err
	}

	a := agent.New(cfg, client, db)
	if err := a.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	m := metrics.New()
	if cfg.Agent.MetricsAddress != "" {
		srv := &http.Server{Addr: cfg.Agent.MetricsAddress, Handler: metricsMux(m)}
		go serveMetrics(srv)
		defer stopMetrics(srv, 5*time.Second)
	}

	queue := agent.NewQueue()
	subscriber := watcher.NewPeerSubscriber(db, queue, cfg.Local.IPAddr, cfg.Agent.ResubscribeInterval, m)
	devices := watcher.NewDeviceWatcher(queue, cfg.Agent.ResubscribeInterval, m)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go subscriber.Run(ctx)
	watchErr := make(chan error, 1)
	go func() {
		if err := devices.Run(ctx); err != nil {
			watchErr <- err
			cancel()
		}
	}()

	agent.NewDispatcher(queue, a, m).Run(ctx)

	select {
	case err := <-watchErr:
		return fmt.Errorf("device watcher failed: %w", err)
	default:
	}
	logrus.Infof("Shutting down %s", agentName)
	return nil
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func serveMetrics(srv *http.Server) {
	logrus.Infof("Serving metrics on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Errorf("Metrics server failed: %v", err)
	}
}

func stopMetrics(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("Failed to stop metrics server: %v", err)
	}
}
