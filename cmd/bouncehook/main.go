package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/bouncehook/internal/config"
	"github.com/busybox42/bouncehook/internal/ingest"
	"github.com/busybox42/bouncehook/internal/logging"
	"github.com/busybox42/bouncehook/internal/metrics"
	"github.com/busybox42/bouncehook/internal/store"
	"github.com/busybox42/bouncehook/internal/worker"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bouncehook",
		Short: "Bouncehook - bounce email to signed webhook bridge",
		Long: `Bouncehook converts bounce notification emails (DSNs) piped in by a mail
transfer agent into signed webhook calls, delivered at-least-once through a
database-backed retry queue.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database schema",
	Long:  "Idempotently create the route and queue tables and their indexes.",
	RunE:  runInit,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Process one incoming email from stdin",
	Long: `Read a single raw message from stdin (as piped by the MTA), parse it as a
bounce notification and enqueue a webhook for every matching route. Messages
that are not bounces, or that match no route, are ignored silently.`,
	RunE: runIngest,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the webhook delivery worker",
	Long: `Poll the queue and deliver signed webhooks until interrupted. Delivery
failures are retried with capped exponential backoff; the worker exits zero
on SIGINT/SIGTERM.`,
	RunE: runWorker,
}

var (
	queueShowExpired bool
	queueLimit       int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the webhook queue",
	Long:  "List queue entries with their attempt counts, due times and last errors.",
	RunE:  runQueue,
}

func init() {
	queueCmd.Flags().BoolVar(&queueShowExpired, "expired", false, "include expired entries")
	queueCmd.Flags().IntVar(&queueLimit, "limit", 50, "maximum number of entries to show")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Bouncehook %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

// setup loads configuration, installs the logger and opens the store. All
// three subcommands share this path.
func setup(ctx context.Context) (*config.Config, *store.SQLStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, nil, err
	}

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	return st.InitSchema(ctx)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	pipeline := ingest.New(st, cfg.Ingest.RecipientDelimiter)
	return pipeline.Run(ctx, os.Stdin)
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListEntries(ctx, queueShowExpired, queueLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROUTE\tATTEMPTS\tNEXT ATTEMPT\tEXPIRED\tLAST ERROR")
	for _, e := range entries {
		lastError := "-"
		if e.LastError.Valid && e.LastError.String != "" {
			lastError = e.LastError.String
			if len(lastError) > 60 {
				lastError = lastError[:57] + "..."
			}
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%t\t%s\n",
			e.ID, e.RouteID, e.Attempts,
			e.NextAttemptAt.UTC().Format(time.RFC3339),
			e.Expired, lastError)
	}
	return w.Flush()
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	wk := worker.New(st, worker.Config{
		Interval:        cfg.WorkerInterval(),
		BatchSize:       cfg.Worker.BatchSize,
		HTTPTimeout:     cfg.HTTPTimeout(),
		MaxRetries:      cfg.Worker.MaxRetries,
		MaxDelayMinutes: cfg.Worker.MaxDelayMinutes,
		UserAgent:       "bouncehook/" + version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wk.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}
