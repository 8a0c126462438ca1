package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ibis-coordination/harmonic-automation/internal/action"
	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/config"
	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/dispatch"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	"github.com/ibis-coordination/harmonic-automation/internal/executor"
	"github.com/ibis-coordination/harmonic-automation/internal/harness"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
	"github.com/ibis-coordination/harmonic-automation/internal/server"
	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
	"github.com/ibis-coordination/harmonic-automation/internal/trigger"
	"github.com/ibis-coordination/harmonic-automation/internal/worker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation engine with cron triggers and webhook endpoints",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// poolRef breaks the construction cycle between the executor (which
// enqueues deliveries) and the worker pool (which holds the executor).
type poolRef struct{ pool *worker.Pool }

func (p *poolRef) EnqueueDelivery(id string) {
	if p.pool != nil {
		p.pool.EnqueueDelivery(id)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if servePort > 0 {
		cfg.Port = servePort
	}

	dir, err := config.LoadDirectory(cfg.DirectoryFile)
	if err != nil {
		return fmt.Errorf("loading directory file: %w", err)
	}
	tenants := tenant.NewManager(dir.Tenants)
	directory := agent.NewStaticDirectory(dir.Agents)

	dbPath := cfg.AutomationDBPath()
	ruleStore, err := rule.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("initializing rule store: %w", err)
	}
	defer ruleStore.Close()
	runStore, err := run.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("initializing run store: %w", err)
	}
	defer runStore.Close()
	deliveryStore, err := delivery.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("initializing delivery store: %w", err)
	}
	defer deliveryStore.Close()

	taskQueue := agent.NewHTTPTaskQueue(cfg.PlatformBaseURL, cfg.PlatformToken)
	invoker := action.NewHTTPInvoker(cfg.PlatformBaseURL, cfg.PlatformToken)
	actions := action.NewDispatcher(tenants, invoker)
	events := event.NewCache(time.Hour)

	completions := make(chan delivery.CompletionEvent, 64)
	delq := &poolRef{}
	retryScheduler := delivery.NewScheduler(delq.EnqueueDelivery)
	pipeline := delivery.NewPipeline(deliveryStore, retryScheduler, completions)

	exec := executor.NewExecutor(ruleStore, runStore, deliveryStore, events, taskQueue, actions, directory, delq)
	pool := worker.NewPool(runStore, deliveryStore, exec, pipeline,
		worker.WithConcurrency(cfg.Workers))
	delq.pool = pool

	reconciler := executor.NewReconciler(runStore, deliveryStore)
	go reconciler.Consume(ctx, completions)

	retryScheduler.Start()
	defer retryScheduler.Stop()
	pool.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pool.Stop(stopCtx)
	}()

	cronScheduler := trigger.NewScheduler(ruleStore, runStore, pool)
	if err := cronScheduler.Reload(ctx); err != nil {
		return fmt.Errorf("registering schedules: %w", err)
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	dispatcher := dispatch.NewDispatcher(tenants, ruleStore, runStore, directory, pool)
	webhookHandler := trigger.NewWebhookHandler(ruleStore, runStore, tenants, pool)
	testHarness := harness.New(ruleStore, runStore, deliveryStore, events, taskQueue, actions, directory, pipeline, reconciler)

	apiKeys := make(map[string]server.Credential)
	for key, cred := range config.ParseAPIKeys(cfg.APIKeys) {
		apiKeys[key] = server.Credential{TenantID: cred.TenantID, ActorID: cred.ActorID}
	}
	if len(apiKeys) == 0 {
		log.Warn().Msg("HARMONIC_API_KEYS not set; all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		ruleStore,
		runStore,
		tenants,
		testHarness,
		webhookHandler,
		pool,
		apiKeys,
		server.WithDispatcher(dispatcher),
		server.WithEventCache(events),
		server.WithScheduleReloader(cronScheduler),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", cronScheduler.Entries()).
		Int("workers", cfg.Workers).
		Int("tenants", len(dir.Tenants)).
		Msg("automation_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
