// Supportd is the conversation and action orchestration daemon.
//
// It consumes threaded support-channel events from NATS, drives each thread
// through classification, confirmation, answer generation or approved action
// execution, and escalates SLA breaches with a ticket and email.
//
// Configuration is loaded from a YAML file plus SUPPORTD_* environment
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	supportd -config /etc/supportd/config.yaml
//
//	# Show version
//	supportd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/action"
	"github.com/supportdhq/supportd/internal/answer"
	"github.com/supportdhq/supportd/internal/approval"
	"github.com/supportdhq/supportd/internal/audit"
	"github.com/supportdhq/supportd/internal/classify"
	"github.com/supportdhq/supportd/internal/config"
	"github.com/supportdhq/supportd/internal/logging"
	"github.com/supportdhq/supportd/internal/notify"
	"github.com/supportdhq/supportd/internal/orchestrator"
	"github.com/supportdhq/supportd/internal/sla"
	"github.com/supportdhq/supportd/internal/store"
	"github.com/supportdhq/supportd/internal/ticketing"
	"github.com/supportdhq/supportd/internal/transport"
	"github.com/supportdhq/supportd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  supportd           Start the supportd daemon\n")
			fmt.Fprintf(os.Stderr, "  supportd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("supportd error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("supportd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until the context is cancelled:
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Opens the store and audit ledger
//  4. Connects to NATS and builds the adapters
//  5. Wires the orchestrator, re-arms persisted SLA timers
//  6. Starts the scheduler, ingress, config watcher and admin server
//  7. Drains everything on shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	auditLog, err := audit.NewSQLLog(st.DB(), logger)
	if err != nil {
		return err
	}

	channels := config.NewChannels(cfg, configPath, logger)
	go func() {
		if err := channels.Watch(ctx); err != nil {
			logger.Warn(ctx, "config watcher stopped", zap.Error(err))
		}
	}()

	conn, err := transport.Connect(cfg.Transport.URL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	classifier, err := classify.New(cfg.Classifier, logger)
	if err != nil {
		return err
	}

	retriever, err := answer.NewChromemRetriever(cfg.Answer.IndexPath, cfg.Answer.APIKey.Value())
	if err != nil {
		return err
	}
	answerModel, err := classify.NewModel(cfg.Answer.Provider, cfg.Answer.Model,
		cfg.Answer.APIKey.Value(), cfg.Answer.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to build answer model: %w", err)
	}
	generator := answer.NewRAGGenerator(retriever, answerModel, logger)

	// Action handlers are deployment-specific; registered here before the
	// executor is wired.
	registry := action.NewRegistry()
	executor := action.NewExecutor(registry, approval.NewGate(st), st, auditLog, logger)

	notifier := notify.NewNATSNotifier(conn, cfg.Transport.OutboundPrefix, logger)
	emailSender := notify.NewSMTPSender(cfg.Email, logger)
	tickets := ticketing.NewJiraClient(cfg.Ticketing, logger)

	var orch *orchestrator.Orchestrator
	scheduler := sla.NewScheduler(func(id string, kind sla.Kind) {
		orch.OnSLAExpired(id, kind)
	}, logger)

	orch = orchestrator.New(orchestrator.Deps{
		Store:      st,
		Audit:      auditLog,
		Channels:   channels,
		Classifier: classifier,
		Generator:  generator,
		Executor:   executor,
		Scheduler:  scheduler,
		Ticketing:  tickets,
		Escalation: emailSender,
		Notifier:   notifier,
		Logger:     logger,
	})
	defer orch.Close()

	if err := orch.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume conversations: %w", err)
	}

	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "sla scheduler stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "progress relay stopped", zap.Error(err))
		}
	}()

	ingress := transport.NewIngress(conn, cfg.Transport, orch, logger)
	if err := ingress.Start(ctx); err != nil {
		return err
	}
	defer ingress.Close()

	logger.Info(ctx, "supportd started",
		zap.Int("port", cfg.Server.Port),
		zap.String("nats_url", cfg.Transport.URL),
		zap.Int("channels", len(channels.Snapshot().List())))

	srv := server.NewServer(cfg.Server, channels, st, auditLog)
	return srv.Start(ctx)
}
