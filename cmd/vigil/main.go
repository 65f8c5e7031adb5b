package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm/logger"

	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/handlers"
	"github.com/vigilops/vigil/internal/jobs"
	"github.com/vigilops/vigil/internal/notify"
	"github.com/vigilops/vigil/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Vigil alert engine...")

	// Load the policy snapshot (SLA targets, escalation tiers, grouping)
	policies, err := config.NewPolicyStore(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to load policy configuration: %v", err)
	}
	if cfg.PolicyFile != "" {
		log.Printf("Policy configuration loaded from %s", cfg.PolicyFile)
	} else {
		log.Printf("Using built-in default policy configuration")
	}

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	db := database.GetDB()

	// Notification dispatcher: Slack and webhook channels when
	// configured, log handoff for everything else. Sends never block
	// the engine.
	dispatcher := notify.NewDispatcher()
	dispatcher.Register(config.ChannelEmail, notify.NewLogSender("email"))
	dispatcher.Register(config.ChannelSMS, notify.NewLogSender("sms"))
	if cfg.SlackBotToken != "" {
		dispatcher.Register(config.ChannelSlack, notify.NewSlackSender(cfg.SlackBotToken, cfg.SlackAlertsChannel))
		log.Printf("Slack notifications enabled for channel %s", cfg.SlackAlertsChannel)
	} else {
		dispatcher.Register(config.ChannelSlack, notify.NewLogSender("slack"))
		log.Printf("Slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}
	if cfg.WebhookURL != "" {
		dispatcher.Register(config.ChannelWebhook, notify.NewWebhookSender(cfg.WebhookURL))
		log.Printf("Webhook notifications enabled for %s", cfg.WebhookURL)
	} else {
		dispatcher.Register(config.ChannelWebhook, notify.NewLogSender("webhook"))
	}

	// Initialize services
	oncallService := services.NewOnCallService(db)
	groupingService := services.NewGroupingService(db)
	slaService := services.NewSLAService(db, policies)
	escalationService := services.NewEscalationService(db, policies, oncallService, dispatcher)
	stateMachine := services.NewStateMachine(db, slaService, groupingService)
	ingestor := services.NewIngestor(db, policies, groupingService, slaService, escalationService)
	log.Printf("Alert services initialized")

	// Start background jobs
	stop := make(chan struct{})
	sweeper := jobs.NewEscalationSweeper(escalationService)
	go sweeper.Start(cfg.SweepInterval, stop)
	log.Printf("Escalation sweeper started (interval %s)", cfg.SweepInterval)

	expiry := jobs.NewGroupExpiryMonitor(db, policies, groupingService)
	go expiry.Start(cfg.GroupExpiryInterval, stop)
	log.Printf("Group expiry monitor started (interval %s)", cfg.GroupExpiryInterval)

	// HTTP surface: event intake, transition commands, read-model
	// queries, health and metrics.
	apiHandler := handlers.NewAPIHandler(ingestor, stateMachine, slaService, groupingService, oncallService)
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// SIGHUP reloads the policy file as a fresh immutable snapshot
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := policies.Reload(); err != nil {
				log.Printf("Policy reload failed, keeping previous snapshot: %v", err)
			} else {
				log.Printf("Policy configuration reloaded")
			}
		}
	}()

	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("Metrics endpoint: http://localhost:%d/metrics", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stop)

	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
