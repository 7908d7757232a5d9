package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/slotkeeper/slotkeeper/internal/alerting"
	"github.com/slotkeeper/slotkeeper/internal/api"
	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/internal/captcha"
	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/degradation"
	"github.com/slotkeeper/slotkeeper/internal/devicesync"
	"github.com/slotkeeper/slotkeeper/internal/engine"
	"github.com/slotkeeper/slotkeeper/internal/intel"
	"github.com/slotkeeper/slotkeeper/internal/notify"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
	"github.com/slotkeeper/slotkeeper/internal/recovery"
	"github.com/slotkeeper/slotkeeper/internal/sched"
	"github.com/slotkeeper/slotkeeper/internal/serializer"
	"github.com/slotkeeper/slotkeeper/internal/store"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting Slotkeeper...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Println("✓ Configuration loaded")

	// Durable storage and audit log share one database handle
	db, err := store.OpenGorm(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	persistence, err := store.NewGormPersistenceFromDB(db)
	if err != nil {
		log.Fatalf("Failed to prepare session persistence: %v", err)
	}
	auditLog, err := store.NewGormAuditLog(db)
	if err != nil {
		log.Fatalf("Failed to prepare audit log: %v", err)
	}
	bus := audit.NewBus(auditLog)
	log.Printf("✓ Database ready (%s)", cfg.DBDriver)

	ser, err := serializer.New(cfg.Serializer)
	if err != nil {
		log.Fatalf("Failed to create serializer: %v", err)
	}
	log.Println("✓ State serializer initialized")

	// Notification channels fall back in order: Discord, webhook, log
	var channels []notify.Notifier
	if cfg.Notify.DiscordToken != "" && cfg.Notify.DiscordChannel != "" {
		discord, err := notify.NewDiscordNotifier(cfg.Notify)
		if err != nil {
			log.Printf("Discord notifier unavailable: %v", err)
		} else {
			channels = append(channels, discord)
		}
	}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	channels = append(channels, notify.LogNotifier{})
	notifier := notify.NewMultiNotifier(channels...)
	log.Printf("✓ Notifications configured (%d channels)", len(channels))

	// Automation engine and provider intelligence are remote collaborators
	eng := engine.NewWSClient(cfg.Engine)
	defer eng.Close()
	intelSvc := intel.NewClient(cfg.Intel)
	log.Println("✓ Engine client and provider intel initialized")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	st := store.New(cfg.Session, ser, persistence, bus, intelSvc)
	st.StartCleanup(rootCtx)
	log.Println("✓ Session store initialized")

	timers := sched.New()
	defer timers.Close()

	orchestrator := recovery.NewOrchestrator(st, eng, bus)
	captchaMgr := captcha.NewManager(cfg.Captcha, st, eng, notifier, bus, timers)
	if err := captchaMgr.RestoreActive(rootCtx, bus); err != nil {
		log.Printf("CAPTCHA state reconstruction incomplete: %v", err)
	}
	predictor := captcha.NewPredictor(cfg.Prediction, captchaMgr, st)
	log.Println("✓ Recovery orchestrator and CAPTCHA manager initialized")

	degradationEngine := degradation.NewEngine(notifier, bus, intelSvc, eng)
	degradationEngine.MonitorRecovery(rootCtx, time.Minute)

	monitor := alerting.NewMonitor(cfg.Alerting, notifier, bus, timers)
	if err := monitor.Restore(rootCtx, bus); err != nil {
		log.Printf("Alert state reconstruction incomplete: %v", err)
	}
	bus.Subscribe(monitor.HandleEvent)
	log.Println("✓ Degradation engine and compliance monitor initialized")

	// HTTP surface
	limiter := ratelimit.NewLimiter(100, 10)
	resolver := devicesync.NewResolver(bus)
	handler := api.NewHandler(st, captchaMgr, predictor, orchestrator, degradationEngine, monitor, resolver)
	stream := api.NewAuditStream(bus)
	router := api.SetupRoutes(handler, stream, limiter)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on %s", cfg.HTTPAddr)
		log.Printf("📍 API endpoints available under %s/v1", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down server gracefully...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}
