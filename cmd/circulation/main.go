// cmd/circulation/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"libracirc/internal/circulation"
	"libracirc/internal/mailer"
	"libracirc/internal/scheduler"
	"libracirc/internal/store/memory"
	"libracirc/internal/store/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings := circulation.DefaultSettings()
	settings.EnableFines = getEnvBool("ENABLE_FINES", settings.EnableFines)
	settings.DamageFineAmount = getEnvFloat("DAMAGE_FINE_AMOUNT", settings.DamageFineAmount)
	settings.ReservationExpiryDays = getEnvInt("RESERVATION_EXPIRY_DAYS", settings.ReservationExpiryDays)
	settings.SendOverdueReminders = getEnvBool("SEND_OVERDUE_REMINDERS", settings.SendOverdueReminders)
	settings.OverdueReminderDays = getEnvInt("OVERDUE_REMINDER_DAYS", settings.OverdueReminderDays)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := buildStore(ctx, logger)
	dispatcher := buildDispatcher(logger)

	svc := circulation.NewService(store, settings, dispatcher, circulation.WithLogger(logger))

	sweepInterval := time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 24*60)) * time.Minute
	go scheduler.New(svc, sweepInterval, logger).Run(ctx)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/", circulation.NewHandler(svc).Routes())

	port := getEnv("PORT", "8082")
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info("starting circulation service", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildStore opens PostgreSQL when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func buildStore(ctx context.Context, logger *slog.Logger) circulation.Store {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return memory.NewStore()
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	store := postgres.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	return store
}

func buildDispatcher(logger *slog.Logger) circulation.Dispatcher {
	perSecond := getEnvFloat("MAIL_RATE_PER_SECOND", 5)

	gatewayURL := os.Getenv("MAIL_GATEWAY_URL")
	if gatewayURL == "" {
		logger.Warn("MAIL_GATEWAY_URL not set, logging mail instead of sending")
		return mailer.NewDispatcher(&mailer.LogMailer{Logger: logger}, perSecond, logger)
	}

	m := mailer.NewHTTPMailer(gatewayURL, os.Getenv("MAIL_GATEWAY_API_KEY"))
	return mailer.NewDispatcher(m, perSecond, logger)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
