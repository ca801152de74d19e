/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Glowdesk Lifecycle Engine server. Handles
  configuration, dependency injection, the job scheduler, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Initialize SQLite store
  3. Start the job scheduler (metrics + loyalty loops)
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port              HTTP server port (default: 8080)
  -db                SQLite database path (default: lifecycle.db)
                     Use ":memory:" for an in-memory database
  -metrics-interval  Metrics pipeline cadence (default: 6h)
  -loyalty-interval  Tier + expiry cadence (default: 1h)
  -no-scheduler      Disable the background scheduler

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for in-flight runs
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/lifecycle.db"

  # Run API only, trigger jobs manually via POST /api/jobs/*
  ./server -no-scheduler

SEE ALSO:
  - api/server.go: Router configuration
  - jobs/scheduler.go: Background job loops
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/glowdesk/lifecycle-engine/api"
	"github.com/glowdesk/lifecycle-engine/jobs"
	"github.com/glowdesk/lifecycle-engine/store/sqlite"
)

func main() {
	// .env is optional; flags win over it.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "lifecycle.db"), "SQLite database path")
	metricsInterval := flag.Duration("metrics-interval", 6*time.Hour, "metrics pipeline cadence")
	loyaltyInterval := flag.Duration("loyalty-interval", 1*time.Hour, "tier + expiry cadence")
	noScheduler := flag.Bool("no-scheduler", false, "disable the background scheduler")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	runner := jobs.NewRunner(store)

	scheduler := jobs.NewScheduler(runner)
	scheduler.MetricsInterval = *metricsInterval
	scheduler.LoyaltyInterval = *loyaltyInterval
	scheduler.Enabled = !*noScheduler
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(store, runner)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
