package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// The offer board and negotiation map live in process memory, so exactly one
// server instance may run against a database at a time. The advisory lock
// makes a second instance fail fast instead of silently splitting the board.
const marketplaceAdvisoryLockID int64 = 731550218

func acquireInstanceLock(ctx context.Context, db *sql.DB) (*sql.Conn, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, marketplaceAdvisoryLockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

func healthHandler(gateway tradeGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		database := "connected"
		if err := gateway.Ping(ctx); err != nil {
			status = "unhealthy"
			code = http.StatusInternalServerError
			database = "disconnected"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"database":  database,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func runIdleSweepLoop(hub *marketHub, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hub.sweepIdleNegotiations(time.Now())
		case <-stop:
			return
		}
	}
}

func main() {
	cfg := loadConfig()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal("failed to open database:", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatal("failed to ping database:", err)
	}
	log.Println("Connected to PostgreSQL")

	if err := ensureSchema(db); err != nil {
		log.Fatal("Failed to ensure schema:", err)
	}

	ctx := context.Background()
	lockConn, acquired, err := acquireInstanceLock(ctx, db)
	if err != nil {
		log.Fatal("Failed to acquire instance lock:", err)
	}
	if !acquired {
		log.Fatal("Another marketplace instance holds the lock; refusing to start")
	}
	defer lockConn.Close()

	gateway := newPGGateway(db)
	hub := newMarketHub(gateway, cfg)

	stop := make(chan struct{})
	defer close(stop)
	go runChatArchiveLoop(gateway, cfg.ChatRetentionDays, stop)
	go runIdleSweepLoop(hub, stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(gateway))
	mux.HandleFunc("/ws", buildWSHandler(hub))

	addr := ":" + cfg.Port
	log.Printf("Marketplace server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("server failed:", err)
	}
}
