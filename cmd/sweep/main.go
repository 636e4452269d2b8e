package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentiam.org/internal/identity"
	"agentiam.org/internal/store/pg"
)

// Marks expired agents deleted and drops expired sessions. Run as a cron
// job (-interval 0) or as a long-lived sidecar.
func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("AGENTIAM_PG_DSN"), "PostgreSQL DSN")
		interval = flag.Duration("interval", 0, "Sweep interval; 0 runs a single pass")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AGENTIAM_PG_DSN")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	manager := identity.NewManager(store.Identities(), nil)
	sessions := store.Sessions()

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		agents, err := manager.SweepExpired(ctx)
		if err != nil {
			log.Printf("sweep agents: %v", err)
		}
		dropped, err := sessions.DeleteExpiredBefore(ctx, time.Now().UTC())
		if err != nil {
			log.Printf("sweep sessions: %v", err)
		}
		log.Printf("sweep: %d agents expired, %d sessions dropped", agents, dropped)
	}

	sweep()
	if *interval <= 0 {
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-stop:
			return
		}
	}
}
