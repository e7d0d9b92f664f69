package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"orcfax-index/internal/alert"
	"orcfax-index/internal/api"
	"orcfax-index/internal/config"
	"orcfax-index/internal/ingester"
	"orcfax-index/internal/market"
	"orcfax-index/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg := config.Load()

	log.Println("Initializing Orcfax Indexer...")
	log.Printf("Env: %s", cfg.Env)
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Port: %s", cfg.Port)
	log.Printf("Build: %s", BuildCommit)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	// 2b. Seed networks
	if err := seedNetworks(repo, cfg.NetworksFile); err != nil {
		log.Fatalf("Network seeding failed: %v", err)
	}

	alerts := alert.New(cfg.DiscordWebhookURL, cfg.Env)

	// 3. Services
	svc := ingester.NewService(repo, alerts, ingester.Config{
		ChainIndexRPS:            cfg.ChainIndexRPS,
		ArchiveWorkers:           int64(cfg.ArchiveWorkers),
		PrimaryArweaveEndpoint:   cfg.PrimaryArweaveEndpoint,
		SecondaryArweaveEndpoint: cfg.SecondaryArweaveEndpoint,
	})
	scheduler := ingester.NewScheduler(svc, time.Duration(cfg.SyncIntervalMin)*time.Minute)
	xerberus := market.NewXerberusPoller(repo, 6*time.Hour)
	server := api.NewServer(repo, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		xerberus.Start(ctx)
	}()

	go func() {
		log.Printf("API server listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	// 4. Shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown: %v", err)
	}

	wg.Wait()
	log.Println("Shutdown complete.")
}

// seedNetworks upserts the seed file into the networks table. Existing
// networks keep their checkpoint; seed-controlled columns are refreshed.
func seedNetworks(repo *repository.Repository, path string) error {
	seeds, err := config.LoadNetworkSeeds(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	existing, err := repo.ListNetworks(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]int64, len(existing))
	for _, n := range existing {
		byName[n.Name] = n.ID
	}

	for i := range seeds {
		seed := &seeds[i]
		if id, ok := byName[seed.Name]; ok {
			seed.ID = id
			if err := repo.UpdateNetwork(ctx, seed); err != nil {
				return err
			}
			log.Printf("Network %s refreshed from seed", seed.Name)
			continue
		}
		if err := repo.CreateNetwork(ctx, seed); err != nil {
			return err
		}
		log.Printf("Network %s created from seed", seed.Name)
	}
	return nil
}

func redactDatabaseURL(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "(unparseable db url)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
