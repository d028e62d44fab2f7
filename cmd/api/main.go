package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attestor.org/internal/ceremony"
	"attestor.org/internal/claims"
	"attestor.org/internal/config"
	"attestor.org/internal/directory"
	"attestor.org/internal/httpapi"
	"attestor.org/internal/obs"
	"attestor.org/internal/store/pg"
	"attestor.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "none"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	// Store selection: Postgres when a DSN is configured, otherwise the
	// in-memory stores (single-process deployments and local development).
	var (
		challenges  ceremony.ChallengeStore
		credentials ceremony.CredentialStore
		probe       httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("open postgres")
		}
		defer store.Close()
		challenges, credentials = store, store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		challenges = ceremony.NewMemoryChallengeStore()
		credentials = ceremony.NewMemoryCredentialStore()
	}

	engine := ceremony.NewEngine(challenges, credentials, ceremony.Policy{
		AllowZeroSignCount: cfg.AllowZeroSignCount,
	})
	emitter := claims.NewEmitter(cfg.FederationSecret, cfg.ClaimsTokenTTL)

	var dir directory.Directory = directory.Open{}
	if cfg.DirectoryURL != "" {
		dir = directory.NewClient(cfg.DirectoryURL)
	}

	outcomes := stream.New()

	api := httpapi.New(probe, engine, emitter, dir, outcomes, httpapi.Options{
		Version:        version,
		ChallengeTTL:   cfg.ChallengeTTL,
		RelyingParties: cfg.RelyingParties,
		OperatorToken:  cfg.OperatorToken,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stopReclaim := context.WithCancel(context.Background())

	// Expired challenge rows are dead weight after the consume-time expiry
	// check has refused them; reclamation just keeps the table small.
	go func() {
		ticker := time.NewTicker(cfg.ReclaimEvery)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				n, err := engine.PurgeExpired(rootCtx)
				if err != nil {
					log.WithError(err).Warn("purge expired challenges")
					continue
				}
				if n > 0 {
					log.WithField("purged", n).Info("purged expired challenges")
				}
			}
		}
	}()

	log.WithField("addr", cfg.Addr).WithField("version", version).Info("starting attestor-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")
	stopReclaim()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Info("stopped")
}
