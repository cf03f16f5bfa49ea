// Package main starts the proxy: it loads configuration, builds the
// credential store and pool, and serves the Anthropic-compatible API backed
// by the Kiro upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/api"
	"github.com/router-for-me/KiroProxyAPI/internal/api/handlers"
	kiroauth "github.com/router-for-me/KiroProxyAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroProxyAPI/internal/config"
	"github.com/router-for-me/KiroProxyAPI/internal/credential"
	"github.com/router-for-me/KiroProxyAPI/internal/executor"
	"github.com/router-for-me/KiroProxyAPI/internal/logging"
	"github.com/router-for-me/KiroProxyAPI/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// store is the full capability set both backends provide; the pool and the
// admin API each consume a narrower slice of it.
type store interface {
	credential.Store
	handlers.PrioritySetter
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kiro-proxy-api %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	// Environment overrides (e.g. PORT in containers) come from .env when
	// present; a missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	logging.Configure(cfg.Logging)
	log.Infof("kiro-proxy-api %s starting, region %s, storage %s",
		Version, cfg.Region, cfg.CredentialStorageType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("credential store: %v", err)
	}
	defer cleanup()

	refresher := kiroauth.NewRefresher(cfg)
	var poolOpts []credential.Option
	if cfg.CredentialSyncIntervalSecs > 0 {
		poolOpts = append(poolOpts,
			credential.WithSyncInterval(time.Duration(cfg.CredentialSyncIntervalSecs)*time.Second))
	}
	pool := credential.NewPool(st, refresher, poolOpts...)
	if err = pool.Load(ctx); err != nil {
		log.Fatalf("load credentials: %v", err)
	}
	if pool.Size() == 0 {
		log.Warn("no credentials loaded, all requests will fail until some are added")
	} else {
		log.Infof("loaded %d credentials", pool.Size())
	}

	go pool.SyncLoop(ctx)
	if fs, ok := st.(*storage.FileStore); ok {
		go func() {
			if watchErr := fs.Watch(ctx, pool.Kick); watchErr != nil {
				log.Warnf("credential file watch unavailable: %v", watchErr)
			}
		}()
	}

	engine := executor.New(cfg, pool)
	server := api.NewServer(cfg, engine, pool, st)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Errorf("shutdown: %v", err)
	}
	cancel()
	log.Info("shutdown complete")
}

// buildStore selects the configured credential store backend.
func buildStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	switch cfg.CredentialStorageType {
	case config.StorageDatabase:
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return storage.NewFileStore(cfg.CredentialsFile), func() {}, nil
	}
}
