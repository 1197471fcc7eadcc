package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chainpos/backend/internal/config"
	"chainpos/backend/internal/engine"
	"chainpos/backend/internal/event"
	"chainpos/backend/internal/httpapi"
	"chainpos/backend/internal/ledger"
	ledgermem "chainpos/backend/internal/ledger/memory"
	pgledger "chainpos/backend/internal/ledger/postgres"
	"chainpos/backend/internal/localstore"
	storemem "chainpos/backend/internal/localstore/memory"
	"chainpos/backend/internal/localstore/sqlite"
	"chainpos/backend/internal/mall"
	"chainpos/backend/internal/metrics"
	"chainpos/backend/internal/transfer"
	"chainpos/backend/internal/voucher"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	var local localstore.Store
	if cfg.SQLitePath != "" {
		db, err := sqlite.New(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite unavailable at %s: %v", cfg.SQLitePath, err)
		}
		local = db
		closers = append(closers, db.Close)
		log.Printf("local store: sqlite (%s)", cfg.SQLitePath)
	} else {
		local = storemem.New()
		log.Println("local store: in-memory (data lost on restart)")
	}

	var remote ledger.Ledger
	if cfg.DatabaseURL != "" {
		pg, err := pgledger.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("ledger unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		remote = pg
		closers = append(closers, pg.Close)
		log.Println("ledger: postgres")
	} else {
		remote = ledgermem.New()
		log.Println("ledger: in-memory")
	}

	var notifier engine.Notifier = event.NoopNotifier{}
	if cfg.RedisAddr != "" {
		redisNotifier := event.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisNotifier.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), sales notifications disabled", err)
		} else {
			notifier = redisNotifier
			closers = append(closers, redisNotifier.Close)
			log.Println("notifier: redis")
		}
	} else {
		log.Println("notifier: noop")
	}

	var reporter mall.Reporter = mall.NoopReporter{}
	mallCfg := mall.Config{
		TokenURL:         cfg.MallTokenURL,
		APIURL:           cfg.MallAPIURL,
		ClientID:         cfg.MallClientID,
		ClientSecret:     cfg.MallClientSecret,
		PropertyCode:     cfg.MallPropertyCode,
		POSInterfaceCode: cfg.MallPOSInterfaceCode,
	}
	if mallCfg.Enabled() {
		reporter = mall.NewClient(mallCfg)
		log.Println("mall reporting: enabled")
	}

	eng := engine.New(local, remote, notifier, reporter)
	vouchers := voucher.New(local, remote)
	transfers := transfer.New(local, remote)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, local, remote)
	api := httpapi.New(eng, vouchers, transfers, auth, cfg.AllowedOrigin)

	done := make(chan struct{})
	go metrics.WatchLedger(remote.IsOnline, 5*time.Second, done)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS core listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(done)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
