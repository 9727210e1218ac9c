package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companionchat/internal/api"
	"companionchat/internal/auth"
	"companionchat/internal/config"
	"companionchat/internal/logger"
	"companionchat/internal/redis"
	"companionchat/internal/service/account"
	"companionchat/internal/service/broker"
	"companionchat/internal/service/guard"
	"companionchat/internal/service/provider"
	"companionchat/internal/storage"
	"companionchat/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logger.Log
	cfg, err := config.Load(os.Getenv("COMPANIONCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(cfg.BasicConfig.LogLevel)

	store, closeStore, err := openStore(cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	if rdb.Enabled() {
		defer rdb.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := provider.NewRegistry(ctx, cfg.Providers)
	if err != nil {
		log.Fatalf("build providers: %v", err)
	}
	var locker broker.Locker = broker.NewKeyedLocker()
	if rdb.Enabled() {
		locker = broker.NewRedisLocker(rdb, cfg.Providers.Timeout()*3)
	}
	chatBroker, err := broker.New(store, registry, guard.New(nil), locker, broker.Config{
		TokensPerMessage: cfg.Credits.TokensPerMessage,
		Provider:         cfg.Providers.Selection(),
	})
	if err != nil {
		log.Fatalf("init broker: %v", err)
	}

	workers := worker.NewManager(chatBroker, worker.DispatcherConfigFrom(cfg.Worker), rdb)
	defer workers.Close()

	authService, err := auth.NewService(store, rdb, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}
	accounts := account.NewService(store, authService, workers, cfg.Credits.DefaultStartingBalance)
	handlers := api.NewHandler(accounts, authService, workers, chatBroker, store, api.Options{
		AdminKey:     cfg.Auth.AdminKey,
		ExposeErrors: cfg.IsDevelopment(),
		SendTimeout:  cfg.Providers.Timeout() * 4,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":     srv.Addr,
		"provider": chatBroker.Provider(),
		"store":    cfg.Database.Driver,
		"redis":    rdb.Enabled(),
	}).Info("companionchat listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server stopped: %v", err)
	}
}

// openStore picks the backing store from the configured driver.
func openStore(cfg config.DatabaseConfig) (storage.Store, func(), error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryStore(), func() {}, nil
	}
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(db, storage.NormalizeDriver(cfg.Driver)); err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage.NewSQLStore(db), func() { db.Close() }, nil
}
