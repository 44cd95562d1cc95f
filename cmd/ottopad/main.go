package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ottopad/ottopad/internal/collab"
	"github.com/ottopad/ottopad/internal/pad"
	"github.com/ottopad/ottopad/internal/server"
	"github.com/ottopad/ottopad/internal/store"
)

func main() {
	cfg := server.LoadConfig()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend: memory, mongo, redis or postgres")
	flag.Parse()

	logger := log.New(os.Stderr, "ottopad: ", log.LstdFlags)

	db, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("opening %s store: %v", cfg.Backend, err)
	}
	defer db.Close(context.Background())

	pads := pad.NewManager(db, log.New(os.Stderr, "pad: ", log.LstdFlags), cfg.DefaultPadText)
	checker := server.NewChecker(pads, cfg.Secret, cfg.SessionTTL)
	coord := collab.NewCoordinator(pads, checker, log.New(os.Stderr, "collab: ", log.LstdFlags), collab.Options{})
	defer coord.Shutdown()

	srv := server.New(cfg, logger, pads, coord, checker)
	logger.Fatal(srv.ListenAndServe())
}

func openStore(cfg server.Config) (store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "mongo":
		return store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "redis":
		return store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return store.NewPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
