package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tqdev/sqlgate/cache"
	"github.com/tqdev/sqlgate/config"
	"github.com/tqdev/sqlgate/metrics"
	"github.com/tqdev/sqlgate/mysql"
	"github.com/tqdev/sqlgate/parser"
	"github.com/tqdev/sqlgate/replica"
	"github.com/tqdev/sqlgate/router"
	"github.com/tqdev/sqlgate/sescmd"
	"github.com/tqdev/sqlgate/users"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize metrics
	metrics.Init()

	// Start metrics HTTP server with pprof
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// User catalog
	repo, err := users.NewStatic(cfg.Users)
	if err != nil {
		log.Fatalf("Failed to load user catalog: %v", err)
	}
	log.Printf("Loaded %d users", repo.Len())

	// Backend pool with health checks
	pool := replica.NewPool(cfg.MySQL.Primary, cfg.MySQL.Replicas)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.StartHealthChecks(ctx, 10*time.Second)
	log.Printf("[MySQL] Backend pool primary: %s, %d replicas", pool.Primary(), len(cfg.MySQL.Replicas))

	// Session command list semantics
	semantics, err := sescmd.ParseSemantics(cfg.SesCmd.ReplyOn, cfg.SesCmd.MustReply, cfg.SesCmd.OnError)
	if err != nil {
		log.Fatalf("Invalid sescmd config: %v", err)
	}
	maxLenPolicy, err := sescmd.ParseMaxLenPolicy(cfg.SesCmd.OnMaxLen)
	if err != nil {
		log.Fatalf("Invalid sescmd config: %v", err)
	}

	// Optional result cache
	var queryCache *cache.Cache
	if cfg.Cache.MaxSize > 0 {
		queryCache, err = cache.New(cfg.Cache.MaxSize)
		if err != nil {
			log.Fatalf("Failed to create cache: %v", err)
		}
	}

	// Start the gateway
	server := mysql.NewServer(cfg.MySQL.Listen, router.New(pool), repo, mysql.Options{
		Classifier: parser.IsSessionModifying,
		Cache:      queryCache,
		Semantics:  semantics,
		Properties: sescmd.Properties{
			MaxLen:   cfg.SesCmd.MaxLen,
			OnMaxLen: maxLenPolicy,
		},
		SendBuf: cfg.MySQL.SendBuf,
	})
	if _, err := server.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}

	log.Println("sqlgate started. Press Ctrl+C to stop. Send SIGHUP to reload config.")

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			log.Println("Received SIGHUP, reloading configuration...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("Failed to reload config: %v", err)
				continue
			}

			if err := repo.Reload(newCfg.Users); err != nil {
				log.Printf("Failed to reload user catalog: %v", err)
				continue
			}
			pool.Update(newCfg.MySQL.Primary, newCfg.MySQL.Replicas)
			log.Printf("Reloaded - %d users, %d backends", repo.Len(), pool.HealthyCount())

		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("Shutting down...")
			return
		}
	}
}
