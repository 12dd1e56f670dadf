package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/app"
	"github.com/ariefcatur/go-pos-reconciler/internal/config"
	"github.com/ariefcatur/go-pos-reconciler/internal/httpx"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, log, true)
	if err != nil {
		log.WithError(err).Fatal("wire app")
	}

	router := httpx.NewRouter(log)
	h := &httpx.SalesHandler{
		Pipeline: a.Pipeline,
		Repair:   a.Repair,
		Audit:    a.Audit,
		Sales:    a.Sales,
		Stock:    a.Ledger,
	}
	if a.Redis != nil {
		h.Redis = a.Redis
	}
	h.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2) // commit yang sedang jalan dibiarkan selesai dulu
	a.Close()              // flush producer, tutup redis & pool
	cancel()               // stop sweeper
}
