package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/app"
	"github.com/ariefcatur/go-pos-reconciler/internal/config"
	kafkax "github.com/ariefcatur/go-pos-reconciler/internal/kafka"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/worker"
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

	// Service
	svc := &worker.Service{
		Pipeline:    a.Pipeline,
		ServiceName: cfg.ServiceName + "-worker",
		Log:         log,
	}
	if a.Redis != nil {
		svc.Redis = a.Redis
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, sales.TopicSaleCompleted, cfg.WorkerCount, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.WithField("workers", cfg.WorkerCount).Info("sale consumer started")
		if err := cons.Start(ctx, svc.HandleSaleCompleted); err != nil {
			log.WithError(err).Error("consumer exit")
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer...")
	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("consumer did not drain in time")
	}
	a.Close()
}
