// Command aiosd runs the AIOS runtime as a single long-lived process:
// load configuration, wire every component via aios.NewCore, start the
// background loops (Scheduler, Reactor, Heartbeat), and serve the
// operator control surface over HTTP until interrupted.
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

	"github.com/yangfei222666-9/aios/aios"
	"github.com/yangfei222666-9/aios/core"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("aiosd: load config: %v", err)
	}
	logger := cfg.Logger()

	c, err := aios.NewCore(cfg, aios.Options{})
	if err != nil {
		log.Fatalf("aiosd: build core: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      c.HTTPHandler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("aiosd listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("aiosd http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("aiosd shutting down", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("aiosd http shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := c.Stop(); err != nil {
		logger.Warn("aiosd core stop", map[string]interface{}{"error": err.Error()})
	}

	time.Sleep(100 * time.Millisecond) // let in-flight log writes flush
}
