// Command bookforge runs the book acquisition service: it wires every
// collaborator in internal/app, starts the scheduler loop, and serves the
// HTTP/WebSocket surface until an OS signal requests shutdown. Grounded on
// the teacher's main.go construction order (logger -> storage -> core ->
// config -> audit -> control server -> signal handling), adapted from a
// Wails desktop entrypoint into a headless server binary: no systray, no
// embedded frontend assets, no GUI mode switch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookforge/internal/api"
	"bookforge/internal/app"
)

func main() {
	dataDir := flag.String("data-dir", envOr("BOOKFORGE_DATA_DIR", "./data"), "directory for the database, logs, and temp files")
	addr := flag.String("addr", envOr("BOOKFORGE_ADDR", ":8084"), "HTTP listen address")
	flag.Parse()

	a, err := app.New(*dataDir, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bookforge: startup failed:", err)
		os.Exit(1)
	}
	defer a.Close()

	server := api.NewServer(a)
	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		a.Run(ctx)
	}()

	go func() {
		a.Logger.Info("http server listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	a.Logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http server shutdown error", "error", err)
	}
	<-schedulerDone
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
