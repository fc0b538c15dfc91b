// Command gateway is the process entrypoint: it loads configuration, opens
// the inventory store, wires the full AppState, starts the HTTP server and
// background tasks, and shuts both down gracefully on SIGINT/SIGTERM.
// Grounded on the studio backend's cmd/apiserver/main.go startup/shutdown
// sequence (http.Server + signal.Notify + bounded Shutdown).
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanhue/gateway/internal/appstate"
	"github.com/lanhue/gateway/internal/config"
	"github.com/lanhue/gateway/internal/httpapi"
	"github.com/lanhue/gateway/internal/store"
)

func main() {
	log.Println("starting hue gateway")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	app := appstate.New(cfg, st, config.EventBusRingCapacity, config.SubscriberQueueCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := app.Run(ctx); err != nil {
			log.Printf("background tasks stopped: %v", err)
		}
	}()

	server := httpapi.New(cfg, app.V1Dispatcher, app.V2Dispatcher, app.V1Bus, app.V2Bus, app.Client)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Engine(),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen and serve: %v", err)
		}
	}()
	log.Printf("gateway listening on %s", httpSrv.Addr)

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	log.Println("gateway stopped")
}
