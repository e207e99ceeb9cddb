// Package main runs the racing game server: a TCP game socket and WebSocket
// gateway for real-time play, an HTTP control plane for room management, and
// a single scheduler ticking every room's simulation.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/driftline/server/config"
	"github.com/driftline/server/internal/api"
	"github.com/driftline/server/internal/session"
	"github.com/driftline/server/internal/track"
)

const cleanupInterval = 30 * time.Second

// gameServer ties the connection layer to the registry.
type gameServer struct {
	cfg      *config.ServerConfig
	registry *session.Registry
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("config load failed")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
	} else {
		logger.SetLevel(lvl)
	}
	log := logrus.NewEntry(logger)

	catalog, err := track.LoadCatalog(cfg.MapsDir)
	if err != nil {
		log.WithError(err).Warn("map catalog unavailable, using the built-in track")
		catalog = track.DefaultCatalog()
	}

	registry := session.NewRegistry(catalog, log)
	scheduler := session.NewScheduler(registry, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go scheduler.Run(ctx)
	go runCleanup(ctx, registry)

	srv := &gameServer{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}

	ln, err := net.Listen("tcp", cfg.TCPAddr())
	if err != nil {
		log.WithError(err).Fatal("game socket listen failed")
	}
	go srv.acceptLoop(ctx, ln)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWebSocket)
	mux.Handle("/", api.NewHandler(registry, log))
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := httpSrv.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithFields(logrus.Fields{
		"game_addr": cfg.TCPAddr(),
		"http_addr": cfg.HTTPAddr(),
		"tick_rate": config.TickRate,
		"maps":      catalog.Len(),
	}).Info("server up")

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server failed")
	}
	log.Info("server stopped")
}

// runCleanup periodically disbands finished rooms and forgets dead clients.
func runCleanup(ctx context.Context, registry *session.Registry) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Cleanup()
		}
	}
}
