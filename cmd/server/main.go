package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	chatwebui "github.com/MegaGrindStone/chat-web-ui"
	"github.com/MegaGrindStone/chat-web-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-web-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-web-ui/internal/persistence"
	"github.com/MegaGrindStone/chat-web-ui/internal/services"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "chatwebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := flag.String("config", filepath.Join(cfgPath, "config.yaml"), "path of the YAML config file")
	ephemeral := flag.Bool("ephemeral", false, "keep sessions in memory only")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath, cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := cfg.logger(os.Stdout)

	var substrate persistence.Substrate
	if *ephemeral {
		substrate = persistence.NewMemory()
	} else {
		boltDB, err := persistence.NewBoltDB(cfg.DBPath)
		if err != nil {
			log.Fatal(err)
		}
		substrate = boltDB
	}
	adapter := persistence.NewAdapter(substrate, logger)

	store := session.Open(context.Background(), adapter, logger)

	proxyClient := services.NewProxyClient(cfg.ProxyURL, cfg.Model, cfg.RequestTimeout, logger)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := proxyClient.Ping(pingCtx); err != nil {
		logger.Warn("Chat proxy is not reachable, sending will fail until it is",
			slog.String("proxyURL", cfg.ProxyURL),
			slog.String("err", err.Error()))
	}
	pingCancel()

	controller := conversation.NewController(store, proxyClient, cfg.searchPredicate(), logger)

	m, err := handlers.NewMain(store, controller, adapter, logger)
	if err != nil {
		panic(err)
	}
	store.SetListener(m)

	// Serve static files
	staticFS, err := fs.Sub(chatwebui.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/sessions", m.HandleSessions)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/theme", m.HandleTheme)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("proxyURL", cfg.ProxyURL),
			slog.String("model", cfg.Model))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	if err := substrate.Close(); err != nil {
		logger.Error("Failed to close store", slog.String("err", err.Error()))
	}
}
