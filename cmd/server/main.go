package main

import (
	"context"
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

	roadmapchat "github.com/MegaGrindStone/roadmap-chat"
	"github.com/MegaGrindStone/roadmap-chat/internal/handlers"
	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/services"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "roadmapchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	hCfg, err := handlersConfig(cfg, boltDB, logger)
	if err != nil {
		log.Fatal(err)
	}

	m, err := handlers.NewMain(hCfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	staticFS, err := fs.Sub(roadmapchat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/send", m.HandleSend)
	mux.HandleFunc("/explain", m.HandleExplain)
	mux.HandleFunc("/cancel", m.HandleCancel)
	mux.HandleFunc("/clear", m.HandleClear)
	mux.HandleFunc("/scroll", m.HandleScroll)
	mux.HandleFunc("/jump", m.HandleJump)
	mux.HandleFunc("/panel", m.HandlePanel)
	mux.HandleFunc("/login", m.HandleLogin)
	mux.HandleFunc("/upgrade", m.HandleUpgrade)
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

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

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
}

// handlersConfig wires the collaborators. The roadmap backend serves quota and billing itself, every
// other provider is metered by the local ledger.
func handlersConfig(cfg config, db services.BoltDB, logger *slog.Logger) (handlers.Config, error) {
	res := handlers.Config{
		Renderer: services.NewMarkdown(cfg.CodeStyle, logger),
		Layouts: func(clientID string, viewport models.ViewportClass) session.LayoutStore {
			return services.NewLayout(db, clientID, viewport)
		},
		Roadmap:    models.RoadmapContext{RoadmapSlug: cfg.RoadmapSlug},
		LoginURL:   cfg.LoginURL,
		UpgradeURL: cfg.UpgradeURL,
	}

	if rc, ok := cfg.LLM.(*roadmapConfig); ok {
		api, err := rc.api(logger)
		if err != nil {
			return handlers.Config{}, fmt.Errorf("invalid roadmap config: %w", err)
		}
		res.Client = api
		res.Auth = api
		res.Quota = api
		res.Billing = api
		return res, nil
	}

	client, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return handlers.Config{}, fmt.Errorf("invalid llm config: %w", err)
	}

	ledger := services.NewLedger(db, cfg.Quota.User, cfg.Quota.DailyLimit)
	res.Client = services.NewMeteredClient(client, ledger, logger)
	res.Auth = services.NewTokenAuth(cfg.Auth.Token)
	res.Quota = ledger
	res.Billing = services.NewStaticBilling(cfg.billingStatus())
	return res, nil
}
