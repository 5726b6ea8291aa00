// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/eihwaz/internal/api"
	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/entityctx"
	"github.com/starford/eihwaz/internal/inbox"
	"github.com/starford/eihwaz/internal/maintenance"
	"github.com/starford/eihwaz/internal/mcpserver"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/sse"
	"github.com/starford/eihwaz/internal/store"
	"github.com/starford/eihwaz/internal/subscribe"
	"github.com/starford/eihwaz/internal/treeservice"
)

// Built-in node types. Applications register further types through the
// registry.
const (
	NodeTypeFolder   = "folder"
	NodeTypeDocument = "document"
)

// validateNodeName rejects names that cannot round-trip through the API.
// The literal string "undefined" is a serialization bug in a caller, not
// a name.
func validateNodeName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name is required")
	}
	if trimmed == "undefined" {
		return fmt.Errorf("name %q is not a valid node name", name)
	}
	return nil
}

// RegisterBuiltinTypes installs the folder and document node types.
// Documents carry a peer entity, a draft table, an attachment group table
// and a shared tag table; folders are pure structure.
func RegisterBuiltinTypes(ctx context.Context, db *store.DB, reg *registry.Registry) error {
	if err := reg.Register(registry.Registration{
		Type: registry.TypeConfig{
			Name:         NodeTypeFolder,
			Icon:         "folder",
			ValidateName: validateNodeName,
		},
	}); err != nil {
		return err
	}

	docCtx, err := entityctx.New(ctx, db, entityctx.Config{
		NodeType:         NodeTypeDocument,
		PeerTable:        "documents",
		WorkingCopyTable: "document_drafts",
		GroupTables:      []string{"document_attachments"},
		RelationalTables: []string{"tags"},
		CascadeGroups:    true,
	})
	if err != nil {
		return fmt.Errorf("document entity context: %w", err)
	}
	return reg.Register(registry.Registration{
		Type: registry.TypeConfig{
			Name:         NodeTypeDocument,
			Icon:         "file",
			ValidateName: validateNodeName,
		},
		Context: docCtx,
	})
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. MCP stdio mode owns stdout, so
	// logs go to stderr there.
	logOut := os.Stdout
	if app.mcpStdio {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initialize storage.
	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	// Node type registry with built-in types.
	reg := registry.New()
	if err := RegisterBuiltinTypes(ctx, db, reg); err != nil {
		return fmt.Errorf("register node types: %w", err)
	}

	// Subscription manager and command processor.
	mgr := subscribe.NewManager(cfg.Engine.SubscriptionIdle)
	defer mgr.Close()

	proc := command.NewProcessor(db, reg,
		command.WithNotifier(mgr),
		command.WithUndoDepth(cfg.Engine.UndoDepth))
	defer proc.Close()

	svc := treeservice.New(db, reg)

	if app.mcpStdio {
		logger.Info("Starting MCP server on stdio")
		return mcpserver.New(proc, svc).ServeStdio()
	}

	// SSE bridge and API router.
	bridge := sse.NewBridge(mgr, svc)
	apiRouter := api.NewRouter(proc, svc, reg, cfg.Auth.AuthEnabled(), cfg.Auth.Token, bridge)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Maintenance sweeps.
	sweeper := maintenance.New(db, reg, mgr, svc, cfg.Engine.WorkingCopyTTL, cfg.Engine.SweepInterval)
	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	// Command inbox watcher.
	if cfg.Inbox.Enabled() {
		g.Go(func() error {
			return inbox.Watch(gCtx, proc, cfg.Inbox.Path, logger)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
