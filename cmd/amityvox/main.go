// Package main is the CLI entrypoint for filament. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// basic user administration (admin), and printing version information
// (version). The serve command loads configuration, connects to
// PostgreSQL, NATS, and the cache, runs pending migrations, starts the HTTP
// API server (which itself mounts the WebSocket gateway), and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/filament/server/internal/api"
	"github.com/filament/server/internal/api/guilds"
	"github.com/filament/server/internal/api/messages"
	"github.com/filament/server/internal/api/users"
	"github.com/filament/server/internal/auth"
	"github.com/filament/server/internal/config"
	"github.com/filament/server/internal/database"
	"github.com/filament/server/internal/events"
	"github.com/filament/server/internal/gateway"
	"github.com/filament/server/internal/media"
	"github.com/filament/server/internal/models"
	"github.com/filament/server/internal/presence"
	"github.com/filament/server/internal/search"
	"github.com/filament/server/internal/voice"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("filament — workspace chat server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  filament <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the filament server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  admin     Manage user accounts")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  filament.toml (or set FILAMENT_CONFIG_PATH)")
	fmt.Println("  Env prefix:   FILAMENT_ (e.g. FILAMENT_DATABASE_URL)")
}

// runServe starts the full filament server: loads config, connects to every
// backing service (PostgreSQL, NATS, cache, and the optional object
// storage, search, and voice integrations), runs migrations, wires the REST
// API and WebSocket gateway together, and blocks until a shutdown signal or
// a fatal service error.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting filament", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring NATS streams: %w", err)
	}

	cache, err := presence.New(cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer cache.Close()

	authSvc := auth.New(auth.Config{
		Pool:   db.Pool,
		Logger: logger,
	})

	// Object storage is optional: when unset, attachment upload responds 501
	// and the attachment get/delete routes are not mounted.
	var mediaStore *media.AttachmentStore
	if cfg.Storage.Endpoint != "" {
		store, err := media.New(ctx, media.Config{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKey,
			SecretAccessKey: cfg.Storage.SecretKey,
			UseSSL:          cfg.Storage.UseSSL,
			Bucket:          cfg.Storage.Bucket,
			Logger:          logger,
		})
		if err != nil {
			logger.Warn("attachment storage unavailable, uploads disabled", slog.String("error", err.Error()))
		} else {
			mediaStore = store
			logger.Info("attachment storage ready", slog.String("endpoint", cfg.Storage.Endpoint))
		}
	}

	// Search is optional: the /search/messages route is only mounted when
	// it is both enabled and reachable.
	var searchSvc *search.Service
	if cfg.Search.Enabled && cfg.Search.URL != "" {
		queryTimeout, err := cfg.Search.QueryTimeoutParsed()
		if err != nil {
			return fmt.Errorf("parsing search query timeout: %w", err)
		}
		svc, err := search.New(search.Config{
			URL:          cfg.Search.URL,
			APIKey:       cfg.Search.APIKey,
			Logger:       logger,
			QueryTimeout: queryTimeout,
		})
		if err != nil {
			logger.Warn("search service unavailable", slog.String("error", err.Error()))
		} else if err := svc.EnsureIndex(ctx); err != nil {
			logger.Warn("could not ensure search index", slog.String("error", err.Error()))
		} else {
			searchSvc = svc
			logger.Info("search service ready", slog.String("url", cfg.Search.URL))
		}
	}

	resolver := users.NewResolver(db.Pool, cfg.ServerOwnerUserID)
	usersSvc := users.New(db.Pool, resolver)

	guildsSvc := guilds.New(guilds.Config{
		Pool:              db.Pool,
		Bus:               bus,
		Limiter:           cache,
		Permissions:       resolver,
		TrustedProxyCIDRs: cfg.TrustedProxyCIDRs,
	})

	messagesSvc := messages.New(messages.Config{
		Pool:                     db.Pool,
		Bus:                      bus,
		Permissions:              resolver,
		Search:                   searchSvc,
		Media:                    mediaStore,
		Logger:                   logger,
		MaxAttachmentBytes:       cfg.Limits.MaxAttachmentBytes,
		UserAttachmentQuotaBytes: cfg.Limits.UserAttachmentQuotaBytes,
	})

	ingressWindow, err := cfg.Limits.GatewayIngressWindowParsed()
	if err != nil {
		return fmt.Errorf("parsing gateway ingress window: %w", err)
	}

	gatewayPerms := api.NewGatewayPermissions(resolver, guildsSvc)
	gw := gateway.New(gateway.Config{
		Logger:              logger,
		Bus:                 bus,
		Auth:                authSvc,
		Permissions:         gatewayPerms,
		Messages:            messagesSvc,
		OutboundQueueSize:   cfg.Limits.GatewayOutboundQueue,
		MaxEventBytes:       cfg.Limits.MaxGatewayEventBytes,
		IngressEventsPerWin: cfg.Limits.GatewayIngressEventsPerWindow,
		IngressWindow:       ingressWindow,
	})

	// Voice is optional: it requires a fully configured LiveKit SFU.
	var voiceSvc *voice.Service
	if cfg.LiveKit.Configured() {
		tokenTTL, err := cfg.LiveKit.TokenTTLParsed()
		if err != nil {
			return fmt.Errorf("parsing livekit token TTL: %w", err)
		}
		svc, err := voice.New(voice.Config{
			URL:       cfg.LiveKit.URL,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			TokenTTL:  tokenTTL,
			Limiter:   cache,
			Registrar: gw,
			Audit:     guildsSvc,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("voice service unavailable", slog.String("error", err.Error()))
		} else {
			voiceSvc = svc
			logger.Info("voice service ready", slog.String("url", cfg.LiveKit.URL))
		}
	}

	srv := api.NewServer(api.Deps{
		DB:       db,
		Config:   cfg,
		Auth:     authSvc,
		Bus:      bus,
		Cache:    cache,
		Media:    mediaStore,
		Search:   searchSvc,
		Voice:    voiceSvc,
		Guilds:   guildsSvc,
		Messages: messagesSvc,
		Users:    usersSvc,
		Resolver: resolver,
		Gateway:  gw,
		Logger:   logger,
		Version:  version,
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("filament stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runAdmin handles admin subcommands for direct user account management,
// bypassing the registration endpoint's rate limits and validation.
func runAdmin() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: filament admin <action>")
		fmt.Println()
		fmt.Println("Actions:")
		fmt.Println("  create-user  Create a new user account")
		fmt.Println("  list-users   List all user accounts")
		return nil
	}

	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	switch os.Args[2] {
	case "create-user":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: filament admin create-user <username> <password>")
		}
		username, password := os.Args[3], os.Args[4]

		hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		userID := models.NewULID().String()
		_, err = db.Pool.Exec(ctx,
			`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, now())`,
			userID, username, hash)
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		fmt.Printf("Created user %s (ID: %s)\n", username, userID)

	case "list-users":
		rows, err := db.Pool.Query(ctx, `SELECT id, username, created_at FROM users ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-28s %-20s %s\n", "ID", "Username", "Created")
		fmt.Println(strings.Repeat("-", 70))
		for rows.Next() {
			var id, username string
			var createdAt time.Time
			if err := rows.Scan(&id, &username, &createdAt); err != nil {
				return fmt.Errorf("scanning user: %w", err)
			}
			fmt.Printf("%-28s %-20s %s\n", id, username, createdAt.Format(time.RFC3339))
		}

	default:
		return fmt.Errorf("unknown admin action: %s", os.Args[2])
	}

	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("filament %s\n", version)
	fmt.Printf("  commit: %s\n", commit)
}

// configPath returns the config file path from FILAMENT_CONFIG_PATH env var
// or the default "filament.toml".
func configPath() string {
	if p := os.Getenv("FILAMENT_CONFIG_PATH"); p != "" {
		return p
	}
	return "filament.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
