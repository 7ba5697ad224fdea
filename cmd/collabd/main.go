package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/collabsync/internal/coalesce"
	"github.com/agentworkforce/collabsync/internal/config"
	"github.com/agentworkforce/collabsync/internal/crdt"
	"github.com/agentworkforce/collabsync/internal/gateway"
	"github.com/agentworkforce/collabsync/internal/logging"
	"github.com/agentworkforce/collabsync/internal/metadata"
	"github.com/agentworkforce/collabsync/internal/session"
	"github.com/agentworkforce/collabsync/internal/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "append-update" {
		if err := runAppendUpdate(context.Background(), os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "collabd append-update: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("dev mode: no JWT secret configured, tokens signed with the development key are accepted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.BuildStoreFromDSN(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	defer store.Close()

	metaStore, err := buildMetadataStore(ctx, cfg.MetadataDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	defer metaStore.Close()

	publisher, closePublisher, err := buildPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}

	bridge := metadata.NewBridge(metaStore, publisher, metadataConfig(cfg), logger)
	registry := session.NewRegistry(store, bridge, sessionOptions(cfg), logger)
	server := gateway.NewServer(registry, gatewayConfig(cfg), logger)

	if cfg.File != "" {
		go func() {
			err := config.Watch(ctx, cfg.File, logger, func(next config.Config) {
				registry.SetOptions(sessionOptions(next))
			})
			if err != nil {
				logger.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("storage", schemeOf(cfg.StorageDSN)).Msg("collabd listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Sessions flush and close their connections before the gateway drops
	// whatever is left.
	if err := registry.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}
	if err := server.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway close: %w", err))
	}
	if err := closePublisher(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}
	err = errors.Join(errs...)
	if err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	} else {
		logger.Info().Msg("shutdown complete")
	}
	return err
}

func sessionOptions(cfg config.Config) session.Options {
	return session.Options{
		Persist: coalesce.Config{
			QuietPeriod: cfg.QuietPeriod.Std(),
			MaxDirty:    cfg.MaxDirty.Std(),
			MaxAttempts: cfg.MaxRetryAttempts,
		},
		IdleTimeout: cfg.IdleTimeout.Std(),
	}
}

func metadataConfig(cfg config.Config) coalesce.Config {
	return coalesce.Config{
		QuietPeriod: cfg.MetadataQuietPeriod.Std(),
		MaxDirty:    cfg.MetadataMaxDirty.Std(),
	}
}

func gatewayConfig(cfg config.Config) gateway.ServerConfig {
	return gateway.ServerConfig{
		Authorizer:      gateway.NewJWTAuthorizer(cfg.JWTSecret, cfg.JWTAudience),
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow.Std(),
		OutboxHighWater: cfg.OutboxHighWater,
		PingInterval:    cfg.PingInterval.Std(),
		WriteTimeout:    cfg.WriteTimeout.Std(),
		MaxFrameBytes:   cfg.MaxFrameBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
}

func buildMetadataStore(ctx context.Context, dsn string) (metadata.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return metadata.NewMemoryStore(), nil
	}
	return metadata.NewPostgresStore(ctx, dsn)
}

func buildPublisher(cfg config.Config, logger zerolog.Logger) (metadata.Publisher, func(context.Context) error, error) {
	var (
		next      metadata.Publisher = metadata.LogPublisher{Logger: logger}
		closeNext                    = func() error { return nil }
	)
	if cfg.RedisURL != "" {
		redis, err := metadata.NewRedisPublisher(cfg.RedisURL, cfg.EventChannel)
		if err != nil {
			return nil, nil, err
		}
		next = redis
		closeNext = redis.Close
	}
	async := metadata.NewAsyncPublisher(next, cfg.EventQueueSize, logger)
	closeAll := func(ctx context.Context) error {
		return errors.Join(async.Close(ctx), closeNext())
	}
	return async, closeAll, nil
}

// runAppendUpdate appends one encoded update to a document's log without a
// running server. The update is merged the next time the document loads.
func runAppendUpdate(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("append-update", flag.ContinueOnError)
	dsn := fs.String("dsn", os.Getenv("COLLAB_STORAGE_DSN"), "snapshot store DSN")
	docID := fs.String("doc", "", "document id")
	file := fs.String("file", "", "encoded update file, - for stdin")
	text := fs.String("text", "", "plain text to insert at the start of the document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *docID == "" {
		return errors.New("-doc is required")
	}
	if (*file == "") == (*text == "") {
		return errors.New("exactly one of -file or -text is required")
	}

	var data []byte
	if *text != "" {
		u, err := crdt.NewDoc(crdt.NewClientID()).InsertText(0, *text)
		if err != nil {
			return err
		}
		data = crdt.EncodeUpdate(u)
	} else {
		var err error
		if *file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(*file)
		}
		if err != nil {
			return err
		}
		if _, err := crdt.DecodeUpdate(data); err != nil {
			return err
		}
	}

	store, err := storage.BuildStoreFromDSN(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	seq, err := store.AppendUpdate(ctx, *docID, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "appended update %d to %s\n", seq, *docID)
	return nil
}

func schemeOf(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "memory"
}
