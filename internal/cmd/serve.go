package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/snare/internal/artifact"
	"github.com/dativo-io/snare/internal/config"
	"github.com/dativo-io/snare/internal/engage"
	"github.com/dativo-io/snare/internal/outbox"
	"github.com/dativo-io/snare/internal/server"
	"github.com/dativo-io/snare/internal/slo"
	"github.com/dativo-io/snare/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engagement core: event intake, outbox worker, watchdog, admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> operator from SNARE_API_KEYS
// (comma-separated; each entry key or key:operator).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		operator := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			if op := strings.TrimSpace(part[idx+1:]); op != "" {
				operator = op
			}
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = operator
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.CallbackURL == "" {
		return fmt.Errorf("callback_url is required (SNARE_CALLBACK_URL)")
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.New(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	registry, err := artifact.NewRegistry(cfg.RecognizerFile)
	if err != nil {
		return fmt.Errorf("loading artifact recognizers: %w", err)
	}
	extractor := artifact.NewExtractor(registry)

	agg := slo.New(cfg.SLOWindow,
		time.Duration(cfg.TargetFinalizeP95*float64(time.Second)),
		time.Duration(cfg.TargetCallbackP95*float64(time.Second)))

	orch := engage.New(st, extractor, agg, cfg)

	watchdog := engage.NewWatchdog(orch, cfg.WatchdogSpec)
	if err := watchdog.Start(); err != nil {
		return fmt.Errorf("starting watchdog: %w", err)
	}
	defer watchdog.Stop()

	worker := outbox.NewWorker(st, agg, cfg)
	go worker.Run(ctx)

	apiKeys := parseAPIKeys(os.Getenv("SNARE_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("no_api_keys_configured")
	}
	srv := server.NewServer(orch, st, agg, cfg, apiKeys)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", servePort),
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", servePort).Str("callback_url", cfg.CallbackURL).Msg("server_started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
