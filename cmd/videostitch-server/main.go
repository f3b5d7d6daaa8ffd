// Command videostitch-server runs the Composition Service (C8): it loads
// process-wide config, opens the clip catalog, wires the pipeline
// components, and serves the HTTP surface described in spec §6.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hodaa/videostitch/internal/catalog"
	"github.com/hodaa/videostitch/internal/concat"
	"github.com/hodaa/videostitch/internal/config"
	"github.com/hodaa/videostitch/internal/enhancer"
	"github.com/hodaa/videostitch/internal/fetcher"
	"github.com/hodaa/videostitch/internal/httpapi"
	"github.com/hodaa/videostitch/internal/orchestrator"
	"github.com/hodaa/videostitch/internal/pipeline"
	"github.com/hodaa/videostitch/internal/transcoder"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("videostitch-server: fatal startup error")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Fatal conditions per §7: missing encoder binary, unreachable
	// catalog, unwritable output directory. Directory creation already
	// happened in config.Load; verify ffmpeg here.
	if err := verifyFfmpeg(); err != nil {
		return err
	}

	store, err := catalog.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()

	deps := buildDependencies(cfg, store, log)
	orch := orchestrator.New(deps, cfg.TempDir, cfg.OutputDir, log)

	server := httpapi.New(orch, cfg.OutputDir, httpapi.Config{
		AllowedOrigins: allowedOriginsFromEnv(),
	}, log)

	addr := ":" + portFromEnv()
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("videostitch-server: listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("videostitch-server: shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

func buildDependencies(cfg config.Config, store *catalog.Store, log zerolog.Logger) orchestrator.Dependencies {
	fetchCacheDir := filepath.Join(cfg.TempDir, "fetch-cache")

	fetchCfg := fetcher.Config{CacheDir: fetchCacheDir}
	switch cfg.CookiesFromBrowser {
	case "":
		fetchCfg.Auth = fetcher.AuthNone
	default:
		fetchCfg.Auth = fetcher.AuthBrowser
		fetchCfg.BrowserName = cfg.CookiesFromBrowser
	}

	txc, err := transcoder.New(transcoder.Config{
		ScratchDir: cfg.TempDir,
		Profile:    pipeline.DefaultProfile(pipeline.Aspect16x9),
	}, log)
	if err != nil {
		// loadFontFace only fails for an explicitly configured font path
		// that cannot be read or parsed; none is configured here, so this is
		// unreachable in practice. buildDependencies has no error return,
		// so a failure here ends the process.
		log.Fatal().Err(err).Msg("videostitch-server: init transcoder")
	}

	return orchestrator.Dependencies{
		Catalog:    store,
		Fetcher:    fetcher.New(fetchCfg, log),
		Transcoder: txc,
		Concat:     concat.New(concat.Config{ScratchDir: cfg.TempDir}, log),
		Enhancer:   enhancer.New(enhancer.Config{APIToken: cfg.AuphonicAPIToken, ScratchDir: cfg.TempDir}, log),
	}
}

// verifyFfmpeg fails fast at startup if ffmpeg is not on PATH (§7 "Fatal
// conditions: missing encoder binary on startup").
func verifyFfmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg binary not found on PATH: %w", err)
	}
	return nil
}

func portFromEnv() string {
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return p
	}
	return "8080"
}

// allowedOriginsFromEnv narrows CORS from the permissive default when
// CORS_ALLOWED_ORIGINS is set to a comma-separated origin list (§4.8).
func allowedOriginsFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
