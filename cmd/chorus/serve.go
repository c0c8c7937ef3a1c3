package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chorus/internal/config"
	"chorus/internal/logging"
	"chorus/internal/types"

	"github.com/spf13/cobra"
)

// maxInboundBytes bounds a single inbound payload.
const maxInboundBytes = 1 << 20

// serveCmd runs the HTTP front end.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server that accepts turns from channel gateways",
	Long: `Starts the HTTP front end. Channel gateways POST inbound payloads to
/v1/turns with the channel named in the X-Channel header (or ?channel=).
The response body is the channel-specific rendering of the compiled reply.

The configuration file is watched while serving; edits to routes, thresholds,
and authoritative claim sources apply to the next turn without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	application, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer application.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hot-reload tunables on config edits. A watcher failure is not fatal;
	// the server just runs with the boot-time configuration.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		application.orch.ApplyConfig(next)
		logging.Boot("configuration reloaded from %s", configPath)
	})
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config watcher unavailable: %v", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			logging.Get(logging.CategoryBoot).Warn("config watcher failed to start: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turns", application.handleTurn)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Boot("listening on %s", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logging.Boot("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

// handleTurn is the single inbound HTTP operation: POST a raw channel payload,
// receive the rendered reply.
func (a *app) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelHint := r.Header.Get("X-Channel")
	if channelHint == "" {
		channelHint = r.URL.Query().Get("channel")
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	rendered, err := a.orch.HandleTurn(r.Context(), raw, channelHint)
	if err != nil {
		// Input errors are the only hard failures a turn can produce.
		if errors.Is(err, types.ErrUnsupportedChannel) || errors.Is(err, types.ErrMalformedInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logging.Get(logging.CategoryChannel).Error("turn failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(channelHint))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rendered)
}

func contentTypeFor(channelHint string) string {
	if types.ChannelType(channelHint) == types.ChannelVoice {
		return "application/ssml+xml"
	}
	return "application/json"
}
