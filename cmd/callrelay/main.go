package main

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flowpbx/callrelay/internal/api"
	"github.com/flowpbx/callrelay/internal/api/middleware"
	"github.com/flowpbx/callrelay/internal/call"
	"github.com/flowpbx/callrelay/internal/config"
	"github.com/flowpbx/callrelay/internal/events"
	"github.com/flowpbx/callrelay/internal/metrics"
	"github.com/flowpbx/callrelay/internal/voiceapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Configure structured logging.
	logOut, logCloser := cfg.LogWriter()
	defer logCloser.Close()
	logger := slog.New(cfg.SlogHandler(logOut))
	slog.SetDefault(logger)

	slog.Info("starting callrelay",
		"http_port", cfg.HTTPPort,
		"tls", cfg.TLSEnabled(),
		"voice_api_url", cfg.VoiceAPIURL,
		"room_id", cfg.RoomID,
		"join_timeout", cfg.JoinTimeout,
	)

	// Outbound call control.
	client := voiceapi.NewClient(cfg.VoiceAPIURL, cfg.AppID, cfg.AppKey)
	dispatcher := voiceapi.NewDispatcher(client, cfg.ActionRetries, logger)

	// Status stream and the call state machine feeding it.
	broadcaster := events.NewBroadcaster(cfg.StreamBacklog, cfg.StreamBuffer, logger)
	tracker := call.NewTracker()

	timedOut := make(chan struct{})
	var timeoutOnce sync.Once
	handler := call.NewHandler(tracker, dispatcher, broadcaster, call.HandlerConfig{
		RoomID:      cfg.RoomID,
		JoinTimeout: cfg.JoinTimeout,
		OnTimeout:   func() { timeoutOnce.Do(func() { close(timedOut) }) },
	}, logger)

	// Prometheus metrics, gathered from live state at scrape time.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(
			&callPhaseAdapter{tracker: tracker},
			handler,
			broadcaster,
			&actionCountAdapter{dispatcher: dispatcher},
			startTime,
		),
	)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	limiter := middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig())
	defer limiter.Stop()

	srv := &http.Server{
		Handler:      api.NewServer(cfg, handler, tracker, broadcaster, metricsHandler, limiter),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLSEnabled() {
		tlsCfg, err := loadTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA)
		if err != nil {
			slog.Error("failed to load tls certificate", "error", err)
			return 1
		}
		srv.TLSConfig = tlsCfg
	}

	ln, err := listen(cfg.HTTPPort)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		return 1
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if url := cfg.WebhookURL(); url != "" {
		slog.Info("configure this webhook url at the voice provider", "webhook_url", url)
	} else {
		slog.Warn("public-webhook-host not set, the provider must be configured with <public host>/event")
	}

	// Wait for interrupt, server error, or the join timeout.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	case <-timedOut:
		slog.Info("join timeout reached, shutting down")
	}

	// Force exit if graceful shutdown hangs.
	watchdog := time.AfterFunc(cfg.ShutdownGrace, func() {
		slog.Error("graceful shutdown timed out, forcing exit", "grace", cfg.ShutdownGrace)
		logCloser.Close()
		os.Exit(1)
	})
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	slog.Info("shutting down")
	handler.Close()
	broadcaster.Close()

	// Let an in-flight hangup reach the provider before tearing down.
	if err := dispatcher.Wait(ctx); err != nil {
		slog.Warn("call control actions still pending at shutdown", "error", err)
	}
	dispatcher.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		return 1
	}

	slog.Info("callrelay stopped")
	return exitCode
}

// listen opens the TCP listener for the HTTP server. Privilege and
// port-in-use failures get a specific diagnosis.
func listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, diagnoseListenError(port, err)
	}
	return ln, nil
}

func diagnoseListenError(port int, err error) error {
	switch {
	case errors.Is(err, syscall.EACCES):
		return fmt.Errorf("port %d requires elevated privileges: %w", port, err)
	case errors.Is(err, syscall.EADDRINUSE):
		return fmt.Errorf("port %d is already in use: %w", port, err)
	default:
		return fmt.Errorf("listening on port %d: %w", port, err)
	}
}

// loadTLSConfig loads the server key pair. Certificates in the optional CA
// bundle are appended to the served chain so clients that lack the
// intermediates can still verify it.
func loadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}

	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca bundle: %w", err)
		}
		added := 0
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert.Certificate = append(cert.Certificate, block.Bytes)
				added++
			}
		}
		if added == 0 {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", caFile)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// callPhaseAdapter bridges the call tracker with the metrics
// CallStateProvider interface.
type callPhaseAdapter struct {
	tracker *call.Tracker
}

func (a *callPhaseAdapter) CallPhase() (string, bool) {
	rec := a.tracker.Snapshot()
	return string(rec.Phase), rec.Active
}

// actionCountAdapter converts dispatcher outcome stats into metrics
// ActionCount entries.
type actionCountAdapter struct {
	dispatcher *voiceapi.Dispatcher
}

func (a *actionCountAdapter) ActionCounts() []metrics.ActionCount {
	stats := a.dispatcher.Stats()
	counts := make([]metrics.ActionCount, 0, 2*len(stats))
	for _, st := range stats {
		counts = append(counts,
			metrics.ActionCount{Action: st.Action, Result: "success", Count: st.Succeeded},
			metrics.ActionCount{Action: st.Action, Result: "failure", Count: st.Failed},
		)
	}
	return counts
}
