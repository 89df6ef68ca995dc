// Command duskserver runs the signalling relay (A3, SPEC_FULL.md §4.14): a
// WebTransport listener that fans out voice/video datagrams within a
// channel, an HTTP API surface for health/metrics, and a SQLite-backed
// session metrics store.
//
// Grounded on rustyguts-bken/server/main.go's startup sequence (flag
// parsing, TLS cert generation, graceful shutdown on SIGINT, a metrics
// ticker) adapted from the teacher's gorilla-websocket listener to
// quic-go/webtransport-go's Upgrade-from-HTTP-handler model.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"duskcall/internal/config"
	"duskcall/internal/presence"
	"duskcall/internal/relay"
	"duskcall/internal/relay/httpapi"
	"duskcall/internal/relay/store"
)

func main() {
	cfg, err := config.ParseServerFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg.LogFormat)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("open session metrics store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hostname := ""
	if host, _, err := net.SplitHostPort(cfg.Addr); err == nil {
		hostname = host
	}
	tlsConfig, fingerprint, err := relay.GenerateTLSConfig(cfg.CertValidity, hostname)
	if err != nil {
		log.Error("generate tls config", "error", err)
		os.Exit(1)
	}
	log.Info("tls certificate fingerprint", "sha256", fingerprint)

	room := relay.NewRoom(presence.NewRoster(), log)

	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:       cfg.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: &quic.Config{EnableDatagrams: true},
		},
	}
	listener := relay.NewListener(room, wt, cfg.RateLimit, log)
	wt.H3.Handler = listener

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := wt.H3.Shutdown(shutdownCtx); err != nil {
			log.Warn("webtransport shutdown", "error", err)
		}
		_ = wt.Close()
	}()

	go runMetrics(ctx, room, 5*time.Second, log)

	if cfg.APIAddr != "" {
		api := httpapi.New(room, fingerprint)
		go func() {
			if err := api.Run(ctx, cfg.APIAddr); err != nil && ctx.Err() == nil {
				log.Error("http api server", "error", err)
			}
		}()
		log.Info("http api listening", "addr", cfg.APIAddr)
	}

	if cfg.TURNURL != "" {
		log.Info("turn server configured", "url", cfg.TURNURL)
	}

	log.Info("relay listening", "addr", cfg.Addr, "max_connections", cfg.MaxConnections, "rate_limit", cfg.RateLimit)
	if err := wt.H3.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		log.Error("relay server", "error", err)
		os.Exit(1)
	}
}

// runMetrics logs room-wide datagram throughput every interval, grounded on
// rustyguts-bken/server/metrics.go's RunMetrics ticker, reworded through
// structured logging and humanize byte formatting per SPEC_FULL.md §4.14.
func runMetrics(ctx context.Context, room *relay.Room, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			datagrams, bytes, skipped, clients := room.Stats()
			if clients == 0 && datagrams == 0 {
				continue
			}
			log.Info("relay throughput",
				"clients", clients,
				"datagrams", datagrams,
				"bytes", humanize.Bytes(bytes),
				"skipped", skipped,
			)
		}
	}
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
