// Package main wires together the Stream Format Analyzer, Transcoder
// Supervisor, Session Registry, Crash Detector, Consumer Manager,
// Stream Proxy, Device Emulator, Plex-Compat Surface, Metadata
// Validator, and SSDP Responder into one HTTP(S) process.
//
// Grounded on ManuGH-xg2g's cmd/daemon/main.go: flag parsing for
// --config/--version, signal.NotifyContext-driven graceful shutdown,
// structured startup logging naming every subsystem it brings up.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexbridge/tunerd/internal/analyzer"
	"github.com/plexbridge/tunerd/internal/catalog"
	"github.com/plexbridge/tunerd/internal/config"
	"github.com/plexbridge/tunerd/internal/epg"
	"github.com/plexbridge/tunerd/internal/hdhomerun"
	tunerdlog "github.com/plexbridge/tunerd/internal/log"
	"github.com/plexbridge/tunerd/internal/netutil"
	"github.com/plexbridge/tunerd/internal/plexcompat"
	"github.com/plexbridge/tunerd/internal/proxy"
	"github.com/plexbridge/tunerd/internal/session"
	"github.com/plexbridge/tunerd/internal/ssdp"
	"github.com/plexbridge/tunerd/internal/validator"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunerd %s (commit %s)\n", version, commit)
		os.Exit(0)
	}

	tunerdlog.Configure(tunerdlog.Config{Level: "info", Service: "tunerd", Version: version})
	logger := tunerdlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directory")
	}
	store, err := catalog.OpenSQLiteStore(filepath.Join(cfg.DataDir, "tunerd.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open channel store")
	}
	defer store.Close()

	registry := session.NewRegistry(session.Limits{GlobalMax: cfg.MaxGlobalSessions, PerChannel: cfg.MaxPerChannel}, cfg.SessionHardAge)
	consumers := session.NewConsumerManager(cfg.ConsumerIdleWindow)
	detector := session.NewCrashDetector(registry, cfg.CrashThresholds)
	an := analyzer.New()

	// The advertised base URL points at this process's HTTP listener, so
	// the port appended to a bare host is the one ListenAddr binds.
	listenPort := 0
	if _, p, err := net.SplitHostPort(cfg.ListenAddr); err == nil {
		listenPort, _ = strconv.Atoi(p)
	}
	hostCfg := netutil.AdvertisedHostConfig{
		ExplicitSetting: cfg.AdvertisedHost,
		EnvVar:          "TUNERD_ADVERTISED_HOST",
		Port:            listenPort,
	}

	// EPG/XMLTV ingestion is a named out-of-scope collaborator (spec §1);
	// epg.Unavailable keeps C7's lineup_status and C8's guide redirect
	// well-formed until a real ingester is wired in.
	epgSvc := epg.Unavailable{}

	streamProxy := proxy.New(store, an, registry, consumers, cfg)
	preview := proxy.NewPreviewHandler(store, an, cfg.FFmpegPath)
	emulator := hdhomerun.New(store, registry, epgSvc, cfg.DeviceID, cfg.FriendlyName, cfg.TunerCount, hostCfg)
	surface := plexcompat.New(store, registry, consumers, detector, cfg.Features, epgSvc)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(tunerdlog.Middleware())

	// C6: streaming routes are mounted unwrapped by the validator, since
	// their bodies are unbounded MPEG-TS, not JSON/XML metadata.
	streamProxy.Routes(r)
	preview.Routes(r)

	// C9 wraps only the metadata-emitting surfaces (C7, C8). Plex polls
	// these continuously (spec §4.8); httprate caps any one client at a
	// generous poll rate without touching the unbounded C6 stream routes.
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(120, time.Minute))
		gr.Use(validator.Middleware())
		emulator.Routes(gr)
		surface.Routes(gr)
	})

	r.Get("/debug/audit", validator.MonitorHandler)
	r.Handle("/metrics", promhttp.Handler())

	responder := ssdp.New(cfg.DeviceID, hostCfg, "")
	go func() {
		if err := responder.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("ssdp responder stopped")
		}
	}()

	go sweepLoop(ctx, registry, consumers, streamProxy)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().
		Str("event", "startup").
		Str("addr", cfg.ListenAddr).
		Str("device_id", cfg.DeviceID).
		Int("tuner_count", cfg.TunerCount).
		Msg("tunerd starting")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}

	logger.Info().Msg("tunerd exiting")
}

func sweepLoop(ctx context.Context, registry *session.Registry, consumers *session.ConsumerManager, streamProxy *proxy.Proxy) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep(ctx)
			consumers.Reap()
			streamProxy.Sweep()
		}
	}
}
