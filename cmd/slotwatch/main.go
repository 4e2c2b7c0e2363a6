// Command slotwatch monitors an appointment booking site for open slots and
// books them for a roster of clients the moment they appear. It exposes an
// HTTP API for run control plus a WebSocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/slotwatch/slotwatch/api"
	"github.com/slotwatch/slotwatch/booking"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/pacing"
	"github.com/slotwatch/slotwatch/proxy"
	"github.com/slotwatch/slotwatch/session"
	"github.com/slotwatch/slotwatch/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		targetURL  = flag.String("url", "", "availability page URL (overrides config)")
		listen     = flag.String("listen", "", "API listen address (overrides config)")
		logLevel   = flag.String("log-level", env("LOG_LEVEL", "info"), "debug|info|warn|error")
		autostart  = flag.Bool("autostart", false, "start a monitoring run immediately")
	)
	flag.Parse()

	// Local development convenience; absence is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		c, err := engine.LoadConfig(*configPath)
		if err != nil {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = c
	}
	if *targetURL != "" {
		cfg.TargetURL = *targetURL
		if cfg.BookingURL == "" {
			cfg.BookingURL = *targetURL
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Proxy pool.
	pool := proxy.NewPool(proxy.WithPoolLogger(logger))
	if cfg.ProxyFile != "" {
		f, err := os.Open(cfg.ProxyFile)
		if err != nil {
			logger.Error("proxy list", "error", err)
			os.Exit(1)
		}
		n, err := pool.Load(f)
		f.Close()
		if err != nil {
			logger.Error("proxy list", "error", err)
			os.Exit(1)
		}
		logger.Info("proxies loaded", "count", n)
	}

	// Client roster.
	var clients []booking.ClientRecord
	if cfg.ClientsFile != "" {
		f, err := os.Open(cfg.ClientsFile)
		if err != nil {
			logger.Error("client roster", "error", err)
			os.Exit(1)
		}
		clients, err = booking.LoadClients(f)
		f.Close()
		if err != nil {
			logger.Error("client roster", "error", err)
			os.Exit(1)
		}
		logger.Info("clients loaded", "count", len(clients))
	}

	// History.
	st, err := store.Open(cfg.HistoryDB)
	if err != nil {
		logger.Error("history db", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Session manager over the two browser engines.
	headless := !cfg.Browser.Headful
	mgr := session.NewManager(session.Config{
		Headless:        &headless,
		NavigateTimeout: cfg.Browser.NavigateTimeout,
		XvfbDisplay:     cfg.Browser.XvfbDisplay,
		Logger:          logger,
	})

	pacer := pacing.New(pacing.Config{
		MinInterval:          cfg.Pacing.MinInterval,
		MaxInterval:          cfg.Pacing.MaxInterval,
		KeystrokeMin:         cfg.Pacing.KeystrokeMin,
		KeystrokeMax:         cfg.Pacing.KeystrokeMax,
		LongSessionThreshold: cfg.Pacing.LongThreshold,
	})

	eng := engine.New(cfg, mgr, pool, pacer, engine.NewRouter(),
		engine.WithStore(st),
		engine.WithLogger(logger))

	if *autostart {
		if cfg.TargetURL == "" {
			logger.Error("autostart requires a target URL (-url or config)")
			os.Exit(1)
		}
		id, err := eng.Start(engine.RunParams{
			TargetURL:  cfg.TargetURL,
			BookingURL: cfg.BookingURL,
			Duration:   cfg.RunDuration,
			Clients:    clients,
		})
		if err != nil {
			logger.Error("autostart", "error", err)
			os.Exit(1)
		}
		logger.Info("run started", "run", id, "target", cfg.TargetURL)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(cfg, eng, st, clients, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	eng.Stop()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
