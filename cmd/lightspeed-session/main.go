package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
	"github.com/tcriess/lightspeed-session/persistence"
	"github.com/tcriess/lightspeed-session/telemetry"
	"github.com/tcriess/lightspeed-session/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	envFile    = pflag.String("env-file", ".env", "file with environment variables to load (optional)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		globals.AppLogger.Warn("could not load env file", "file", *envFile, "error", err)
	}

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	logCloser := globals.SetupLogger(cfg.LogLevel, globals.LogFileConfig(cfg.LogFile))
	defer logCloser.Close()

	if err := run(cfg); err != nil {
		globals.AppLogger.Error("gateway failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if cfg.LockPath != "" {
		lock := flock.New(cfg.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			return errors.New("another gateway holds the lock " + cfg.LockPath)
		}
		defer lock.Unlock()
	}

	meter, stopTelemetry, err := telemetry.Init(cfg.TelemetryConfig)
	if err != nil {
		return err
	}
	defer stopTelemetry()
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return err
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		return err
	}
	defer persister.Close()

	gateway, err := ws.NewGateway(cfg, ws.Options{Persister: persister, Metrics: metrics})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := gateway.Run(ctx); err != nil {
			globals.AppLogger.Error("could not run gateway", "error", err)
			stop()
		}
	}()

	router := mux.NewRouter()
	router.Handle("/ws", gateway).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(persister, gateway)).Methods(http.MethodGet)
	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		globals.AppLogger.Info("listening", "addr", cfg.Addr)
		if *sslCert != "" && *sslKey != "" {
			serveErr <- srv.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		globals.AppLogger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		globals.AppLogger.Error("could not shut down http server", "error", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		globals.AppLogger.Error("could not shut down gateway", "error", err)
	}
	return nil
}

type statsProvider interface {
	Stats() ws.Stats
}

type health struct {
	Status string `json:"status"`
	ws.Stats
}

// healthHandler reports whether the session store is reachable, together with the number of open connections and
// non-empty rooms.
func healthHandler(persister persistence.Persister, gateway statsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := health{Status: "ok", Stats: gateway.Stats()}
		code := http.StatusOK
		if _, err := persister.GetSession(r.Context(), "health-check"); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			status.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
