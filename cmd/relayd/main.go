// Command relayd runs the chat relay: a WebSocket endpoint at /ws plus
// the push/command HTTP API under /api/, sharing one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/presence"
	"github.com/boris-chu/Private-Messaging-Service-sub000/pushapi"
	"github.com/boris-chu/Private-Messaging-Service-sub000/relay"
)

type config struct {
	Addr             string        `env:"RELAYD_ADDR" envDefault:":8080"`
	PresenceDB       string        `env:"RELAYD_PRESENCE_DB"`
	HeartbeatTimeout time.Duration `env:"RELAYD_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	SweepInterval    time.Duration `env:"RELAYD_SWEEP_INTERVAL" envDefault:"60s"`
	LogLevel         string        `env:"RELAYD_LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout  time.Duration `env:"RELAYD_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)

	var mirror presence.Mirror
	if cfg.PresenceDB != "" {
		sqlMirror, err := presence.OpenSQLiteMirror(cfg.PresenceDB)
		if err != nil {
			logrus.WithError(err).Fatal("Cannot open presence database")
		}
		defer sqlMirror.Close()
		mirror = sqlMirror
		logrus.WithField("path", cfg.PresenceDB).Info("Presence mirror enabled")
	}

	connTracker := presence.NewConnTracker(mirror)
	heartbeatTracker := presence.NewHeartbeatTracker(mirror,
		presence.WithTimeout(cfg.HeartbeatTimeout),
		presence.WithSweepInterval(cfg.SweepInterval),
	)
	defer heartbeatTracker.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", relay.NewHandler(relay.NewRegistry(connTracker)))
	pushapi.NewServer(heartbeatTracker).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.Addr).Info("Relay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logrus.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Forced shutdown")
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}
}
