package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/whisper/rtclient/internal/config"
	"github.com/whisper/rtclient/internal/messaging"
	"github.com/whisper/rtclient/internal/metrics"
	"github.com/whisper/rtclient/internal/ratelimit"
	"github.com/whisper/rtclient/internal/session"
	"github.com/whisper/rtclient/internal/ws"
)

func runBridge(ctx context.Context, cfg config.Config) error {
	if cfg.UserID == "" {
		return errors.New("bridge: a user id is required (--user or RTCLIENT_USER_ID)")
	}
	log := cfg.NewLogger(os.Stderr)
	slog.SetDefault(log)

	log.Info("rtclient bridge starting",
		"origin", cfg.Origin,
		"transport", cfg.Transport,
		"user", cfg.UserID,
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	c, err := newClient(cfg, cfg.Identity(), ws.WithLogger(log))
	if err != nil {
		return err
	}
	defer c.Close()

	var store *session.Store
	if cfg.RedisAddr != "" {
		store, err = session.NewStore(cfg.RedisAddr, c.ID())
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		defer func() {
			cleanup, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := store.Delete(cleanup, cfg.UserID); err != nil {
				log.Warn("bridge: failed to remove state mirror", "err", err)
			}
			if err := store.Close(); err != nil {
				log.Warn("bridge: redis close error", "err", err)
			}
		}()
		followCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		c.Subscribe(store.Follow(followCtx, cfg.UserID))
	}

	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "rtclient-" + cfg.UserID
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		defer nc.Close()

		relay := messaging.NewRelay(nc, cfg.UserID, c, log)
		if store != nil {
			relay.SetLimiter(ratelimit.NewLimiter(store.Client(), log))
		}
		if err := relay.Start(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		defer func() {
			if err := relay.Stop(); err != nil {
				log.Warn("bridge: failed to stop command relay", "err", err)
			}
		}()
		c.Subscribe(relay.Publish)
		relay.Publish(c.State())
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("bridge: metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
	}

	<-ctx.Done()
	log.Info("rtclient bridge shutting down")
	return nil
}
