package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/engine"
	httpapi "github.com/tbourn/go-gate-sync/internal/http"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/reconcile"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var noRealtime bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and the ops API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, noRealtime)
		},
	}
	cmd.Flags().BoolVar(&noRealtime, "no-realtime", false, "deliver through the queue only")
	return cmd
}

func (a *app) run(ctx context.Context, noRealtime bool) error {
	cfg := a.cfg

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.UserID)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, closeDB, err := a.openDB()
	if err != nil {
		return err
	}
	defer closeDB()

	auth := transport.StaticToken(cfg.AuthToken)
	client := transport.NewHTTPClient(cfg.APIBaseURL, cfg.SubmitTimeout, auth)

	opts := engine.Options{
		UserID:            cfg.UserID,
		Submitter:         client,
		Policy:            a.policy(),
		MaxAttempts:       cfg.Retry.MaxAttempts,
		SyncInterval:      cfg.SyncInterval,
		SubmitTimeout:     cfg.SubmitTimeout,
		ConnectTimeout:    cfg.Realtime.ConnectTimeout,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		StableAfter:       cfg.Realtime.StableAfter,
		TypingTTL:         cfg.Realtime.TypingTTL,
		TypingRPS:         cfg.Realtime.TypingRPS,
		DedupTTL:          cfg.DedupCacheTTL,
		TitleLocale:       language.English,
		OnNotification: func(n engine.Notification) {
			log.Info().Str("component", "notify").Str("title", n.Title).Str("body", n.Body).
				Str("event_id", n.EventID).Str("entity_type", string(n.EntityType)).Msg("notification")
		},
		OnConflict: func(c reconcile.Conflict) {
			log.Warn().Str("component", "notify").Int64("queue_seq", c.Seq).
				Str("entity_type", string(c.EntityType)).Str("local_id", c.LocalID).
				Int("status", c.StatusCode).Bool("removed", c.Removed).Err(c.Err).Msg("conflict resolved to server view")
		},
		OnDeadLetter: func(it domain.QueueItem, cause error) {
			log.Warn().Str("component", "notify").Int64("queue_seq", it.Seq).
				Str("entity_type", string(it.EntityType)).Err(cause).Msg("mutation dead-lettered")
		},
	}
	if !noRealtime {
		opts.Dialer = realtime.WSDialer{URL: cfg.Realtime.URL, Auth: auth}
	}
	if cfg.ProbeInterval > 0 {
		opts.Health = client
		opts.ProbeInterval = cfg.ProbeInterval
	}
	eng := engine.New(db, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.Ops.Addr != "" {
		gin.SetMode(cfg.Ops.GinMode)
		r := gin.New()
		httpapi.RegisterRoutes(r, eng, cfg)
		srv := &http.Server{
			Addr:              cfg.Ops.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Ops.Addr).Msg("ops api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("gatesync stopped")
	return err
}
