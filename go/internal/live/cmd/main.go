package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/eshlive/go/internal/api"
	"github.com/mcdev12/eshlive/go/internal/config"
	"github.com/mcdev12/eshlive/go/internal/live/mirror"
	"github.com/mcdev12/eshlive/go/internal/live/session"
	"github.com/mcdev12/eshlive/go/internal/live/snapshot"
	"github.com/mcdev12/eshlive/go/internal/live/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, path, err := config.Load()
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("invalid config file, using defaults")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel())

	log.Info().
		Str("api_url", cfg.Server.APIURL).
		Str("channel_url", cfg.ChannelURL()).
		Str("nats_url", cfg.Mirror.NATSURL).
		Str("port", cfg.HTTP.Port).
		Msg("starting eshlive")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("eshlive failed")
	}
	log.Info().Msg("eshlive shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	client := api.NewClient(cfg.Server.APIURL, cfg.Server.Key)
	if client.Credential() == "" {
		log.Warn().Msg("no user key configured, push channel stays closed")
	} else {
		checkCredential(ctx, client)
	}

	var sinks []session.Sink
	if cfg.Mirror.NATSURL != "" {
		nc, err := mirror.Connect(cfg.MirrorConfig())
		if err != nil {
			return fmt.Errorf("failed to start mirror: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, mirror.New(nc, cfg.Mirror.SubjectPrefix))
	}

	sess := session.New(cfg.SessionConfig(), clockwork.NewRealClock(), client, sinks...)
	defer sess.Close()

	unsubscribe := sess.Subscribe(func(snap state.Snapshot) {
		log.Debug().
			Uint64("version", snap.Version).
			Bool("connected", snap.Connected).
			Int("chat_entries", len(snap.ChatFeed)).
			Str("countdown", snap.Countdown.Text).
			Msg("live state changed")
	})
	defer unsubscribe()

	server := snapshot.NewServer(":"+cfg.HTTP.Port, snapshot.NewHandler(sess))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := sess.Sync(gctx); err != nil {
			// the snapshot surface keeps serving the disconnected state
			log.Error().Err(err).Msg("failed to open push channel")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		return nil
	})

	return g.Wait()
}

func checkCredential(ctx context.Context, client *api.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not verify user key")
		return
	}
	username := ""
	if status.Username != nil {
		username = *status.Username
	}
	log.Info().
		Str("user_id", status.UserID).
		Str("username", username).
		Bool("is_admin", status.IsAdmin).
		Int64("esh", status.Balance).
		Msg("user key verified")
}
