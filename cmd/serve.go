package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aetherdock/backend/internal/config"
	"github.com/aetherdock/backend/internal/db"
	"github.com/aetherdock/backend/internal/docker"
	"github.com/aetherdock/backend/internal/fleet"
	"github.com/aetherdock/backend/internal/handlers"
	"github.com/aetherdock/backend/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	startupPingTimeout = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func newServeCmd(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("docker-host", "", "Docker daemon address (defaults to DOCKER_HOST)")
	flags.String("db", "/data/aetherdock.db", "action journal path; empty disables the journal")
	flags.String("log-level", "info", "log level")
	flags.String("actions-policy", "queue", "what to do with an action while another runs on the same container (queue|reject)")
	flags.String("static", "", "directory with a front end build to serve")

	_ = v.BindPFlag("addr", flags.Lookup("addr"))
	_ = v.BindPFlag("docker.host", flags.Lookup("docker-host"))
	_ = v.BindPFlag("db.path", flags.Lookup("db"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("actions.policy", flags.Lookup("actions-policy"))
	_ = v.BindPFlag("static.dir", flags.Lookup("static"))

	return cmd
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	dockerClient, err := docker.NewDockerClient(cfg.Docker.Host, log)
	if err != nil {
		return err
	}
	defer dockerClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	err = dockerClient.PingDocker(pingCtx)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("host", dockerClient.DaemonHost()).Msg("docker daemon not accessible")
		return err
	}

	var (
		journal   fleet.Journal
		events    handlers.EventLister
		retention *db.RetentionManager
	)
	if cfg.DB.Path != "" {
		database, err := db.NewSQLiteDB(cfg.DB.Path, log)
		if err != nil {
			return err
		}
		defer database.Close()

		journal, events = database, database
		retention = db.NewRetentionManager(database, db.RetentionPolicy{
			MaxAge:   cfg.Journal.Retention,
			MaxRows:  cfg.Journal.MaxRows,
			Interval: cfg.Journal.PruneInterval,
		}, log)
	} else {
		log.Info().Msg("action journal disabled")
	}

	engine := fleet.NewEngine(dockerClient, cfg.EngineOptions(journal), log)
	server := handlers.NewServer(engine, dockerClient, events, log)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: server.Router(handlers.RouterOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			StaticDir:      cfg.Static.Dir,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if retention != nil {
		g.Go(func() error {
			return retention.Run(gctx)
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("docker", dockerClient.DaemonHost()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}
