package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"PrismVideo-server/config"
	"PrismVideo-server/models"
	"PrismVideo-server/routers"
	"PrismVideo-server/routers/api"
	"PrismVideo-server/service"
	"PrismVideo-server/workflow"
)

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "prism",
		Short:         "Prompt-to-video generation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "path to config.yaml")

	root.AddCommand(
		newServeCommand(&cfgPath),
		newWorkerCommand(&cfgPath),
		newMigrateCommand(&cfgPath),
		newWatchCommand(&cfgPath),
	)
	return root
}

func newServeCommand(cfgPath *string) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the task processor unless --no-worker)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not process queued jobs in this process")
	return cmd
}

func serve(ctx context.Context, a *app, inProcessWorker bool) error {
	cfg := a.cfg
	opts := service.ManagerOptions{
		DB:                a.db,
		Limiter:           a.limiter(),
		Worker:            a.worker,
		Polls:             a.polls,
		Validator:         a.validator(),
		MockMode:          cfg.Generation.MockMode,
		MockAssetBaseURL:  cfg.Generation.MockAssetBaseURL,
		DefaultQuality:    cfg.Generation.DefaultQuality,
		DefaultResolution: cfg.Generation.DefaultResolution,
		FinalResolution:   cfg.Generation.FinalResolution,
		Logger:            a.log,
	}

	if !cfg.Generation.MockMode {
		if !cfg.RedisEnabled() {
			return errors.New("redis.addr is required unless generation.mock_mode is set")
		}
		queue := service.NewQueue(cfg, a.log)
		defer queue.Close()
		opts.Queue = queue
		a.log.Info("queue initialized")

		if inProcessWorker {
			srv := service.NewServer(cfg)
			if err := a.processor().Start(srv); err != nil {
				return fmt.Errorf("start processor: %w", err)
			}
			defer srv.Shutdown()
		}
	} else {
		a.log.Info("mock mode enabled, jobs complete with canned assets")
	}

	jobs := service.NewJobManager(opts)
	sessions, err := a.registry(ctx)
	if err != nil {
		return err
	}
	syncer := service.NewSyncer(jobs, cfg.Session.SyncInterval, a.log)

	gin.SetMode(cfg.Server.Mode)
	r := routers.InitRouter(api.NewHandler(jobs, sessions, syncer, a.log), cfg.Server.StaticDir)
	srv := &http.Server{Addr: cfg.Server.Port, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, st := range sessions.List() {
		_ = sessions.Delete(st.SessionID)
	}
	return srv.Shutdown(shutdownCtx)
}

func newWorkerCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued generation and finalize jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			if !a.cfg.RedisEnabled() {
				return errors.New("worker requires redis.addr")
			}
			if a.worker == nil {
				return errors.New("worker requires worker.addr")
			}
			srv := service.NewServer(a.cfg)
			if err := a.processor().Start(srv); err != nil {
				return err
			}
			<-ctx.Done()
			a.log.Info("stopping task processor")
			srv.Shutdown()
			return nil
		},
	}
}

func newMigrateCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			db, err := models.InitDB(cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", cfg.Database.Driver)
			return nil
		},
	}
}

// watch prints every session change relayed through redis as one JSON line.
func newWatchCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow session changes published by API nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if !cfg.RedisEnabled() {
				return errors.New("watch requires redis.addr")
			}
			relay, err := service.NewRelay(ctx, service.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password), cfg.Redis.Channel, nil)
			if err != nil {
				return err
			}
			defer relay.Close()

			enc := json.NewEncoder(os.Stdout)
			if err := relay.Forward(ctx, func(c workflow.Change) {
				_ = enc.Encode(c)
			}); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}
