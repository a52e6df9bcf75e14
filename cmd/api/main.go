package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/atelier-control-plane/internal/api"
	"github.com/atelierhq/atelier-control-plane/internal/cloud"
	"github.com/atelierhq/atelier-control-plane/internal/config"
	"github.com/atelierhq/atelier-control-plane/internal/dispatch"
	"github.com/atelierhq/atelier-control-plane/internal/lifecycle"
	"github.com/atelierhq/atelier-control-plane/internal/scheduler"
	"github.com/atelierhq/atelier-control-plane/internal/store"
	"github.com/atelierhq/atelier-control-plane/internal/sweep"
	"github.com/atelierhq/atelier-control-plane/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect db")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.WithError(err).Fatal("ping db")
	}

	st := store.New(pool)
	clouds, err := buildClouds(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init cloud provider")
	}

	ledger := usage.NewLedger(st, cfg.HourlyRate)
	manager := lifecycle.NewManager(st, clouds, ledger, lifecycle.Options{
		BaseDomain:   cfg.BaseDomain,
		LBEndpoint:   cfg.LBEndpoint,
		DefaultImage: cfg.DefaultImage,
		IdleShutdown: cfg.IdleShutdown,
		SessionGrace: cfg.SessionGrace,
	})
	sched := scheduler.New(st, manager, clouds.Secrets, scheduler.Options{
		Lookahead:      cfg.PrepLookahead,
		OnDemandWindow: cfg.IdleShutdown,
	})
	manager.SetStartPolicy(sched)
	sweeper := sweep.New(st, manager, sched, clouds.Secrets, sweep.Options{
		PrepLookahead: cfg.PrepLookahead,
		SessionGrace:  cfg.SessionGrace,
		IdleShutdown:  cfg.IdleShutdown,
	})
	dispatcher := dispatch.New(manager, sched, sweeper, ledger, st)

	handler := api.NewRouter(cfg, dispatcher, ledger)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Instance starts block on the compute running waiter.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.ListenAddr).Info("atelier-control-plane listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("http server")
	}
}

func buildClouds(ctx context.Context, cfg config.Config) (cloud.Clients, error) {
	if cfg.CloudProvider == "aws" {
		aws, err := cloud.NewAWS(ctx, cloud.AWSOptions{
			Region:           cfg.Region,
			ClusterArn:       cfg.ClusterArn,
			SubnetIDs:        cfg.SubnetIDs,
			SecurityGroups:   cfg.SecurityGroups,
			ListenerArn:      cfg.ListenerArn,
			VpcID:            cfg.VpcID,
			HostedZoneID:     cfg.HostedZoneID,
			FileSystemID:     cfg.FileSystemID,
			ImageRepo:        cfg.ImageRepo,
			TaskCPU:          cfg.TaskCPU,
			TaskMemory:       cfg.TaskMemory,
			TaskStartTimeout: cfg.TaskStartTimeout,
		})
		if err != nil {
			return cloud.Clients{}, err
		}
		return aws.Clients(), nil
	}
	return cloud.NewFake().Clients(), nil
}
