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

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/vitals-sync/internal/auth"
	"github.com/szibis/vitals-sync/internal/config"
	"github.com/szibis/vitals-sync/internal/connectivity"
	"github.com/szibis/vitals-sync/internal/dedup"
	"github.com/szibis/vitals-sync/internal/engine"
	"github.com/szibis/vitals-sync/internal/exporter"
	"github.com/szibis/vitals-sync/internal/health"
	"github.com/szibis/vitals-sync/internal/logging"
	"github.com/szibis/vitals-sync/internal/queue"
	"github.com/szibis/vitals-sync/internal/receiver"
	"github.com/szibis/vitals-sync/internal/status"
	"github.com/szibis/vitals-sync/internal/telemetry"
	"github.com/szibis/vitals-sync/internal/throttle"
)

const serviceName = "vitals-sync"

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowHelp {
		config.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion(os.Stdout)
		os.Exit(0)
	}

	instanceID := uuid.NewString()
	logging.SetResource(map[string]string{
		"service.name":        serviceName,
		"service.version":     config.Version(),
		"service.instance.id": instanceID,
	})
	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.SetLevel(level)

	if cfg.Memory.LimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.Memory.LimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("bytes", limit, "ratio", cfg.Memory.LimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), telemetry.Service{
		Name:       serviceName,
		Version:    config.Version(),
		InstanceID: instanceID,
	})
	if err != nil {
		logging.Fatal("failed to initialize telemetry", logging.F("error", err.Error()))
	}
	if hook := tel.NewLogHook(); hook != nil {
		logging.SetHook(hook)
	}

	session := auth.NewSession(cfg.IdentityProvider())
	exp, err := exporter.New(cfg.ExporterConfig(), session)
	if err != nil {
		logging.Fatal("failed to create destination client", logging.F("error", err.Error()))
	}

	store, err := cfg.QueueStore()
	if err != nil {
		logging.Fatal("failed to open queue store", logging.F("error", err.Error(), "path", cfg.Queue.Path))
	}
	q, err := queue.Open(cfg.QueueConfig(), store)
	if err != nil {
		logging.Fatal("failed to restore offline queue", logging.F("error", err.Error(), "path", cfg.Queue.Path))
	}
	defer q.Close()

	mon := connectivity.New(cfg.ConnectivityConfig(), exp)
	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Writer:       exp,
		Identity:     session,
		Reachability: mon,
		Queue:        q,
		Throttle:     throttle.New(cfg.ThrottleConfig()),
		Status:       status.New(nil, q.Len()),
		Dedup:        dedup.New(cfg.DedupConfig()),
	})
	if err != nil {
		logging.Fatal("failed to create sync engine", logging.F("error", err.Error()))
	}
	mon.OnReachable(eng.OnReachable)
	mon.OnUnreachable(eng.OnUnreachable)

	recv, err := receiver.New(cfg.ReceiverConfig(), eng)
	if err != nil {
		logging.Fatal("failed to create receiver", logging.F("error", err.Error()))
	}

	checker := health.New(2 * time.Second)
	checker.RegisterReadiness("queue_store", func(context.Context) error {
		return q.PersistErr()
	})
	checker.RegisterReadiness("identity", func(ctx context.Context) error {
		_, err := session.Identity(ctx)
		return err
	})
	checker.RegisterReadiness("receiver", func(context.Context) error {
		return recv.HealthCheck()
	})
	checker.RegisterInformational("destination", func(context.Context) error {
		if mon.Reachable() {
			return nil
		}
		_, reason := mon.LastProbe()
		return fmt.Errorf("unreachable, writes are queued: %s", reason)
	})

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/live", checker.LiveHandler())
	adminMux.HandleFunc("/ready", checker.ReadyHandler())
	admin := &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(recv.Start)
	g.Go(func() error {
		logging.Info("admin endpoint started", logging.F("addr", cfg.Admin.Address))
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := eng.Authenticate(gctx); err != nil {
			// Retried lazily by the next write.
			logging.Warn("authentication at launch failed", logging.F("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		logStatusChanges(gctx, eng)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")
		checker.SetShuttingDown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(recv.Stop(shutdownCtx), admin.Shutdown(shutdownCtx))
	})

	logging.Info("vitals-sync started", logging.F(
		"receiver_addr", cfg.Receiver.Address,
		"admin_addr", cfg.Admin.Address,
		"destination", cfg.Destination.URL,
		"identity_mode", cfg.Identity.Mode,
		"queue_path", cfg.Queue.Path,
		"pending", eng.Status().PendingCount,
		"dedup_enabled", cfg.Dedup.Enabled,
		"telemetry_enabled", tel.Enabled(),
	))

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer cancel()
	logging.SetHook(nil)
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logging.Warn("telemetry shutdown failed", logging.F("error", err.Error()))
	}

	if runErr != nil {
		logging.Error("vitals-sync stopped with error", logging.F("error", runErr.Error()))
		q.Close()
		os.Exit(1)
	}
	logging.Info("shutdown complete", logging.F("pending", eng.Status().PendingCount))
}

// logStatusChanges logs every state transition until ctx is done.
func logStatusChanges(ctx context.Context, eng *engine.Engine) {
	updates, cancel := eng.Subscribe(1)
	defer cancel()

	var last status.State
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if s.State == last {
				continue
			}
			last = s.State
			logging.Info("sync state changed", logging.F(
				"state", string(s.State),
				"pending", s.PendingCount,
				"last_error", s.LastError,
			))
		}
	}
}
