package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/diff"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/replicate"
	"github.com/paulschiretz/pgl-mirror/pkg/snapshot"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidConfig marks errors caused by missing or invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// metricsShutdownTimeout bounds the graceful shutdown of the metrics endpoint.
const metricsShutdownTimeout = 5 * time.Second

// RunMirror handles the logic for the 'run' command. It mirrors until ctx is canceled,
// then stops the engine after the in-flight tick and returns nil. With fail-fast the
// first failed tick ends the run with its error.
func RunMirror(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagMap)
	if err != nil {
		return err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	sink, err := plog.OpenFile(runConfig.LogFile, runConfig.Log.ArchiveFormat)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer sink.Close()
	if archived := sink.ArchivePath(); archived != "" {
		plog.Info("Previous log archived", "path", archived)
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version)
	runConfig.LogSummary()

	pfPlan := &preflight.Plan{
		SourceAccessible:    true,
		ReplicaAccessible:   true,
		ReplicaWritable:     true,
		EnsureReplicaExists: true,
		PathNesting:         true,
		DryRun:              runConfig.Runtime.DryRun,
	}
	if err := preflight.Run(ctx, runConfig.Source, runConfig.Replica, pfPlan); err != nil {
		return fmt.Errorf("mirror preflight failed: %w", err)
	}

	// A dry run writes nothing and therefore needs no lock.
	if !runConfig.Runtime.DryRun {
		lock, err := lockfile.Acquire(ctx, runConfig.Replica, "pgl-mirror:"+runConfig.Replica)
		if err != nil {
			return fmt.Errorf("failed to acquire lock on replica directory: %w", err)
		}
		defer lock.Release()
	}

	store := snapshot.NewStore()
	differ, err := diff.New(runConfig.Source, store,
		diff.WithExcludeFiles(runConfig.Mirror.ExcludeFiles()),
		diff.WithExcludeDirs(runConfig.Mirror.ExcludeDirs()),
	)
	if err != nil {
		return err
	}

	var (
		m    metrics.Metrics
		prom *metrics.Prometheus
	)
	switch {
	case runConfig.Engine.MetricsAddr != "":
		prom = metrics.NewPrometheus(runConfig.Replica)
		m = prom
	case runConfig.Engine.Metrics:
		m = &metrics.MirrorMetrics{}
	default:
		m = &metrics.NoopMetrics{}
	}

	replicator := replicate.New(replicate.Options{
		SourceRoot:  runConfig.Source,
		ReplicaRoot: runConfig.Replica,
		Flatten:     runConfig.Mirror.Flatten,
		DryRun:      runConfig.Runtime.DryRun,
		RetryCount:  runConfig.Mirror.RetryCount,
		RetryWait:   runConfig.RetryWait(),
		BufferSize:  int64(runConfig.Mirror.BufferSizeKB) * 1024,
		CopyWorkers: runConfig.Mirror.CopyWorkers,
		Exclude:     differ.Excluded,
		Metrics:     m,
	})

	mirrorEngine, err := engine.New(engine.Config{
		Interval:         runConfig.Interval(),
		FailFast:         runConfig.Engine.FailFast,
		ProgressInterval: runConfig.ProgressInterval(),
	}, replicator, differ, m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := mirrorEngine.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		mirrorEngine.Stop()
		return nil
	})
	g.Go(func() error {
		if err := mirrorEngine.Wait(); err != nil {
			return fmt.Errorf("mirror stopped after a failed tick: %w", err)
		}
		return nil
	})

	if prom != nil {
		srv := &http.Server{
			Addr:              runConfig.Engine.MetricsAddr,
			Handler:           prom.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			plog.Info("Serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	plog.Info(buildinfo.Name + " finished successfully.")
	return nil
}

// loadRunConfig loads the configuration file named in flagMap, merges the flags over it
// and validates the result. Validation errors wrap ErrInvalidConfig.
func loadRunConfig(flagMap map[string]interface{}) (config.Config, error) {
	configPath := flagparse.DefaultConfigPath
	if p, ok := flagMap["config"].(string); ok && p != "" {
		configPath = p
	}

	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	runConfig := config.MergeConfigWithFlags(loadedConfig, flagMap)
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return runConfig, nil
}
