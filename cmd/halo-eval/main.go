// Command halo-eval drives the parallel evaluator over a synthetic
// system, the way an MD host would: decompose, evaluate every hosted rank,
// collect energies, forces and stress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/gnn-halo/pkg/artifact"
	"github.com/dd0wney/gnn-halo/pkg/cluster"
	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/geom"
	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/partition"
	"github.com/dd0wney/gnn-halo/pkg/potential"
	"github.com/dd0wney/gnn-halo/pkg/transport"
)

func main() {
	configPath := flag.String("config", "halo-eval.yaml", "Path to run configuration")
	flag.Parse()

	cfg, err := LoadRunConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "halo-eval: %v\n", err)
		os.Exit(2)
	}

	base := logging.NewStderrLogger()
	if cfg.LogLevel != "" {
		base.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	logger := base.With(logging.RunID(uuid.NewString()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *RunConfig, logger logging.Logger) error {
	started := time.Now()
	reg := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	m, err := loadModel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	speciesMap, err := m.TypeMap(cfg.Species)
	if err != nil {
		return err
	}
	logger.Info("model loaded",
		logging.String("hash", m.Hash),
		logging.Int("layers", m.NumLayers()),
		logging.Int("width", m.Width),
		logging.Float64("max_cutoff", m.MaxCutoff()))

	segments := cfg.Segments
	if segments == 0 {
		segments = m.NumLayers()
	}

	box := geom.NewCubicBox(cfg.System.BoxLength)
	grid, err := partition.NewGrid(box, partition.AutoSplit(cfg.World.Size, box))
	if err != nil {
		return err
	}
	frames, err := buildFrames(cfg, box, grid, m.MaxCutoff())
	if err != nil {
		return err
	}
	st := partition.ComputeStats(frames[0])
	logger.Info("system decomposed",
		logging.Any("split", grid.Split()),
		logging.Count(len(frames[0])),
		logging.Float64("load_balance", st.LoadBalance),
		logging.Float64("ghost_ratio", st.GhostRatio))

	peers := func(rank int) []int {
		return slices.DeleteFunc(grid.Neighbors(rank), func(r int) bool { return r == rank })
	}
	ts, err := cluster.Open(cfg.World, peers, reg, logger)
	if err != nil {
		return err
	}
	hosted := cfg.World.HostedRanks()

	// results[step][rank]; each rank goroutine writes only its own column
	results := make([][]*potential.Result, cfg.System.Steps)
	for s := range results {
		results[s] = make([]*potential.Result, cfg.World.Size)
	}

	err = cluster.Run(ctx, ts, func(ctx context.Context, t transport.Transport) error {
		negLogger := logging.Logger(logging.NewNopLogger())
		if t.Rank() == hosted[0] {
			negLogger = logger
		}
		t, _ = transport.Negotiate(t, transport.NegotiateOptions{ForceHostStaged: cfg.ForceHostStaged}, negLogger, reg)

		bounds := grid.Bounds(t.Rank())
		p, err := potential.NewParallel(m, t, potential.Config{
			Segments:   segments,
			SpeciesMap: speciesMap,
			Logger:     logger,
			Metrics:    reg,
			Domain:     &bounds,
			Box:        box,
		})
		if err != nil {
			return err
		}
		for s := range frames {
			res, err := p.Evaluate(ctx, frames[s][t.Rank()])
			if err != nil {
				return err
			}
			results[s][t.Rank()] = res
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted")
		}
		return err
	}

	report(results, hosted, box, logger)
	reg.UpdateSystemMetrics(started)
	logger.Info("run complete", logging.Latency(time.Since(started)), logging.Count(len(results)))
	return nil
}

func serveMetrics(addr string, reg *metrics.Registry, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logging.Error(err))
		}
	}()
	logger.Info("metrics listening", logging.String("addr", addr))
	return srv
}

func loadModel(ctx context.Context, cfg *RunConfig, logger logging.Logger) (*model.Model, error) {
	switch {
	case cfg.S3 != nil:
		client, err := artifact.NewClient(ctx, *cfg.S3)
		if err != nil {
			return nil, err
		}
		dir, st, err := artifact.NewFetcher(client, logger).Fetch(ctx, *cfg.S3)
		if err != nil {
			return nil, err
		}
		logger.Info("model fetched",
			logging.Path(dir),
			logging.Int("downloaded", st.Downloaded),
			logging.Int("cached", st.Cached),
			logging.Int64("bytes", st.Bytes))
		return model.Load(dir)
	case len(cfg.ModelFiles) > 0:
		return model.LoadFiles(cfg.ModelMetadata, cfg.ModelFiles)
	default:
		return model.Load(cfg.ModelDir)
	}
}

// buildFrames decomposes every step up front. Each step displaces the
// previous positions by a seeded jitter, so every process of a
// multi-process run builds identical frames.
func buildFrames(cfg *RunConfig, box geom.Box, grid *partition.Grid, shell float64) ([][]*domain.Snapshot, error) {
	sc := cfg.System
	sys, err := partition.RandomSystem(sc.Seed, box, sc.Atoms, len(cfg.Species), sc.MinDistance)
	if err != nil {
		return nil, err
	}
	frames := make([][]*domain.Snapshot, sc.Steps)
	for s := range frames {
		sys.Step = int64(s)
		if s > 0 {
			jitter(sys, sc.Seed+int64(s), sc.Jitter)
		}
		if frames[s], err = partition.Decompose(sys, grid, shell); err != nil {
			return nil, fmt.Errorf("step %d: %w", s, err)
		}
	}
	return frames, nil
}

func jitter(sys *partition.System, seed int64, amp float64) {
	if amp == 0 {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range sys.Positions {
		for d := 0; d < 3; d++ {
			sys.Positions[i][d] += amp * (2*rng.Float64() - 1)
		}
	}
}

func report(results [][]*potential.Result, hosted []int, box geom.Box, logger logging.Logger) {
	for s, byRank := range results {
		parts := make([]*potential.Result, 0, len(hosted))
		for _, r := range hosted {
			parts = append(parts, byRank[r])
		}
		if len(hosted) < len(byRank) {
			for _, p := range parts {
				logger.Info("rank step",
					logging.Step(int64(s)), logging.Rank(p.Rank),
					logging.Float64("energy", p.Energy), logging.Count(len(p.Tags)))
			}
			continue
		}
		total := potential.Merge(parts)
		var fmax float64
		for _, f := range total.Forces {
			fmax = max(fmax, f.Norm())
		}
		logger.Info("step",
			logging.Step(int64(s)),
			logging.Float64("energy", total.Energy),
			logging.Float64("energy_per_atom", total.Energy/float64(len(total.Tags))),
			logging.Float64("fmax", fmax),
			logging.Any("stress_kbar", total.Stress(box)))
	}
}
