// Package warden wires the connection poller, usage ledger, limit registry,
// and enforcement reconciler into one service.
package warden

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/agent"
	"github.com/developingchet/mihomo-quota-warden/internal/config"
	"github.com/developingchet/mihomo-quota-warden/internal/daemon"
	"github.com/developingchet/mihomo-quota-warden/internal/enforcer"
	"github.com/developingchet/mihomo-quota-warden/internal/identity"
	"github.com/developingchet/mihomo-quota-warden/internal/ledger"
	"github.com/developingchet/mihomo-quota-warden/internal/limits"
	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/developingchet/mihomo-quota-warden/internal/pool"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Service owns the warden's long-running loops and their shared state.
type Service struct {
	cfg        *config.Config
	daemon     daemon.Client
	gw         agent.Gateway // nil when the agent is disabled
	store      storage.Store
	led        *ledger.Ledger
	reg        *limits.Registry
	ids        *identity.Resolver
	enf        *enforcer.Enforcer
	workerPool *pool.Pool // nil when the agent is disabled
	janitor    *Janitor
	log        zerolog.Logger
}

// New wires a Service from its external seams. gw is nil when the router
// agent is not configured.
func New(cfg *config.Config, dc daemon.Client, gw agent.Gateway, store storage.Store, log zerolog.Logger) (*Service, error) {
	overrides, err := cfg.ParseIPLabels()
	if err != nil {
		return nil, fmt.Errorf("parse ip labels: %w", err)
	}
	overrideMap := make(map[string]string, len(overrides))
	for _, o := range overrides {
		overrideMap[o.IP] = o.Label
	}
	ids := identity.NewResolver(overrideMap)

	led := ledger.New(store, cfg.RetentionDays, cfg.PersistDebounce, log)
	led.Load()

	reg := limits.NewRegistry(store, log)
	reg.Load()
	metrics.ConfiguredLimits.Set(float64(reg.Count()))

	var workerPool *pool.Pool
	if gw != nil {
		workerPool, err = pool.New(pool.Config{
			Workers:    cfg.PoolWorkers,
			QueueDepth: cfg.PoolQueueDepth,
			MaxRetries: cfg.PoolMaxRetries,
			RetryBase:  cfg.PoolRetryBase,
		}, enforcer.MACHandler(gw, log), log)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
	}

	enf := enforcer.New(cfg, dc, gw, store, reg, led, ids, workerPool, log)

	s := &Service{
		cfg:        cfg,
		daemon:     dc,
		gw:         gw,
		store:      store,
		led:        led,
		reg:        reg,
		ids:        ids,
		enf:        enf,
		workerPool: workerPool,
		log:        log,
	}
	s.janitor = NewJanitor(store, led, reg, workerPool, cfg.JanitorInterval, log)

	// Limit edits re-trigger both loops so policy changes take effect
	// within one debounce period instead of one poll tick.
	reg.SetOnChange(func() {
		metrics.ConfiguredLimits.Set(float64(reg.Count()))
		enf.Kick()
		enf.KickShaper()
	})
	return s, nil
}

// Limits exposes the limit registry for command surfaces.
func (s *Service) Limits() *limits.Registry { return s.reg }

// Enforcer exposes the reconciler for command surfaces.
func (s *Service) Enforcer() *enforcer.Enforcer { return s.enf }

// Ledger exposes the usage ledger for command surfaces.
func (s *Service) Ledger() *ledger.Ledger { return s.led }

// BlockMAC submits a MAC-level block for a MAC or neighbor IP and runs
// the worker pool just long enough to drain the job. Used by the one-shot
// blockmac command; the daemon process drives the pool through Run instead.
func (s *Service) BlockMAC(ctx context.Context, id string, ports []int) error {
	return s.runMACJob(ctx, func() error {
		return s.enf.BlockMAC(ctx, id, ports)
	})
}

// UnblockMAC submits a MAC-level unblock the same way.
func (s *Service) UnblockMAC(ctx context.Context, id string) error {
	return s.runMACJob(ctx, func() error {
		return s.enf.UnblockMAC(ctx, id)
	})
}

func (s *Service) runMACJob(ctx context.Context, submit func() error) error {
	if s.workerPool == nil {
		return errors.New("router agent not configured")
	}
	s.workerPool.Start(ctx)
	defer s.workerPool.Stop()
	return submit()
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Str("version", BinaryVersion).
		Str("mihomo_url", s.cfg.MihomoURL).Bool("agent", s.gw != nil).
		Msg("quota warden starting")

	g, gctx := errgroup.WithContext(ctx)

	s.enf.Start(gctx)
	if s.workerPool != nil {
		s.workerPool.Start(gctx)
	}

	g.Go(func() error {
		return s.pollConnections(gctx)
	})

	if s.gw != nil && s.cfg.IdentityRefreshInterval > 0 {
		g.Go(func() error {
			return s.refreshIdentity(gctx)
		})
	}

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	err := g.Wait()
	s.enf.Stop()
	if s.workerPool != nil {
		s.workerPool.Stop()
	}
	s.led.Flush()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ReconcileOnce runs a single enforce and shaper pass against a fresh
// connection snapshot. Used by the one-shot reconcile command.
func (s *Service) ReconcileOnce(ctx context.Context) error {
	snap, err := s.daemon.Connections(ctx)
	if err != nil {
		return fmt.Errorf("fetch connections: %w", err)
	}
	s.recordSnapshot(snap)
	s.enf.SetConnections(snap)
	s.enf.RunPass(ctx)
	s.enf.RunShaperPass(ctx)
	s.led.Flush()
	return nil
}

// pollConnections drives the ledger and the enforce loop from the daemon's
// connection feed. Feed errors are transient; the poll continues.
func (s *Service) pollConnections(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := s.daemon.Connections(ctx)
			if err != nil {
				s.log.Debug().Err(err).Msg("connection poll failed")
				continue
			}
			s.recordSnapshot(snap)
			s.enf.SetConnections(snap)
			s.enf.Kick()
		}
	}
}

// recordSnapshot appends every connection's per-tick byte deltas to the
// ledger under the connection's resolved identity.
func (s *Service) recordSnapshot(snap *daemon.Snapshot) {
	now := time.Now()
	for _, c := range snap.Connections {
		user := s.ids.Label(c.SourceIP)
		if user == "" {
			continue
		}
		s.led.Record(user, c.DownloadSpeed, c.UploadSpeed, now)
	}
}

// refreshIdentity relearns the IP to MAC table from the router's neighbor
// list so limits follow devices across DHCP lease changes.
func (s *Service) refreshIdentity(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.IdentityRefreshInterval)
	defer ticker.Stop()

	refresh := func() {
		items, err := s.gw.Neighbors(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("neighbor refresh failed")
			return
		}
		table := make(map[string]string, len(items))
		for _, n := range items {
			table[n.IP] = n.MAC
		}
		s.ids.Update(table)
		s.enf.KickShaper()
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh()
		}
	}
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Service) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    s.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoint.
func (s *Service) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.daemon.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    s.cfg.HealthAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
