package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/karmic-network/karmic/internal/api"
	"github.com/karmic-network/karmic/internal/app/accounts"
	"github.com/karmic-network/karmic/internal/app/reconcile"
	"github.com/karmic-network/karmic/internal/app/transfer"
	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/accrual"
	"github.com/karmic-network/karmic/internal/infra/errlog"
	"github.com/karmic-network/karmic/internal/infra/notify"
	"github.com/karmic-network/karmic/internal/infra/observability"
	"github.com/karmic-network/karmic/internal/infra/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Daemon holds every long-lived component of a karmic process.
type Daemon struct {
	Config Config

	DB         *sqlite.DB
	Tracer     *observability.Tracer
	Hub        *notify.Hub
	Reporter   *errlog.Reporter
	Accounts   *accounts.Service
	Reconciler *reconcile.Reconciler
	Transfers  *transfer.Engine
	Scheduler  *reconcile.Scheduler
	Server     *api.Server

	logger    *slog.Logger
	closeOnce sync.Once
}

// New opens the store and wires all components. The caller must Close it.
func New(cfg Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlite.Open(cfg.DataDir())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db, logger: logger.With("component", "daemon")}

	d.Tracer = observability.NewTracer(cfg.tracerConfig())
	d.Hub = notify.NewHub(cfg.notifyConfig(), logger)
	d.Reporter = errlog.NewReporter(db, cfg.errlogConfig(), logger)
	d.Accounts = accounts.New(db, db, logger)

	d.Reconciler = reconcile.New(cfg.reconcileConfig(), reconcile.Deps{
		Accounts:  db,
		Metrics:   db,
		Publisher: d.Hub,
		Cycles:    db,
		Reporter:  d.Reporter,
		Tracer:    d.Tracer,
		Logger:    logger,
	})
	d.Transfers = transfer.New(cfg.transferConfig(), transfer.Deps{
		Accounts:  db,
		Audit:     db,
		Publisher: d.Hub,
		Reporter:  d.Reporter,
		Tracer:    d.Tracer,
		Logger:    logger,
	})
	d.Scheduler = reconcile.NewScheduler(d.Reconciler, cfg.reconcileConfig().Interval)

	d.Server = api.NewServer(api.Deps{
		Accounts:   d.Accounts,
		Transfers:  d.Transfers,
		Reconciler: d.Reconciler,
		Metrics:    db,
		Cycles:     db,
		Hub:        d.Hub,
		Tracer:     d.Tracer,
		Logger:     logger,
	})
	if cfg.Metrics.Enabled {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// SeedMetrics creates the global metrics record from [accrual] if the store
// has none yet. An existing record is left untouched. Without a configured
// program start, the current minute is used.
func (d *Daemon) SeedMetrics(ctx context.Context, now time.Time) (*domain.GlobalMetrics, error) {
	m, err := d.DB.GetMetrics(ctx)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrMetricsNotFound) {
		return nil, err
	}

	start := accrual.RoundToMinute(now.UnixMilli())
	if t := d.Config.ProgramStart(); !t.IsZero() {
		start = accrual.RoundToMinute(t.UnixMilli())
	}
	if err := d.DB.UpsertMetricsConfig(ctx, start,
		d.Config.Accrual.AccrualRatePerMinute, d.Config.Accrual.DecayRatePerMinute); err != nil {
		return nil, err
	}
	d.logger.Info("global metrics initialized",
		"program_start", time.UnixMilli(start).UTC().Format(time.RFC3339),
		"accrual_rate", d.Config.Accrual.AccrualRatePerMinute,
		"decay_rate", d.Config.Accrual.DecayRatePerMinute,
	)
	return d.DB.GetMetrics(ctx)
}

// Serve listens on the configured address and blocks until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.Addr(), err)
	}
	return d.serve(ctx, ln)
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	if _, err := d.SeedMetrics(ctx, time.Now()); err != nil {
		ln.Close()
		return fmt.Errorf("seed metrics: %w", err)
	}

	srv := &http.Server{
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Scheduler.Run(schedCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", "addr", ln.Addr().String(), "version", api.Version)
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	stopScheduler()
	wg.Wait()

	// Closing the hub ends open SSE streams so Shutdown can drain.
	d.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("shutdown incomplete", "err", err)
	}
	d.logger.Info("stopped")

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// Close releases the hub and the store.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.Hub.Close()
		err = d.DB.Close()
	})
	return err
}
