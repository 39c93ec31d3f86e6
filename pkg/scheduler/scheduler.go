package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/engine"
	"github.com/openrecords/docket/pkg/models"
	"github.com/openrecords/docket/pkg/runtime"
	"github.com/openrecords/docket/pkg/store"
)

// Dispatcher is the engine surface the sweeps need.
type Dispatcher interface {
	Dispatch(ctx context.Context, caseID int64, req engine.DispatchRequest) (*models.DispatchResult, error)
}

// Scheduler runs the periodic sweeps. Every pod runs a scheduler; the
// cron_leases table elects one leader per job per tick, and all mutations
// behind the sweeps are guarded SQL, so accidental overlap is safe.
type Scheduler struct {
	store      *store.Store
	resolver   *runtime.Resolver
	dispatcher Dispatcher
	cfg        *config.Config
	cron       *cron.Cron
	logger     *slog.Logger
}

// New builds a scheduler with all five jobs registered.
func New(st *store.Store, res *runtime.Resolver, d Dispatcher, cfg *config.Config) (*Scheduler, error) {
	s := &Scheduler{
		store:      st,
		resolver:   res,
		dispatcher: d,
		cfg:        cfg,
		cron:       cron.New(cron.WithSeconds()),
		logger:     slog.With("component", "scheduler"),
	}

	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context) error
	}{
		{"followup_dispatch", cfg.Cron.FollowupDispatch, s.dispatchFollowups},
		{"stale_reaper", cfg.Cron.StaleReaper, s.reapStaleRuns},
		{"stuck_portal", cfg.Cron.StuckPortal, s.reapStuckPortalTasks},
		{"deadline_sweep", cfg.Cron.DeadlineSweep, s.sweepDeadlines},
		{"retention_prune", cfg.Cron.RetentionPrune, s.pruneRetention},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, s.leased(j.name, j.fn)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", 5)
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// leased wraps a job in the leader lease: the pod that renews the lease
// first runs the sweep this tick, everyone else skips.
func (s *Scheduler) leased(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx := context.Background()
		holder := s.cfg.System.PodID

		ok, err := s.store.AcquireLease(ctx, s.store.DB(), name, holder, s.cfg.Cron.LeaseTTL)
		if err != nil {
			s.logger.Error("lease acquisition failed", "job", name, "error", err)
			return
		}
		if !ok {
			s.logger.Debug("lease held elsewhere, skipping", "job", name)
			return
		}

		if err := fn(ctx); err != nil {
			s.logger.Error("sweep failed", "job", name, "error", err)
		}
	}
}
