// Package execution runs the escrow background work on river: periodic
// sweeps, idempotency purge and notification delivery.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/taskup/backend/internal/automation"
	"github.com/taskup/backend/internal/models"
	"github.com/taskup/backend/internal/notify"
)

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

type NotifyArgs struct {
	Event     string          `json:"event"`
	Recipient uuid.UUID       `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

func (NotifyArgs) Kind() string { return "escrow_notify" }

// InsertOpts gives notifications a single attempt. A failed send is logged,
// not retried.
func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// InsertNotifyTxFunc enqueues a notification within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertNotifyTxFunc func(ctx context.Context, tx pgx.Tx, args NotifyArgs) error

// Outbox implements the escrow machine's outbox on river, so a notification
// job exists exactly when the transition that defines it commits.
type Outbox struct {
	insert InsertNotifyTxFunc
}

func NewOutbox(insert InsertNotifyTxFunc) *Outbox {
	return &Outbox{insert: insert}
}

func (o *Outbox) EnqueueTx(ctx context.Context, tx pgx.Tx, n models.Notification) error {
	return o.insert(ctx, tx, NotifyArgs{Event: n.Kind, Recipient: n.Recipient, Payload: n.Payload})
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	emitter notify.Emitter
	logger  *slog.Logger
}

func NewNotifyWorker(emitter notify.Emitter, logger *slog.Logger) *NotifyWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyWorker{emitter: emitter, logger: logger}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	args := job.Args
	err := w.emitter.Emit(ctx, models.Notification{Kind: args.Event, Recipient: args.Recipient, Payload: args.Payload})
	if err != nil {
		w.logger.Error("notification delivery failed", "kind", args.Event, "recipient", args.Recipient, "job_id", job.ID, "error", err)
	}
	return nil
}

func (w *NotifyWorker) Timeout(*river.Job[NotifyArgs]) time.Duration { return 30 * time.Second }

// ---------------------------------------------------------------------------
// Sweeps
// ---------------------------------------------------------------------------

const (
	SweepAutoComplete = "auto_complete"
	SweepExpireUnpaid = "expire_unpaid"
	SweepLockOffers   = "lock_offers"
	SweepReconcile    = "reconcile"
)

type SweepArgs struct {
	Sweep string `json:"sweep"`
}

func (SweepArgs) Kind() string { return "escrow_sweep" }

type SweepFunc func(ctx context.Context) (automation.SweepResult, error)

// Sweeps maps sweep names to the scheduler's sweeps.
func Sweeps(s *automation.Scheduler) map[string]SweepFunc {
	return map[string]SweepFunc{
		SweepAutoComplete: s.AutoComplete,
		SweepExpireUnpaid: s.ExpireUnpaid,
		SweepLockOffers:   s.LockPaidOffers,
		SweepReconcile:    s.Reconcile,
	}
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeps map[string]SweepFunc
	logger *slog.Logger
}

func NewSweepWorker(sweeps map[string]SweepFunc, logger *slog.Logger) *SweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepWorker{sweeps: sweeps, logger: logger}
}

// Work runs one sweep. Per-order failures are counted, not returned; only a
// failed listing query makes river retry the job.
func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	fn, ok := w.sweeps[job.Args.Sweep]
	if !ok {
		return river.JobCancel(fmt.Errorf("unknown sweep %q", job.Args.Sweep))
	}
	res, err := fn(ctx)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", job.Args.Sweep, err)
	}
	if res.Failed > 0 {
		w.logger.Warn("sweep finished with failures", "sweep", job.Args.Sweep, "failed", res.Failed, "applied", res.Applied)
	}
	return nil
}

func (w *SweepWorker) Timeout(*river.Job[SweepArgs]) time.Duration { return 10 * time.Minute }

// ---------------------------------------------------------------------------
// Idempotency purge
// ---------------------------------------------------------------------------

type PurgeArgs struct{}

func (PurgeArgs) Kind() string { return "idempotency_purge" }

type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type PurgeWorker struct {
	river.WorkerDefaults[PurgeArgs]
	purger Purger
}

func NewPurgeWorker(p Purger) *PurgeWorker {
	return &PurgeWorker{purger: p}
}

func (w *PurgeWorker) Work(ctx context.Context, _ *river.Job[PurgeArgs]) error {
	_, err := w.purger.Purge(ctx)
	return err
}

// ---------------------------------------------------------------------------
// Periodic schedule
// ---------------------------------------------------------------------------

type Intervals struct {
	Completion time.Duration
	Expiry     time.Duration
	Purge      time.Duration
}

// PeriodicJobs schedules the sweeps on two cadences: completion-side sweeps
// on the completion interval, unpaid expiry on the expiry interval. Unique
// opts keep one pending job per sweep and period across instances.
func PeriodicJobs(iv Intervals) []*river.PeriodicJob {
	sweep := func(name string, every time.Duration) *river.PeriodicJob {
		return river.NewPeriodicJob(
			river.PeriodicInterval(every),
			func() (river.JobArgs, *river.InsertOpts) {
				return SweepArgs{Sweep: name}, &river.InsertOpts{
					UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: every},
				}
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		)
	}
	return []*river.PeriodicJob{
		sweep(SweepLockOffers, iv.Completion),
		sweep(SweepAutoComplete, iv.Completion),
		sweep(SweepReconcile, iv.Completion),
		sweep(SweepExpireUnpaid, iv.Expiry),
		river.NewPeriodicJob(
			river.PeriodicInterval(iv.Purge),
			func() (river.JobArgs, *river.InsertOpts) {
				return PurgeArgs{}, &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByPeriod: iv.Purge}}
			},
			nil,
		),
	}
}
