// Package scheduler runs pipeline jobs periodically under a supervisor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Job is a named unit of periodic work. A fatal error from Run stops the
// scheduler so the supervisor can restart it.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs Jobs on fixed intervals, never overlapping a job with
// itself. The first run of each job starts immediately.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// New creates a Scheduler over jobs.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger}
}

// Serve runs until ctx ends or a job fails fatally. It satisfies
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()

	fatal := make(chan error, len(s.jobs))
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", job.Name)
		}
		_, err := sched.Every(job.Interval).Do(func() {
			logger := s.logger.With("job", job.Name)
			logger.Debug("scheduled job starting")
			err := job.Run(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				logger.Info("scheduled job interrupted", "error", err)
			case domain.IsFatal(err):
				logger.Error("scheduled job failed fatally", "error", err)
				select {
				case fatal <- fmt.Errorf("job %s: %w", job.Name, err):
				default:
				}
			default:
				logger.Warn("scheduled job failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		s.logger.Info("job scheduled", "job", job.Name, "interval", job.Interval)
	}

	sched.StartAsync()
	defer sched.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}

func (s *Scheduler) String() string { return "scheduler" }

// RunFunc adapts a pipeline run to a Job body. Each invocation processes
// the window ending at the current time.
func RunFunc[S any](run func(ctx context.Context, now time.Time) (S, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := run(ctx, domain.Now())
		return err
	}
}

// NewSupervisor returns the root supervisor for daemon mode, logging its
// events through logger.
func NewSupervisor(logger *slog.Logger, shutdownTimeout time.Duration) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	return suture.New("satip", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}
