package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Job is one slice of a backfill. Jobs with equal Key always run on the same
// worker, so a key must cover everything one yearly archive receives.
type Job struct {
	Key        int
	Start, End time.Time
}

func (j Job) String() string {
	return fmt.Sprintf("%d [%s, %s)", j.Key, j.Start.Format(time.DateOnly), j.End.Format(time.DateOnly))
}

// MonthJobs splits [start, end) into calendar-month jobs keyed by year.
func MonthJobs(start, end time.Time) []Job {
	start, end = start.UTC(), end.UTC()
	var jobs []Job
	for lo := start; lo.Before(end); {
		next := time.Date(lo.Year(), lo.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		hi := next
		if end.Before(hi) {
			hi = end
		}
		jobs = append(jobs, Job{Key: lo.Year(), Start: lo, End: hi})
		lo = next
	}
	return jobs
}

// Partition assigns every job to one of w queues by key. Queue order
// follows job order.
func Partition(jobs []Job, w int) [][]Job {
	if w < 1 {
		w = 1
	}
	queues := make([][]Job, w)
	for _, j := range jobs {
		i := j.Key % w
		if i < 0 {
			i += w
		}
		queues[i] = append(queues[i], j)
	}
	return queues
}

// Runner processes one window; *Pipeline implements it.
type Runner interface {
	RunWindow(ctx context.Context, start, end time.Time) (*Summary, error)
}

// Pool runs backfill jobs on independent workers. Jobs are half-open
// windows; workers should drop scans acquired at a job's end.
type Pool struct {
	workers    []Runner
	logger     *slog.Logger
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewPool creates a Pool over the given workers. A job failing with a
// non-fatal error is retried up to retries times.
func NewPool(workers []Runner, retries int, logger *slog.Logger) *Pool {
	return &Pool{
		workers:    workers,
		logger:     logger,
		retries:    retries,
		backoff:    time.Second,
		maxBackoff: time.Minute,
	}
}

// Report aggregates the outcomes of a backfill.
type Report struct {
	mu       sync.Mutex
	Jobs     int
	Failed   []Job
	Outcomes map[domain.Outcome]int
}

func (r *Report) add(s *Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Jobs++
	if s == nil {
		return
	}
	for o, n := range s.Outcomes {
		r.Outcomes[o] += n
	}
}

func (r *Report) fail(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, j)
}

// Run processes jobs until all are done or a fatal error stops every worker.
func (p *Pool) Run(ctx context.Context, jobs []Job) (*Report, error) {
	report := &Report{Outcomes: map[domain.Outcome]int{}}
	queues := Partition(jobs, len(p.workers))

	g, ctx := errgroup.WithContext(ctx)
	for i, queue := range queues {
		worker := p.workers[i]
		logger := p.logger.With("worker", i)
		g.Go(func() error {
			for _, job := range queue {
				if err := p.runJob(ctx, worker, job, report, logger); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Start.Before(report.Failed[j].Start) })
	return report, err
}

func (p *Pool) runJob(ctx context.Context, worker Runner, job Job, report *Report, logger *slog.Logger) error {
	backoff := p.backoff
	for attempt := 0; ; attempt++ {
		logger.Info("backfill job started", "job", job.String(), "attempt", attempt+1)
		summary, err := worker.RunWindow(ctx, job.Start, job.End)
		if err == nil {
			report.add(summary)
			return nil
		}
		if domain.IsFatal(err) || ctx.Err() != nil {
			report.fail(job)
			return fmt.Errorf("backfill %s: %w", job, err)
		}
		if attempt >= p.retries {
			logger.Error("backfill job failed", "job", job.String(), "error", err)
			report.add(summary)
			report.fail(job)
			return nil
		}
		logger.Warn("backfill job failed, retrying", "job", job.String(), "error", err, "backoff", backoff)
		if !sleepWithContext(ctx, backoff) {
			report.fail(job)
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, p.maxBackoff)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
