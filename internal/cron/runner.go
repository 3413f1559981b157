// Package cron runs the periodic maintenance jobs: re-planning alerts,
// retiring finished courses and logging a daily adherence summary.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/adherence"
	"github.com/gmsas95/dosewatch/internal/ledger"
)

// Job names.
const (
	JobReplan        = "replan"
	JobExpireCourses = "expire_courses"
	JobDailySummary  = "daily_summary"
)

// Config holds the cron expressions of each job. An empty expression
// disables the job.
type Config struct {
	Replan        string
	ExpireCourses string
	DailySummary  string
	Location      *time.Location
}

// Tracker is what the jobs operate on.
type Tracker interface {
	Replan(ctx context.Context) (int, error)
	ExpireCourses(ctx context.Context) (int, error)
	Adherence(r ledger.Range) adherence.Report
}

// Runner manages scheduled job execution
type Runner struct {
	config  Config
	tracker Tracker
	logger  *zap.Logger
	cron    *robfig.Cron
	jobs    map[string]func(context.Context) error
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewRunner parses the job schedules.
func NewRunner(config Config, tracker Tracker, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		config:  config,
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.jobs = map[string]func(context.Context) error{
		JobReplan:        r.replan,
		JobExpireCourses: r.expireCourses,
		JobDailySummary:  r.dailySummary,
	}

	cl := cronLogger{logger.Sugar()}
	r.cron = robfig.New(
		robfig.WithLocation(config.Location),
		robfig.WithLogger(cl),
		robfig.WithChain(robfig.Recover(cl), robfig.SkipIfStillRunning(cl)),
	)

	specs := map[string]string{
		JobReplan:        config.Replan,
		JobExpireCourses: config.ExpireCourses,
		JobDailySummary:  config.DailySummary,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		name := name
		if _, err := r.cron.AddFunc(spec, func() { r.execute(name) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule for %s job %q: %w", name, spec, err)
		}
	}
	return r, nil
}

// Start starts the cron runner
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cron runner already running")
	}
	r.running = true
	r.cron.Start()
	r.logger.Info("Cron runner started", zap.Int("jobs", len(r.cron.Entries())))
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("Cron runner stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// NextRuns returns each scheduled job's next activation.
func (r *Runner) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time)
	specs := map[string]string{
		JobReplan:        r.config.Replan,
		JobExpireCourses: r.config.ExpireCourses,
		JobDailySummary:  r.config.DailySummary,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		sched, err := robfig.ParseStandard(spec)
		if err != nil {
			continue
		}
		out[name] = sched.Next(r.now().In(r.config.Location))
	}
	return out
}

// RunNow executes a job synchronously.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	job, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job(ctx)
}

func (r *Runner) execute(name string) {
	start := time.Now()
	r.logger.Debug("Executing scheduled job", zap.String("job", name))
	if err := r.jobs[name](r.ctx); err != nil {
		r.logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	r.logger.Debug("Scheduled job completed", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

func (r *Runner) replan(ctx context.Context) error {
	n, err := r.tracker.Replan(ctx)
	if err != nil {
		return fmt.Errorf("replan: %w", err)
	}
	r.logger.Debug("Alerts replanned", zap.Int("alerts", n))
	return nil
}

func (r *Runner) expireCourses(ctx context.Context) error {
	n, err := r.tracker.ExpireCourses(ctx)
	if n > 0 {
		r.logger.Info("Finished courses deactivated", zap.Int("medications", n))
	}
	return err
}

func (r *Runner) dailySummary(context.Context) error {
	now := r.now().In(r.config.Location)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.config.Location)
	rep := r.tracker.Adherence(ledger.Range{From: from, To: now})

	fields := []zap.Field{
		zap.Time("from", from),
		zap.Int("rate", rep.Rate),
		zap.Int("taken", rep.Taken),
		zap.Int("missed", rep.Missed),
	}
	for _, m := range rep.Medications {
		fields = append(fields, zap.Int("rate_"+m.MedicationName, m.Rate))
	}
	r.logger.Info("Daily adherence summary", fields...)
	return nil
}

// cronLogger adapts zap to the cron library's logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
