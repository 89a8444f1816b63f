package autopilot

import (
	"context"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/common/logger"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow) as well as descriptors such as "@hourly" and
// "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// NextRunTime parses a cron expression and returns the next time it is
// due after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// schedule is one registered recurring autopilot trigger.
type schedule struct {
	projectSlug   string
	cronExpr      string
	initialPrompt string
	opts          Options
	nextRun       time.Time
}

// Scheduler polls a set of registered schedules at a fixed interval and
// fires Loop.Run for any that have come due. It does not delegate to
// cron.Cron's own internal goroutine; the expression parser is used only
// to compute each schedule's next due time, with a self-driven ticker
// loop deciding when to check.
type Scheduler struct {
	loop     *Loop
	log      *logger.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules map[string]*schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a Scheduler driving loop, polling at interval
// (defaulting to one minute if zero or negative).
func NewScheduler(loop *Loop, log *logger.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		loop:      loop,
		log:       log.WithFields(zap.String("component", "autopilot-scheduler")),
		interval:  interval,
		schedules: make(map[string]*schedule),
	}
}

// Register adds or replaces the recurring trigger for a project slug.
func (s *Scheduler) Register(slug, cronExpr, initialPrompt string, opts Options) error {
	next, err := NextRunTime(cronExpr, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.schedules[slug] = &schedule{
		projectSlug:   slug,
		cronExpr:      cronExpr,
		initialPrompt: initialPrompt,
		opts:          opts,
		nextRun:       next,
	}
	s.mu.Unlock()
	return nil
}

// Unregister removes a project slug's recurring trigger.
func (s *Scheduler) Unregister(slug string) {
	s.mu.Lock()
	delete(s.schedules, slug)
	s.mu.Unlock()
}

// Start begins the polling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info("autopilot scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("autopilot scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due := s.dueSchedules(now)
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) dueSchedules(now time.Time) []*schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*schedule
	for _, sched := range s.schedules {
		if !sched.nextRun.After(now) {
			due = append(due, sched)
		}
	}
	return due
}

func (s *Scheduler) fire(ctx context.Context, sched *schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.cronExpr, now)
	if err != nil {
		s.log.Error("failed to compute next run time", zap.String("project_slug", sched.projectSlug), zap.Error(err))
		return
	}
	s.mu.Lock()
	if existing, ok := s.schedules[sched.projectSlug]; ok && existing == sched {
		existing.nextRun = nextRun
	}
	s.mu.Unlock()

	s.log.Info("autopilot schedule fired", zap.String("project_slug", sched.projectSlug), zap.Time("next_run_at", nextRun))
	go func() {
		if _, err := s.loop.Run(ctx, sched.projectSlug, sched.initialPrompt, sched.opts); err != nil {
			s.log.Error("scheduled autopilot run failed", zap.String("project_slug", sched.projectSlug), zap.Error(err))
		}
	}()
}
