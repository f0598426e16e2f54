// Package scheduler runs the periodic maintenance jobs: digest sweeps and
// cursor repair.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one named periodic task.
type Job struct {
	Name    string
	Spec    string // cron spec or @every
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Service struct {
	mu sync.Mutex

	log    zerolog.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   map[string]Job

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stopped scheduler in the named timezone (UTC when empty or unknown).
func New(timezone string, log zerolog.Logger) *Service {
	log = log.With().Str("component", "scheduler").Logger()
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn().Err(err).Str("timezone", tz).Msg("unknown timezone, using UTC")
		} else {
			loc = l
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		log:    log,
		parser: parser,
		loc:    loc,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
		jobs: map[string]Job{},
	}
}

// Add registers a job. Specs are validated here so a bad config fails at startup.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a func")
	}
	if _, err := s.parser.Parse(job.Spec); err != nil {
		return fmt.Errorf("scheduler: job %s: invalid spec %q: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %s", job.Name)
	}
	s.jobs[job.Name] = job
	if _, err := s.c.AddFunc(job.Spec, func() { _ = s.run(s.baseContext(), job) }); err != nil {
		return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
	}
	return nil
}

// Start begins firing jobs. Jobs inherit ctx and are cancelled with it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info().Int("jobs", len(s.jobs)).Str("tz", s.loc.String()).Msg("scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.c.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// RunNow runs a registered job synchronously, outside the schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.run(ctx, job)
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) run(ctx context.Context, job Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := job.Run(ctx)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("job finished")
	return err
}

// cronLogger adapts zerolog to cron's logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
