package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chat-core/internal/chat"
	"chat-core/internal/config"
)

const (
	DigestJob = "digest"
	RepairJob = "cursor-repair"
)

// RepairOptions maps the schedule settings onto a repair pass.
func RepairOptions(cfg config.ScheduleConfig) chat.RepairOptions {
	policy := chat.RepairResetToLatest
	if !cfg.RepairResetToLatest {
		policy = chat.RepairResetToNull
	}
	return chat.RepairOptions{
		BatchSize:        cfg.RepairBatchSize,
		BatchesPerSecond: cfg.RepairBatchRate,
		Policy:           policy,
	}
}

// Maintenance returns the digest and cursor repair jobs. An empty spec
// disables the job.
func Maintenance(cfg config.ScheduleConfig, svc *chat.Service, log zerolog.Logger) []Job {
	var jobs []Job
	if cfg.DigestSpec != "" {
		jobs = append(jobs, Job{
			Name:    DigestJob,
			Spec:    cfg.DigestSpec,
			Timeout: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				report, err := svc.Digests.RunAll(ctx)
				log.Info().
					Int("users", report.Users).
					Int("delivered", report.Delivered).
					Int("failed", report.Failed).
					Msg("digest sweep")
				return err
			},
		})
	}
	if cfg.RepairSpec != "" {
		opts := RepairOptions(cfg)
		jobs = append(jobs, Job{
			Name:    RepairJob,
			Spec:    cfg.RepairSpec,
			Timeout: 30 * time.Minute,
			Run: func(ctx context.Context) error {
				report, err := svc.RunMaintenance(ctx, opts)
				log.Info().
					Int("scanned", report.Scanned).
					Int("deleted", report.Deleted).
					Int("reset", report.Reset).
					Int("skipped", report.Skipped).
					Msg("cursor repair")
				return err
			},
		})
	}
	return jobs
}
