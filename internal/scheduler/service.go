package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"seedpanel/internal/domain"
	"seedpanel/internal/store"
	"seedpanel/internal/telegram"
	"seedpanel/internal/worker"
)

// Service polls for due auto-run schedules and submits a seeding task for
// each one through the same runner the API uses.
type Service struct {
	repo     store.Repository
	runner   *worker.Runner
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo store.Repository, runner *worker.Runner, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		runner:   runner,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	task, err := s.buildSeedingTask(ctx, schedule)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to assemble seeding task")
		return err
	}

	taskID := s.runner.Submit(ctx, task)

	nextRun := cronSchedule.Next(now)
	if err := s.repo.MarkScheduleRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", taskID).
		Time("next_run", nextRun).
		Msg("scheduled seeding task submitted")

	return nil
}

// buildSeedingTask assembles a seeding run for the schedule's group from its
// current folder contents, the stored seeding config and the global defaults.
func (s *Service) buildSeedingTask(ctx context.Context, schedule domain.Schedule) (domain.Task, error) {
	group, err := s.repo.GetGroup(ctx, schedule.GroupID)
	if err != nil {
		return domain.Task{}, err
	}
	filenames, err := telegram.SessionFiles(group.FolderPath)
	if err != nil {
		return domain.Task{}, err
	}

	raw, err := s.repo.GetConfig(ctx, string(domain.OpSeedMessage))
	if err != nil {
		return domain.Task{}, err
	}
	var seed domain.SeedConfig
	if err := json.Unmarshal(raw, &seed); err != nil {
		return domain.Task{}, err
	}

	settings, err := s.repo.LoadSettings(ctx)
	if err != nil {
		return domain.Task{}, err
	}

	var proxies []string
	if pc, err := s.repo.LoadProxyConfig(ctx); err == nil && pc.Enabled {
		proxies = pc.Proxies
	}

	return domain.Task{
		Kind:                domain.OpSeedMessage,
		GroupID:             group.ID,
		FolderPath:          group.FolderPath,
		Filenames:           filenames,
		Concurrency:         settings.Core,
		DelayPerSession:     time.Duration(settings.DelayPerSession) * time.Second,
		DelayBetweenBatches: time.Duration(settings.DelayBetweenBatches) * time.Second,
		AdminEnabled:        settings.AdminEnabled,
		AdminDelay:          time.Duration(settings.AdminDelay) * time.Second,
		Proxies:             proxies,
		Seed:                seed,
	}, nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
