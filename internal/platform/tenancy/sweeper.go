package tenancy

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// SweepTask is extra periodic housekeeping run alongside the registry sweep.
type SweepTask struct {
	Name string
	Run  func(now time.Time) int
}

// Sweeper evicts idle registry entries on a fixed interval.
type Sweeper struct {
	scheduler gocron.Scheduler
	registry  *Registry
	logger    zerolog.Logger
}

func NewSweeper(registry *Registry, interval time.Duration, logger zerolog.Logger, extra ...SweepTask) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		scheduler: scheduler,
		registry:  registry,
		logger:    logger.With().Str("component", "sweeper").Logger(),
	}

	tasks := append([]SweepTask{{Name: "tenant-registry-evict-idle", Run: registry.EvictIdle}}, extra...)
	for _, task := range tasks {
		task := task
		if _, err := scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() { s.run(task) }),
			gocron.WithName(task.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = scheduler.Shutdown()
			return nil, err
		}
	}
	return s, nil
}

func (s *Sweeper) run(task SweepTask) {
	if n := task.Run(time.Now()); n > 0 {
		s.logger.Debug().Str("task", task.Name).Int("removed", n).Msg("sweep completed")
	}
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
