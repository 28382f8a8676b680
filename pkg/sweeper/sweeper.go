// Package sweeper runs the periodic maintenance pass over instances and
// tasks: SLA enforcement, overdue detection, and retry scheduling.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowlinehq/flowline/pkg/eventbus"
	"github.com/flowlinehq/flowline/pkg/events"
	"github.com/flowlinehq/flowline/pkg/persistence"
	"github.com/flowlinehq/flowline/pkg/services"
)

// Config tunes one sweeper.
type Config struct {
	// Schedule is a standard cron expression. Defaults to every minute.
	Schedule string

	// MaxRetries caps how often a failed instance is offered for retry.
	MaxRetries int

	// FailOnSLABreach fails instances past their SLA deadline instead of
	// only announcing the breach.
	FailOnSLABreach bool
}

// Sweeper periodically scans for instances and tasks that crossed a
// deadline and publishes the matching events.
type Sweeper struct {
	persistence persistence.Persistence
	instances   *services.Instance
	publisher   eventbus.EventPublisher
	config      Config
	logger      *slog.Logger
	cron        *cron.Cron
	now         func() time.Time
}

// New creates a sweeper. The instance service is used to fail instances
// that breached their SLA when the policy asks for it.
func New(
	p persistence.Persistence,
	instances *services.Instance,
	publisher eventbus.EventPublisher,
	config Config,
	logger *slog.Logger,
) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = "* * * * *"
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	return &Sweeper{
		persistence: p,
		instances:   instances,
		publisher:   publisher,
		config:      config,
		logger:      logger.With("module", "sweeper"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep loop. It returns after registering the cron
// entry; Stop shuts the loop down.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting sweeper", "schedule", s.config.Schedule)
	s.cron.Start()

	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one maintenance pass. Each sub-scan is independent; a failure
// in one is logged and the others still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	s.sweepInstanceSLAs(ctx, now)
	s.sweepOverdueTasks(ctx, now)
	s.sweepTaskSLAs(ctx, now)
	s.sweepRetries(ctx)
}

func (s *Sweeper) sweepInstanceSLAs(ctx context.Context, now time.Time) {
	exceeded, err := s.persistence.InstanceRepository().FindExceedingSLA(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to scan instances for SLA breaches", "error", err)

		return
	}

	for _, instance := range exceeded {
		s.publish(ctx, instance.ID(), events.InstanceSLAExceeded{
			BaseEvent:   events.NewBaseEvent(events.InstanceSLAExceededEvent),
			InstanceID:  instance.ID(),
			WorkflowID:  instance.WorkflowID(),
			SLADeadline: *instance.SLADeadline(),
		})

		if !s.config.FailOnSLABreach {
			continue
		}

		_, err := s.instances.FailInstance(ctx, instance.ID(), "SLA deadline exceeded", "")
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to fail instance after SLA breach",
				"instance_id", instance.ID(), "error", err)
		}
	}

	if len(exceeded) > 0 {
		s.logger.InfoContext(ctx, "Instance SLA sweep finished", "breached", len(exceeded))
	}
}

func (s *Sweeper) sweepOverdueTasks(ctx context.Context, now time.Time) {
	overdue, err := s.persistence.TaskRepository().FindOverdue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to scan tasks for overdue due dates", "error", err)

		return
	}

	for _, task := range overdue {
		s.publish(ctx, task.ID(), events.TaskOverdue{
			BaseEvent:  events.NewBaseEvent(events.TaskOverdueEvent),
			TaskID:     task.ID(),
			InstanceID: task.InstanceID(),
			AssigneeID: task.AssigneeID(),
			DueDate:    *task.DueDate(),
		})
	}

	if len(overdue) > 0 {
		s.logger.InfoContext(ctx, "Overdue task sweep finished", "overdue", len(overdue))
	}
}

func (s *Sweeper) sweepTaskSLAs(ctx context.Context, now time.Time) {
	exceeded, err := s.persistence.TaskRepository().FindExceedingSLA(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to scan tasks for SLA breaches", "error", err)

		return
	}

	for _, task := range exceeded {
		s.publish(ctx, task.ID(), events.TaskOverdue{
			BaseEvent:  events.NewBaseEvent(events.TaskOverdueEvent),
			TaskID:     task.ID(),
			InstanceID: task.InstanceID(),
			AssigneeID: task.AssigneeID(),
			DueDate:    *task.SLADeadline(),
		})
	}

	if len(exceeded) > 0 {
		s.logger.InfoContext(ctx, "Task SLA sweep finished", "breached", len(exceeded))
	}
}

func (s *Sweeper) sweepRetries(ctx context.Context) {
	retryable, err := s.persistence.InstanceRepository().FindFailedWithRetryCountBelow(ctx, s.config.MaxRetries)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to scan instances for retries", "error", err)

		return
	}

	for _, instance := range retryable {
		s.publish(ctx, instance.ID(), events.InstanceRetryRequested{
			BaseEvent:  events.NewBaseEvent(events.InstanceRetryRequestedEvent),
			InstanceID: instance.ID(),
			WorkflowID: instance.WorkflowID(),
			RetryCount: instance.RetryCount(),
		})
	}

	if len(retryable) > 0 {
		s.logger.InfoContext(ctx, "Retry sweep finished", "retryable", len(retryable))
	}
}

func (s *Sweeper) publish(ctx context.Context, key string, event events.Event) {
	err := s.publisher.Publish(ctx, key, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to publish sweep event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}
