package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"trust-serverless/internal/observability"
)

const defaultTaskTimeout = time.Minute

// Scheduler runs maintenance tasks in-process for long-running deployments.
// Serverless deployments reach the same tasks through CleanupHandler.
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    *observability.Logger
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	tasks     map[string]Task
}

func NewScheduler(logger *observability.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		logger:    logger,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]Task),
	}
}

// Register adds a task. Tasks with a non-positive interval are skipped.
func (s *Scheduler) Register(task Task) error {
	if task.Interval <= 0 {
		s.logger.Info("maintenance_task_disabled", map[string]any{"task": task.Name})
		return nil
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %s already registered", task.Name)
	}

	job, err := s.scheduler.Every(task.Interval).WaitForSchedule().Do(func() {
		_ = s.run(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", task.Name, err)
	}
	job.Tag(task.Name)
	s.tasks[task.Name] = task

	s.logger.Info("maintenance_task_registered", map[string]any{
		"task":     task.Name,
		"interval": task.Interval.String(),
	})
	return nil
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.cancel()
}

// RunNow runs a registered task synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	task, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	return s.run(ctx, task)
}

func (s *Scheduler) run(ctx context.Context, task Task) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	fields, err := task.Run(ctx)
	if err != nil {
		observability.MaintenanceRunsTotal.WithLabelValues(task.Name, "failure").Inc()
		observability.CaptureError(err, map[string]string{"task": task.Name})
		s.logger.Error("maintenance_task_failed", map[string]any{
			"task":  task.Name,
			"error": err.Error(),
		})
		return err
	}

	observability.MaintenanceRunsTotal.WithLabelValues(task.Name, "success").Inc()
	if fields == nil {
		fields = map[string]any{}
	}
	fields["task"] = task.Name
	fields["duration_ms"] = time.Since(start).Milliseconds()
	s.logger.Info("maintenance_task_completed", fields)
	return nil
}
