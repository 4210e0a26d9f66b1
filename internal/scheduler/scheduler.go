package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/bus"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/schedule"
	"github.com/mtzanidakis/archon/internal/store"
)

// Executor runs one invocation to completion. The orchestrator
// coordinator satisfies it; tests substitute their own.
type Executor interface {
	Execute(ctx context.Context, inv orchestrator.Invocation) (agent.Result, error)
}

// Scheduler polls the store for due recurring invocations and hands
// them to the executor. One poll loop per process.
type Scheduler struct {
	store        *store.Store
	exec         Executor
	natsClient   *bus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, exec Executor, b *bus.Bus, cfg config.SchedulerConfig) *Scheduler {
	sched := &Scheduler{
		store:        s,
		exec:         exec,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}

	if b != nil {
		client, err := bus.NewClient(b)
		if err != nil {
			slog.Error("scheduler nats client failed", "error", err)
		} else {
			sched.natsClient = client
		}
	}

	return sched
}

// UpdateConfig changes the poll interval and signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueRecurring(time.Now())
	if err != nil {
		slog.Error("failed to get due recurring invocations", "error", err)
		return
	}

	for _, rec := range due {
		s.execute(ctx, rec)
	}
}

func (s *Scheduler) execute(ctx context.Context, rec store.RecurringInvocation) {
	slog.Info("executing recurring invocation", "id", rec.ID, "name", rec.Name, "topology", rec.Topology)

	task := agent.NewTask(rec.Task)
	task.Metadata = map[string]string{
		"trigger":      "scheduler",
		"recurring_id": rec.ID,
	}

	_, err := s.exec.Execute(ctx, orchestrator.Invocation{
		Task:     task,
		Topology: orchestrator.Topology(rec.Topology),
	})

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("recurring invocation failed", "id", rec.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	nextRun := schedule.NextRun(rec.Schedule)

	if err := s.store.UpdateRecurringRun(rec.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update recurring invocation", "id", rec.ID, "error", err)
	}

	s.publishExecutedEvent(rec, lastStatus)

	// One-off schedules have no next run and retire themselves.
	if nextRun == nil {
		slog.Info("no next run, marking recurring invocation completed", "id", rec.ID, "name", rec.Name)
		if err := s.store.UpdateRecurringStatus(rec.ID, "completed"); err != nil {
			slog.Error("failed to complete recurring invocation", "id", rec.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecutedEvent(rec store.RecurringInvocation, status string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "recurring_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     rec.ID,
			"name":   rec.Name,
			"status": status,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	_ = s.natsClient.Publish(bus.TopicScheduleEvents(rec.ID), data)
}
