package poller

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tfshome/tfsctl/internal/analysis"
	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/config"
)

// Result is what one status probe learned about an entity.
type Result struct {
	Observation analysis.Observation
	// Task is the latest representation, when the prober fetched one.
	Task *api.Task
}

// Prober asks the backend for the current state of one entity.
type Prober interface {
	Probe(ctx context.Context, id string) (Result, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, id string) (Result, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, id string) (Result, error) {
	return f(ctx, id)
}

// TaskProber probes tasks through the authenticated API client.
type TaskProber struct {
	Client *api.Client
}

// Probe fetches the task and interprets its scoring fields.
func (p TaskProber) Probe(ctx context.Context, id string) (Result, error) {
	taskID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("task id %q: %w", id, err)
	}
	task, err := p.Client.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	return Result{Observation: task.Analysis(), Task: task}, nil
}

// CreateAndWatch creates a task and watches it under its backend-assigned id.
func CreateAndWatch(ctx context.Context, s *Scheduler, client *api.Client, in api.TaskInput, override *config.PollingConfig) (*api.Task, *Handle, error) {
	task, err := client.CreateTask(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.Watch(task.Key(), override)
	if err != nil {
		return task, nil, err
	}
	return task, h, nil
}
