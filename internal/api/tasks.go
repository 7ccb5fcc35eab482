package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	// Completed filters by completion when non-nil.
	Completed *bool
	Goal      int64
}

func (f TaskFilter) query() string {
	v := url.Values{}
	if f.Completed != nil {
		v.Set("is_completed", strconv.FormatBool(*f.Completed))
	}
	if f.Goal != 0 {
		v.Set("goal", strconv.FormatInt(f.Goal, 10))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// ListTasks returns the user's tasks.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var tasks []Task
	if err := c.doQuery(ctx, http.MethodGet, "tasks/", filter.query(), nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask creates a task. The backend enqueues AI analysis on create, so
// the returned task is normally not yet prioritized.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	if in.Title == "" {
		return nil, errors.New("task title is required")
	}
	var t Task
	if err := c.do(ctx, http.MethodPost, "tasks/", in, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, taskPath(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask applies a partial update.
func (c *Client) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPatch, taskPath(id), patch, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil)
}

func taskPath(id int64) string {
	return fmt.Sprintf("tasks/%d/", id)
}

func (c *Client) doQuery(ctx context.Context, method, path, query string, in, out any) error {
	return c.do(ctx, method, path+query, in, out)
}
