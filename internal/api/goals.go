package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ListGoals returns the user's goals.
func (c *Client) ListGoals(ctx context.Context) ([]Goal, error) {
	var goals []Goal
	if err := c.do(ctx, http.MethodGet, "goals/", nil, &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

// CreateGoal creates a goal. Weight must be 1..10 when set.
func (c *Client) CreateGoal(ctx context.Context, in GoalInput) (*Goal, error) {
	if in.Title == "" {
		return nil, errors.New("goal title is required")
	}
	if in.Weight != 0 && (in.Weight < 1 || in.Weight > 10) {
		return nil, fmt.Errorf("goal weight %d out of range 1..10", in.Weight)
	}
	var g Goal
	if err := c.do(ctx, http.MethodPost, "goals/", in, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGoal applies a partial update.
func (c *Client) UpdateGoal(ctx context.Context, id int64, patch GoalPatch) (*Goal, error) {
	var g Goal
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("goals/%d/", id), patch, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// DeleteGoal removes a goal.
func (c *Client) DeleteGoal(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("goals/%d/", id), nil, nil)
}
