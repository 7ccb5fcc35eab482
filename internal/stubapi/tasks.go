package stubapi

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tfshome/tfsctl/internal/api"
)

type taskState struct {
	owner      string
	task       api.Task
	probesLeft int
	fail       bool
}

type goalState struct {
	owner string
	goal  api.Goal
}

const (
	lookaheadDays = 30.0
	dueWeight     = 0.8
	effortWeight  = 0.2
)

// urgency is min(1, D*0.8 + E*0.2) where D grows as the due date approaches
// over a 30 day horizon and E scales effort 1..5 onto 0..1.
func urgency(due string, effort int, now time.Time) float64 {
	if effort < 1 {
		effort = 1
	}
	e := float64(min(effort, 5)-1) / 4

	d := 0.0
	if due != "" {
		if t, err := time.Parse("2006-01-02", due); err == nil {
			days := t.Sub(now.Truncate(24*time.Hour)).Hours() / 24
			switch {
			case days <= 0:
				return 1
			case days < lookaheadDays:
				d = 1 - days/lookaheadDays
			}
		}
	}
	return math.Min(1, d*dueWeight+e*effortWeight)
}

func quadrant(importance, urgency float64) api.Quadrant {
	switch {
	case importance >= 0.5 && urgency >= 0.5:
		return api.QuadrantDoFirst
	case importance >= 0.5:
		return api.QuadrantSchedule
	case urgency >= 0.5:
		return api.QuadrantDelegate
	default:
		return api.QuadrantDrop
	}
}

func round2(v float64) *float64 {
	r := math.Round(v*100) / 100
	return &r
}

// score fills the scoring fields once analysis completes. Callers hold s.mu.
func (s *Server) score(ts *taskState) {
	importance := 0.5
	if ts.task.Goal != nil {
		if g, ok := s.goals[*ts.task.Goal]; ok {
			importance = float64(g.goal.Weight) / 10
		}
	}
	u := urgency(ts.task.DueDate, ts.task.EffortEstimate, s.now())

	ts.task.IsPrioritized = true
	ts.task.AnalysisStatus = "completed"
	ts.task.ImportanceScore = round2(importance)
	ts.task.UrgencyScore = round2(u)
	ts.task.PriorityScore = round2((importance + u) / 2 * 10)
	ts.task.Quadrant = quadrant(importance, u)
	ts.task.AIReasoning = "Scored by the stub backend from goal weight, due date and effort."
}

// advance moves a task's emulated analysis one probe forward. Callers hold
// s.mu.
func (s *Server) advance(ts *taskState) {
	if ts.task.IsPrioritized || ts.task.AnalysisStatus == "failed" {
		return
	}
	s.stats.Probes++
	ts.probesLeft--
	if ts.probesLeft > 0 {
		ts.task.AnalysisStatus = "processing"
		return
	}
	if ts.fail {
		ts.task.AnalysisStatus = "failed"
		ts.task.AnalysisError = "scoring model unavailable"
		return
	}
	s.score(ts)
}

func (s *Server) ownedTask(c *gin.Context) (*taskState, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		detail(c, http.StatusNotFound, "Not found.")
		return nil, false
	}
	ts, ok := s.tasks[id]
	if !ok || ts.owner != currentUser(c).Email {
		detail(c, http.StatusNotFound, "Not found.")
		return nil, false
	}
	return ts, true
}

func (s *Server) handleListTasks(c *gin.Context) {
	email := currentUser(c).Email
	completed := c.Query("is_completed")
	goal := c.Query("goal")

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Task, 0)
	for _, ts := range s.tasks {
		if ts.owner != email {
			continue
		}
		if completed != "" && strconv.FormatBool(ts.task.IsCompleted) != completed {
			continue
		}
		if goal != "" && (ts.task.Goal == nil || strconv.FormatInt(*ts.task.Goal, 10) != goal) {
			continue
		}
		out = append(out, ts.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var in api.TaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		detail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		fieldError(c, "title", "This field may not be blank.")
		return
	}
	if in.EffortEstimate == 0 {
		in.EffortEstimate = 3
	}
	if in.EffortEstimate < 1 || in.EffortEstimate > 5 {
		fieldError(c, "effort_estimate", "Ensure this value is between 1 and 5.")
		return
	}

	email := currentUser(c).Email
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Goal != nil {
		if g, ok := s.goals[*in.Goal]; !ok || g.owner != email {
			fieldError(c, "goal", "Invalid pk - object does not exist.")
			return
		}
	}
	s.nextTask++
	now := s.now().UTC()
	ts := &taskState{
		owner:      email,
		probesLeft: s.opts.AnalysisProbes,
		fail:       strings.Contains(in.Title, s.opts.FailMarker),
		task: api.Task{
			ID:             s.nextTask,
			Title:          in.Title,
			Description:    in.Description,
			Goal:           in.Goal,
			DueDate:        in.DueDate,
			EffortEstimate: in.EffortEstimate,
			CreatedAt:      &now,
			UpdatedAt:      &now,
			AnalysisStatus: "pending",
			AsyncStatusID:  "stub-" + strconv.FormatInt(s.nextTask, 10),
		},
	}
	s.tasks[ts.task.ID] = ts
	c.JSON(http.StatusCreated, ts.task)
}

func (s *Server) handleGetTask(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.ownedTask(c)
	if !ok {
		return
	}
	s.advance(ts)
	c.JSON(http.StatusOK, ts.task)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var patch api.TaskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		detail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.ownedTask(c)
	if !ok {
		return
	}
	rescore := false
	if patch.Title != nil {
		ts.task.Title = *patch.Title
	}
	if patch.Description != nil {
		ts.task.Description = *patch.Description
	}
	if patch.Goal != nil {
		ts.task.Goal = patch.Goal
		rescore = true
	}
	if patch.DueDate != nil {
		ts.task.DueDate = *patch.DueDate
		rescore = true
	}
	if patch.EffortEstimate != nil {
		ts.task.EffortEstimate = *patch.EffortEstimate
		rescore = true
	}
	if patch.IsCompleted != nil {
		ts.task.IsCompleted = *patch.IsCompleted
	}
	if rescore {
		// Scoring inputs changed; analysis runs again.
		ts.task.IsPrioritized = false
		ts.task.AnalysisStatus = "pending"
		ts.task.AnalysisError = ""
		ts.probesLeft = s.opts.AnalysisProbes
	}
	now := s.now().UTC()
	ts.task.UpdatedAt = &now
	c.JSON(http.StatusOK, ts.task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.ownedTask(c)
	if !ok {
		return
	}
	delete(s.tasks, ts.task.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) ownedGoal(c *gin.Context) (*goalState, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		detail(c, http.StatusNotFound, "Not found.")
		return nil, false
	}
	gs, ok := s.goals[id]
	if !ok || gs.owner != currentUser(c).Email {
		detail(c, http.StatusNotFound, "Not found.")
		return nil, false
	}
	return gs, true
}

func (s *Server) handleListGoals(c *gin.Context) {
	email := currentUser(c).Email
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Goal, 0)
	for _, gs := range s.goals {
		if gs.owner == email {
			out = append(out, gs.goal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateGoal(c *gin.Context) {
	var in api.GoalInput
	if err := c.ShouldBindJSON(&in); err != nil {
		detail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		fieldError(c, "title", "This field may not be blank.")
		return
	}
	if in.Weight == 0 {
		in.Weight = 5
	}
	if in.Weight < 1 || in.Weight > 10 {
		fieldError(c, "weight", "Ensure this value is between 1 and 10.")
		return
	}

	email := currentUser(c).Email
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGoal++
	now := s.now().UTC()
	gs := &goalState{owner: email, goal: api.Goal{
		ID: s.nextGoal, Title: in.Title, Description: in.Description, Weight: in.Weight,
		UserEmail: email, CreatedAt: &now, UpdatedAt: &now,
	}}
	s.goals[gs.goal.ID] = gs
	c.JSON(http.StatusCreated, gs.goal)
}

func (s *Server) handleGetGoal(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gs, ok := s.ownedGoal(c); ok {
		c.JSON(http.StatusOK, gs.goal)
	}
}

func (s *Server) handleUpdateGoal(c *gin.Context) {
	var patch api.GoalPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		detail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.ownedGoal(c)
	if !ok {
		return
	}
	if patch.Title != nil {
		gs.goal.Title = *patch.Title
	}
	if patch.Description != nil {
		gs.goal.Description = *patch.Description
	}
	if patch.Weight != nil {
		if *patch.Weight < 1 || *patch.Weight > 10 {
			fieldError(c, "weight", "Ensure this value is between 1 and 10.")
			return
		}
		gs.goal.Weight = *patch.Weight
	}
	if patch.IsArchived != nil {
		gs.goal.IsArchived = *patch.IsArchived
	}
	now := s.now().UTC()
	gs.goal.UpdatedAt = &now
	c.JSON(http.StatusOK, gs.goal)
}

func (s *Server) handleDeleteGoal(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.ownedGoal(c)
	if !ok {
		return
	}
	delete(s.goals, gs.goal.ID)
	c.Status(http.StatusNoContent)
}
