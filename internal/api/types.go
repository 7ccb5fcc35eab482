package api

import (
	"strconv"
	"time"

	"github.com/tfshome/tfsctl/internal/analysis"
)

// User is the authenticated account as returned by /auth/user/.
type User struct {
	ID        int64  `json:"id,omitempty"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// Tokens is the login/register response body.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    *User  `json:"user,omitempty"`
}

// Registration is the body of POST /auth/register/.
type Registration struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Password2 string `json:"password2"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Timezone  string `json:"timezone,omitempty"`
}

// Quadrant is the Eisenhower quadrant assigned by scoring.
type Quadrant string

const (
	QuadrantDoFirst  Quadrant = "Q1"
	QuadrantSchedule Quadrant = "Q2"
	QuadrantDelegate Quadrant = "Q3"
	QuadrantDrop     Quadrant = "Q4"
)

// Label is the human name of the quadrant.
func (q Quadrant) Label() string {
	switch q {
	case QuadrantDoFirst:
		return "do first"
	case QuadrantSchedule:
		return "schedule"
	case QuadrantDelegate:
		return "delegate"
	case QuadrantDrop:
		return "eliminate"
	default:
		return ""
	}
}

// Task is a user task including its AI scoring fields. The scoring fields are
// nil until analysis completes.
type Task struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Goal           *int64     `json:"goal,omitempty"`
	DueDate        string     `json:"due_date,omitempty"`
	EffortEstimate int        `json:"effort_estimate,omitempty"`
	IsCompleted    bool       `json:"is_completed"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`

	IsPrioritized   bool     `json:"is_prioritized"`
	PriorityScore   *float64 `json:"priority_score,omitempty"`
	ImportanceScore *float64 `json:"importance_score,omitempty"`
	UrgencyScore    *float64 `json:"urgency_score,omitempty"`
	Quadrant        Quadrant `json:"quadrant,omitempty"`
	AIReasoning     string   `json:"ai_reasoning,omitempty"`
	AnalysisStatus  string   `json:"analysis_status,omitempty"`
	AnalysisError   string   `json:"analysis_error,omitempty"`
	AsyncStatusID   string   `json:"async_status_id,omitempty"`
}

// Key is the task id as used by the poller.
func (t *Task) Key() string {
	return strconv.FormatInt(t.ID, 10)
}

// Analysis interprets the task's scoring fields.
func (t *Task) Analysis() analysis.Observation {
	return analysis.Observe(t.IsPrioritized, t.AnalysisStatus, t.AnalysisError)
}

// TaskInput is the writable subset of Task for create.
type TaskInput struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Goal           *int64 `json:"goal,omitempty"`
	DueDate        string `json:"due_date,omitempty"`
	EffortEstimate int    `json:"effort_estimate,omitempty"`
}

// TaskPatch is a partial update; nil fields are left unchanged.
type TaskPatch struct {
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	Goal           *int64  `json:"goal,omitempty"`
	DueDate        *string `json:"due_date,omitempty"`
	EffortEstimate *int    `json:"effort_estimate,omitempty"`
	IsCompleted    *bool   `json:"is_completed,omitempty"`
}

// Goal is a strategic goal whose weight feeds task scoring.
type Goal struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Weight      int        `json:"weight"`
	IsArchived  bool       `json:"is_archived"`
	UserEmail   string     `json:"user_email,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// GoalInput is the writable subset of Goal.
type GoalInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Weight      int    `json:"weight,omitempty"`
}

// GoalPatch is a partial goal update.
type GoalPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Weight      *int    `json:"weight,omitempty"`
	IsArchived  *bool   `json:"is_archived,omitempty"`
}
