package training

import (
	"math"
	"time"

	"github.com/p-n-ai/pai-training/internal/content"
)

// AssignmentStatus is the state of a user's assignment to a course.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
)

// ProgressStatus is the state of a user against one content item, and the
// derived state of a user against a whole course.
type ProgressStatus string

const (
	StatusNotStarted ProgressStatus = "not_started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
)

// Valid reports whether s is a known progress status.
func (s ProgressStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// AttemptStatus is the state of a quiz attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptPassed     AttemptStatus = "passed"
	AttemptFailed     AttemptStatus = "failed"
)

// Course is a named bundle of required training content.
type Course struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Department     string    `json:"department,omitempty"`
	Description    string    `json:"description,omitempty"`
	EstimatedHours float64   `json:"estimated_hours"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// CourseItem is one membership row. ContentType holds the stored tag, which
// may be a legacy spelling on old rows.
type CourseItem struct {
	CourseID    int64     `json:"course_id"`
	ContentType string    `json:"content_type"`
	ContentID   int64     `json:"content_id"`
	IsRequired  bool      `json:"is_required"`
	AddedBy     int64     `json:"added_by,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// ItemRef identifies a content item by canonical type and ID.
type ItemRef struct {
	Type content.Type `json:"type"`
	ID   int64        `json:"id"`
}

// Assignment is the fact that a user must complete a course.
type Assignment struct {
	UserID      int64            `json:"user_id"`
	CourseID    int64            `json:"course_id"`
	Status      AssignmentStatus `json:"status"`
	AssignedBy  int64            `json:"assigned_by,omitempty"`
	AssignedAt  time.Time        `json:"assigned_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ProgressRecord is a user's status against one content item. It is keyed
// by content identity and shared by every course containing the item.
type ProgressRecord struct {
	UserID        int64          `json:"user_id"`
	ContentType   string         `json:"content_type"`
	ContentID     int64          `json:"content_id"`
	Status        ProgressStatus `json:"status"`
	QuizScore     *float64       `json:"quiz_score,omitempty"`
	QuizCompleted bool           `json:"quiz_completed"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Quiz is bound to exactly one content item. IsAssigned is false while the
// item is not a member of any course.
type Quiz struct {
	ID               int64     `json:"id"`
	ContentType      string    `json:"content_type"`
	ContentID        int64     `json:"content_id"`
	IsAssigned       bool      `json:"is_assigned"`
	Title            string    `json:"quiz_title"`
	PassingScore     float64   `json:"passing_score"`
	TimeLimitMinutes *int      `json:"time_limit_minutes,omitempty"`
	IsActive         bool      `json:"is_active"`
	AttemptCount     int       `json:"attempt_count"`
	PassCount        int       `json:"pass_count"`
	AverageScore     float64   `json:"average_score"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Question is a gradable quiz question.
type Question struct {
	ID      int64    `json:"id"`
	QuizID  int64    `json:"quiz_id"`
	Points  float64  `json:"points"`
	Choices []Choice `json:"choices"`
}

// Choice is one answer option of a question.
type Choice struct {
	ID        int64 `json:"id"`
	IsCorrect bool  `json:"is_correct"`
}

// Attempt is one append-only quiz attempt.
type Attempt struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	QuizID        int64           `json:"quiz_id"`
	AttemptNumber int             `json:"attempt_number"`
	Score         *float64        `json:"score,omitempty"`
	Status        AttemptStatus   `json:"status"`
	EarnedPoints  *float64        `json:"earned_points,omitempty"`
	TotalPoints   *float64        `json:"total_points,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Answers       []AttemptAnswer `json:"answers,omitempty"`
}

// AttemptAnswer records the choice given for one question.
type AttemptAnswer struct {
	QuestionID int64 `json:"question_id"`
	ChoiceID   int64 `json:"choice_id"`
	IsCorrect  bool  `json:"is_correct"`
}

// Percentage returns the attempt score on a 0–100 scale.
func (a Attempt) Percentage() float64 {
	return ScorePercentage(a.Score, a.EarnedPoints, a.TotalPoints)
}

// ScorePercentage derives a percentage: the explicit score when present,
// otherwise earned/total*100. A missing or zero total yields 0. The result is
// rounded to two decimals for display.
func ScorePercentage(score, earned, total *float64) float64 {
	return math.Round(exactPercentage(score, earned, total)*100) / 100
}

// exactPercentage is ScorePercentage before rounding. Pass decisions use it.
func exactPercentage(score, earned, total *float64) float64 {
	var pct float64
	switch {
	case score != nil:
		pct = *score
	case total == nil || *total <= 0 || earned == nil:
		pct = 0
	default:
		pct = *earned / *total * 100
	}
	return math.Max(0, math.Min(100, pct))
}
