package training

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-training/internal/content"
	"github.com/p-n-ai/pai-training/internal/notify"
)

// UserCourseProgress is one row of a course-level progress view.
type UserCourseProgress struct {
	UserID           int64            `json:"user_id"`
	AssignmentStatus AssignmentStatus `json:"assignment_status"`
	Progress
}

// CourseProgressSummary aggregates progress over every assigned user.
type CourseProgressSummary struct {
	Course         Course               `json:"course"`
	AssignedUsers  int                  `json:"assigned_users"`
	CompletedUsers int                  `json:"completed_users"`
	AveragePercent float64              `json:"average_percent"`
	Users          []UserCourseProgress `json:"users"`
}

// ProgressUpdate records a user's status against one content item.
type ProgressUpdate struct {
	UserID      int64
	ContentType string
	ContentID   int64
	Status      ProgressStatus
}

// ComputeProgress derives the progress of a user in a course. Any failed
// read aborts the computation. An assignment that exists is moved forward to
// match the result; a completed assignment is never touched.
func (e *Engine) ComputeProgress(ctx context.Context, userID, courseID int64) (Progress, error) {
	if err := requirePositive("user_id", userID); err != nil {
		return Progress{}, err
	}
	if err := requirePositive("course_id", courseID); err != nil {
		return Progress{}, err
	}

	cached, stamp, ok, err := e.cache.Get(ctx, userID, courseID)
	if err != nil {
		slog.Warn("progress cache read failed", "user_id", userID, "course_id", courseID, "error", err)
		stamp = ""
	} else if ok {
		return cached, nil
	}

	if _, err := e.store.GetCourse(ctx, courseID); err != nil {
		return Progress{}, err
	}
	items, err := e.store.CourseItems(ctx, courseID)
	if err != nil {
		return Progress{}, fmt.Errorf("load course items: %w", err)
	}
	records, err := e.store.UserProgress(ctx, userID)
	if err != nil {
		return Progress{}, fmt.Errorf("load user progress: %w", err)
	}

	p := Calculate(items, records)

	if err := e.syncAssignment(ctx, userID, courseID, p); err != nil {
		return Progress{}, err
	}
	if stamp != "" {
		if err := e.cache.Set(ctx, stamp, p); err != nil {
			slog.Warn("progress cache write failed", "user_id", userID, "course_id", courseID, "error", err)
		}
	}
	return p, nil
}

// syncAssignment advances the assignment to match p and announces a user
// whose last outstanding course just completed.
func (e *Engine) syncAssignment(ctx context.Context, userID, courseID int64, p Progress) error {
	target := assignmentStatusFor(p.Status)
	if target == AssignmentAssigned {
		return nil
	}
	changed, err := e.store.SetAssignmentStatus(ctx, userID, courseID, target, e.now())
	if err != nil {
		return fmt.Errorf("sync assignment status: %w", err)
	}
	if !changed || target != AssignmentCompleted {
		return nil
	}

	slog.Info("course completed", "user_id", userID, "course_id", courseID)

	assignments, err := e.store.UserAssignments(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user assignments: %w", err)
	}
	for _, a := range assignments {
		if a.Status != AssignmentCompleted {
			return nil
		}
	}

	e.publisher.Publish(ctx, notify.Event{
		Type:     notify.EventTrainingStatusChanged,
		UserID:   userID,
		CourseID: courseID,
		Data: map[string]any{
			"status":           string(StatusCompleted),
			"courses_assigned": len(assignments),
		},
		CreatedAt: e.now(),
	})
	return nil
}

// CourseProgress computes progress for every user assigned to a course.
func (e *Engine) CourseProgress(ctx context.Context, courseID int64) (CourseProgressSummary, error) {
	if err := requirePositive("course_id", courseID); err != nil {
		return CourseProgressSummary{}, err
	}
	course, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return CourseProgressSummary{}, err
	}
	assignments, err := e.store.Assignments(ctx, courseID)
	if err != nil {
		return CourseProgressSummary{}, fmt.Errorf("load assignments: %w", err)
	}

	users := make([]UserCourseProgress, len(assignments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, a := range assignments {
		g.Go(func() error {
			p, err := e.ComputeProgress(gctx, a.UserID, courseID)
			if err != nil {
				return fmt.Errorf("user %d: %w", a.UserID, err)
			}
			status := a.Status
			if status != AssignmentCompleted {
				if s := assignmentStatusFor(p.Status); s != AssignmentAssigned {
					status = s
				}
			}
			users[i] = UserCourseProgress{UserID: a.UserID, AssignmentStatus: status, Progress: p}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CourseProgressSummary{}, err
	}

	sum := CourseProgressSummary{
		Course:        *course,
		AssignedUsers: len(users),
		Users:         users,
	}
	total := 0
	for _, u := range users {
		if u.AssignmentStatus == AssignmentCompleted {
			sum.CompletedUsers++
		}
		total += u.Percent
	}
	if len(users) > 0 {
		sum.AveragePercent = float64(total) / float64(len(users))
	}
	return sum, nil
}

// RecordProgress stores a user's status against a content item. A post with
// an active quiz can only be completed by passing the quiz.
func (e *Engine) RecordProgress(ctx context.Context, u ProgressUpdate) error {
	if err := requirePositive("user_id", u.UserID); err != nil {
		return err
	}
	if err := requirePositive("content_id", u.ContentID); err != nil {
		return err
	}
	t, err := content.Parse(u.ContentType)
	if err != nil {
		return invalid("content_type", err.Error())
	}
	if !u.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", u.Status))
	}

	if u.Status == StatusCompleted && t == content.TypePost {
		if err := e.requirePassedQuiz(ctx, u.UserID, u.ContentID); err != nil {
			return err
		}
	}

	if err := e.store.UpsertProgress(ctx, ProgressRecord{
		UserID:      u.UserID,
		ContentType: string(t),
		ContentID:   u.ContentID,
		Status:      u.Status,
		UpdatedAt:   e.now(),
	}); err != nil {
		return err
	}
	e.refreshUser(ctx, u.UserID)
	return nil
}

func (e *Engine) requirePassedQuiz(ctx context.Context, userID, postID int64) error {
	match, err := e.QuizForContent(ctx, content.TypePost, postID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	attempts, err := e.store.Attempts(ctx, userID, match.Quiz.ID)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	for _, a := range attempts {
		if a.Status == AttemptPassed {
			return nil
		}
	}
	return conflict("post %d requires passing quiz %d", postID, match.Quiz.ID)
}

// refreshUser drops cached progress for a user and recomputes their open
// assignments so status changes and events are not deferred to the next read.
func (e *Engine) refreshUser(ctx context.Context, userID int64) {
	e.invalidateUser(ctx, userID)

	assignments, err := e.store.UserAssignments(ctx, userID)
	if err != nil {
		slog.Warn("assignment refresh failed", "user_id", userID, "error", err)
		return
	}
	for _, a := range assignments {
		if a.Status == AssignmentCompleted {
			continue
		}
		if _, err := e.ComputeProgress(ctx, userID, a.CourseID); err != nil {
			slog.Warn("assignment refresh failed", "user_id", userID, "course_id", a.CourseID, "error", err)
		}
	}
}
