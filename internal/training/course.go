package training

import (
	"context"
	"log/slog"
	"strings"
)

// CreateCourse validates and stores a new course.
func (e *Engine) CreateCourse(ctx context.Context, c Course) (*Course, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, invalid("name", "must not be empty")
	}
	if c.EstimatedHours < 0 {
		return nil, invalid("estimated_hours", "must not be negative")
	}
	c.CreatedAt = e.now()

	id, err := e.store.CreateCourse(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	slog.Info("course created", "course_id", id, "name", c.Name)
	return &c, nil
}

// GetCourse returns a course by ID.
func (e *Engine) GetCourse(ctx context.Context, courseID int64) (*Course, error) {
	if err := requirePositive("course_id", courseID); err != nil {
		return nil, err
	}
	return e.store.GetCourse(ctx, courseID)
}

// ListCourses returns every course ordered by ID.
func (e *Engine) ListCourses(ctx context.Context) ([]Course, error) {
	return e.store.ListCourses(ctx)
}

// Items returns the membership rows of a course.
func (e *Engine) Items(ctx context.Context, courseID int64) ([]CourseItem, error) {
	if _, err := e.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	return e.store.CourseItems(ctx, courseID)
}

// DeleteCourse removes a course that nobody is assigned to. Quizzes attached
// to its content are orphaned, never deleted.
func (e *Engine) DeleteCourse(ctx context.Context, courseID int64) (CourseDeletion, error) {
	if err := requirePositive("course_id", courseID); err != nil {
		return CourseDeletion{}, err
	}
	if _, err := e.store.GetCourse(ctx, courseID); err != nil {
		return CourseDeletion{}, err
	}

	// Fail fast without opening a transaction; the store rechecks under lock.
	n, err := e.store.AssignedCount(ctx, courseID)
	if err != nil {
		return CourseDeletion{}, err
	}
	if n > 0 {
		return CourseDeletion{}, conflict("%d users still assigned", n)
	}

	res, err := e.store.DeleteCourse(ctx, courseID)
	if err != nil {
		slog.Error("course deletion failed", "course_id", courseID, "error", err)
		return CourseDeletion{}, err
	}
	e.invalidateCourse(ctx, courseID)

	slog.Info("course deleted",
		"course_id", courseID,
		"items_removed", res.ItemsRemoved,
		"quizzes_orphaned", res.QuizzesOrphaned,
	)
	return res, nil
}

func (e *Engine) invalidateCourse(ctx context.Context, courseID int64) {
	if err := e.cache.InvalidateCourse(ctx, courseID); err != nil {
		slog.Warn("progress cache invalidation failed", "course_id", courseID, "error", err)
	}
}

func (e *Engine) invalidateUser(ctx context.Context, userID int64) {
	if err := e.cache.InvalidateUser(ctx, userID); err != nil {
		slog.Warn("progress cache invalidation failed", "user_id", userID, "error", err)
	}
}
