package training_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/p-n-ai/pai-training/internal/notify"
	"github.com/p-n-ai/pai-training/internal/training"
)

func (f *fixture) complete(t *testing.T, userID int64, postIDs ...int64) {
	t.Helper()
	for _, id := range postIDs {
		err := f.engine.RecordProgress(context.Background(), training.ProgressUpdate{
			UserID: userID, ContentType: "post", ContentID: id, Status: training.StatusCompleted,
		})
		if err != nil {
			t.Fatalf("RecordProgress(post %d) error = %v", id, err)
		}
	}
}

func (f *fixture) assignment(t *testing.T, userID, courseID int64) training.Assignment {
	t.Helper()
	all, err := f.store.UserAssignments(context.Background(), userID)
	if err != nil {
		t.Fatalf("UserAssignments() error = %v", err)
	}
	for _, a := range all {
		if a.CourseID == courseID {
			return a
		}
	}
	t.Fatalf("user %d has no assignment to course %d", userID, courseID)
	return training.Assignment{}
}

func TestComputeProgress_TwoOfThree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Onboarding")
	f.addPosts(t, courseID, 101, 102, 111)
	if _, err := f.engine.Reconcile(ctx, courseID, []int64{1}, 9); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	f.complete(t, 1, 101, 102)

	got, err := f.engine.ComputeProgress(ctx, 1, courseID)
	if err != nil {
		t.Fatalf("ComputeProgress() error = %v", err)
	}
	want := training.Progress{Total: 3, Completed: 2, Percent: 67, Status: training.StatusInProgress}
	if got != want {
		t.Errorf("ComputeProgress() = %+v, want %+v", got, want)
	}
	if a := f.assignment(t, 1, courseID); a.Status != training.AssignmentInProgress {
		t.Errorf("assignment status = %s, want in_progress", a.Status)
	}
}

func TestComputeProgress_UnassignedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Open")
	f.addPosts(t, courseID, 101)
	f.complete(t, 42, 101)

	got, err := f.engine.ComputeProgress(ctx, 42, courseID)
	if err != nil {
		t.Fatalf("ComputeProgress() error = %v", err)
	}
	if got.Status != training.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if all, _ := f.store.UserAssignments(ctx, 42); len(all) != 0 {
		t.Errorf("assignments = %+v, want none created", all)
	}
	if _, err := f.engine.ComputeProgress(ctx, 42, 999); !training.IsNotFound(err) {
		t.Errorf("ComputeProgress(unknown course) error = %v, want not found", err)
	}
}

func TestCompletion_EmitsEventOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.course(t, "First")
	second := f.course(t, "Second")
	f.addPosts(t, first, 101)
	f.addPosts(t, second, 201)
	for _, c := range []int64{first, second} {
		if _, err := f.engine.Reconcile(ctx, c, []int64{3}, 9); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
	}

	f.complete(t, 3, 101)
	if a := f.assignment(t, 3, first); a.Status != training.AssignmentCompleted || a.CompletedAt == nil {
		t.Errorf("first assignment = %+v, want completed", a)
	}
	if n := len(f.events.Events()); n != 0 {
		t.Fatalf("events = %d while a course is outstanding, want 0", n)
	}

	f.complete(t, 3, 201)
	for i := 0; i < 3; i++ {
		if _, err := f.engine.ComputeProgress(ctx, 3, second); err != nil {
			t.Fatalf("ComputeProgress() error = %v", err)
		}
	}

	events := f.events.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(events))
	}
	e := events[0]
	if e.Type != notify.EventTrainingStatusChanged || e.UserID != 3 || e.CourseID != second {
		t.Errorf("event = %+v", e)
	}
	if e.Data["courses_assigned"] != 2 {
		t.Errorf("courses_assigned = %v, want 2", e.Data["courses_assigned"])
	}
}

func TestCompletedAssignment_NeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Frozen")
	f.addPosts(t, courseID, 101)
	if _, err := f.engine.Reconcile(ctx, courseID, []int64{5}, 9); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	f.complete(t, 5, 101)

	// New required content lowers the percentage but not the assignment.
	f.addPosts(t, courseID, 102)
	got, err := f.engine.ComputeProgress(ctx, 5, courseID)
	if err != nil {
		t.Fatalf("ComputeProgress() error = %v", err)
	}
	if got.Percent != 50 {
		t.Errorf("Percent = %d, want 50", got.Percent)
	}
	if a := f.assignment(t, 5, courseID); a.Status != training.AssignmentCompleted {
		t.Errorf("assignment status = %s, want completed", a.Status)
	}
}

func TestRecordProgress_RequiresPassedQuiz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Gated")
	f.addPosts(t, courseID, 101)
	if _, err := f.engine.Reconcile(ctx, courseID, []int64{2}, 9); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	quiz := attachQuiz(t, f, 101, 80)

	err := f.engine.RecordProgress(ctx, training.ProgressUpdate{
		UserID: 2, ContentType: "post", ContentID: 101, Status: training.StatusCompleted,
	})
	if !training.IsConflict(err) {
		t.Fatalf("RecordProgress(completed, quiz not passed) error = %v, want conflict", err)
	}
	if err := f.engine.RecordProgress(ctx, training.ProgressUpdate{
		UserID: 2, ContentType: "post", ContentID: 101, Status: training.StatusInProgress,
	}); err != nil {
		t.Fatalf("RecordProgress(in_progress) error = %v", err)
	}

	submitPoints(t, f, 2, quiz.ID, 5, 10)
	if a := f.assignment(t, 2, courseID); a.Status != training.AssignmentInProgress {
		t.Errorf("assignment status = %s after failed attempt, want in_progress", a.Status)
	}

	submitPoints(t, f, 2, quiz.ID, 9, 10)
	if a := f.assignment(t, 2, courseID); a.Status != training.AssignmentCompleted {
		t.Errorf("assignment status = %s after passing, want completed", a.Status)
	}

	records, err := f.store.UserProgress(ctx, 2)
	if err != nil {
		t.Fatalf("UserProgress() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %+v, want one shared record", records)
	}
	r := records[0]
	if r.Status != training.StatusCompleted || !r.QuizCompleted || r.QuizScore == nil || *r.QuizScore != 90 {
		t.Errorf("record = %+v, want completed with quiz score 90", r)
	}

	if err := f.engine.RecordProgress(ctx, training.ProgressUpdate{
		UserID: 2, ContentType: "post", ContentID: 101, Status: training.StatusCompleted,
	}); err != nil {
		t.Errorf("RecordProgress(completed, quiz passed) error = %v", err)
	}
}

func TestRecordProgress_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		u    training.ProgressUpdate
	}{
		{name: "legacy type", u: training.ProgressUpdate{UserID: 1, ContentType: "posts", ContentID: 1, Status: training.StatusCompleted}},
		{name: "unknown status", u: training.ProgressUpdate{UserID: 1, ContentType: "post", ContentID: 1, Status: "done"}},
		{name: "missing user", u: training.ProgressUpdate{ContentType: "post", ContentID: 1, Status: training.StatusCompleted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.engine.RecordProgress(ctx, tt.u); !training.IsValidation(err) {
				t.Errorf("RecordProgress() error = %v, want validation error", err)
			}
		})
	}
}

func TestCourseProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Team")
	f.addPosts(t, courseID, 101, 102)
	if _, err := f.engine.Reconcile(ctx, courseID, []int64{1, 2, 3}, 9); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	f.complete(t, 1, 101, 102)
	f.complete(t, 2, 101)

	sum, err := f.engine.CourseProgress(ctx, courseID)
	if err != nil {
		t.Fatalf("CourseProgress() error = %v", err)
	}
	if sum.AssignedUsers != 3 || sum.CompletedUsers != 1 {
		t.Errorf("assigned/completed = %d/%d, want 3/1", sum.AssignedUsers, sum.CompletedUsers)
	}
	if sum.AveragePercent != 50 {
		t.Errorf("AveragePercent = %v, want 50", sum.AveragePercent)
	}

	statuses := map[int64]training.AssignmentStatus{}
	for _, u := range sum.Users {
		statuses[u.UserID] = u.AssignmentStatus
	}
	want := map[int64]training.AssignmentStatus{
		1: training.AssignmentCompleted,
		2: training.AssignmentInProgress,
		3: training.AssignmentAssigned,
	}
	for uid, s := range want {
		if statuses[uid] != s {
			t.Errorf("user %d status = %s, want %s", uid, statuses[uid], s)
		}
	}
}

// countingCache is a ProgressCache keyed by generation counters, like the
// redis implementation.
type countingCache struct {
	mu      sync.Mutex
	entries map[string]training.Progress
	users   map[int64]int
	courses map[int64]int
	hits    int
}

func newCountingCache() *countingCache {
	return &countingCache{
		entries: map[string]training.Progress{},
		users:   map[int64]int{},
		courses: map[int64]int{},
	}
}

func (c *countingCache) key(userID, courseID int64) string {
	return fmt.Sprintf("%d:%d:%d:%d", userID, courseID, c.users[userID], c.courses[courseID])
}

func (c *countingCache) Get(_ context.Context, userID, courseID int64) (training.Progress, string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(userID, courseID)
	p, ok := c.entries[k]
	if ok {
		c.hits++
	}
	return p, k, ok, nil
}

func (c *countingCache) Set(_ context.Context, stamp string, p training.Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[stamp] = p
	return nil
}

func (c *countingCache) InvalidateUser(_ context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[userID]++
	return nil
}

func (c *countingCache) InvalidateCourse(_ context.Context, courseID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.courses[courseID]++
	return nil
}

func TestComputeProgress_Cache(t *testing.T) {
	cache := newCountingCache()
	store := training.NewMemoryStore()
	engine := training.NewEngine(training.EngineConfig{Store: store, Cache: cache})
	ctx := context.Background()

	c, err := engine.CreateCourse(ctx, training.Course{Name: "Cached"})
	if err != nil {
		t.Fatalf("CreateCourse() error = %v", err)
	}
	if _, err := store.AddItems(ctx, c.ID, posts(1, 2)); err != nil {
		t.Fatalf("AddItems() error = %v", err)
	}

	first, _ := engine.ComputeProgress(ctx, 1, c.ID)
	second, _ := engine.ComputeProgress(ctx, 1, c.ID)
	if cache.hits != 1 || first != second {
		t.Fatalf("hits = %d, want second read served from cache", cache.hits)
	}

	if err := engine.RecordProgress(ctx, training.ProgressUpdate{
		UserID: 1, ContentType: "post", ContentID: 1, Status: training.StatusCompleted,
	}); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	got, _ := engine.ComputeProgress(ctx, 1, c.ID)
	if got.Completed != 1 {
		t.Errorf("Completed = %d after invalidation, want 1", got.Completed)
	}

	if _, err := engine.AddItem(ctx, c.ID, "post", 3, 0); err != nil {
		t.Fatalf("AddItem() error = %v", err)
	}
	got, _ = engine.ComputeProgress(ctx, 1, c.ID)
	if got.Total != 3 {
		t.Errorf("Total = %d after content change, want 3", got.Total)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Reconciled")

	if _, err := f.engine.Reconcile(ctx, courseID, []int64{2, 3}, 9); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	before := f.assignment(t, 2, courseID)

	res, err := f.engine.Reconcile(ctx, courseID, []int64{1, 2}, 9)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !slices.Equal(res.Assigned, []int64{1}) || !slices.Equal(res.Unassigned, []int64{3}) {
		t.Errorf("Reconcile() = %+v, want assigned [1] unassigned [3]", res)
	}
	if res.Message() != "assigned to 1, unassigned from 1" {
		t.Errorf("Message() = %q", res.Message())
	}
	if after := f.assignment(t, 2, courseID); after != before {
		t.Errorf("user 2 assignment changed: %+v -> %+v", before, after)
	}

	again, err := f.engine.Reconcile(ctx, courseID, []int64{2, 1, 2}, 9)
	if err != nil {
		t.Fatalf("Reconcile() again error = %v", err)
	}
	if len(again.Assigned) != 0 || len(again.Unassigned) != 0 || again.Message() != "no changes" {
		t.Errorf("Reconcile() again = %+v, want no changes", again)
	}
}

func TestReconcile_KeepsCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Done")
	f.addPosts(t, courseID, 101)
	if _, err := f.engine.Reconcile(ctx, courseID, []int64{1, 2}, 9); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	f.complete(t, 1, 101)

	res, err := f.engine.Reconcile(ctx, courseID, nil, 9)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !slices.Equal(res.Unassigned, []int64{2}) {
		t.Errorf("Unassigned = %v, want [2]", res.Unassigned)
	}
	if a := f.assignment(t, 1, courseID); a.Status != training.AssignmentCompleted {
		t.Errorf("completed assignment = %+v, want kept", a)
	}

	res, err = f.engine.Reconcile(ctx, courseID, []int64{1}, 9)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Assigned) != 0 {
		t.Errorf("Assigned = %v, want completed user not reassigned", res.Assigned)
	}

	if _, err := f.engine.Reconcile(ctx, courseID, []int64{-1}, 9); !training.IsValidation(err) {
		t.Errorf("Reconcile(bad user) error = %v, want validation error", err)
	}
	if _, err := f.engine.Reconcile(ctx, 999, []int64{1}, 9); !training.IsNotFound(err) {
		t.Errorf("Reconcile(unknown course) error = %v, want not found", err)
	}
}
