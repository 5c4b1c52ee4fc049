package training

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/p-n-ai/pai-training/internal/content"
)

type assignmentKey struct {
	userID   int64
	courseID int64
}

// MemoryStore is an in-memory implementation of Store. A single mutex makes
// every method atomic.
type MemoryStore struct {
	mu          sync.Mutex
	courses     map[int64]*Course
	items       []CourseItem
	assignments map[assignmentKey]*Assignment
	progress    []ProgressRecord
	quizzes     map[int64]*Quiz
	questions   map[int64]*Question
	attempts    []Attempt
	nextID      int64
}

// NewMemoryStore creates a new in-memory training store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:     make(map[int64]*Course),
		assignments: make(map[assignmentKey]*Assignment),
		quizzes:     make(map[int64]*Quiz),
		questions:   make(map[int64]*Question),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func isType(raw string, t content.Type) bool {
	n, err := content.Normalize(raw)
	return err == nil && n == t
}

func (s *MemoryStore) CreateCourse(_ context.Context, c Course) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.courses[c.ID] = &c
	return c.ID, nil
}

func (s *MemoryStore) GetCourse(_ context.Context, id int64) (*Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.courses[id]
	if !ok {
		return nil, notFound("course", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCourses(_ context.Context) ([]Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Course, 0, len(s.courses))
	for _, c := range s.courses {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteCourse(_ context.Context, courseID int64) (CourseDeletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[courseID]; !ok {
		return CourseDeletion{}, notFound("course", courseID)
	}
	if n := s.assignedCountLocked(courseID); n > 0 {
		return CourseDeletion{}, conflict("%d users still assigned", n)
	}

	var res CourseDeletion
	var kept []CourseItem
	var removed []CourseItem
	for _, it := range s.items {
		if it.CourseID == courseID {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	res.ItemsRemoved = len(removed)

	for _, q := range s.quizzes {
		if !q.IsAssigned {
			continue
		}
		for _, it := range removed {
			if it.ContentID == q.ContentID && content.Same(it.ContentType, q.ContentType) &&
				s.membershipCountLocked(it.ContentType, it.ContentID) == 0 {
				q.IsAssigned = false
				q.UpdatedAt = time.Now()
				res.QuizzesOrphaned++
				break
			}
		}
	}

	delete(s.courses, courseID)
	return res, nil
}

func (s *MemoryStore) CourseItems(_ context.Context, courseID int64) ([]CourseItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CourseItem
	for _, it := range s.items {
		if it.CourseID == courseID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *MemoryStore) AddItems(_ context.Context, courseID int64, items []CourseItem) ([]ItemRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[courseID]; !ok {
		return nil, notFound("course", courseID)
	}

	var added []ItemRef
	for _, it := range items {
		t, err := content.Normalize(it.ContentType)
		if err != nil {
			return nil, invalid("content_type", err.Error())
		}
		if s.hasItemLocked(courseID, t, it.ContentID) {
			continue
		}
		it.CourseID = courseID
		if it.AddedAt.IsZero() {
			it.AddedAt = time.Now()
		}
		s.items = append(s.items, it)
		added = append(added, ItemRef{Type: t, ID: it.ContentID})
	}

	for _, ref := range added {
		if ref.Type != content.TypePost {
			continue
		}
		for _, q := range s.quizzes {
			if q.ContentID == ref.ID && isType(q.ContentType, content.TypePost) && !q.IsAssigned {
				q.IsAssigned = true
				q.UpdatedAt = time.Now()
			}
		}
	}
	return added, nil
}

func (s *MemoryStore) RemovePost(_ context.Context, courseID int64, l Lineage) (PostRemoval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PostRemoval
	if s.deleteItemsLocked(courseID, content.TypePost, l.PostID) == 0 {
		return res, notFound("course item", l.PostID)
	}

	if l.SubcategoryID > 0 && s.countPostsLocked(courseID, l.SubcategoryPosts) == 0 {
		res.SubcategoryRemoved = s.deleteItemsLocked(courseID, content.TypeSubcategory, l.SubcategoryID) > 0
	}
	if l.CategoryID > 0 && s.countPostsLocked(courseID, l.CategoryPosts) == 0 {
		for _, sub := range l.CategorySubcategories {
			if s.deleteItemsLocked(courseID, content.TypeSubcategory, sub) > 0 && sub == l.SubcategoryID {
				res.SubcategoryRemoved = true
			}
		}
		res.CategoryRemoved = s.deleteItemsLocked(courseID, content.TypeCategory, l.CategoryID) > 0
	}

	if s.membershipCountLocked(string(content.TypePost), l.PostID) == 0 {
		for _, q := range s.quizzes {
			if q.ContentID == l.PostID && isType(q.ContentType, content.TypePost) && q.IsAssigned {
				q.IsAssigned = false
				q.UpdatedAt = time.Now()
				res.QuizzesOrphaned++
			}
		}
	}
	return res, nil
}

func (s *MemoryStore) RemoveMarker(_ context.Context, courseID int64, ref ItemRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteItemsLocked(courseID, ref.Type, ref.ID) > 0, nil
}

func (s *MemoryStore) MembershipCount(_ context.Context, ref ItemRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membershipCountLocked(string(ref.Type), ref.ID), nil
}

func (s *MemoryStore) Assignments(_ context.Context, courseID int64) ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Assignment
	for k, a := range s.assignments {
		if k.courseID == courseID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) UserAssignments(_ context.Context, userID int64) ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Assignment
	for k, a := range s.assignments {
		if k.userID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (s *MemoryStore) AssignedCount(_ context.Context, courseID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignedCountLocked(courseID), nil
}

func (s *MemoryStore) ReconcileAssignments(_ context.Context, courseID, assignedBy int64, plan func([]Assignment) AssignmentDiff) (AssignmentDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[courseID]; !ok {
		return AssignmentDiff{}, notFound("course", courseID)
	}

	var current []Assignment
	for k, a := range s.assignments {
		if k.courseID == courseID {
			current = append(current, *a)
		}
	}
	diff := plan(current)

	now := time.Now()
	var applied AssignmentDiff
	for _, uid := range diff.Assigned {
		key := assignmentKey{userID: uid, courseID: courseID}
		if _, exists := s.assignments[key]; exists {
			continue
		}
		s.assignments[key] = &Assignment{
			UserID:     uid,
			CourseID:   courseID,
			Status:     AssignmentAssigned,
			AssignedBy: assignedBy,
			AssignedAt: now,
		}
		applied.Assigned = append(applied.Assigned, uid)
	}
	for _, uid := range diff.Unassigned {
		key := assignmentKey{userID: uid, courseID: courseID}
		a, exists := s.assignments[key]
		if !exists || a.Status == AssignmentCompleted {
			continue
		}
		delete(s.assignments, key)
		applied.Unassigned = append(applied.Unassigned, uid)
	}
	return applied, nil
}

func (s *MemoryStore) SetAssignmentStatus(_ context.Context, userID, courseID int64, status AssignmentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentKey{userID: userID, courseID: courseID}]
	if !ok || a.Status == AssignmentCompleted || a.Status == status {
		return false, nil
	}
	a.Status = status
	if status == AssignmentCompleted {
		a.CompletedAt = &at
	}
	return true, nil
}

func (s *MemoryStore) UserProgress(_ context.Context, userID int64) ([]ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ProgressRecord
	for _, r := range s.progress {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertProgress(_ context.Context, r ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertProgressLocked(r)
}

func (s *MemoryStore) upsertProgressLocked(r ProgressRecord) error {
	t, err := content.Normalize(r.ContentType)
	if err != nil {
		return invalid("content_type", err.Error())
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	for i, existing := range s.progress {
		if existing.UserID == r.UserID && existing.ContentID == r.ContentID && isType(existing.ContentType, t) {
			r.ContentType = existing.ContentType
			if r.QuizScore == nil {
				r.QuizScore = existing.QuizScore
				r.QuizCompleted = r.QuizCompleted || existing.QuizCompleted
			}
			s.progress[i] = r
			return nil
		}
	}
	s.progress = append(s.progress, r)
	return nil
}

func (s *MemoryStore) CreateQuiz(_ context.Context, q Quiz) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := content.Normalize(q.ContentType)
	if err != nil {
		return 0, invalid("content_type", err.Error())
	}
	if q.IsActive {
		for _, existing := range s.quizzes {
			if existing.IsActive && existing.ContentID == q.ContentID && isType(existing.ContentType, t) {
				return 0, conflict("content %s %d already has active quiz %d", t, q.ContentID, existing.ID)
			}
		}
	}

	now := time.Now()
	q.ID = s.id()
	q.IsAssigned = s.membershipCountLocked(q.ContentType, q.ContentID) > 0
	q.CreatedAt = now
	q.UpdatedAt = now
	s.quizzes[q.ID] = &q
	return q.ID, nil
}

func (s *MemoryStore) GetQuiz(_ context.Context, id int64) (*Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quizzes[id]
	if !ok {
		return nil, notFound("quiz", id)
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) QuizzesForContent(_ context.Context, t content.Type, contentID int64) ([]Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Quiz
	for _, q := range s.quizzes {
		if q.ContentID == contentID && isType(q.ContentType, t) {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) OrphanQuizzes(_ context.Context) ([]Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Quiz
	for _, q := range s.quizzes {
		if !q.IsAssigned {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AddQuestion(_ context.Context, q Question) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quizzes[q.QuizID]; !ok {
		return 0, notFound("quiz", q.QuizID)
	}
	q.ID = s.id()
	q.Choices = slices.Clone(q.Choices)
	for i := range q.Choices {
		q.Choices[i].ID = s.id()
	}
	s.questions[q.ID] = &q
	return q.ID, nil
}

func (s *MemoryStore) Questions(_ context.Context, quizID int64) ([]Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Question
	for _, q := range s.questions {
		if q.QuizID == quizID {
			cp := *q
			cp.Choices = slices.Clone(q.Choices)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteQuestion(_ context.Context, questionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.questions[questionID]; !ok {
		return notFound("question", questionID)
	}
	for _, a := range s.attempts {
		for _, ans := range a.Answers {
			if ans.QuestionID == questionID {
				return conflict("question %d has graded answers and cannot be deleted", questionID)
			}
		}
	}
	delete(s.questions, questionID)
	return nil
}

func (s *MemoryStore) StartAttempt(_ context.Context, userID, quizID int64, at time.Time) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quizzes[quizID]; !ok {
		return Attempt{}, notFound("quiz", quizID)
	}
	if i := s.openAttemptLocked(userID, quizID); i >= 0 {
		return s.attempts[i], nil
	}
	a := Attempt{
		ID:            s.id(),
		UserID:        userID,
		QuizID:        quizID,
		AttemptNumber: s.lastAttemptNumberLocked(userID, quizID) + 1,
		Status:        AttemptInProgress,
		StartedAt:     at,
	}
	s.attempts = append(s.attempts, a)
	return a, nil
}

func (s *MemoryStore) SubmitAttempt(_ context.Context, userID, quizID int64, finish func(open *Attempt) (Attempt, *ProgressRecord)) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quizzes[quizID]; !ok {
		return Attempt{}, notFound("quiz", quizID)
	}

	idx := s.openAttemptLocked(userID, quizID)
	var (
		done     Attempt
		progress *ProgressRecord
	)
	if idx >= 0 {
		open := s.attempts[idx]
		done, progress = finish(&open)
		done.ID = open.ID
		done.AttemptNumber = open.AttemptNumber
	} else {
		done, progress = finish(nil)
		done.AttemptNumber = s.lastAttemptNumberLocked(userID, quizID) + 1
	}
	done.UserID = userID
	done.QuizID = quizID

	// The progress write goes first; nothing is stored if it fails.
	if progress != nil {
		if err := s.upsertProgressLocked(*progress); err != nil {
			return Attempt{}, err
		}
	}
	if idx >= 0 {
		s.attempts[idx] = done
	} else {
		done.ID = s.id()
		s.attempts = append(s.attempts, done)
	}
	return done, nil
}

func (s *MemoryStore) Attempts(_ context.Context, userID, quizID int64) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Attempt
	for _, a := range s.attempts {
		if a.UserID == userID && a.QuizID == quizID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *MemoryStore) RecomputeQuizStats(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		attempts, passes int
		sum              float64
	}
	stats := make(map[int64]*agg)
	for _, a := range s.attempts {
		if a.Status == AttemptInProgress {
			continue
		}
		st, ok := stats[a.QuizID]
		if !ok {
			st = &agg{}
			stats[a.QuizID] = st
		}
		st.attempts++
		if a.Status == AttemptPassed {
			st.passes++
		}
		st.sum += a.Percentage()
	}

	for id, q := range s.quizzes {
		q.AttemptCount, q.PassCount, q.AverageScore = 0, 0, 0
		if st, ok := stats[id]; ok {
			q.AttemptCount = st.attempts
			q.PassCount = st.passes
			q.AverageScore = st.sum / float64(st.attempts)
		}
	}
	return len(s.quizzes), nil
}

func (s *MemoryStore) hasItemLocked(courseID int64, t content.Type, id int64) bool {
	for _, it := range s.items {
		if it.CourseID == courseID && it.ContentID == id && isType(it.ContentType, t) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) deleteItemsLocked(courseID int64, t content.Type, id int64) int {
	n := 0
	kept := s.items[:0]
	for _, it := range s.items {
		if it.CourseID == courseID && it.ContentID == id && isType(it.ContentType, t) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return n
}

func (s *MemoryStore) countPostsLocked(courseID int64, postIDs []int64) int {
	n := 0
	for _, it := range s.items {
		if it.CourseID == courseID && isType(it.ContentType, content.TypePost) && slices.Contains(postIDs, it.ContentID) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) membershipCountLocked(rawType string, id int64) int {
	t, err := content.Normalize(rawType)
	if err != nil {
		return 0
	}
	courses := make(map[int64]struct{})
	for _, it := range s.items {
		if it.ContentID == id && isType(it.ContentType, t) {
			courses[it.CourseID] = struct{}{}
		}
	}
	return len(courses)
}

func (s *MemoryStore) assignedCountLocked(courseID int64) int {
	n := 0
	for k := range s.assignments {
		if k.courseID == courseID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) openAttemptLocked(userID, quizID int64) int {
	for i, a := range s.attempts {
		if a.UserID == userID && a.QuizID == quizID && a.Status == AttemptInProgress {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) lastAttemptNumberLocked(userID, quizID int64) int {
	last := 0
	for _, a := range s.attempts {
		if a.UserID == userID && a.QuizID == quizID && a.AttemptNumber > last {
			last = a.AttemptNumber
		}
	}
	return last
}
