package training

import (
	"context"
	"time"

	"github.com/p-n-ai/pai-training/internal/content"
)

// Lineage carries the catalog hierarchy around a post so a store can run the
// removal cascade inside one transaction without knowing the catalog.
type Lineage struct {
	PostID                int64
	SubcategoryID         int64
	CategoryID            int64
	SubcategoryPosts      []int64 // every post under SubcategoryID
	CategoryPosts         []int64 // every post under CategoryID
	CategorySubcategories []int64 // every subcategory under CategoryID
}

// PostRemoval reports what a post removal cascaded into.
type PostRemoval struct {
	SubcategoryRemoved bool `json:"subcategory_removed"`
	CategoryRemoved    bool `json:"category_removed"`
	QuizzesOrphaned    int  `json:"quizzes_orphaned"`
}

// CourseDeletion reports what a course deletion removed.
type CourseDeletion struct {
	ItemsRemoved    int `json:"items_removed"`
	QuizzesOrphaned int `json:"quizzes_orphaned"`
}

// AssignmentDiff is the minimal change applied by a reconciliation.
type AssignmentDiff struct {
	Assigned   []int64 `json:"assigned"`
	Unassigned []int64 `json:"unassigned"`
}

// Store persists courses, membership, assignments, progress and quizzes.
// Every method is one atomic unit: multi-statement methods either apply
// completely or not at all.
type Store interface {
	CreateCourse(ctx context.Context, c Course) (int64, error)
	GetCourse(ctx context.Context, id int64) (*Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	// DeleteCourse orphans the quizzes of content that is in no other course,
	// deletes the membership rows and the course. It refuses with a
	// ConflictError if any assignment row still exists.
	DeleteCourse(ctx context.Context, courseID int64) (CourseDeletion, error)

	CourseItems(ctx context.Context, courseID int64) ([]CourseItem, error)
	// AddItems inserts each item unless an equivalent row (same normalized
	// type and ID) exists, and returns the refs that were inserted. Adding a
	// post marks its quizzes as assigned.
	AddItems(ctx context.Context, courseID int64, items []CourseItem) ([]ItemRef, error)
	// RemovePost deletes the post row and any parent marker rows left with
	// no descendant posts in the course, then orphans the post's quizzes if
	// no course contains it anymore.
	RemovePost(ctx context.Context, courseID int64, lineage Lineage) (PostRemoval, error)
	// RemoveMarker hard-deletes a category or subcategory row without cascade.
	RemoveMarker(ctx context.Context, courseID int64, ref ItemRef) (bool, error)
	// MembershipCount counts the courses containing an item.
	MembershipCount(ctx context.Context, ref ItemRef) (int, error)

	Assignments(ctx context.Context, courseID int64) ([]Assignment, error)
	UserAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	AssignedCount(ctx context.Context, courseID int64) (int, error)
	// ReconcileAssignments loads the course's assignments, asks plan for the
	// diff and applies it, serialized per course. Completed rows are never
	// deleted.
	ReconcileAssignments(ctx context.Context, courseID, assignedBy int64, plan func([]Assignment) AssignmentDiff) (AssignmentDiff, error)
	// SetAssignmentStatus updates an active assignment. Completed rows are
	// left untouched and reported as unchanged.
	SetAssignmentStatus(ctx context.Context, userID, courseID int64, status AssignmentStatus, at time.Time) (bool, error)

	UserProgress(ctx context.Context, userID int64) ([]ProgressRecord, error)
	UpsertProgress(ctx context.Context, r ProgressRecord) error

	// CreateQuiz inserts a quiz, refusing a second active quiz on the same
	// content, and derives IsAssigned from current membership.
	CreateQuiz(ctx context.Context, q Quiz) (int64, error)
	GetQuiz(ctx context.Context, id int64) (*Quiz, error)
	QuizzesForContent(ctx context.Context, t content.Type, contentID int64) ([]Quiz, error)
	OrphanQuizzes(ctx context.Context) ([]Quiz, error)
	AddQuestion(ctx context.Context, q Question) (int64, error)
	Questions(ctx context.Context, quizID int64) ([]Question, error)
	// DeleteQuestion refuses with a ConflictError once any attempt answered it.
	DeleteQuestion(ctx context.Context, questionID int64) error
	// StartAttempt returns the open attempt for (user, quiz), creating one
	// with the next attempt number if none is open.
	StartAttempt(ctx context.Context, userID, quizID int64, at time.Time) (Attempt, error)
	// SubmitAttempt finalizes the open attempt, or appends a new one numbered
	// max+1, with the fields returned by finish. A progress record returned
	// by finish is upserted in the same transaction. Finished attempts are
	// never modified.
	SubmitAttempt(ctx context.Context, userID, quizID int64, finish func(open *Attempt) (Attempt, *ProgressRecord)) (Attempt, error)
	Attempts(ctx context.Context, userID, quizID int64) ([]Attempt, error)
	// RecomputeQuizStats rewrites attempt_count, pass_count and average_score
	// for every quiz and returns the number of quizzes updated.
	RecomputeQuizStats(ctx context.Context) (int, error)
}
