package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-training/internal/content"
	"github.com/p-n-ai/pai-training/internal/platform/database"
)

const dbTimeout = 5 * time.Second

// matchType is the SQL predicate for "stored tag normalizes to $n".
const matchType = `lower(trim(content_type)) = ANY(%s)`

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed training store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func typeIs(param string) string {
	return fmt.Sprintf(matchType, param)
}

// tx runs fn in a transaction bounded by dbTimeout. fn must use the context
// it is given.
func (s *PostgresStore) tx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	err := database.InTx(ctx, s.pool, func(tx pgx.Tx) error { return fn(ctx, tx) })
	if err == nil {
		return nil
	}
	var (
		nf *NotFoundError
		cf *ConflictError
		vf *ValidationError
	)
	if errors.As(err, &nf) || errors.As(err, &cf) || errors.As(err, &vf) {
		return err
	}
	return &ConsistencyError{Op: op, Err: err}
}

func (s *PostgresStore) CreateCourse(ctx context.Context, c Course) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO courses (name, department, description, estimated_hours, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		c.Name, c.Department, c.Description, c.EstimatedHours, c.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create course: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, id int64) (*Course, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	c := &Course{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, department, description, estimated_hours, is_active, created_at
		 FROM courses WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.Department, &c.Description, &c.EstimatedHours, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("course", id)
		}
		return nil, fmt.Errorf("get course: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCourses(ctx context.Context) ([]Course, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, department, description, estimated_hours, is_active, created_at
		 FROM courses ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var out []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Name, &c.Department, &c.Description, &c.EstimatedHours, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate courses: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteCourse(ctx context.Context, courseID int64) (CourseDeletion, error) {
	var res CourseDeletion
	err := s.tx(ctx, "delete course", func(ctx context.Context, tx pgx.Tx) error {
		if err := database.AdvisoryXactLock(ctx, tx, "course_assignments", courseID); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1 FOR UPDATE)`, courseID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("lock course: %w", err)
		}
		if !exists {
			return notFound("course", courseID)
		}

		var assigned int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM user_courses WHERE course_id = $1`, courseID,
		).Scan(&assigned); err != nil {
			return fmt.Errorf("count assignments: %w", err)
		}
		if assigned > 0 {
			return conflict("%d users still assigned", assigned)
		}

		// Orphan quizzes whose content is in this course and no other.
		cmd, err := tx.Exec(ctx,
			`UPDATE quizzes q
			 SET is_assigned = FALSE, updated_at = NOW()
			 WHERE q.is_assigned
			   AND EXISTS (
			     SELECT 1 FROM course_content cc
			     WHERE cc.course_id = $1
			       AND cc.content_id = q.content_id
			       AND `+normalizedSQL("cc.content_type")+` = `+normalizedSQL("q.content_type")+`)
			   AND NOT EXISTS (
			     SELECT 1 FROM course_content cc
			     WHERE cc.course_id <> $1
			       AND cc.content_id = q.content_id
			       AND `+normalizedSQL("cc.content_type")+` = `+normalizedSQL("q.content_type")+`)`,
			courseID,
		)
		if err != nil {
			return fmt.Errorf("orphan quizzes: %w", err)
		}
		res.QuizzesOrphaned = int(cmd.RowsAffected())

		cmd, err = tx.Exec(ctx, `DELETE FROM course_content WHERE course_id = $1`, courseID)
		if err != nil {
			return fmt.Errorf("delete course content: %w", err)
		}
		res.ItemsRemoved = int(cmd.RowsAffected())

		if _, err := tx.Exec(ctx, `DELETE FROM courses WHERE id = $1`, courseID); err != nil {
			return fmt.Errorf("delete course row: %w", err)
		}
		return nil
	})
	if err != nil {
		return CourseDeletion{}, err
	}
	return res, nil
}

func (s *PostgresStore) CourseItems(ctx context.Context, courseID int64) ([]CourseItem, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT course_id, content_type, content_id, is_required, added_by, added_at
		 FROM course_content
		 WHERE course_id = $1
		 ORDER BY added_at, content_id`,
		courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query course content: %w", err)
	}
	defer rows.Close()

	var out []CourseItem
	for rows.Next() {
		var it CourseItem
		var addedBy *int64
		if err := rows.Scan(&it.CourseID, &it.ContentType, &it.ContentID, &it.IsRequired, &addedBy, &it.AddedAt); err != nil {
			return nil, fmt.Errorf("scan course content: %w", err)
		}
		if addedBy != nil {
			it.AddedBy = *addedBy
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate course content: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddItems(ctx context.Context, courseID int64, items []CourseItem) ([]ItemRef, error) {
	var added []ItemRef
	err := s.tx(ctx, "add course content", func(ctx context.Context, tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1)`, courseID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("lookup course: %w", err)
		}
		if !exists {
			return notFound("course", courseID)
		}

		for _, it := range items {
			t, err := content.Normalize(it.ContentType)
			if err != nil {
				return invalid("content_type", err.Error())
			}
			cmd, err := tx.Exec(ctx,
				`INSERT INTO course_content (course_id, content_type, content_id, is_required, added_by)
				 SELECT $1, $2, $3, $4, $5
				 WHERE NOT EXISTS (
				   SELECT 1 FROM course_content
				   WHERE course_id = $1 AND content_id = $3 AND `+typeIs("$6")+`)
				 ON CONFLICT DO NOTHING`,
				courseID, it.ContentType, it.ContentID, it.IsRequired, nullIfZero(it.AddedBy), content.Aliases(t),
			)
			if err != nil {
				return fmt.Errorf("insert course content: %w", err)
			}
			if cmd.RowsAffected() == 0 {
				continue
			}
			added = append(added, ItemRef{Type: t, ID: it.ContentID})

			if t == content.TypePost {
				if _, err := tx.Exec(ctx,
					`UPDATE quizzes SET is_assigned = TRUE, updated_at = NOW()
					 WHERE content_id = $1 AND NOT is_assigned AND `+typeIs("$2"),
					it.ContentID, content.Aliases(content.TypePost),
				); err != nil {
					return fmt.Errorf("reattach quizzes: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (s *PostgresStore) RemovePost(ctx context.Context, courseID int64, l Lineage) (PostRemoval, error) {
	var res PostRemoval
	postAliases := content.Aliases(content.TypePost)
	subAliases := content.Aliases(content.TypeSubcategory)

	err := s.tx(ctx, "remove course content", func(ctx context.Context, tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`DELETE FROM course_content
			 WHERE course_id = $1 AND content_id = $2 AND `+typeIs("$3"),
			courseID, l.PostID, postAliases,
		)
		if err != nil {
			return fmt.Errorf("delete post row: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return notFound("course item", l.PostID)
		}

		if l.SubcategoryID > 0 {
			remaining, err := countPosts(ctx, tx, courseID, l.SubcategoryPosts)
			if err != nil {
				return err
			}
			if remaining == 0 {
				cmd, err := tx.Exec(ctx,
					`DELETE FROM course_content
					 WHERE course_id = $1 AND content_id = $2 AND `+typeIs("$3"),
					courseID, l.SubcategoryID, subAliases,
				)
				if err != nil {
					return fmt.Errorf("delete subcategory row: %w", err)
				}
				res.SubcategoryRemoved = cmd.RowsAffected() > 0
			}
		}

		if l.CategoryID > 0 {
			remaining, err := countPosts(ctx, tx, courseID, l.CategoryPosts)
			if err != nil {
				return err
			}
			if remaining == 0 {
				if len(l.CategorySubcategories) > 0 {
					if _, err := tx.Exec(ctx,
						`DELETE FROM course_content
						 WHERE course_id = $1 AND content_id = ANY($2) AND `+typeIs("$3"),
						courseID, l.CategorySubcategories, subAliases,
					); err != nil {
						return fmt.Errorf("delete sibling subcategory rows: %w", err)
					}
				}
				cmd, err := tx.Exec(ctx,
					`DELETE FROM course_content
					 WHERE course_id = $1 AND content_id = $2 AND `+typeIs("$3"),
					courseID, l.CategoryID, content.Aliases(content.TypeCategory),
				)
				if err != nil {
					return fmt.Errorf("delete category row: %w", err)
				}
				res.CategoryRemoved = cmd.RowsAffected() > 0
			}
		}

		cmd, err = tx.Exec(ctx,
			`UPDATE quizzes SET is_assigned = FALSE, updated_at = NOW()
			 WHERE content_id = $1 AND is_assigned AND `+typeIs("$2")+`
			   AND NOT EXISTS (
			     SELECT 1 FROM course_content cc
			     WHERE cc.content_id = $1 AND lower(trim(cc.content_type)) = ANY($2))`,
			l.PostID, postAliases,
		)
		if err != nil {
			return fmt.Errorf("orphan quizzes: %w", err)
		}
		res.QuizzesOrphaned = int(cmd.RowsAffected())
		return nil
	})
	if err != nil {
		return PostRemoval{}, err
	}
	return res, nil
}

func (s *PostgresStore) RemoveMarker(ctx context.Context, courseID int64, ref ItemRef) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM course_content
		 WHERE course_id = $1 AND content_id = $2 AND `+typeIs("$3"),
		courseID, ref.ID, content.Aliases(ref.Type),
	)
	if err != nil {
		return false, fmt.Errorf("delete course content: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *PostgresStore) MembershipCount(ctx context.Context, ref ItemRef) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT course_id) FROM course_content
		 WHERE content_id = $1 AND `+typeIs("$2"),
		ref.ID, content.Aliases(ref.Type),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Assignments(ctx context.Context, courseID int64) ([]Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT user_id, course_id, status, assigned_by, assigned_at, completed_at
		 FROM user_courses WHERE course_id = $1 ORDER BY user_id`,
		courseID,
	)
}

func (s *PostgresStore) UserAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT user_id, course_id, status, assigned_by, assigned_at, completed_at
		 FROM user_courses WHERE user_id = $1 ORDER BY course_id`,
		userID,
	)
}

func (s *PostgresStore) AssignedCount(ctx context.Context, courseID int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_courses WHERE course_id = $1`, courseID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count assignments: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ReconcileAssignments(ctx context.Context, courseID, assignedBy int64, plan func([]Assignment) AssignmentDiff) (AssignmentDiff, error) {
	var applied AssignmentDiff
	err := s.tx(ctx, "reconcile assignments", func(ctx context.Context, tx pgx.Tx) error {
		if err := database.AdvisoryXactLock(ctx, tx, "course_assignments", courseID); err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1)`, courseID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("lookup course: %w", err)
		}
		if !exists {
			return notFound("course", courseID)
		}

		rows, err := tx.Query(ctx,
			`SELECT user_id, course_id, status, assigned_by, assigned_at, completed_at
			 FROM user_courses WHERE course_id = $1`,
			courseID,
		)
		if err != nil {
			return fmt.Errorf("query assignments: %w", err)
		}
		current, err := scanAssignments(rows)
		if err != nil {
			return err
		}

		diff := plan(current)

		for _, uid := range diff.Assigned {
			cmd, err := tx.Exec(ctx,
				`INSERT INTO user_courses (user_id, course_id, status, assigned_by)
				 VALUES ($1, $2, 'assigned', $3)
				 ON CONFLICT (user_id, course_id) DO NOTHING`,
				uid, courseID, nullIfZero(assignedBy),
			)
			if err != nil {
				return fmt.Errorf("insert assignment: %w", err)
			}
			if cmd.RowsAffected() > 0 {
				applied.Assigned = append(applied.Assigned, uid)
			}
		}
		for _, uid := range diff.Unassigned {
			cmd, err := tx.Exec(ctx,
				`DELETE FROM user_courses
				 WHERE user_id = $1 AND course_id = $2 AND status <> 'completed'`,
				uid, courseID,
			)
			if err != nil {
				return fmt.Errorf("delete assignment: %w", err)
			}
			if cmd.RowsAffected() > 0 {
				applied.Unassigned = append(applied.Unassigned, uid)
			}
		}
		return nil
	})
	if err != nil {
		return AssignmentDiff{}, err
	}
	return applied, nil
}

func (s *PostgresStore) SetAssignmentStatus(ctx context.Context, userID, courseID int64, status AssignmentStatus, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`UPDATE user_courses
		 SET status = $3,
		     completed_at = CASE WHEN $3 = 'completed' THEN $4::timestamptz ELSE NULL END
		 WHERE user_id = $1 AND course_id = $2
		   AND status <> 'completed' AND status <> $3`,
		userID, courseID, string(status), at,
	)
	if err != nil {
		return false, fmt.Errorf("update assignment status: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *PostgresStore) UserProgress(ctx context.Context, userID int64) ([]ProgressRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, content_type, content_id, status, quiz_score, quiz_completed, updated_at
		 FROM user_progress WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressRecord
	for rows.Next() {
		var r ProgressRecord
		var status string
		if err := rows.Scan(&r.UserID, &r.ContentType, &r.ContentID, &status, &r.QuizScore, &r.QuizCompleted, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		r.Status = ProgressStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertProgress(ctx context.Context, r ProgressRecord) error {
	t, err := content.Normalize(r.ContentType)
	if err != nil {
		return invalid("content_type", err.Error())
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	return s.tx(ctx, "upsert progress", func(ctx context.Context, tx pgx.Tx) error {
		return upsertProgress(ctx, tx, t, r)
	})
}

// upsertProgress updates the record in place, keeping a legacy stored tag,
// or inserts it.
func upsertProgress(ctx context.Context, tx pgx.Tx, t content.Type, r ProgressRecord) error {
	cmd, err := tx.Exec(ctx,
		`UPDATE user_progress
		 SET status = $3,
		     quiz_score = COALESCE($4, quiz_score),
		     quiz_completed = quiz_completed OR $5,
		     updated_at = $6
		 WHERE user_id = $1 AND content_id = $2 AND `+typeIs("$7"),
		r.UserID, r.ContentID, string(r.Status), r.QuizScore, r.QuizCompleted, r.UpdatedAt, content.Aliases(t),
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_progress (user_id, content_type, content_id, status, quiz_score, quiz_completed, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.UserID, r.ContentType, r.ContentID, string(r.Status), r.QuizScore, r.QuizCompleted, r.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateQuiz(ctx context.Context, q Quiz) (int64, error) {
	t, err := content.Normalize(q.ContentType)
	if err != nil {
		return 0, invalid("content_type", err.Error())
	}
	aliases := content.Aliases(t)

	var id int64
	err = s.tx(ctx, "create quiz", func(ctx context.Context, tx pgx.Tx) error {
		if err := database.AdvisoryXactLock(ctx, tx, "quiz_content:"+string(t), q.ContentID); err != nil {
			return err
		}
		if q.IsActive {
			var existing int64
			err := tx.QueryRow(ctx,
				`SELECT id FROM quizzes
				 WHERE content_id = $1 AND is_active AND `+typeIs("$2")+`
				 ORDER BY id LIMIT 1`,
				q.ContentID, aliases,
			).Scan(&existing)
			if err == nil {
				return conflict("content %s %d already has active quiz %d", t, q.ContentID, existing)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lookup active quiz: %w", err)
			}
		}

		return tx.QueryRow(ctx,
			`INSERT INTO quizzes (content_type, content_id, is_assigned, quiz_title, passing_score, time_limit_minutes, is_active)
			 SELECT $1, $2,
			        EXISTS (SELECT 1 FROM course_content WHERE content_id = $2 AND `+typeIs("$7")+`),
			        $3, $4, $5, $6
			 RETURNING id`,
			q.ContentType, q.ContentID, q.Title, q.PassingScore, q.TimeLimitMinutes, q.IsActive, aliases,
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const quizColumns = `id, content_type, content_id, is_assigned, quiz_title, passing_score,
	time_limit_minutes, is_active, attempt_count, pass_count, average_score, created_at, updated_at`

func scanQuiz(row pgx.Row) (Quiz, error) {
	var q Quiz
	err := row.Scan(&q.ID, &q.ContentType, &q.ContentID, &q.IsAssigned, &q.Title, &q.PassingScore,
		&q.TimeLimitMinutes, &q.IsActive, &q.AttemptCount, &q.PassCount, &q.AverageScore, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func (s *PostgresStore) GetQuiz(ctx context.Context, id int64) (*Quiz, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	q, err := scanQuiz(s.pool.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("quiz", id)
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) QuizzesForContent(ctx context.Context, t content.Type, contentID int64) ([]Quiz, error) {
	return s.queryQuizzes(ctx,
		`SELECT `+quizColumns+` FROM quizzes
		 WHERE content_id = $1 AND `+typeIs("$2")+` ORDER BY id`,
		contentID, content.Aliases(t),
	)
}

func (s *PostgresStore) OrphanQuizzes(ctx context.Context) ([]Quiz, error) {
	return s.queryQuizzes(ctx,
		`SELECT `+quizColumns+` FROM quizzes WHERE NOT is_assigned ORDER BY id`,
	)
}

func (s *PostgresStore) AddQuestion(ctx context.Context, q Question) (int64, error) {
	var id int64
	err := s.tx(ctx, "add question", func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO quiz_questions (quiz_id, points)
			 SELECT id, $2 FROM quizzes WHERE id = $1
			 RETURNING id`,
			q.QuizID, q.Points,
		).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("quiz", q.QuizID)
			}
			return fmt.Errorf("insert question: %w", err)
		}
		for _, c := range q.Choices {
			if _, err := tx.Exec(ctx,
				`INSERT INTO quiz_answer_choices (question_id, is_correct) VALUES ($1, $2)`,
				id, c.IsCorrect,
			); err != nil {
				return fmt.Errorf("insert choice: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) Questions(ctx context.Context, quizID int64) ([]Question, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT q.id, q.quiz_id, q.points, c.id, c.is_correct
		 FROM quiz_questions q
		 LEFT JOIN quiz_answer_choices c ON c.question_id = q.id
		 WHERE q.quiz_id = $1
		 ORDER BY q.id, c.id`,
		quizID,
	)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var (
			q         Question
			choiceID  *int64
			isCorrect *bool
		)
		if err := rows.Scan(&q.ID, &q.QuizID, &q.Points, &choiceID, &isCorrect); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].ID != q.ID {
			out = append(out, q)
		}
		if choiceID != nil {
			last := &out[len(out)-1]
			last.Choices = append(last.Choices, Choice{ID: *choiceID, IsCorrect: isCorrect != nil && *isCorrect})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteQuestion(ctx context.Context, questionID int64) error {
	return s.tx(ctx, "delete question", func(ctx context.Context, tx pgx.Tx) error {
		var exists, answered bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM quiz_questions WHERE id = $1 FOR UPDATE),
			        EXISTS (SELECT 1 FROM quiz_attempt_answers WHERE question_id = $1)`,
			questionID,
		).Scan(&exists, &answered); err != nil {
			return fmt.Errorf("lookup question: %w", err)
		}
		if !exists {
			return notFound("question", questionID)
		}
		if answered {
			return conflict("question %d has graded answers and cannot be deleted", questionID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quiz_questions WHERE id = $1`, questionID); err != nil {
			return fmt.Errorf("delete question: %w", err)
		}
		return nil
	})
}

const attemptColumns = `id, user_id, quiz_id, attempt_number, score, status, earned_points, total_points, started_at, completed_at`

func scanAttempt(row pgx.Row) (Attempt, error) {
	var a Attempt
	var status string
	err := row.Scan(&a.ID, &a.UserID, &a.QuizID, &a.AttemptNumber, &a.Score, &status,
		&a.EarnedPoints, &a.TotalPoints, &a.StartedAt, &a.CompletedAt)
	a.Status = AttemptStatus(status)
	return a, err
}

func (s *PostgresStore) StartAttempt(ctx context.Context, userID, quizID int64, at time.Time) (Attempt, error) {
	var a Attempt
	err := s.tx(ctx, "start attempt", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockAttempts(ctx, tx, userID, quizID); err != nil {
			return err
		}
		open, err := openAttempt(ctx, tx, userID, quizID)
		if err != nil {
			return err
		}
		if open != nil {
			a = *open
			return nil
		}
		a, err = scanAttempt(tx.QueryRow(ctx,
			`INSERT INTO quiz_attempts (user_id, quiz_id, attempt_number, status, started_at)
			 SELECT $1, $2, COALESCE(MAX(attempt_number), 0) + 1, 'in_progress', $3
			 FROM quiz_attempts WHERE user_id = $1 AND quiz_id = $2
			 RETURNING `+attemptColumns,
			userID, quizID, at,
		))
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (s *PostgresStore) SubmitAttempt(ctx context.Context, userID, quizID int64, finish func(open *Attempt) (Attempt, *ProgressRecord)) (Attempt, error) {
	var done Attempt
	err := s.tx(ctx, "submit attempt", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockAttempts(ctx, tx, userID, quizID); err != nil {
			return err
		}
		open, err := openAttempt(ctx, tx, userID, quizID)
		if err != nil {
			return err
		}

		var progress *ProgressRecord
		done, progress = finish(open)
		done.UserID = userID
		done.QuizID = quizID

		if open != nil {
			done.ID = open.ID
			done.AttemptNumber = open.AttemptNumber
			_, err = tx.Exec(ctx,
				`UPDATE quiz_attempts
				 SET score = $2, status = $3, earned_points = $4, total_points = $5, completed_at = $6
				 WHERE id = $1 AND status = 'in_progress'`,
				done.ID, done.Score, string(done.Status), done.EarnedPoints, done.TotalPoints, done.CompletedAt,
			)
			if err != nil {
				return fmt.Errorf("finish attempt: %w", err)
			}
		} else {
			err = tx.QueryRow(ctx,
				`INSERT INTO quiz_attempts (user_id, quiz_id, attempt_number, score, status, earned_points, total_points, started_at, completed_at)
				 SELECT $1, $2, COALESCE(MAX(attempt_number), 0) + 1, $3, $4, $5, $6, $7, $8
				 FROM quiz_attempts WHERE user_id = $1 AND quiz_id = $2
				 RETURNING id, attempt_number`,
				userID, quizID, done.Score, string(done.Status), done.EarnedPoints, done.TotalPoints, done.StartedAt, done.CompletedAt,
			).Scan(&done.ID, &done.AttemptNumber)
			if err != nil {
				return fmt.Errorf("insert attempt: %w", err)
			}
		}

		for _, ans := range done.Answers {
			if _, err := tx.Exec(ctx,
				`INSERT INTO quiz_attempt_answers (attempt_id, question_id, choice_id, is_correct)
				 VALUES ($1, $2, $3, $4)`,
				done.ID, ans.QuestionID, ans.ChoiceID, ans.IsCorrect,
			); err != nil {
				return fmt.Errorf("insert attempt answer: %w", err)
			}
		}

		if progress != nil {
			t, err := content.Normalize(progress.ContentType)
			if err != nil {
				return invalid("content_type", err.Error())
			}
			if progress.UpdatedAt.IsZero() {
				progress.UpdatedAt = time.Now()
			}
			if err := upsertProgress(ctx, tx, t, *progress); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Attempt{}, err
	}
	return done, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, userID, quizID int64) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM quiz_attempts
		 WHERE user_id = $1 AND quiz_id = $2
		 ORDER BY attempt_number`,
		userID, quizID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecomputeQuizStats(ctx context.Context) (int, error) {
	var n int
	err := s.tx(ctx, "recompute quiz stats", func(ctx context.Context, tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE quizzes SET attempt_count = 0, pass_count = 0, average_score = 0`)
		if err != nil {
			return fmt.Errorf("reset quiz stats: %w", err)
		}
		n = int(cmd.RowsAffected())

		if _, err := tx.Exec(ctx,
			`UPDATE quizzes q
			 SET attempt_count = s.attempts,
			     pass_count = s.passes,
			     average_score = s.avg_score
			 FROM (
			   SELECT quiz_id,
			          COUNT(*) AS attempts,
			          COUNT(*) FILTER (WHERE status = 'passed') AS passes,
			          AVG(LEAST(100, GREATEST(0, COALESCE(score,
			              CASE WHEN total_points > 0 THEN earned_points / total_points * 100 ELSE 0 END)))) AS avg_score
			   FROM quiz_attempts
			   WHERE status IN ('passed', 'failed')
			   GROUP BY quiz_id
			 ) s
			 WHERE q.id = s.quiz_id`,
		); err != nil {
			return fmt.Errorf("update quiz stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) queryAssignments(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	return scanAssignments(rows)
}

func scanAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var status string
		var assignedBy *int64
		if err := rows.Scan(&a.UserID, &a.CourseID, &status, &assignedBy, &a.AssignedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Status = AssignmentStatus(status)
		if assignedBy != nil {
			a.AssignedBy = *assignedBy
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) queryQuizzes(ctx context.Context, query string, args ...any) ([]Quiz, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quizzes: %w", err)
	}
	defer rows.Close()

	var out []Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quiz: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quizzes: %w", err)
	}
	return out, nil
}

func countPosts(ctx context.Context, tx pgx.Tx, courseID int64, postIDs []int64) (int, error) {
	if len(postIDs) == 0 {
		return 0, nil
	}
	var n int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM course_content
		 WHERE course_id = $1 AND content_id = ANY($2) AND `+typeIs("$3"),
		courseID, postIDs, content.Aliases(content.TypePost),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count remaining posts: %w", err)
	}
	return n, nil
}

func lockAttempts(ctx context.Context, tx pgx.Tx, userID, quizID int64) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM quizzes WHERE id = $1)`, quizID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("lookup quiz: %w", err)
	}
	if !exists {
		return notFound("quiz", quizID)
	}
	return database.AdvisoryXactLock(ctx, tx, fmt.Sprintf("quiz_attempts:%d", quizID), userID)
}

func openAttempt(ctx context.Context, tx pgx.Tx, userID, quizID int64) (*Attempt, error) {
	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM quiz_attempts
		 WHERE user_id = $1 AND quiz_id = $2 AND status = 'in_progress'
		 ORDER BY attempt_number DESC LIMIT 1`,
		userID, quizID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup open attempt: %w", err)
	}
	return &a, nil
}

// normalizedSQL renders the SQL expression that canonicalizes a stored
// content-type column, mirroring content.Normalize.
func normalizedSQL(col string) string {
	expr := fmt.Sprintf("lower(trim(%s))", col)
	return fmt.Sprintf(`CASE
		WHEN %[1]s IN ('', 'post', 'posts', 'article', 'post_item') THEN 'post'
		WHEN %[1]s IN ('subcategory', 'subcat') THEN 'subcategory'
		WHEN %[1]s IN ('category', 'cat') THEN 'category'
		ELSE %[1]s END`, expr)
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
