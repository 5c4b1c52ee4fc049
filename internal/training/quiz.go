package training

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/p-n-ai/pai-training/internal/content"
)

// QuizMatch is the quiz resolved for a content item. Ambiguous is set when
// more than one active quiz matched; that is a data defect to clean up.
type QuizMatch struct {
	Quiz      Quiz `json:"quiz"`
	Ambiguous bool `json:"ambiguous"`
	Matches   int  `json:"matches"`
}

// Answer is a user's chosen option for one question.
type Answer struct {
	QuestionID int64 `json:"question_id"`
	ChoiceID   int64 `json:"choice_id"`
}

// AttemptSubmission finishes a quiz attempt. Either Answers are graded
// against the quiz questions, or EarnedPoints and TotalPoints come from an
// external grader.
type AttemptSubmission struct {
	UserID       int64
	QuizID       int64
	Answers      []Answer
	EarnedPoints *float64
	TotalPoints  *float64
}

// AttemptResult is the outcome of a submitted attempt.
type AttemptResult struct {
	AttemptNumber int           `json:"attempt_number"`
	Percentage    float64       `json:"percentage"`
	Status        AttemptStatus `json:"status"`
	Attempt       Attempt       `json:"-"`
}

// AttachQuiz creates a quiz for a post. Its assignment flag follows the
// current membership of the post.
func (e *Engine) AttachQuiz(ctx context.Context, q Quiz) (*Quiz, error) {
	t, err := content.Parse(q.ContentType)
	if err != nil {
		return nil, invalid("content_type", err.Error())
	}
	if t != content.TypePost {
		return nil, invalid("content_type", "quizzes attach to posts only")
	}
	if err := requirePositive("content_id", q.ContentID); err != nil {
		return nil, err
	}
	q.Title = strings.TrimSpace(q.Title)
	if q.Title == "" {
		return nil, invalid("quiz_title", "must not be empty")
	}
	if q.PassingScore < 0 || q.PassingScore > 100 {
		return nil, invalid("passing_score", "must be between 0 and 100")
	}
	if q.TimeLimitMinutes != nil && *q.TimeLimitMinutes <= 0 {
		return nil, invalid("time_limit_minutes", "must be positive")
	}
	q.ContentType = string(t)

	id, err := e.store.CreateQuiz(ctx, q)
	if err != nil {
		return nil, err
	}
	created, err := e.store.GetQuiz(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("quiz attached",
		"quiz_id", id,
		"content_type", t,
		"content_id", q.ContentID,
		"is_assigned", created.IsAssigned,
	)
	return created, nil
}

// GetQuiz returns a quiz by ID.
func (e *Engine) GetQuiz(ctx context.Context, quizID int64) (*Quiz, error) {
	if err := requirePositive("quiz_id", quizID); err != nil {
		return nil, err
	}
	return e.store.GetQuiz(ctx, quizID)
}

// QuizForContent resolves the active quiz of a content item. When several
// match, the one stored with the canonical type tag wins, then the most
// recent.
func (e *Engine) QuizForContent(ctx context.Context, t content.Type, contentID int64) (QuizMatch, error) {
	quizzes, err := e.store.QuizzesForContent(ctx, t, contentID)
	if err != nil {
		return QuizMatch{}, fmt.Errorf("load quizzes: %w", err)
	}
	active := quizzes[:0:0]
	for _, q := range quizzes {
		if q.IsActive {
			active = append(active, q)
		}
	}
	if len(active) == 0 {
		return QuizMatch{}, notFound("quiz for "+string(t), contentID)
	}

	sort.SliceStable(active, func(i, j int) bool {
		ci, cj := active[i].ContentType == string(t), active[j].ContentType == string(t)
		if ci != cj {
			return ci
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.After(active[j].CreatedAt)
		}
		return active[i].ID > active[j].ID
	})

	m := QuizMatch{Quiz: active[0], Matches: len(active), Ambiguous: len(active) > 1}
	if m.Ambiguous {
		slog.Warn("several active quizzes match one content item",
			"content_type", t,
			"content_id", contentID,
			"matches", len(active),
			"chosen_quiz_id", m.Quiz.ID,
		)
	}
	return m, nil
}

// StartAttempt opens an attempt, or returns the one already open.
func (e *Engine) StartAttempt(ctx context.Context, userID, quizID int64) (Attempt, error) {
	if err := requirePositive("user_id", userID); err != nil {
		return Attempt{}, err
	}
	quiz, err := e.GetQuiz(ctx, quizID)
	if err != nil {
		return Attempt{}, err
	}
	if !quiz.IsActive {
		return Attempt{}, conflict("quiz %d is not active", quizID)
	}
	return e.store.StartAttempt(ctx, userID, quizID, e.now())
}

// SubmitAttempt grades and records an attempt. The open attempt is finished
// if there is one; otherwise a new attempt is appended. Finished attempts are
// never modified. Passing completes the quiz's post for the user in the same
// store transaction as the attempt.
func (e *Engine) SubmitAttempt(ctx context.Context, sub AttemptSubmission) (AttemptResult, error) {
	if err := requirePositive("user_id", sub.UserID); err != nil {
		return AttemptResult{}, err
	}
	quiz, err := e.GetQuiz(ctx, sub.QuizID)
	if err != nil {
		return AttemptResult{}, err
	}
	if !quiz.IsActive {
		return AttemptResult{}, conflict("quiz %d is not active", sub.QuizID)
	}

	earned, total, answers, err := e.grade(ctx, sub)
	if err != nil {
		return AttemptResult{}, err
	}

	now := e.now()
	gatesPost := content.Same(quiz.ContentType, string(content.TypePost))
	attempt, err := e.store.SubmitAttempt(ctx, sub.UserID, sub.QuizID, func(open *Attempt) (Attempt, *ProgressRecord) {
		started := now
		if open != nil {
			started = open.StartedAt
		}
		pct := ScorePercentage(nil, &earned, &total)
		status := AttemptFailed
		if exactPercentage(nil, &earned, &total) >= quiz.PassingScore {
			status = AttemptPassed
		}
		if quiz.TimeLimitMinutes != nil && now.Sub(started) > time.Duration(*quiz.TimeLimitMinutes)*time.Minute {
			status = AttemptFailed
		}
		completed := now
		done := Attempt{
			Score:        &pct,
			Status:       status,
			EarnedPoints: &earned,
			TotalPoints:  &total,
			StartedAt:    started,
			CompletedAt:  &completed,
			Answers:      answers,
		}
		if status != AttemptPassed || !gatesPost {
			return done, nil
		}
		score := pct
		return done, &ProgressRecord{
			UserID:        sub.UserID,
			ContentType:   string(content.TypePost),
			ContentID:     quiz.ContentID,
			Status:        StatusCompleted,
			QuizScore:     &score,
			QuizCompleted: true,
			UpdatedAt:     now,
		}
	})
	if err != nil {
		return AttemptResult{}, err
	}

	res := AttemptResult{
		AttemptNumber: attempt.AttemptNumber,
		Percentage:    attempt.Percentage(),
		Status:        attempt.Status,
		Attempt:       attempt,
	}
	slog.Info("quiz attempt submitted",
		"user_id", sub.UserID,
		"quiz_id", sub.QuizID,
		"attempt_number", res.AttemptNumber,
		"percentage", res.Percentage,
		"status", res.Status,
	)
	if res.Status == AttemptPassed && gatesPost {
		e.refreshUser(ctx, sub.UserID)
	}
	return res, nil
}

// grade returns earned and total points. Answers are checked against the
// stored questions; without answers the externally graded points are used.
func (e *Engine) grade(ctx context.Context, sub AttemptSubmission) (float64, float64, []AttemptAnswer, error) {
	if len(sub.Answers) == 0 {
		if sub.EarnedPoints == nil || sub.TotalPoints == nil {
			return 0, 0, nil, invalid("answers", "must not be empty")
		}
		earned, total := *sub.EarnedPoints, *sub.TotalPoints
		if earned < 0 || total < 0 || earned > total {
			return 0, 0, nil, invalid("earned_points", "must be between 0 and total_points")
		}
		return earned, total, nil, nil
	}

	questions, err := e.store.Questions(ctx, sub.QuizID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("load questions: %w", err)
	}
	byID := make(map[int64]Question, len(questions))
	var total float64
	for _, q := range questions {
		byID[q.ID] = q
		total += q.Points
	}

	var earned float64
	seen := make(map[int64]bool, len(sub.Answers))
	graded := make([]AttemptAnswer, 0, len(sub.Answers))
	for _, a := range sub.Answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			return 0, 0, nil, invalid("question_id", fmt.Sprintf("question %d is not part of quiz %d", a.QuestionID, sub.QuizID))
		}
		if seen[a.QuestionID] {
			return 0, 0, nil, invalid("question_id", fmt.Sprintf("question %d answered twice", a.QuestionID))
		}
		seen[a.QuestionID] = true

		correct, found := false, false
		for _, c := range q.Choices {
			if c.ID == a.ChoiceID {
				found, correct = true, c.IsCorrect
				break
			}
		}
		if !found {
			return 0, 0, nil, invalid("choice_id", fmt.Sprintf("choice %d is not an option of question %d", a.ChoiceID, a.QuestionID))
		}
		if correct {
			earned += q.Points
		}
		graded = append(graded, AttemptAnswer{QuestionID: a.QuestionID, ChoiceID: a.ChoiceID, IsCorrect: correct})
	}
	return earned, total, graded, nil
}

// Attempts returns a user's attempts at a quiz in attempt order.
func (e *Engine) Attempts(ctx context.Context, userID, quizID int64) ([]Attempt, error) {
	if err := requirePositive("user_id", userID); err != nil {
		return nil, err
	}
	if err := requirePositive("quiz_id", quizID); err != nil {
		return nil, err
	}
	return e.store.Attempts(ctx, userID, quizID)
}

// LatestAttempt returns the attempt with the highest attempt number, which
// is not necessarily the best scoring one.
func (e *Engine) LatestAttempt(ctx context.Context, userID, quizID int64) (*Attempt, error) {
	attempts, err := e.Attempts(ctx, userID, quizID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, notFound("attempt for quiz", quizID)
	}
	latest := attempts[0]
	for _, a := range attempts[1:] {
		if a.AttemptNumber > latest.AttemptNumber {
			latest = a
		}
	}
	return &latest, nil
}

// AddQuestion adds a gradable question to a quiz.
func (e *Engine) AddQuestion(ctx context.Context, q Question) (int64, error) {
	if err := requirePositive("quiz_id", q.QuizID); err != nil {
		return 0, err
	}
	if q.Points <= 0 {
		return 0, invalid("points", "must be positive")
	}
	if len(q.Choices) < 2 {
		return 0, invalid("choices", "need at least two")
	}
	correct := 0
	for _, c := range q.Choices {
		if c.IsCorrect {
			correct++
		}
	}
	if correct == 0 {
		return 0, invalid("choices", "need at least one correct choice")
	}
	return e.store.AddQuestion(ctx, q)
}

// DeleteQuestion deletes a question nobody has answered yet.
func (e *Engine) DeleteQuestion(ctx context.Context, questionID int64) error {
	if err := requirePositive("question_id", questionID); err != nil {
		return err
	}
	if err := e.store.DeleteQuestion(ctx, questionID); err != nil {
		return err
	}
	slog.Info("quiz question deleted", "question_id", questionID)
	return nil
}

// RecomputeQuizStats rewrites attempt statistics for every quiz. Running it
// again without new attempts changes nothing.
func (e *Engine) RecomputeQuizStats(ctx context.Context) (int, error) {
	n, err := e.store.RecomputeQuizStats(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("quiz statistics recomputed", "quizzes", n)
	return n, nil
}

// OrphanQuizzes lists quizzes whose content is in no course.
func (e *Engine) OrphanQuizzes(ctx context.Context) ([]Quiz, error) {
	return e.store.OrphanQuizzes(ctx)
}
