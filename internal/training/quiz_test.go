package training_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/p-n-ai/pai-training/internal/content"
	"github.com/p-n-ai/pai-training/internal/training"
)

func attachQuiz(t *testing.T, f *fixture, postID int64, passing float64) *training.Quiz {
	t.Helper()
	q, err := f.engine.AttachQuiz(context.Background(), training.Quiz{
		ContentType:  "post",
		ContentID:    postID,
		Title:        "Check",
		PassingScore: passing,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("AttachQuiz() error = %v", err)
	}
	return q
}

// addQuestion adds a two-choice question worth one point whose first choice
// is correct.
func addQuestion(t *testing.T, f *fixture, quizID int64) int64 {
	t.Helper()
	id, err := f.engine.AddQuestion(context.Background(), training.Question{
		QuizID:  quizID,
		Points:  1,
		Choices: []training.Choice{{IsCorrect: true}, {IsCorrect: false}},
	})
	if err != nil {
		t.Fatalf("AddQuestion() error = %v", err)
	}
	return id
}

func points(earned, total float64) (*float64, *float64) {
	return &earned, &total
}

func submitPoints(t *testing.T, f *fixture, userID, quizID int64, earned, total float64) training.AttemptResult {
	t.Helper()
	e, tot := points(earned, total)
	res, err := f.engine.SubmitAttempt(context.Background(), training.AttemptSubmission{
		UserID: userID, QuizID: quizID, EarnedPoints: e, TotalPoints: tot,
	})
	if err != nil {
		t.Fatalf("SubmitAttempt() error = %v", err)
	}
	return res
}

func TestSubmitAttempt_ExternalPoints(t *testing.T) {
	f := newFixture(t)
	quiz := attachQuiz(t, f, 101, 80)

	tests := []struct {
		name       string
		earned     float64
		total      float64
		wantPct    float64
		wantStatus training.AttemptStatus
	}{
		{name: "exactly the passing score", earned: 8, total: 10, wantPct: 80, wantStatus: training.AttemptPassed},
		{name: "just below", earned: 7.9, total: 10, wantPct: 79, wantStatus: training.AttemptFailed},
		{name: "zero total", earned: 0, total: 0, wantPct: 0, wantStatus: training.AttemptFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := submitPoints(t, f, 3, quiz.ID, tt.earned, tt.total)
			if res.Percentage != tt.wantPct || res.Status != tt.wantStatus {
				t.Errorf("SubmitAttempt() = %v %s, want %v %s", res.Percentage, res.Status, tt.wantPct, tt.wantStatus)
			}
		})
	}
}

func TestSubmitAttempt_AppendOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 80)

	scores := []float64{2, 9, 5}
	for _, s := range scores {
		submitPoints(t, f, 4, quiz.ID, s, 10)
	}

	attempts, err := f.engine.Attempts(ctx, 4, quiz.ID)
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(attempts) != len(scores) {
		t.Fatalf("Attempts() = %d, want %d", len(attempts), len(scores))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.AttemptNumber)
		}
		if want := scores[i] * 10; a.Percentage() != want {
			t.Errorf("attempt %d percentage = %v, want %v", i+1, a.Percentage(), want)
		}
	}

	latest, err := f.engine.LatestAttempt(ctx, 4, quiz.ID)
	if err != nil {
		t.Fatalf("LatestAttempt() error = %v", err)
	}
	if latest.AttemptNumber != 3 || latest.Percentage() != 50 {
		t.Errorf("LatestAttempt() = #%d %v, want #3 50", latest.AttemptNumber, latest.Percentage())
	}
	if _, err := f.engine.LatestAttempt(ctx, 99, quiz.ID); !training.IsNotFound(err) {
		t.Errorf("LatestAttempt(no attempts) error = %v, want not found", err)
	}
}

func TestStartAttempt_FinishedBySubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 50)

	open, err := f.engine.StartAttempt(ctx, 6, quiz.ID)
	if err != nil {
		t.Fatalf("StartAttempt() error = %v", err)
	}
	again, err := f.engine.StartAttempt(ctx, 6, quiz.ID)
	if err != nil {
		t.Fatalf("StartAttempt() again error = %v", err)
	}
	if again.ID != open.ID {
		t.Errorf("StartAttempt() opened a second attempt %d, want %d", again.ID, open.ID)
	}

	res := submitPoints(t, f, 6, quiz.ID, 1, 1)
	if res.AttemptNumber != open.AttemptNumber {
		t.Errorf("AttemptNumber = %d, want the open attempt %d", res.AttemptNumber, open.AttemptNumber)
	}
	if !res.Attempt.StartedAt.Equal(open.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", res.Attempt.StartedAt, open.StartedAt)
	}
}

func TestSubmitAttempt_TimeLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := 30
	quiz, err := f.engine.AttachQuiz(ctx, training.Quiz{
		ContentType: "post", ContentID: 101, Title: "Timed", PassingScore: 50, TimeLimitMinutes: &limit, IsActive: true,
	})
	if err != nil {
		t.Fatalf("AttachQuiz() error = %v", err)
	}

	if _, err := f.engine.StartAttempt(ctx, 8, quiz.ID); err != nil {
		t.Fatalf("StartAttempt() error = %v", err)
	}
	f.clock.Advance(31 * time.Minute)

	res := submitPoints(t, f, 8, quiz.ID, 10, 10)
	if res.Status != training.AttemptFailed {
		t.Errorf("Status = %s, want failed after the time limit", res.Status)
	}
	if res.Percentage != 100 {
		t.Errorf("Percentage = %v, want the graded score kept", res.Percentage)
	}
}

func TestSubmitAttempt_GradesAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 50)
	q1 := addQuestion(t, f, quiz.ID)
	q2 := addQuestion(t, f, quiz.ID)

	questions, err := f.store.Questions(ctx, quiz.ID)
	if err != nil {
		t.Fatalf("Questions() error = %v", err)
	}
	choices := map[int64][]training.Choice{}
	for _, q := range questions {
		choices[q.ID] = q.Choices
	}

	res, err := f.engine.SubmitAttempt(ctx, training.AttemptSubmission{
		UserID: 2,
		QuizID: quiz.ID,
		Answers: []training.Answer{
			{QuestionID: q1, ChoiceID: choices[q1][0].ID},
			{QuestionID: q2, ChoiceID: choices[q2][1].ID},
		},
	})
	if err != nil {
		t.Fatalf("SubmitAttempt() error = %v", err)
	}
	if res.Percentage != 50 || res.Status != training.AttemptPassed {
		t.Errorf("SubmitAttempt() = %v %s, want 50 passed", res.Percentage, res.Status)
	}
	if len(res.Attempt.Answers) != 2 || !res.Attempt.Answers[0].IsCorrect || res.Attempt.Answers[1].IsCorrect {
		t.Errorf("Answers = %+v", res.Attempt.Answers)
	}

	bad := []struct {
		name    string
		answers []training.Answer
	}{
		{name: "unknown question", answers: []training.Answer{{QuestionID: 9999, ChoiceID: 1}}},
		{name: "choice of another question", answers: []training.Answer{{QuestionID: q1, ChoiceID: choices[q2][0].ID}}},
		{name: "answered twice", answers: []training.Answer{
			{QuestionID: q1, ChoiceID: choices[q1][0].ID},
			{QuestionID: q1, ChoiceID: choices[q1][1].ID},
		}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitAttempt(ctx, training.AttemptSubmission{UserID: 2, QuizID: quiz.ID, Answers: tt.answers})
			if !training.IsValidation(err) {
				t.Errorf("SubmitAttempt() error = %v, want validation error", err)
			}
		})
	}

	attempts, _ := f.engine.Attempts(ctx, 2, quiz.ID)
	if len(attempts) != 1 {
		t.Errorf("attempts = %d, want rejected submissions not recorded", len(attempts))
	}
}

func TestSubmitAttempt_InactiveQuiz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, err := f.engine.AttachQuiz(ctx, training.Quiz{ContentType: "post", ContentID: 101, Title: "Draft", PassingScore: 50})
	if err != nil {
		t.Fatalf("AttachQuiz() error = %v", err)
	}

	e, tot := points(1, 1)
	_, err = f.engine.SubmitAttempt(ctx, training.AttemptSubmission{UserID: 1, QuizID: quiz.ID, EarnedPoints: e, TotalPoints: tot})
	if !training.IsConflict(err) {
		t.Errorf("SubmitAttempt(inactive) error = %v, want conflict", err)
	}
}

func TestAttachQuiz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Quiz host")
	f.addPosts(t, courseID, 101)

	assigned := attachQuiz(t, f, 101, 70)
	if !assigned.IsAssigned {
		t.Error("quiz on course content should be assigned")
	}
	loose := attachQuiz(t, f, 201, 70)
	if loose.IsAssigned {
		t.Error("quiz on content outside every course should not be assigned")
	}

	_, err := f.engine.AttachQuiz(ctx, training.Quiz{ContentType: "post", ContentID: 101, Title: "Second", PassingScore: 70, IsActive: true})
	if !training.IsConflict(err) {
		t.Errorf("AttachQuiz(second active) error = %v, want conflict", err)
	}

	invalid := []training.Quiz{
		{ContentType: "video", ContentID: 1, Title: "x", IsActive: true},
		{ContentType: "subcategory", ContentID: 11, Title: "x", IsActive: true},
		{ContentType: "category", ContentID: 1, Title: "x", IsActive: true},
		{ContentType: "post", ContentID: 1, Title: " ", IsActive: true},
		{ContentType: "post", ContentID: 1, Title: "x", PassingScore: 101, IsActive: true},
	}
	for _, q := range invalid {
		if _, err := f.engine.AttachQuiz(ctx, q); !training.IsValidation(err) {
			t.Errorf("AttachQuiz(%+v) error = %v, want validation error", q, err)
		}
	}
}

func TestAddQuestion_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 70)

	tests := []struct {
		name string
		q    training.Question
	}{
		{name: "zero points", q: training.Question{QuizID: quiz.ID, Choices: []training.Choice{{IsCorrect: true}, {}}}},
		{name: "one choice", q: training.Question{QuizID: quiz.ID, Points: 1, Choices: []training.Choice{{IsCorrect: true}}}},
		{name: "no correct choice", q: training.Question{QuizID: quiz.ID, Points: 1, Choices: []training.Choice{{}, {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.AddQuestion(ctx, tt.q); !training.IsValidation(err) {
				t.Errorf("AddQuestion() error = %v, want validation error", err)
			}
		})
	}

	_, err := f.engine.AddQuestion(ctx, training.Question{QuizID: 9999, Points: 1, Choices: []training.Choice{{IsCorrect: true}, {}}})
	if !training.IsNotFound(err) {
		t.Errorf("AddQuestion(unknown quiz) error = %v, want not found", err)
	}
}

func TestDeleteQuestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 50)
	unused := addQuestion(t, f, quiz.ID)
	answered := addQuestion(t, f, quiz.ID)

	questions, _ := f.store.Questions(ctx, quiz.ID)
	var choice int64
	for _, q := range questions {
		if q.ID == answered {
			choice = q.Choices[0].ID
		}
	}
	if _, err := f.engine.SubmitAttempt(ctx, training.AttemptSubmission{
		UserID: 1, QuizID: quiz.ID, Answers: []training.Answer{{QuestionID: answered, ChoiceID: choice}},
	}); err != nil {
		t.Fatalf("SubmitAttempt() error = %v", err)
	}

	if err := f.engine.DeleteQuestion(ctx, answered); !training.IsConflict(err) {
		t.Errorf("DeleteQuestion(answered) error = %v, want conflict", err)
	}
	if err := f.engine.DeleteQuestion(ctx, unused); err != nil {
		t.Errorf("DeleteQuestion(unused) error = %v", err)
	}
	if err := f.engine.DeleteQuestion(ctx, unused); !training.IsNotFound(err) {
		t.Errorf("DeleteQuestion(deleted) error = %v, want not found", err)
	}
}

func TestRecomputeQuizStats_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 60)
	idle := attachQuiz(t, f, 102, 60)

	submitPoints(t, f, 1, quiz.ID, 4, 10)
	submitPoints(t, f, 1, quiz.ID, 8, 10)
	submitPoints(t, f, 2, quiz.ID, 9, 10)
	if _, err := f.engine.StartAttempt(ctx, 3, quiz.ID); err != nil {
		t.Fatalf("StartAttempt() error = %v", err)
	}

	for run := 1; run <= 2; run++ {
		n, err := f.engine.RecomputeQuizStats(ctx)
		if err != nil {
			t.Fatalf("RecomputeQuizStats() run %d error = %v", run, err)
		}
		if n != 2 {
			t.Errorf("run %d updated %d quizzes, want 2", run, n)
		}

		got, _ := f.engine.GetQuiz(ctx, quiz.ID)
		if got.AttemptCount != 3 || got.PassCount != 2 || got.AverageScore != 70 {
			t.Errorf("run %d: stats = %d/%d/%v, want 3/2/70", run, got.AttemptCount, got.PassCount, got.AverageScore)
		}
		empty, _ := f.engine.GetQuiz(ctx, idle.ID)
		if empty.AttemptCount != 0 || empty.AverageScore != 0 {
			t.Errorf("run %d: idle quiz stats = %d/%v", run, empty.AttemptCount, empty.AverageScore)
		}
	}
}

// legacyQuizStore serves quizzes stored under several spellings of the same
// content, which the write path no longer allows.
type legacyQuizStore struct {
	*training.MemoryStore
	quizzes []training.Quiz
}

func (s *legacyQuizStore) QuizzesForContent(_ context.Context, _ content.Type, _ int64) ([]training.Quiz, error) {
	return s.quizzes, nil
}

func TestQuizForContent_Ambiguous(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.AddDate(1, 0, 0)

	tests := []struct {
		name    string
		quizzes []training.Quiz
		wantID  int64
	}{
		{
			name: "canonical tag wins over a newer legacy row",
			quizzes: []training.Quiz{
				{ID: 1, ContentType: "post", IsActive: true, CreatedAt: older},
				{ID: 2, ContentType: "posts", IsActive: true, CreatedAt: newer},
			},
			wantID: 1,
		},
		{
			name: "newest among canonical rows",
			quizzes: []training.Quiz{
				{ID: 3, ContentType: "post", IsActive: true, CreatedAt: older},
				{ID: 4, ContentType: "post", IsActive: true, CreatedAt: newer},
			},
			wantID: 4,
		},
		{
			name: "highest ID breaks a tie",
			quizzes: []training.Quiz{
				{ID: 6, ContentType: "article", IsActive: true, CreatedAt: older},
				{ID: 5, ContentType: "article", IsActive: true, CreatedAt: older},
			},
			wantID: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureWithStore(t, &legacyQuizStore{MemoryStore: training.NewMemoryStore(), quizzes: tt.quizzes})
			m, err := f.engine.QuizForContent(context.Background(), content.TypePost, 101)
			if err != nil {
				t.Fatalf("QuizForContent() error = %v", err)
			}
			if m.Quiz.ID != tt.wantID || !m.Ambiguous || m.Matches != 2 {
				t.Errorf("QuizForContent() = quiz %d ambiguous=%v matches=%d, want quiz %d", m.Quiz.ID, m.Ambiguous, m.Matches, tt.wantID)
			}
		})
	}
}

func TestQuizForContent_IgnoresInactive(t *testing.T) {
	f := newFixtureWithStore(t, &legacyQuizStore{
		MemoryStore: training.NewMemoryStore(),
		quizzes: []training.Quiz{
			{ID: 1, ContentType: "post", IsActive: false},
			{ID: 2, ContentType: "posts", IsActive: true},
		},
	})
	m, err := f.engine.QuizForContent(context.Background(), content.TypePost, 101)
	if err != nil {
		t.Fatalf("QuizForContent() error = %v", err)
	}
	if m.Quiz.ID != 2 || m.Ambiguous {
		t.Errorf("QuizForContent() = %+v, want quiz 2 unambiguous", m)
	}

	empty := newFixtureWithStore(t, &legacyQuizStore{MemoryStore: training.NewMemoryStore()})
	if _, err := empty.engine.QuizForContent(context.Background(), content.TypePost, 101); !training.IsNotFound(err) {
		t.Errorf("QuizForContent(none) error = %v, want not found", err)
	}
}

func TestAttachQuiz_PostsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	courseID := f.course(t, "Markers")
	f.addPosts(t, courseID, 111)

	for _, typ := range []string{"subcategory", "subcat", "category"} {
		_, err := f.engine.AttachQuiz(ctx, training.Quiz{ContentType: typ, ContentID: 11, Title: "Section check", IsActive: true})
		if !training.IsValidation(err) {
			t.Errorf("AttachQuiz(%s) error = %v, want validation error", typ, err)
		}
	}

	quiz := attachQuiz(t, f, 111, 50)
	res, err := f.engine.RemoveItem(ctx, courseID, content.TypePost, 111)
	if err != nil {
		t.Fatalf("RemoveItem() error = %v", err)
	}
	if !res.SubcategoryRemoved || res.QuizzesOrphaned != 1 {
		t.Errorf("RemoveItem() = %+v, want subcategory removed and one quiz orphaned", res)
	}
	orphans, err := f.engine.OrphanQuizzes(ctx)
	if err != nil {
		t.Fatalf("OrphanQuizzes() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != quiz.ID {
		t.Errorf("OrphanQuizzes() = %+v, want only quiz %d", orphans, quiz.ID)
	}
}

func TestSubmitAttempt_PassUsesExactScore(t *testing.T) {
	tests := []struct {
		name    string
		passing float64
		want    training.AttemptStatus
	}{
		{name: "threshold above two thirds", passing: 66.67, want: training.AttemptFailed},
		{name: "threshold below two thirds", passing: 66.66, want: training.AttemptPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			quiz := attachQuiz(t, f, 101, tt.passing)
			res := submitPoints(t, f, 1, quiz.ID, 2, 3)
			if res.Percentage != 66.67 || res.Status != tt.want {
				t.Errorf("SubmitAttempt() = %v %s, want 66.67 %s", res.Percentage, res.Status, tt.want)
			}
		})
	}
}

// directProgressDown fails every progress write made outside an attempt.
type directProgressDown struct {
	*training.MemoryStore
}

func (s *directProgressDown) UpsertProgress(context.Context, training.ProgressRecord) error {
	return errors.New("progress writes unavailable")
}

func TestSubmitAttempt_CompletesPostWithAttempt(t *testing.T) {
	mem := training.NewMemoryStore()
	f := newFixtureWithStore(t, &directProgressDown{MemoryStore: mem})
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 80)

	res := submitPoints(t, f, 3, quiz.ID, 8, 10)
	if res.Status != training.AttemptPassed {
		t.Fatalf("SubmitAttempt() status = %s, want passed", res.Status)
	}
	records, err := mem.UserProgress(ctx, 3)
	if err != nil {
		t.Fatalf("UserProgress() error = %v", err)
	}
	if len(records) != 1 || records[0].Status != training.StatusCompleted || !records[0].QuizCompleted {
		t.Errorf("records = %+v, want one completed quiz record", records)
	}
}

// unwritableProgress turns the completion written with a passing attempt
// into a record the store rejects.
type unwritableProgress struct {
	*training.MemoryStore
}

func (s *unwritableProgress) SubmitAttempt(ctx context.Context, userID, quizID int64, finish func(*training.Attempt) (training.Attempt, *training.ProgressRecord)) (training.Attempt, error) {
	return s.MemoryStore.SubmitAttempt(ctx, userID, quizID, func(open *training.Attempt) (training.Attempt, *training.ProgressRecord) {
		a, p := finish(open)
		if p != nil {
			p.ContentType = "video"
		}
		return a, p
	})
}

func TestSubmitAttempt_NothingStoredWhenCompletionFails(t *testing.T) {
	mem := training.NewMemoryStore()
	f := newFixtureWithStore(t, &unwritableProgress{MemoryStore: mem})
	ctx := context.Background()
	quiz := attachQuiz(t, f, 101, 80)

	e, tot := points(9, 10)
	if _, err := f.engine.SubmitAttempt(ctx, training.AttemptSubmission{UserID: 3, QuizID: quiz.ID, EarnedPoints: e, TotalPoints: tot}); err == nil {
		t.Fatal("SubmitAttempt() should fail when the completion cannot be written")
	}
	if attempts, _ := mem.Attempts(ctx, 3, quiz.ID); len(attempts) != 0 {
		t.Errorf("attempts = %+v, want none stored", attempts)
	}
	if records, _ := mem.UserProgress(ctx, 3); len(records) != 0 {
		t.Errorf("records = %+v, want none stored", records)
	}

	// The retry is numbered as the first attempt.
	res := submitPoints(t, f, 3, quiz.ID, 5, 10)
	if res.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", res.AttemptNumber)
	}
}
