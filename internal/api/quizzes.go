package api

import (
	"net/http"

	"github.com/p-n-ai/pai-training/internal/training"
)

type attachQuizRequest struct {
	ContentType      string  `json:"content_type" validate:"required"`
	ContentID        int64   `json:"content_id" validate:"gt=0"`
	Title            string  `json:"quiz_title" validate:"required,max=255"`
	PassingScore     float64 `json:"passing_score" validate:"gte=0,lte=100"`
	TimeLimitMinutes *int    `json:"time_limit_minutes" validate:"omitempty,gt=0"`
	IsActive         *bool   `json:"is_active"`
}

func (s *Server) handleAttachQuiz(w http.ResponseWriter, r *http.Request) {
	var req attachQuizRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	q, err := s.engine.AttachQuiz(r.Context(), training.Quiz{
		ContentType:      req.ContentType,
		ContentID:        req.ContentID,
		Title:            req.Title,
		PassingScore:     req.PassingScore,
		TimeLimitMinutes: req.TimeLimitMinutes,
		IsActive:         active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.engine.GetQuiz(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleOrphanQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := s.engine.OrphanQuizzes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if quizzes == nil {
		quizzes = []training.Quiz{}
	}
	writeJSON(w, http.StatusOK, quizzes)
}

func (s *Server) handleRecomputeStats(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RecomputeQuizStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"quizzes_updated": n})
}

type addQuestionRequest struct {
	Points  float64         `json:"points" validate:"gt=0"`
	Choices []choiceRequest `json:"choices" validate:"required,min=2,dive"`
}

type choiceRequest struct {
	IsCorrect bool `json:"is_correct"`
}

func (s *Server) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	quizID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req addQuestionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q := training.Question{QuizID: quizID, Points: req.Points}
	for _, c := range req.Choices {
		q.Choices = append(q.Choices, training.Choice{IsCorrect: c.IsCorrect})
	}
	id, err := s.engine.AddQuestion(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.DeleteQuestion(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startAttemptRequest struct {
	UserID int64 `json:"user_id" validate:"gt=0"`
}

func (s *Server) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	quizID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req startAttemptRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.engine.StartAttempt(r.Context(), req.UserID, quizID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type submitAttemptRequest struct {
	UserID       int64           `json:"user_id" validate:"gt=0"`
	Answers      []answerRequest `json:"answers" validate:"dive"`
	EarnedPoints *float64        `json:"earned_points" validate:"omitempty,gte=0"`
	TotalPoints  *float64        `json:"total_points" validate:"omitempty,gte=0"`
}

type answerRequest struct {
	QuestionID int64 `json:"question_id" validate:"gt=0"`
	ChoiceID   int64 `json:"choice_id" validate:"gt=0"`
}

func (s *Server) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	quizID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req submitAttemptRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub := training.AttemptSubmission{
		UserID:       req.UserID,
		QuizID:       quizID,
		EarnedPoints: req.EarnedPoints,
		TotalPoints:  req.TotalPoints,
	}
	for _, a := range req.Answers {
		sub.Answers = append(sub.Answers, training.Answer{QuestionID: a.QuestionID, ChoiceID: a.ChoiceID})
	}
	res, err := s.engine.SubmitAttempt(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleLatestAttempt(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	quizID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.engine.LatestAttempt(r.Context(), userID, quizID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
