package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/p-n-ai/pai-training/internal/content"
	"github.com/p-n-ai/pai-training/internal/report"
	"github.com/p-n-ai/pai-training/internal/training"
)

type createCourseRequest struct {
	Name           string  `json:"name" validate:"required,max=255"`
	Department     string  `json:"department" validate:"max=255"`
	Description    string  `json:"description"`
	EstimatedHours float64 `json:"estimated_hours" validate:"gte=0"`
	IsActive       *bool   `json:"is_active"`
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req createCourseRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	c, err := s.engine.CreateCourse(r.Context(), training.Course{
		Name:           req.Name,
		Department:     req.Department,
		Description:    req.Description,
		EstimatedHours: req.EstimatedHours,
		IsActive:       active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.engine.ListCourses(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if courses == nil {
		courses = []training.Course{}
	}
	writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.engine.GetCourse(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.engine.DeleteCourse(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.engine.Items(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []training.CourseItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type addContentRequest struct {
	Mode    string        `json:"mode" validate:"omitempty,oneof=single bulk"`
	Items   []itemRequest `json:"items" validate:"required,min=1,dive"`
	AddedBy int64         `json:"added_by" validate:"gte=0"`
}

type itemRequest struct {
	Type string `json:"type" validate:"required"`
	ID   int64  `json:"id" validate:"gt=0"`
}

func (s *Server) handleAddContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req addContentRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]training.ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = training.ItemInput{Type: it.Type, ID: it.ID}
	}
	res, err := s.engine.AddContent(r.Context(), training.AddContentRequest{
		CourseID: id,
		Mode:     training.AddMode(req.Mode),
		Items:    items,
		AddedBy:  req.AddedBy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	contentID, err := pathID(r, "contentID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := content.Parse(r.PathValue("type"))
	if err != nil {
		writeError(w, r, &training.ValidationError{Field: "type", Reason: err.Error()})
		return
	}
	if _, err := s.engine.RemoveItem(r.Context(), id, t, contentID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reconcileRequest struct {
	UserIDs    []int64 `json:"user_ids" validate:"dive,gt=0"`
	AssignedBy int64   `json:"assigned_by" validate:"gte=0"`
}

type reconcileResponse struct {
	AssignedCount   int     `json:"assigned_count"`
	UnassignedCount int     `json:"unassigned_count"`
	Assigned        []int64 `json:"assigned"`
	Unassigned      []int64 `json:"unassigned"`
	Message         string  `json:"message"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reconcileRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.Reconcile(r.Context(), id, req.UserIDs, req.AssignedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := reconcileResponse{
		AssignedCount:   len(res.Assigned),
		UnassignedCount: len(res.Unassigned),
		Assigned:        res.Assigned,
		Unassigned:      res.Unassigned,
		Message:         res.Message(),
	}
	if out.Assigned == nil {
		out.Assigned = []int64{}
	}
	if out.Unassigned == nil {
		out.Unassigned = []int64{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	courseID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.engine.ComputeProgress(r.Context(), userID, courseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCourseProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := s.engine.CourseProgress(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sum.Users == nil {
		sum.Users = []training.UserCourseProgress{}
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCourseReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := s.engine.CourseProgress(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteCourseProgress(&buf, sum); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="course-%d-progress.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type recordProgressRequest struct {
	UserID      int64  `json:"user_id" validate:"gt=0"`
	ContentType string `json:"content_type" validate:"required"`
	ContentID   int64  `json:"content_id" validate:"gt=0"`
	Status      string `json:"status" validate:"required,oneof=not_started in_progress completed"`
}

func (s *Server) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	var req recordProgressRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.RecordProgress(r.Context(), training.ProgressUpdate{
		UserID:      req.UserID,
		ContentType: req.ContentType,
		ContentID:   req.ContentID,
		Status:      training.ProgressStatus(req.Status),
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
