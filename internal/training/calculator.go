package training

import (
	"math"

	"github.com/p-n-ai/pai-training/internal/content"
)

// Progress is the derived completion state of a user against a course.
type Progress struct {
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	InProgress int            `json:"in_progress"`
	Percent    int            `json:"percent"`
	Status     ProgressStatus `json:"status"`
}

// Calculate derives progress from a course's membership rows and a user's
// progress records. It is the only place completion arithmetic lives; the
// per-user view, the course aggregate and the report all call it.
//
// Only required post items count. Records match items on normalized content
// type and ID; when several records exist for the same post, completed wins
// over in_progress.
func Calculate(items []CourseItem, records []ProgressRecord) Progress {
	required := make(map[int64]struct{}, len(items))
	for _, it := range items {
		t, err := content.Normalize(it.ContentType)
		if err != nil || !t.Completable() || !it.IsRequired {
			continue
		}
		required[it.ContentID] = struct{}{}
	}

	best := make(map[int64]ProgressStatus, len(records))
	for _, r := range records {
		t, err := content.Normalize(r.ContentType)
		if err != nil || !t.Completable() {
			continue
		}
		if _, ok := required[r.ContentID]; !ok {
			continue
		}
		switch r.Status {
		case StatusCompleted:
			best[r.ContentID] = StatusCompleted
		case StatusInProgress:
			if best[r.ContentID] != StatusCompleted {
				best[r.ContentID] = StatusInProgress
			}
		}
	}

	p := Progress{Total: len(required)}
	for _, s := range best {
		switch s {
		case StatusCompleted:
			p.Completed++
		case StatusInProgress:
			p.InProgress++
		}
	}

	if p.Total > 0 {
		p.Percent = int(math.Round(float64(p.Completed) / float64(p.Total) * 100))
		p.Percent = max(0, min(100, p.Percent))
		// 100 is reserved for a fully completed course.
		if p.Percent == 100 && p.Completed < p.Total {
			p.Percent = 99
		}
	}

	switch {
	case p.Total > 0 && p.Completed >= p.Total:
		p.Status = StatusCompleted
	case p.InProgress > 0 || p.Completed > 0:
		p.Status = StatusInProgress
	default:
		p.Status = StatusNotStarted
	}

	return p
}

// assignmentStatusFor maps a derived course status to an assignment status.
func assignmentStatusFor(s ProgressStatus) AssignmentStatus {
	switch s {
	case StatusCompleted:
		return AssignmentCompleted
	case StatusInProgress:
		return AssignmentInProgress
	default:
		return AssignmentAssigned
	}
}
