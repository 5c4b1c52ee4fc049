package training

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// ReconcileResult lists the users whose assignment changed.
type ReconcileResult struct {
	Assigned   []int64 `json:"assigned"`
	Unassigned []int64 `json:"unassigned"`
}

// Message summarizes the result for an admin.
func (r ReconcileResult) Message() string {
	if len(r.Assigned) == 0 && len(r.Unassigned) == 0 {
		return "no changes"
	}
	return fmt.Sprintf("assigned to %d, unassigned from %d", len(r.Assigned), len(r.Unassigned))
}

// Reconcile makes the set of active assignees of a course equal to userIDs.
// Completed assignments are frozen: they are never removed and their users
// are never reassigned.
func (e *Engine) Reconcile(ctx context.Context, courseID int64, userIDs []int64, assignedBy int64) (ReconcileResult, error) {
	if err := requirePositive("course_id", courseID); err != nil {
		return ReconcileResult{}, err
	}
	for _, uid := range userIDs {
		if err := requirePositive("user_id", uid); err != nil {
			return ReconcileResult{}, err
		}
	}

	diff, err := e.store.ReconcileAssignments(ctx, courseID, assignedBy, func(current []Assignment) AssignmentDiff {
		return planAssignments(current, userIDs)
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{Assigned: diff.Assigned, Unassigned: diff.Unassigned}
	if len(res.Assigned) > 0 || len(res.Unassigned) > 0 {
		e.invalidateCourse(ctx, courseID)
	}
	slog.Info("assignments reconciled",
		"course_id", courseID,
		"assigned", len(res.Assigned),
		"unassigned", len(res.Unassigned),
	)
	return res, nil
}

// planAssignments diffs the desired user set against the active assignees.
// Both lists come back sorted and free of duplicates.
func planAssignments(current []Assignment, desired []int64) AssignmentDiff {
	active := make(map[int64]bool, len(current))
	completed := make(map[int64]bool)
	for _, a := range current {
		if a.Status == AssignmentCompleted {
			completed[a.UserID] = true
			continue
		}
		active[a.UserID] = true
	}

	want := make(map[int64]bool, len(desired))
	var diff AssignmentDiff
	for _, uid := range desired {
		if want[uid] {
			continue
		}
		want[uid] = true
		if !active[uid] && !completed[uid] {
			diff.Assigned = append(diff.Assigned, uid)
		}
	}
	for uid := range active {
		if !want[uid] {
			diff.Unassigned = append(diff.Unassigned, uid)
		}
	}

	slices.Sort(diff.Assigned)
	slices.Sort(diff.Unassigned)
	return diff
}
