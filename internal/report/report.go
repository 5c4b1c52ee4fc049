// Package report renders course progress as spreadsheets.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-training/internal/training"
)

const (
	summarySheet = "Summary"
	usersSheet   = "Users"
)

var userHeader = []any{"User ID", "Assignment", "Status", "Completed", "In progress", "Total", "Percent"}

// WriteCourseProgress writes an XLSX workbook with a summary sheet and one
// row per assigned user. The numbers come straight from the engine's
// progress calculation.
func WriteCourseProgress(w io.Writer, s training.CourseProgressSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	summary := [][]any{
		{"Course", s.Course.Name},
		{"Course ID", s.Course.ID},
		{"Department", s.Course.Department},
		{"Assigned users", s.AssignedUsers},
		{"Completed users", s.CompletedUsers},
		{"Average percent", s.AveragePercent},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}

	if _, err := f.NewSheet(usersSheet); err != nil {
		return fmt.Errorf("create users sheet: %w", err)
	}
	if err := f.SetSheetRow(usersSheet, "A1", &userHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetRowStyle(usersSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, u := range s.Users {
		row := []any{
			u.UserID,
			string(u.AssignmentStatus),
			string(u.Status),
			u.Completed,
			u.InProgress,
			u.Total,
			u.Percent,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(usersSheet, cell, &row); err != nil {
			return fmt.Errorf("write user row: %w", err)
		}
	}
	if err := f.SetPanes(usersSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
