// Package report renders workflow turn-around time as an Excel workbook.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/pmisflow/model"
)

// ContentType is the MIME type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names.
const (
	SheetSummary = "Summary"
	SheetSteps   = "Steps"
	SheetHistory = "History"
)

const timeLayout = "2006-01-02 15:04"

var (
	stepHeaders    = []string{"Sequence", "Step", "Role", "Hours", "Visits"}
	historyHeaders = []string{"Action", "Step", "Performed By", "Remarks", "Entered", "Exited", "Hours", "From", "To"}
)

// SLAStatus is the SLA position of the current step.
type SLAStatus struct {
	Deadline  time.Time
	HasSLA    bool
	IsOverdue bool
}

// TATInput is everything a TAT workbook shows.
type TATInput struct {
	Instance model.WorkflowInstance
	TAT      model.TATReport
	History  []model.HistoryEntry
	SLA      SLAStatus
}

// Filename returns the download name for an instance's workbook.
func Filename(inst model.WorkflowInstance) string {
	clean := strings.NewReplacer("/", "-", "\\", "-", " ", "_", "\"", "")
	return fmt.Sprintf("TAT_%s_%s.xlsx", clean.Replace(inst.EntityType), clean.Replace(inst.EntityID))
}

// TATWorkbook builds a workbook with a summary, the per-step breakdown and the
// full history. The caller must Close the returned file.
func TATWorkbook(in TATInput) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("report: rename sheet: %w", err)
	}
	for _, name := range []string{SheetSteps, SheetHistory} {
		if _, err := f.NewSheet(name); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("report: add sheet %s: %w", name, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("report: header style: %w", err)
	}

	w := &sheetWriter{f: f}
	w.summary(in, headerStyle)
	w.steps(in.TAT, headerStyle)
	w.history(in.History, headerStyle)
	if w.err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("report: %w", w.err)
	}
	return f, nil
}

// WriteTAT renders the workbook to out.
func WriteTAT(out io.Writer, in TATInput) error {
	f, err := TATWorkbook(in)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(out); err != nil {
		return fmt.Errorf("report: write workbook: %w", err)
	}
	return nil
}

// sheetWriter keeps the first cell error so rows can be written without
// checking each call.
type sheetWriter struct {
	f   *excelize.File
	err error
}

func (w *sheetWriter) set(sheet string, col, row int, v any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellValue(sheet, cell, v)
}

func (w *sheetWriter) header(sheet string, headers []string, style int, widths []float64) {
	for i, h := range headers {
		w.set(sheet, i+1, 1, h)
	}
	if w.err != nil {
		return
	}
	last, _ := excelize.ColumnNumberToName(len(headers))
	w.err = w.f.SetCellStyle(sheet, "A1", last+"1", style)
	for i, width := range widths {
		if w.err != nil {
			return
		}
		col, _ := excelize.ColumnNumberToName(i + 1)
		w.err = w.f.SetColWidth(sheet, col, col, width)
	}
}

func (w *sheetWriter) summary(in TATInput, style int) {
	inst := in.Instance
	rows := [][2]any{
		{"Instance", inst.ID},
		{"Template", inst.TemplateID},
		{"Module", string(inst.Module)},
		{"Entity", inst.EntityType + " " + inst.EntityID},
		{"Status", string(inst.Status)},
		{"Started By", inst.StartedBy},
		{"Started At", inst.StartedAt.UTC().Format(timeLayout)},
		{"Completed At", formatTime(inst.CompletedAt)},
		{"Total Hours", in.TAT.TotalHours},
		{"Elapsed Hours", in.TAT.ElapsedHours},
	}
	if in.SLA.HasSLA {
		rows = append(rows,
			[2]any{"SLA Deadline", in.SLA.Deadline.UTC().Format(timeLayout)},
			[2]any{"Overdue", yesNo(in.SLA.IsOverdue)},
		)
	}

	w.header(SheetSummary, []string{"Field", "Value"}, style, []float64{16, 40})
	for i, r := range rows {
		w.set(SheetSummary, 1, i+2, r[0])
		w.set(SheetSummary, 2, i+2, r[1])
	}
}

func (w *sheetWriter) steps(tat model.TATReport, style int) {
	w.header(SheetSteps, stepHeaders, style, []float64{10, 28, 10, 10, 8})
	for i, s := range tat.StepBreakdown {
		row := i + 2
		w.set(SheetSteps, 1, row, s.Sequence)
		w.set(SheetSteps, 2, row, s.Label)
		w.set(SheetSteps, 3, row, s.Role)
		w.set(SheetSteps, 4, row, s.Hours)
		w.set(SheetSteps, 5, row, s.Visits)
	}
}

func (w *sheetWriter) history(entries []model.HistoryEntry, style int) {
	w.header(SheetHistory, historyHeaders, style, []float64{10, 28, 16, 32, 17, 17, 8, 6, 6})
	for i, e := range entries {
		row := i + 2
		w.set(SheetHistory, 1, row, string(e.Action))
		w.set(SheetHistory, 2, row, e.StepLabel)
		w.set(SheetHistory, 3, row, e.PerformedBy)
		w.set(SheetHistory, 4, row, e.Remarks)
		w.set(SheetHistory, 5, row, e.EnteredAt.UTC().Format(timeLayout))
		w.set(SheetHistory, 6, row, formatTime(e.ExitedAt))
		if e.TimeSpentHours != nil {
			w.set(SheetHistory, 7, row, *e.TimeSpentHours)
		}
		if e.FromStep != nil {
			w.set(SheetHistory, 8, row, *e.FromStep)
		}
		if e.ToStep != nil {
			w.set(SheetHistory, 9, row, *e.ToStep)
		}
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
