package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	SheetSummary    = "Summary"
	SheetTranscript = "Transcript"
	SheetActivity   = "Activity"
)

// TranscriptHeader 转写表头
var TranscriptHeader = []string{"#", "Timestamp", "Speaker", "Text", "Interrupted"}

// ActivityHeader 审计表头
var ActivityHeader = []string{"Timestamp", "Stage", "Tool", "Tool Description", "Degraded", "Data"}

// WriteCallReport 生成通话报告（Summary / Transcript / Activity 三个工作表）
func WriteCallReport(w io.Writer, record *models.CallRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{SheetTranscript, SheetActivity} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummary(f, record, headerStyle); err != nil {
		return err
	}
	if err := writeTranscript(f, record, headerStyle); err != nil {
		return err
	}
	if err := writeActivity(f, record, headerStyle); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// WriteCallReportFile 写入 <dir>/<call_id>.xlsx，返回文件路径
func WriteCallReportFile(dir string, record *models.CallRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(dir, fileName(record.CallID)+".xlsx")

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	if err := WriteCallReport(out, record); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close report file: %w", err)
	}
	return path, nil
}

func writeSummary(f *excelize.File, record *models.CallRecord, style int) error {
	rows := [][]interface{}{
		{"Call ID", record.CallID},
		{"Protected User", record.Participants.ProtectedUser},
		{"Counterpart", record.Participants.Counterpart},
		{"Runs", record.RunCount},
		{"Scam Processed", record.ScamProcessed},
		{"Alert Sent", record.AlertSent},
		{"Created At", formatTime(record.CreatedAt)},
		{"Updated At", formatTime(record.UpdatedAt)},
	}
	if record.Reputation != nil {
		rows = append(rows,
			[]interface{}{"Reputation Risk", record.Reputation.RiskScore},
			[]interface{}{"Known Scam Number", record.Reputation.KnownBad},
		)
	}
	if record.LastAnalysis != nil {
		rows = append(rows,
			[]interface{}{"Conversation Risk", record.LastAnalysis.RiskScore},
			[]interface{}{"Indicators", strings.Join(record.LastAnalysis.Indicators, ", ")},
		)
	}
	if record.Decision != nil {
		rows = append(rows,
			[]interface{}{"Decision", string(record.Decision.Action)},
			[]interface{}{"Decision Risk", record.Decision.RiskScore},
			[]interface{}{"Reason", record.Decision.Reason},
		)
	}
	if record.ScamReport != nil {
		rows = append(rows, []interface{}{"Scam Report", record.ScamReport.Message})
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
		if err := f.SetCellStyle(SheetSummary, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set summary style: %w", err)
		}
	}
	return f.SetColWidth(SheetSummary, "A", "B", 24)
}

func writeTranscript(f *excelize.File, record *models.CallRecord, style int) error {
	if err := writeHeader(f, SheetTranscript, TranscriptHeader, style); err != nil {
		return err
	}
	for i, e := range record.Transcript {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{i + 1, formatTime(e.Timestamp), string(e.Speaker), e.Text, e.Interrupted}
		if err := f.SetSheetRow(SheetTranscript, cell, &row); err != nil {
			return fmt.Errorf("failed to write transcript row %d: %w", i, err)
		}
	}
	return f.SetColWidth(SheetTranscript, "D", "D", 80)
}

func writeActivity(f *excelize.File, record *models.CallRecord, style int) error {
	if err := writeHeader(f, SheetActivity, ActivityHeader, style); err != nil {
		return err
	}
	for i, a := range record.ActivityLog {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{formatTime(a.Timestamp), a.Stage, a.Tool, a.ToolDescription, a.Degraded, formatData(a.Data)}
		if err := f.SetSheetRow(SheetActivity, cell, &row); err != nil {
			return fmt.Errorf("failed to write activity row %d: %w", i, err)
		}
	}
	return f.SetColWidth(SheetActivity, "F", "F", 80)
}

func writeHeader(f *excelize.File, sheet string, header []string, style int) error {
	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &row); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("failed to set %s header style: %w", sheet, err)
	}
	return nil
}

// formatData 按键排序输出 k=v
func formatData(data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+data[k])
	}
	return strings.Join(parts, "; ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fileName(callID string) string {
	var b strings.Builder
	for _, r := range callID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString("_" + strconv.Itoa(int(r)))
		}
	}
	return b.String()
}
