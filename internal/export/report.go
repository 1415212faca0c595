// Package export renders daily condition reports from the history archive.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"vivarium-core/internal/history/postgres"
	safety "vivarium-core/internal/safety/domain"
	sensors "vivarium-core/internal/sensors/domain"
)

// MetricSummary aggregates one metric over the report window.
type MetricSummary struct {
	Metric  sensors.Metric `json:"metric"`
	Unit    string         `json:"unit"`
	Count   int            `json:"count"`
	Min     float64        `json:"min"`
	Max     float64        `json:"max"`
	Average float64        `json:"average"`
}

// DailyReport is one day of enclosure conditions and safety activity.
type DailyReport struct {
	Day       time.Time       `json:"day"`
	Summaries []MetricSummary `json:"summaries"`
	Alerts    []safety.Alert  `json:"alerts"`
}

// BuildDailyReport aggregates archived rows into a report.
func BuildDailyReport(day time.Time, readings []postgres.ReadingRow, alerts []safety.Alert) DailyReport {
	type acc struct {
		unit  string
		count int
		min   float64
		max   float64
		sum   float64
	}
	byMetric := make(map[sensors.Metric]*acc)
	for _, row := range readings {
		a, ok := byMetric[row.Metric]
		if !ok {
			a = &acc{unit: row.Unit, min: row.Value, max: row.Value}
			byMetric[row.Metric] = a
		}
		if row.Value < a.min {
			a.min = row.Value
		}
		if row.Value > a.max {
			a.max = row.Value
		}
		a.sum += row.Value
		a.count++
	}

	summaries := make([]MetricSummary, 0, len(byMetric))
	for metric, a := range byMetric {
		summaries = append(summaries, MetricSummary{
			Metric:  metric,
			Unit:    a.unit,
			Count:   a.count,
			Min:     a.min,
			Max:     a.max,
			Average: a.sum / float64(a.count),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Metric < summaries[j].Metric })

	return DailyReport{Day: day, Summaries: summaries, Alerts: alerts}
}

// BuildPDF renders the report as a one-page PDF.
func BuildPDF(report DailyReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Vivarium Daily Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Day: %s", report.Day.Format("2006-01-02")))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(45, 6, "Metric", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Samples", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Min", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Max", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Average", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, summary := range report.Summaries {
		pdf.CellFormat(45, 6, string(summary.Metric), "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d", summary.Count), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f %s", summary.Min, summary.Unit), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f %s", summary.Max, summary.Unit), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f %s", summary.Average, summary.Unit), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts (%d)", len(report.Alerts)))
	pdf.Ln(7)
	pdf.SetFont("Arial", "", 10)
	for _, alert := range report.Alerts {
		closed := "open"
		if !alert.ClosedAt.IsZero() {
			closed = alert.ClosedAt.Format(time.RFC3339)
		}
		pdf.Cell(0, 6, fmt.Sprintf("%s  %s  %s  value=%.2f  opened=%s  closed=%s",
			alert.Severity, alert.RuleID, shortID(alert.AlertID), alert.MetricValue,
			alert.OpenedAt.Format(time.RFC3339), closed))
		pdf.Ln(5)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// BuildXLSX renders the report as a two-sheet workbook.
func BuildXLSX(report DailyReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "Summary"
	f.SetSheetName(f.GetSheetName(0), summarySheet)
	headers := []string{"Metric", "Unit", "Samples", "Min", "Max", "Average"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(summarySheet, cell, header)
	}
	for row, summary := range report.Summaries {
		values := []any{string(summary.Metric), summary.Unit, summary.Count, summary.Min, summary.Max, summary.Average}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(summarySheet, cell, value)
		}
	}

	const alertSheet = "Alerts"
	if _, err := f.NewSheet(alertSheet); err != nil {
		return nil, err
	}
	alertHeaders := []string{"Alert ID", "Rule", "Severity", "Value", "Opened", "Closed"}
	for i, header := range alertHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(alertSheet, cell, header)
	}
	for row, alert := range report.Alerts {
		closed := ""
		if !alert.ClosedAt.IsZero() {
			closed = alert.ClosedAt.Format(time.RFC3339)
		}
		values := []any{alert.AlertID, alert.RuleID, string(alert.Severity), alert.MetricValue,
			alert.OpenedAt.Format(time.RFC3339), closed}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(alertSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildCSV renders the summary section as CSV.
func BuildCSV(report DailyReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"metric", "unit", "samples", "min", "max", "average"}); err != nil {
		return nil, err
	}
	for _, summary := range report.Summaries {
		record := []string{
			string(summary.Metric),
			summary.Unit,
			fmt.Sprintf("%d", summary.Count),
			fmt.Sprintf("%.2f", summary.Min),
			fmt.Sprintf("%.2f", summary.Max),
			fmt.Sprintf("%.2f", summary.Average),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
