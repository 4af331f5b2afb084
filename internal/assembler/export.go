package assembler

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/quillreport/quill/internal/model"
)

// ExportXLSX writes a workbook summarizing a finished task: one sheet of
// per-placeholder outcomes and one sheet with the quality summary.
func ExportXLSX(w io.Writer, task *model.ResolutionTask) error {
	file := xlsx.NewFile()

	sheet, err := file.AddSheet("Placeholders")
	if err != nil {
		return eris.Wrap(err, "assembler: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Placeholder", "Type", "Status", "Content", "Error", "Confidence", "From Cache", "Duration (ms)"} {
		header.AddCell().Value = h
	}

	for _, r := range task.Results {
		row := sheet.AddRow()
		row.AddCell().Value = r.PlaceholderName
		row.AddCell().Value = string(r.Type)
		if r.Success {
			row.AddCell().Value = "resolved"
		} else {
			row.AddCell().Value = "failed"
		}
		row.AddCell().Value = r.Content
		row.AddCell().Value = r.Error
		row.AddCell().SetFloatWithFormat(r.Confidence, "0.00")
		row.AddCell().SetBool(r.FromCache)
		row.AddCell().SetInt64(r.DurationMs)
	}

	if task.Quality != nil {
		summary, err := file.AddSheet("Quality")
		if err != nil {
			return eris.Wrap(err, "assembler: add sheet")
		}
		for _, pair := range [][2]string{
			{"Total placeholders", fmt.Sprintf("%d", task.Quality.TotalPlaceholders)},
			{"Resolved", fmt.Sprintf("%d", task.Quality.ResolvedCount)},
			{"Failed", fmt.Sprintf("%d", task.Quality.FailedCount)},
			{"Average confidence", fmt.Sprintf("%.2f", task.Quality.AverageConfidence)},
		} {
			row := summary.AddRow()
			row.AddCell().Value = pair[0]
			row.AddCell().Value = pair[1]
		}
	}

	if err := file.Write(w); err != nil {
		return eris.Wrap(err, "assembler: write workbook")
	}
	return nil
}
