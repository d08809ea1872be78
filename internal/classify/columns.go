package classify

import (
	"strconv"

	"github.com/feedback-triage/backend/internal/parser"
	"github.com/feedback-triage/backend/internal/prompt"
)

var (
	structuredColumns = []string{"Classification", "Bucket", "Justification", "Score"}
	scalarColumns     = []string{"Misconduct Score"}
)

// Columns names the result columns appended to the table for schema.
func Columns(schema prompt.Schema) []string {
	if schema == prompt.SchemaScalar {
		return append([]string(nil), scalarColumns...)
	}
	return append([]string(nil), structuredColumns...)
}

// Cells renders results as table cells matching Columns. Absent fields are
// empty cells.
func Cells(schema prompt.Schema, results []parser.Result) [][]string {
	cells := make([][]string, len(results))
	for i, r := range results {
		score := ""
		if r.Score != nil {
			score = strconv.Itoa(*r.Score)
		}
		if schema == prompt.SchemaScalar {
			cells[i] = []string{score}
			continue
		}
		cells[i] = []string{r.Urgency, r.Bucket, r.Justification, score}
	}
	return cells
}
