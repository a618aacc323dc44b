package detect

import (
	"context"
	"fmt"
	"sort"

	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// minColumnMatches is the minimum number of confirmed cell matches required
// before a column is claimed for a PII kind.
const minColumnMatches = 3

// ColumnClassification is the verdict for one sampled column.
type ColumnClassification struct {
	Table      string
	Column     string
	PIIKind    string
	Matches    int
	Sampled    int
	Validated  bool
	Confidence float64
	Severity   models.Severity
}

// TableSample is the sampled contents of one table.
type TableSample struct {
	Table   string
	Columns []string
	Rows    [][]string
}

// AnalyzeTable classifies columns by the majority PII kind of their sampled
// cells. Cancellation is observed between rows.
func AnalyzeTable(ctx context.Context, sample *TableSample, snap *registry.Snapshot, regions []string) ([]ColumnClassification, error) {
	type cellStats struct {
		kinds      map[string]int
		validated  map[string]int
		confidence map[string]float64
		severity   map[string]models.Severity
	}
	stats := make([]cellStats, len(sample.Columns))
	for i := range stats {
		stats[i] = cellStats{
			kinds:      make(map[string]int),
			validated:  make(map[string]int),
			confidence: make(map[string]float64),
			severity:   make(map[string]models.Severity),
		}
	}

	for _, row := range sample.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for col, cell := range row {
			if col >= len(sample.Columns) || cell == "" {
				continue
			}
			for _, m := range snap.Match(cell, regions) {
				s := &stats[col]
				s.kinds[m.Kind]++
				if m.Validated {
					s.validated[m.Kind]++
				}
				s.confidence[m.Kind] += m.Confidence
				s.severity[m.Kind] = m.Severity
			}
		}
	}

	var classifications []ColumnClassification
	for col, s := range stats {
		kind, count := majorityKind(s.kinds)
		if count < minColumnMatches {
			continue
		}
		classifications = append(classifications, ColumnClassification{
			Table:      sample.Table,
			Column:     sample.Columns[col],
			PIIKind:    kind,
			Matches:    count,
			Sampled:    len(sample.Rows),
			Validated:  s.validated[kind] > count/2,
			Confidence: s.confidence[kind] / float64(count),
			Severity:   s.severity[kind],
		})
	}
	sort.Slice(classifications, func(i, j int) bool {
		return classifications[i].Column < classifications[j].Column
	})
	return classifications, nil
}

// majorityKind returns the kind with the most confirmed matches. Ties break
// alphabetically for determinism.
func majorityKind(kinds map[string]int) (string, int) {
	var best string
	bestCount := 0
	for kind, count := range kinds {
		if count > bestCount || (count == bestCount && kind < best) {
			best, bestCount = kind, count
		}
	}
	return best, bestCount
}

// ColumnFinding converts a classification into a canonical finding.
func ColumnFinding(c ColumnClassification) models.Finding {
	ruleID := "COLUMN_" + c.PIIKind
	excerpt := fmt.Sprintf("%d/%d sampled cells matched %s", c.Matches, c.Sampled, c.PIIKind)
	if c.Validated {
		excerpt += " (validated)"
	}
	return models.Finding{
		Type:       "pii_column",
		Category:   models.CategoryPII,
		Severity:   c.Severity,
		Location:   fmt.Sprintf("table=%s column=%s", c.Table, c.Column),
		Excerpt:    excerpt,
		Confidence: c.Confidence,
		RuleID:     ruleID,
		PIIKind:    c.PIIKind,
	}
}
