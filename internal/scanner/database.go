package scanner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
)

// Textual column types worth sampling for PII content.
var textualColumnTypes = map[string]bool{
	"text":              true,
	"character varying": true,
	"character":         true,
	"citext":            true,
	"varchar":           true,
}

// DatabaseScanner samples tables from a read-only Postgres connection and
// classifies columns by PII kind. FAST/SMART/DEEP modes differ only in the
// per-table row budget; the detection logic is identical. The DSN arrives as
// an opaque secret handle and the resolved plaintext never reaches a log.
type DatabaseScanner struct {
	deps Deps
}

func NewDatabaseScanner(deps Deps) *DatabaseScanner {
	return &DatabaseScanner{deps: deps}
}

func (s *DatabaseScanner) Type() models.ScanType { return models.ScanTypeDatabase }

// RetrySafe is true: connection drops are transient.
func (s *DatabaseScanner) RetrySafe() bool { return true }

func (s *DatabaseScanner) Run(ctx context.Context, req *models.ScanRequest, snap *registry.Snapshot, emit Emit) (*SummaryHints, error) {
	mode := req.Options.Mode
	if mode == "" {
		mode = models.ScanModeFast
	}
	hints := &SummaryHints{Units: map[string]int{}, ScanMode: mode}

	if req.Target.DSNHandle == "" {
		return hints, fmt.Errorf("database scan requires a dsn handle")
	}
	dsn, err := s.deps.Secrets.Resolve(ctx, req.Target.DSNHandle)
	if err != nil {
		return hints, fmt.Errorf("resolving dsn handle: %w", err)
	}

	db, err := s.deps.openDB("postgres", dsn)
	if err != nil {
		return hints, fmt.Errorf("opening database connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(4)

	tables, err := s.discoverTables(ctx, db)
	if err != nil {
		return hints, fmt.Errorf("discovering tables: %w", err)
	}
	if err := emitProgress(emit, 5, fmt.Sprintf("%d tables discovered", len(tables))); err != nil {
		return hints, err
	}

	budget := mode.SampleBudget()
	for i, table := range tables {
		if err := ctx.Err(); err != nil {
			hints.Partial = true
			return hints, err
		}

		sample, err := s.sampleTable(ctx, db, table, budget)
		if err != nil {
			if ctx.Err() != nil {
				hints.Partial = true
				return hints, ctx.Err()
			}
			if derr := emitDiagnostic(emit, models.DiagWarning, fmt.Sprintf("table %s skipped: %v", table.qualified(), err)); derr != nil {
				return hints, derr
			}
			continue
		}
		hints.FilesScanned++
		if sample == nil {
			continue // no textual columns
		}
		hints.Units["rows_sampled"] += len(sample.Rows)

		classifications, err := detect.AnalyzeTable(ctx, sample, snap, req.Options.Regions)
		if err != nil {
			hints.Partial = true
			return hints, err
		}
		findings := make([]models.Finding, 0, len(classifications))
		for _, c := range classifications {
			findings = append(findings, detect.ColumnFinding(c))
		}
		if err := emitFindings(emit, stampOwnership(req.RequestID, findings)); err != nil {
			return hints, err
		}

		pct := 5 + (i+1)*95/len(tables)
		if err := emitProgress(emit, pct, fmt.Sprintf("table %d/%d sampled", i+1, len(tables))); err != nil {
			return hints, err
		}
	}
	return hints, nil
}

type tableRef struct {
	schema string
	name   string
}

func (t tableRef) qualified() string {
	return t.schema + "." + t.name
}

func (s *DatabaseScanner) discoverTables(ctx context.Context, db *sql.DB) ([]tableRef, error) {
	qctx, cancel := context.WithTimeout(ctx, s.deps.queryTimeout())
	defer cancel()

	rows, err := db.QueryContext(qctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []tableRef
	for rows.Next() {
		var t tableRef
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// sampleTable reads up to budget rows of the table's textual columns. Tables
// without textual columns return a nil sample.
func (s *DatabaseScanner) sampleTable(ctx context.Context, db *sql.DB, table tableRef, budget int) (*detect.TableSample, error) {
	qctx, cancel := context.WithTimeout(ctx, s.deps.queryTimeout())
	defer cancel()

	colRows, err := db.QueryContext(qctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, table.schema, table.name)
	if err != nil {
		return nil, err
	}
	var columns []string
	for colRows.Next() {
		var name, dataType string
		if err := colRows.Scan(&name, &dataType); err != nil {
			colRows.Close()
			return nil, err
		}
		if textualColumnTypes[strings.ToLower(dataType)] {
			columns = append(columns, name)
		}
	}
	colRows.Close()
	if err := colRows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s.%s LIMIT %d",
		strings.Join(quoted, ", "),
		pq.QuoteIdentifier(table.schema), pq.QuoteIdentifier(table.name), budget)

	rows, err := db.QueryContext(qctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sample := &detect.TableSample{Table: table.qualified(), Columns: columns}
	dest := make([]sql.NullString, len(columns))
	scanArgs := make([]interface{}, len(columns))
	for i := range dest {
		scanArgs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		row := make([]string, len(columns))
		for i, v := range dest {
			if v.Valid {
				row[i] = v.String
			}
		}
		sample.Rows = append(sample.Rows, row)
	}
	return sample, rows.Err()
}
