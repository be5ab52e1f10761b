package export

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// DefaultBatchSize is the number of rows fetched from the cursor per round
// trip when no override is configured.
const DefaultBatchSize = 1000

// RowSource is a paged, forward-only iterator over the filtered users table.
// It holds one pooled connection (via its transaction) for its whole
// lifetime; Close releases the cursor and returns the connection on every
// exit path.
type RowSource struct {
	tx         *sql.Tx
	cursorName string
	columns    []string
	batchSize  int
	closed     bool
}

// CountRows resolves totalRows for the filter set.
func CountRows(ctx context.Context, db *sql.DB, filters Filters) (int64, error) {
	query, args := buildCountQuery(filters)
	var total int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return total, nil
}

// OpenRowSource begins a transaction and declares a server-side cursor over
// the filtered projection. cursorName must be unique per job.
func OpenRowSource(ctx context.Context, db *sql.DB, filters Filters, columns []string, batchSize int, cursorName string) (*RowSource, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning cursor transaction: %w", err)
	}

	query, args := buildSelectQuery(filters, columns)
	declare := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", pq.QuoteIdentifier(cursorName), query)
	if _, err := tx.ExecContext(ctx, declare, args...); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("declaring cursor: %w", err)
	}

	return &RowSource{
		tx:         tx,
		cursorName: cursorName,
		columns:    columns,
		batchSize:  batchSize,
	}, nil
}

// Next fetches up to batchSize records from the cursor. A nil batch with a
// nil error means the result set is exhausted.
func (s *RowSource) Next(ctx context.Context) ([]Record, error) {
	fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", s.batchSize, pq.QuoteIdentifier(s.cursorName))
	rows, err := s.tx.QueryContext(ctx, fetch)
	if err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}
	defer rows.Close()

	var batch []Record
	values := make([]interface{}, len(s.columns))
	scanTargets := make([]interface{}, len(s.columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		rec := make(Record, len(s.columns))
		for i, col := range s.columns {
			rec[col] = formatValue(values[i])
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}
	return batch, nil
}

// Close releases the cursor and rolls the transaction back, returning the
// connection to the pool. Safe to call more than once.
func (s *RowSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.tx.Exec(fmt.Sprintf("CLOSE %s", pq.QuoteIdentifier(s.cursorName))); err != nil {
		log.Printf("[RowSource] Closing cursor %s: %v", s.cursorName, err)
	}
	return s.tx.Rollback()
}

// formatValue renders a scanned database value as its canonical CSV text.
// Numbers carry no locale formatting; timestamps are ISO-8601 UTC with
// fractional seconds only when the source has them.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		t := val.UTC()
		if t.Nanosecond() != 0 {
			return t.Format("2006-01-02T15:04:05.999999999Z07:00")
		}
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// cursorNameForJob derives a Postgres-safe cursor name from the job id.
func cursorNameForJob(id string) string {
	return "export_cursor_" + strings.ReplaceAll(id, "-", "_")
}
