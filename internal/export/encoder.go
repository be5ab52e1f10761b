package export

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrDialectConflict = errors.New("delimiter and quote character must differ")
	ErrBadDialectChar  = errors.New("delimiter and quote must be a single character")
)

// Encoder writes records as RFC-4180-style CSV with a configurable dialect.
// It holds no per-record buffering beyond the line being assembled; callers
// that want buffered output wrap the destination in a bufio.Writer.
type Encoder struct {
	w         io.Writer
	columns   []string
	delimiter rune
	quote     rune

	// Precomputed for the quoting decision.
	needsQuote   string
	escapedQuote string
}

// NewEncoder validates the dialect and returns an encoder bound to w.
// columns fixes both header content and the field order of every record.
func NewEncoder(w io.Writer, columns []string, delimiter, quote rune) (*Encoder, error) {
	if delimiter == quote {
		return nil, ErrDialectConflict
	}
	if delimiter == 0 || quote == 0 {
		return nil, ErrBadDialectChar
	}
	q := string(quote)
	return &Encoder{
		w:            w,
		columns:      columns,
		delimiter:    delimiter,
		quote:        quote,
		needsQuote:   string(delimiter) + q + "\n\r",
		escapedQuote: q + q,
	}, nil
}

// WriteHeader emits the header line. Column names are always quoted.
func (e *Encoder) WriteHeader() error {
	var sb strings.Builder
	for i, col := range e.columns {
		if i > 0 {
			sb.WriteRune(e.delimiter)
		}
		sb.WriteRune(e.quote)
		sb.WriteString(strings.ReplaceAll(col, string(e.quote), e.escapedQuote))
		sb.WriteRune(e.quote)
	}
	sb.WriteByte('\n')
	if _, err := io.WriteString(e.w, sb.String()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// WriteRecord emits one data line with fields in column order. Missing keys
// render as empty fields. A field is quoted only when it contains the
// delimiter, the quote character, or a line break; an embedded quote is
// escaped by doubling.
func (e *Encoder) WriteRecord(rec Record) error {
	var sb strings.Builder
	for i, col := range e.columns {
		if i > 0 {
			sb.WriteRune(e.delimiter)
		}
		e.appendField(&sb, rec[col])
	}
	sb.WriteByte('\n')
	if _, err := io.WriteString(e.w, sb.String()); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

func (e *Encoder) appendField(sb *strings.Builder, value string) {
	if !strings.ContainsAny(value, e.needsQuote) {
		sb.WriteString(value)
		return
	}
	sb.WriteRune(e.quote)
	sb.WriteString(strings.ReplaceAll(value, string(e.quote), e.escapedQuote))
	sb.WriteRune(e.quote)
}
