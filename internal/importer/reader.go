// Package importer turns user-supplied CSV files into canonical transactions.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// RawRow is one CSV record keyed by header name.
type RawRow struct {
	Line   int // 1-based line number of the record in the file
	Fields map[string]string
}

// Get returns the trimmed value of column name.
func (r RawRow) Get(name string) (string, bool) {
	v, ok := r.Fields[name]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// ReadOptions configures ReadRows.
type ReadOptions struct {
	// Delimiter is the field separator. Zero means detect from the header
	// line among ',', ';' and tab.
	Delimiter rune
}

// RowError is a malformed CSV record. Reading continues after it.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ReadRows returns the records of r keyed by the header line. Malformed
// records yield a *RowError and reading continues; any other read error is
// yielded once and ends the sequence. The sequence is single pass.
func ReadRows(r io.Reader, opts ReadOptions) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		cr, header, err := openCSV(r, opts)
		if err != nil {
			yield(RawRow{}, err)
			return
		}
		if header == nil {
			return
		}

		for {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if !yield(RawRow{Line: perr.StartLine}, &RowError{Line: perr.StartLine, Err: err}) {
						return
					}
					continue
				}
				yield(RawRow{}, fmt.Errorf("ReadRows: %w", err))
				return
			}
			if isBlank(rec) {
				continue
			}

			line, _ := cr.FieldPos(0)
			row := RawRow{Line: line, Fields: make(map[string]string, len(header))}
			for i, name := range header {
				if i < len(rec) {
					row.Fields[name] = rec[i]
				}
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Headers returns the header line of r in file order and up to n sample
// records. Malformed sample records are skipped.
func Headers(r io.Reader, opts ReadOptions, n int) ([]string, []map[string]string, error) {
	cr, header, err := openCSV(r, opts)
	if err != nil || header == nil {
		return nil, nil, err
	}

	var samples []map[string]string
	for len(samples) < n {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, nil, fmt.Errorf("Headers: %w", err)
		}
		if isBlank(rec) {
			continue
		}
		sample := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				sample[name] = strings.TrimSpace(rec[i])
			}
		}
		samples = append(samples, sample)
	}
	return header, samples, nil
}

// openCSV strips a UTF-8 BOM, picks the delimiter and reads the header line.
// An empty input returns a nil header and no error.
func openCSV(r io.Reader, opts ReadOptions) (*csv.Reader, []string, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	delim := opts.Delimiter
	if delim == 0 {
		// a failed peek still returns what was buffered; the error
		// surfaces again on the first read
		head, _ := br.Peek(br.Size())
		delim = detectDelimiter(firstLine(head))
	}

	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return cr, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return cr, header, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func detectDelimiter(line string) rune {
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t'} {
		if c := countOutsideQuotes(line, d); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

func countOutsideQuotes(line string, d rune) int {
	n, quoted := 0, false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case r == d && !quoted:
			n++
		}
	}
	return n
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
