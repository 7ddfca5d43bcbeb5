package catalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrMissingHeader = errors.New("catalog: missing header row")
	ErrInvalidUTF8   = errors.New("catalog: invalid UTF-8")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions controls how rows become records.
type CSVOptions struct {
	// IDColumn names the column holding a stable id. When empty or absent from
	// the header, ids are derived from the source name and row number.
	IDColumn string
	// Comma overrides the field delimiter.
	Comma rune
}

// CSVFile is a Source reading a UTF-8 CSV file on every Load.
type CSVFile struct {
	Path string
	Opts CSVOptions
}

func (c *CSVFile) Name() string { return filepath.Base(c.Path) }

func (c *CSVFile) Load(ctx context.Context) ([]Record, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	defer f.Close()
	return ReadCSV(ctx, f, c.Name(), c.Opts)
}

// ReadCSV parses UTF-8 CSV. The first row is the header; each following row
// becomes one record with attributes keyed by trimmed header names. A leading
// byte-order mark is ignored.
func ReadCSV(ctx context.Context, r io.Reader, name string, opts CSVOptions) ([]Record, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: header: %w", name, err)
	}
	keys := make([]string, len(header))
	idCol := -1
	for i, h := range header {
		if !utf8.ValidString(h) {
			return nil, fmt.Errorf("%s: header: %w", name, ErrInvalidUTF8)
		}
		keys[i] = strings.TrimSpace(h)
		if keys[i] == "" {
			keys[i] = "column_" + strconv.Itoa(i+1)
		}
		if opts.IDColumn != "" && keys[i] == opts.IDColumn {
			idCol = i
		}
	}

	var records []Record
	for row := 0; ; row++ {
		if row%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: row %d: %w", name, row+1, err)
		}
		attrs := make(map[string]string, len(keys))
		for i, v := range fields {
			if !utf8.ValidString(v) {
				return nil, fmt.Errorf("%s: row %d column %q: %w", name, row+1, keys[i], ErrInvalidUTF8)
			}
			attrs[keys[i]] = strings.TrimSpace(v)
		}

		id := rowID(name, row)
		if idCol >= 0 {
			id = attrs[keys[idCol]]
		}
		records = append(records, NewRecord(id, keys, attrs))
	}

	if err := Validate(records); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return records, nil
}

// rowID is deterministic so reloading an unchanged file yields the same ids.
func rowID(source string, row int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(row))).String()
}
