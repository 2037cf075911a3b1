package task

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/sift/internal/schema"
)

// ErrUnsupportedFormat is returned for dataset files other than .json,
// .jsonl and .csv.
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// Dataset is a table of rows. Each row keeps its column order so output
// files list input columns as they appeared in the source.
type Dataset struct {
	InputField string
	Rows       []schema.Object
}

// LoadDataset reads a .json (array of objects), .jsonl or .csv file and
// checks that every row has inputField.
func LoadDataset(path, inputField string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var rows []schema.Object
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		rows, err = readJSONArray(f)
	case ".jsonl", ".ndjson":
		rows, err = readJSONLines(f)
	case ".csv":
		rows, err = readCSV(f)
	default:
		return nil, fmt.Errorf("%w: %q (want .json, .jsonl or .csv)", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}

	ds := &Dataset{InputField: inputField, Rows: rows}
	if err := ds.check(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return ds, nil
}

func (d *Dataset) check() error {
	for i, row := range d.Rows {
		if _, ok := row.Get(d.InputField); !ok {
			return fmt.Errorf("row %d: input column %q not found", i, d.InputField)
		}
	}
	return nil
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Rows) }

// Inputs returns the input text of every row.
func (d *Dataset) Inputs() []string {
	out := make([]string, len(d.Rows))
	for i, row := range d.Rows {
		v, _ := row.Get(d.InputField)
		out[i] = text(v)
	}
	return out
}

// Slice returns rows [start, end), clamped to the dataset.
func (d *Dataset) Slice(start, end int) *Dataset {
	start = min(max(start, 0), len(d.Rows))
	end = min(max(end, start), len(d.Rows))
	return &Dataset{InputField: d.InputField, Rows: d.Rows[start:end]}
}

// WithInputs returns a copy whose input column is replaced by texts.
func (d *Dataset) WithInputs(texts []string) (*Dataset, error) {
	if len(texts) != len(d.Rows) {
		return nil, fmt.Errorf("got %d inputs for %d rows", len(texts), len(d.Rows))
	}
	rows := make([]schema.Object, len(d.Rows))
	for i, row := range d.Rows {
		rows[i] = row.Merge(schema.Object{{Key: d.InputField, Value: texts[i]}})
	}
	return &Dataset{InputField: d.InputField, Rows: rows}, nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func readJSONArray(r io.Reader) ([]schema.Object, error) {
	var rows []schema.Object
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("expected a JSON array of objects: %w", err)
	}
	return rows, nil
}

func readJSONLines(r io.Reader) ([]schema.Object, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var rows []schema.Object
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var row schema.Object
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

func readCSV(r io.Reader) ([]schema.Object, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []schema.Object
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row := make(schema.Object, 0, len(header))
		for i, col := range header {
			row = append(row, schema.Member{Key: col, Value: rec[i]})
		}
		rows = append(rows, row)
	}
}
