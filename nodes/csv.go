package nodes

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
	"go.uber.org/multierr"
)

// CSVSource reads rows from a CSV file. Field names come from the header
// line when Header is set and Fields is nil; values are converted to the
// storage type of their field, string fields stay strings.
type CSVSource struct {
	knode.Source

	Path      string
	Delimiter rune
	Header    bool
	Fields    *kfield.FieldList

	file   *os.File
	reader *csv.Reader
	fields *kfield.FieldList
}

func (s *CSVSource) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Finalize(ctx))
		}
	}()

	if s.Path == "" {
		return fmt.Errorf("%w: csv path", ErrMissingSetting)
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	s.file = f
	s.reader = csv.NewReader(f)
	if s.Delimiter != 0 {
		s.reader.Comma = s.Delimiter
	}

	var header []string
	if s.Header {
		header, err = s.reader.Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read header of %s: %w", s.Path, err)
		}
	}

	switch {
	case s.Fields != nil:
		s.fields = s.Fields
	case header != nil:
		fields := make([]kfield.Field, len(header))
		for i, name := range header {
			fields[i] = kfield.NewField(name, kfield.StorageString)
		}
		if s.fields, err = kfield.New(fields...); err != nil {
			return fmt.Errorf("header of %s: %w", s.Path, err)
		}
	default:
		return fmt.Errorf("%w: csv source %s has neither header nor fields", knode.ErrOutputFieldsUndeclared, s.Path)
	}
	s.reader.FieldsPerRecord = s.fields.Len()
	return nil
}

func (s *CSVSource) OutputFields() (*kfield.FieldList, error) {
	if s.fields == nil {
		return s.Source.OutputFields()
	}
	return s.fields, nil
}

func (s *CSVSource) Run(ctx context.Context) error {
	fields := s.fields.Fields()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", s.Path, err)
		}

		row := make(kpipe.Row, len(record))
		for i, v := range record {
			row[i] = coerce(fields[i].StorageType, v)
		}
		if !s.Put(row) {
			return nil
		}
	}
}

func (s *CSVSource) Finalize(ctx context.Context) error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}

func (s *CSVSource) Attributes() map[string]any {
	return map[string]any{
		"path":      s.Path,
		"delimiter": string(delimiterOrDefault(s.Delimiter)),
		"header":    s.Header,
	}
}

// CSVTarget writes the rows of its single input to a CSV file, truncating
// it first.
type CSVTarget struct {
	knode.Target

	Path      string
	Delimiter rune
	Header    bool

	file   *os.File
	writer *csv.Writer
}

func (t *CSVTarget) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, t.Finalize(ctx))
		}
	}()

	if t.Path == "" {
		return fmt.Errorf("%w: csv path", ErrMissingSetting)
	}
	if err := requireInputs(t, 1); err != nil {
		return err
	}

	f, err := os.Create(t.Path)
	if err != nil {
		return err
	}
	t.file = f
	t.writer = csv.NewWriter(f)
	t.writer.Comma = delimiterOrDefault(t.Delimiter)

	if t.Header {
		if err := t.writer.Write(t.InputFields().Names()); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	return nil
}

func (t *CSVTarget) Run(ctx context.Context) error {
	var record []string
	for row := range t.Input(0).Rows() {
		record = record[:0]
		for _, v := range row {
			record = append(record, formatCSV(v))
		}
		if err := t.writer.Write(record); err != nil {
			return fmt.Errorf("write %s: %w", t.Path, err)
		}
	}
	t.writer.Flush()
	return t.writer.Error()
}

func (t *CSVTarget) Finalize(ctx context.Context) error {
	if t.file == nil {
		return nil
	}
	t.writer.Flush()
	err := multierr.Combine(t.writer.Error(), t.file.Close())
	t.file, t.writer = nil, nil
	return err
}

func (t *CSVTarget) Attributes() map[string]any {
	return map[string]any{
		"path":      t.Path,
		"delimiter": string(delimiterOrDefault(t.Delimiter)),
		"header":    t.Header,
	}
}

func delimiterOrDefault(r rune) rune {
	if r == 0 {
		return ','
	}
	return r
}

func formatCSV(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
