package nodes

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/birdayz/kflow/kbuilder"
	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
)

// Register adds every built-in node that can be created from configuration.
// Filter and Map take Go functions and are only available in code.
func Register(reg *kbuilder.Registry) error {
	factories := map[string]kbuilder.Factory{
		"list_source":  newListSource,
		"sample":       newSample,
		"append":       func(kbuilder.Config) (knode.Node, error) { return &Append{}, nil },
		"aggregate":    newAggregate,
		"distinct":     newDistinct,
		"field_map":    newFieldMap,
		"csv_source":   newCSVSource,
		"csv_target":   newCSVTarget,
		"sql_source":   newSQLSource,
		"sql_target":   newSQLTarget,
		"kafka_source": newKafkaSource,
		"kafka_target": newKafkaTarget,
	}
	for typ, f := range factories {
		if err := reg.Register(typ, f); err != nil {
			return err
		}
	}
	return nil
}

// optionalFields is like FieldList but returns nil for no specs.
func optionalFields(specs []FieldSpec) (*kfield.FieldList, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	return FieldList(specs)
}

func parseDelimiter(s string) (rune, error) {
	if s == "" {
		return 0, nil
	}
	if s == `\t` {
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", s)
	}
	return r, nil
}

func newListSource(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Fields []FieldSpec `yaml:"fields"`
		Rows   [][]any     `yaml:"rows"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	fields, err := FieldList(c.Fields)
	if err != nil {
		return nil, err
	}

	rows := make([]kpipe.Row, len(c.Rows))
	for i, r := range c.Rows {
		if len(r) != fields.Len() {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), fields.Len())
		}
		row := make(kpipe.Row, len(r))
		for j, v := range r {
			row[j] = coerce(fields.Field(j).StorageType, v)
		}
		rows[i] = row
	}
	return &ListSource{Fields: fields, Rows: rows}, nil
}

func newSample(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Size int    `yaml:"size"`
		Mode string `yaml:"mode"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &Sample{Size: c.Size, Mode: SampleMode(c.Mode)}, nil
}

func newAggregate(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Keys         []string `yaml:"keys"`
		Measures     []string `yaml:"measures"`
		Aggregations []string `yaml:"aggregations"`
		CountField   string   `yaml:"count_field"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	a := &Aggregate{Keys: c.Keys, Measures: c.Measures, CountField: c.CountField}
	for _, agg := range c.Aggregations {
		a.Aggregations = append(a.Aggregations, Aggregation(agg))
	}
	return a, nil
}

func newDistinct(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Keys    []string `yaml:"keys"`
		Discard bool     `yaml:"discard"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &Distinct{Keys: c.Keys, Discard: c.Discard}, nil
}

func newFieldMap(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Rename map[string]string `yaml:"rename"`
		Drop   []string          `yaml:"drop"`
		Keep   []string          `yaml:"keep"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &FieldMap{Rename: c.Rename, Drop: c.Drop, Keep: c.Keep}, nil
}

type csvConfig struct {
	Path      string      `yaml:"path"`
	Delimiter string      `yaml:"delimiter"`
	Header    bool        `yaml:"header"`
	Fields    []FieldSpec `yaml:"fields"`
}

func newCSVSource(cfg kbuilder.Config) (knode.Node, error) {
	var c csvConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	delim, err := parseDelimiter(c.Delimiter)
	if err != nil {
		return nil, err
	}
	fields, err := optionalFields(c.Fields)
	if err != nil {
		return nil, err
	}
	return &CSVSource{Path: c.Path, Delimiter: delim, Header: c.Header, Fields: fields}, nil
}

func newCSVTarget(cfg kbuilder.Config) (knode.Node, error) {
	var c csvConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if len(c.Fields) > 0 {
		return nil, fmt.Errorf("csv target takes its fields from the input")
	}
	delim, err := parseDelimiter(c.Delimiter)
	if err != nil {
		return nil, err
	}
	return &CSVTarget{Path: c.Path, Delimiter: delim, Header: c.Header}, nil
}

func newSQLSource(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Driver string      `yaml:"driver"`
		DSN    string      `yaml:"dsn"`
		Query  string      `yaml:"query"`
		Args   []any       `yaml:"args"`
		Fields []FieldSpec `yaml:"fields"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	fields, err := optionalFields(c.Fields)
	if err != nil {
		return nil, err
	}
	return &SQLSource{Driver: c.Driver, DSN: c.DSN, Query: c.Query, Args: c.Args, Fields: fields}, nil
}

func newSQLTarget(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Dialect   string `yaml:"dialect"`
		Table     string `yaml:"table"`
		Create    bool   `yaml:"create"`
		Truncate  bool   `yaml:"truncate"`
		BatchSize int    `yaml:"batch_size"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &SQLTarget{
		Driver:    c.Driver,
		DSN:       c.DSN,
		Dialect:   c.Dialect,
		Table:     c.Table,
		Create:    c.Create,
		Truncate:  c.Truncate,
		BatchSize: c.BatchSize,
	}, nil
}

func newKafkaSource(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Brokers     []string    `yaml:"brokers"`
		Topic       string      `yaml:"topic"`
		Fields      []FieldSpec `yaml:"fields"`
		MaxRecords  int         `yaml:"max_records"`
		IdleTimeout string      `yaml:"idle_timeout"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	fields, err := FieldList(c.Fields)
	if err != nil {
		return nil, err
	}
	var idle time.Duration
	if c.IdleTimeout != "" {
		if idle, err = time.ParseDuration(c.IdleTimeout); err != nil {
			return nil, fmt.Errorf("idle_timeout: %w", err)
		}
	}
	return &KafkaSource{
		Brokers:     c.Brokers,
		Topic:       c.Topic,
		Fields:      fields,
		MaxRecords:  c.MaxRecords,
		IdleTimeout: idle,
	}, nil
}

func newKafkaTarget(cfg kbuilder.Config) (knode.Node, error) {
	var c struct {
		Brokers           []string `yaml:"brokers"`
		Topic             string   `yaml:"topic"`
		KeyField          string   `yaml:"key_field"`
		CreateTopic       bool     `yaml:"create_topic"`
		Partitions        int32    `yaml:"partitions"`
		ReplicationFactor int16    `yaml:"replication_factor"`
	}
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &KafkaTarget{
		Brokers:           c.Brokers,
		Topic:             c.Topic,
		KeyField:          c.KeyField,
		CreateTopic:       c.CreateTopic,
		Partitions:        c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
	}, nil
}
