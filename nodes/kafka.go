package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"
)

// DefaultIdleTimeout is how long a KafkaSource waits for new records before
// it considers the topic drained.
const DefaultIdleTimeout = 5 * time.Second

// KafkaSource reads JSON object values from a topic, from the earliest
// offset, and emits them as rows of Fields. It stops after MaxRecords records
// or when no record arrived for IdleTimeout.
type KafkaSource struct {
	knode.Source

	Brokers     []string
	Topic       string
	Fields      *kfield.FieldList
	MaxRecords  int
	IdleTimeout time.Duration

	client *kgo.Client
}

func (s *KafkaSource) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Finalize(ctx))
		}
	}()

	if len(s.Brokers) == 0 || s.Topic == "" {
		return fmt.Errorf("%w: kafka source needs brokers and topic", ErrMissingSetting)
	}
	if s.Fields == nil {
		return fmt.Errorf("%w: kafka source needs fields", knode.ErrOutputFieldsUndeclared)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.Brokers...),
		kgo.ConsumeTopics(s.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	s.client = client
	return nil
}

func (s *KafkaSource) OutputFields() (*kfield.FieldList, error) {
	if s.Fields == nil {
		return s.Source.OutputFields()
	}
	return s.Fields, nil
}

func (s *KafkaSource) Run(ctx context.Context) error {
	idle := s.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	fields := s.Fields.Fields()

	read := 0
	for {
		pollCtx, cancel := context.WithTimeout(ctx, idle)
		fetches := s.client.PollFetches(pollCtx)
		cancel()

		if err := ctx.Err(); err != nil {
			return err
		}
		if fetches.IsClientClosed() {
			return nil
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			if fetchErr == nil {
				fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
			}
		})
		if fetchErr != nil {
			return fetchErr
		}

		if fetches.NumRecords() == 0 {
			// Nothing arrived within the idle timeout.
			return nil
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()

			var value map[string]any
			if err := json.Unmarshal(rec.Value, &value); err != nil {
				return fmt.Errorf("decode %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
			}
			row := make(kpipe.Row, len(fields))
			for i, f := range fields {
				row[i] = coerce(f.StorageType, value[f.Name])
			}
			if !s.Put(row) {
				return nil
			}

			read++
			if s.MaxRecords > 0 && read >= s.MaxRecords {
				return nil
			}
		}
	}
}

func (s *KafkaSource) Finalize(ctx context.Context) error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

func (s *KafkaSource) Attributes() map[string]any {
	return map[string]any{
		"brokers":      s.Brokers,
		"topic":        s.Topic,
		"max_records":  s.MaxRecords,
		"idle_timeout": s.IdleTimeout.String(),
	}
}

// KafkaTarget produces every row of its single input as a JSON object keyed
// by field name. KeyField, if set, names the field used as record key.
type KafkaTarget struct {
	knode.Target

	Brokers           []string
	Topic             string
	KeyField          string
	CreateTopic       bool
	Partitions        int32
	ReplicationFactor int16

	client *kgo.Client
	keyIdx int
}

func (t *KafkaTarget) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, t.Finalize(ctx))
		}
	}()

	if len(t.Brokers) == 0 || t.Topic == "" {
		return fmt.Errorf("%w: kafka target needs brokers and topic", ErrMissingSetting)
	}
	if err := requireInputs(t, 1); err != nil {
		return err
	}

	t.keyIdx = -1
	if t.KeyField != "" {
		i, ok := t.InputFields().Index(t.KeyField)
		if !ok {
			return fmt.Errorf("%w: key field %s", kfield.ErrFieldNotFound, t.KeyField)
		}
		t.keyIdx = i
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.Brokers...),
		kgo.DefaultProduceTopic(t.Topic),
	)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	t.client = client

	if t.CreateTopic {
		if err := t.createTopic(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *KafkaTarget) createTopic(ctx context.Context) error {
	partitions, rf := t.Partitions, t.ReplicationFactor
	if partitions <= 0 {
		partitions = 1
	}
	if rf <= 0 {
		rf = 1
	}

	adm := kadm.NewClient(t.client)
	resp, err := adm.CreateTopics(ctx, partitions, rf, nil, t.Topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", t.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (t *KafkaTarget) Run(ctx context.Context) error {
	in := t.Input(0)

	var (
		errMu    sync.Mutex
		firstErr error
	)
	for row := range in.Rows() {
		value, err := json.Marshal(kpipe.RowToRecord(in.Fields(), row))
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		rec := &kgo.Record{Value: value}
		if t.keyIdx >= 0 && row[t.keyIdx] != nil {
			rec.Key = []byte(formatCSV(row[t.keyIdx]))
		}

		t.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("produce to %s: %w", r.Topic, err)
			}
			errMu.Unlock()
		})
	}

	if err := t.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	errMu.Lock()
	defer errMu.Unlock()
	return firstErr
}

func (t *KafkaTarget) Finalize(ctx context.Context) error {
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	return nil
}

func (t *KafkaTarget) Attributes() map[string]any {
	return map[string]any{
		"brokers":      t.Brokers,
		"topic":        t.Topic,
		"key_field":    t.KeyField,
		"create_topic": t.CreateTopic,
	}
}
