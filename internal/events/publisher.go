// Package events publishes committed mutations to an event feed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/registry"
	"github.com/studyquest/studysync/internal/retry"
)

var (
	// ErrPublisherClosed is returned when publishing after Close.
	ErrPublisherClosed = errors.New("publisher is closed")

	// ErrInvalidPayload is returned when a retried publish call cannot be decoded.
	ErrInvalidPayload = errors.New("invalid events payload")
)

// mutationsField is the RemoteCall.Data field carrying the batch.
const mutationsField = "mutations"

// Publisher delivers committed mutations downstream.
type Publisher interface {
	Publish(ctx context.Context, mutations []core.CommittedMutation) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per committed mutation, keyed by
// collectionPath/entityId so every entity keeps its order in a partition.
type KafkaPublisher struct {
	mu     sync.RWMutex
	writer messageWriter
	topic  string
	closed bool
	log    zerolog.Logger
}

// NewKafkaPublisher creates a synchronous Kafka producer.
func NewKafkaPublisher(cfg registry.InternalKafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false,
	}

	p := newKafkaPublisher(writer, cfg.Topic, logger)
	p.log.Info().
		Strs("brokers", cfg.Brokers).
		Int("required_acks", cfg.RequiredAcks).
		Msg("kafka publisher ready")
	return p, nil
}

func newKafkaPublisher(w messageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		log:    logger.With().Str("component", "events").Str("topic", topic).Logger(),
	}
}

// Publish writes the batch. An empty batch is a no-op.
func (p *KafkaPublisher) Publish(ctx context.Context, mutations []core.CommittedMutation) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if len(mutations) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(mutations))
	for _, m := range mutations {
		value, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal committed mutation: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(core.MutationKey(m.CollectionPath, m.EntityID)),
			Value: value,
			Time:  time.UnixMilli(m.CommittedAt),
			Headers: []kafka.Header{
				{Key: "operation", Value: []byte(m.Operation)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write messages to Kafka: %w", err)
	}
	p.log.Debug().Int("messages", len(msgs)).Msg("published committed mutations")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// MemoryPublisher keeps published batches in memory.
type MemoryPublisher struct {
	mu      sync.Mutex
	batches [][]core.CommittedMutation
	fail    []error
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailNext makes the next len(errs) publishes fail.
func (p *MemoryPublisher) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = append(p.fail, errs...)
}

func (p *MemoryPublisher) Publish(ctx context.Context, mutations []core.CommittedMutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fail) > 0 {
		err := p.fail[0]
		p.fail = p.fail[1:]
		return err
	}
	batch := make([]core.CommittedMutation, len(mutations))
	copy(batch, mutations)
	p.batches = append(p.batches, batch)
	return nil
}

// Batches returns the published batches in order.
func (p *MemoryPublisher) Batches() [][]core.CommittedMutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]core.CommittedMutation, len(p.batches))
	copy(out, p.batches)
	return out
}

func (p *MemoryPublisher) Close() error {
	return nil
}

// PublishCall describes a publish of mutations as a retryable RemoteCall.
func PublishCall(mutations []core.CommittedMutation) (core.RemoteCall, error) {
	raw, err := json.Marshal(mutations)
	if err != nil {
		return core.RemoteCall{}, fmt.Errorf("failed to marshal mutations: %w", err)
	}
	var generic []interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return core.RemoteCall{}, fmt.Errorf("failed to encode mutations: %w", err)
	}
	return core.RemoteCall{
		Kind: core.CallEventsPublish,
		Data: map[string]interface{}{mutationsField: generic},
	}, nil
}

func decodeCall(call core.RemoteCall) ([]core.CommittedMutation, error) {
	field, ok := call.Data[mutationsField]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, mutationsField)
	}
	raw, err := json.Marshal(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var mutations []core.CommittedMutation
	if err := json.Unmarshal(raw, &mutations); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return mutations, nil
}

// RegisterRetryHandler binds events.publish calls in q to p.
func RegisterRetryHandler(q *retry.Queue, p Publisher) {
	q.Register(core.CallEventsPublish, func(ctx context.Context, call core.RemoteCall) error {
		mutations, err := decodeCall(call)
		if err != nil {
			return err
		}
		return p.Publish(ctx, mutations)
	})
}
