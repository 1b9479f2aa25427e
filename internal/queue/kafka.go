package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

var _ Queue = (*KafkaQueue)(nil)

const (
	// idHeader carries the item id assigned at enqueue time.
	idHeader = "faultline-id"
	// attemptsHeader counts the failed deliveries of a republished item.
	attemptsHeader = "faultline-attempts"
	// errorHeader carries the last failure of a dead-lettered item.
	errorHeader = "faultline-error"

	deadTopicSuffix = ".dead"
)

// KafkaQueue publishes reports to a topic keyed by project and consumes them through a
// consumer group.
//
// Ack commits the message offset. Fail republishes the payload to the end of the topic
// with its attempt count, then commits the original, so a later commit on the same
// partition can never skip a failed item. Items that used MaxAttempts go to the
// "<topic>.dead" topic instead.
type KafkaQueue struct {
	writer      *kafka.Writer
	topic       string
	deadTopic   string
	maxAttempts int

	readerOnce sync.Once
	reader     *kafka.Reader
	readerCfg  kafka.ReaderConfig
}

// NewKafkaQueue creates a queue on cfg.KafkaBrokers and cfg.KafkaTopic. The consumer group
// is joined on the first Receive, so producers never take part in rebalances.
func NewKafkaQueue(cfg *Config) (*KafkaQueue, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, ErrNoKafkaBrokers
	}

	// The writer has no topic of its own: every message names the main or dead topic.
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		topic:       cfg.KafkaTopic,
		deadTopic:   cfg.KafkaTopic + deadTopicSuffix,
		maxAttempts: max(cfg.MaxAttempts, 1),
		readerCfg: kafka.ReaderConfig{
			Brokers:  slices.Clone(cfg.KafkaBrokers),
			GroupID:  cfg.KafkaGroup,
			Topic:    cfg.KafkaTopic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  cfg.PollInterval,
		},
	}, nil
}

// Enqueue implements Queue. Messages with the same key land on the same partition.
func (q *KafkaQueue) Enqueue(ctx context.Context, payload []byte, key string) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	id := uuid.NewString()

	err := q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   q.topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: idHeader, Value: []byte(id)}},
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	return id, nil
}

// Receive implements Queue.
func (q *KafkaQueue) Receive(ctx context.Context) (*Delivery, error) {
	q.readerOnce.Do(func() {
		q.reader = kafka.NewReader(q.readerCfg)
	})

	if q.reader == nil {
		return nil, ErrQueueClosed
	}

	msg, err := q.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("fetch: %w", err)
	}

	attempts := previousAttempts(msg) + 1

	return &Delivery{
		ID:       messageID(msg),
		Payload:  msg.Value,
		Attempts: attempts,
		ack: func(ctx context.Context) error {
			return q.commit(ctx, msg)
		},
		fail: func(ctx context.Context, cause error) error {
			return q.retry(ctx, msg, attempts, cause)
		},
	}, nil
}

// DeadTopic returns the topic that receives items which used every attempt.
func (q *KafkaQueue) DeadTopic() string {
	return q.deadTopic
}

// retry republishes msg, to the dead topic once attempts reaches the limit, and commits
// the original only after the copy is written.
func (q *KafkaQueue) retry(ctx context.Context, msg kafka.Message, attempts int, cause error) error {
	headers := []kafka.Header{
		{Key: idHeader, Value: []byte(messageID(msg))},
		{Key: attemptsHeader, Value: []byte(strconv.Itoa(attempts))},
	}

	topic := q.topic
	if attempts >= q.maxAttempts {
		topic = q.deadTopic

		if cause != nil {
			headers = append(headers, kafka.Header{Key: errorHeader, Value: []byte(cause.Error())})
		}
	}

	err := q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("republish to %s: %w", topic, err)
	}

	return q.commit(ctx, msg)
}

func (q *KafkaQueue) commit(ctx context.Context, msg kafka.Message) error {
	if err := q.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Close implements Queue.
func (q *KafkaQueue) Close() error {
	var errs []error

	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	// Stops a later Receive from creating a reader.
	q.readerOnce.Do(func() {})

	if q.reader != nil {
		if err := q.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func previousAttempts(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key == attemptsHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}

	return 0
}

func messageID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == idHeader {
			return string(h.Value)
		}
	}

	return msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
}
