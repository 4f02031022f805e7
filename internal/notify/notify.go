// Package notify delivers job finalization signals to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/saga"
)

// ErrClosed is returned by Finalized after Close.
var ErrClosed = errors.New("notifier is closed")

// messageWriter is the subset of *kafka.Writer the notifier needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes finalized payloads to a topic, keyed by job ID so
// every signal for one job lands on the same partition.
type KafkaNotifier struct {
	writer  messageWriter
	topic   string
	retries int
	backoff time.Duration
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, log zerolog.Logger) *KafkaNotifier {
	log = log.With().Str("component", "kafka-notifier").Logger()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf("writer: "+msg, args...)
		}),
	}
	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka notifier initialized")
	return newKafkaNotifier(w, topic, log)
}

func newKafkaNotifier(w messageWriter, topic string, log zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer:  w,
		topic:   topic,
		retries: 3,
		backoff: 100 * time.Millisecond,
		log:     log,
	}
}

// Finalized writes p to the topic, retrying with linear backoff.
func (n *KafkaNotifier) Finalized(ctx context.Context, p saga.FinalizedPayload) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal finalized: %w", err)
	}
	msg := kafka.Message{
		Topic: n.topic,
		Key:   []byte(p.JobID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event", Value: []byte(saga.EventFinalized)},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		if lastErr = n.writer.WriteMessages(ctx, msg); lastErr == nil {
			metrics.NotificationsTotal.WithLabelValues("kafka", "ok").Inc()
			return nil
		}
		if attempt < n.retries {
			select {
			case <-ctx.Done():
				metrics.NotificationsTotal.WithLabelValues("kafka", "error").Inc()
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
		}
	}
	metrics.NotificationsTotal.WithLabelValues("kafka", "error").Inc()
	return fmt.Errorf("write %s after %d attempts: %w", n.topic, n.retries, lastErr)
}

// Close flushes pending writes and shuts the writer down.
func (n *KafkaNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.writer.Close()
}

// LogNotifier records finalizations in the log only. Used when no broker
// is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Finalized(_ context.Context, p saga.FinalizedPayload) error {
	n.log.Info().
		Str("job_id", p.JobID).
		Str("status", p.Status).
		Str("provider", p.Provider).
		Msg("job finalized")
	metrics.NotificationsTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Multi fans a finalization out to every notifier and joins their errors.
type Multi []saga.Notifier

func (m Multi) Finalized(ctx context.Context, p saga.FinalizedPayload) error {
	var errs []error
	for _, n := range m {
		if err := n.Finalized(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
