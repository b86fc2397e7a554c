// Package mirror copies assembled audit events to a Kafka topic for
// downstream analytics. Mirroring is best effort: a full buffer or a broker
// failure drops the event and never delays reporting.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/model"
)

const bufferSize = 256

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// Sink publishes audit events asynchronously.
type Sink struct {
	writer  kafkaWriter
	log     *zap.Logger
	queue   chan model.AuditEvent
	done    chan struct{}
	closing sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a Sink for cfg. Returns nil when no brokers are configured.
func New(cfg Config, log *zap.Logger) (*Sink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("mirror: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 200 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return newSink(w, log), nil
}

func newSink(w kafkaWriter, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{
		writer: w,
		log:    log,
		queue:  make(chan model.AuditEvent, bufferSize),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Publish enqueues ev. A nil Sink ignores the call.
func (s *Sink) Publish(ev model.AuditEvent) {
	if s == nil {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Failed returns how many events the broker rejected.
func (s *Sink) Failed() int64 {
	return s.failed.Load()
}

// Close drains the buffer and closes the writer.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.closing.Do(func() { close(s.queue) })
	<-s.done
	return s.writer.Close()
}

func (s *Sink) loop() {
	defer close(s.done)
	for ev := range s.queue {
		value, err := json.Marshal(ev)
		if err != nil {
			s.failed.Add(1)
			continue
		}
		msg := kafka.Message{
			Key:   []byte(ev.Domain),
			Value: value,
			Headers: []kafka.Header{
				{Key: "action", Value: []byte(ev.Action)},
				{Key: "event_type", Value: []byte(ev.EventType)},
			},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			s.failed.Add(1)
			s.log.Debug("mirror write failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
	}
}
