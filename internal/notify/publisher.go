package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-reservation/internal/config"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher sends hold and payment events to Kafka in the background. Publishing never
// blocks or fails the caller: when the queue is full the event is dropped and logged.
type Publisher struct {
	writer MessageWriter
	prefix string
	logger *logger.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan kafka.Message
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewPublisher(cfg config.KafkaConfig, log *logger.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return NewPublisherWithWriter(writer, cfg.TopicPrefix, cfg.QueueSize, log)
}

func NewPublisherWithWriter(w MessageWriter, prefix string, queueSize int, log *logger.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if prefix == "" {
		prefix = "reservations"
	}
	p := &Publisher{
		writer: w,
		prefix: prefix,
		logger: log,
		queue:  make(chan kafka.Message, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// HoldTopic returns the topic for a hold event type, e.g. reservations.hold.expired.
func HoldTopic(prefix string, t models.HoldEventType) string {
	return fmt.Sprintf("%s.hold.%s", prefix, t)
}

func PaymentTopic(prefix, t string) string {
	return fmt.Sprintf("%s.payment.%s", prefix, t)
}

func (p *Publisher) HoldChanged(_ context.Context, event models.HoldEvent) {
	p.enqueue(HoldTopic(p.prefix, event.Type), event.HoldID, event)
}

func (p *Publisher) PaymentChanged(_ context.Context, event models.PaymentEvent) {
	p.enqueue(PaymentTopic(p.prefix, event.Type), event.HoldID, event)
}

func (p *Publisher) enqueue(topic, key string, v interface{}) {
	value, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("KAFKA", fmt.Sprintf("Failed to marshal %s event: %v", topic, err))
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}

	select {
	case p.queue <- kafka.Message{Topic: topic, Key: []byte(key), Value: value}:
	default:
		p.dropped.Add(1)
		p.logger.Warn("KAFKA", fmt.Sprintf("Notification queue full, dropped %s for %s", topic, key))
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", msg.Topic, string(msg.Key), err))
			continue
		}
		p.logger.Debug("KAFKA", fmt.Sprintf("Published %s for %s", msg.Topic, string(msg.Key)))
	}
}

// Stats reports events dropped at the queue and events the broker rejected.
func (p *Publisher) Stats() (dropped, failed int64) {
	return p.dropped.Load(), p.failed.Load()
}

// Close drains queued events and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

// Nop discards every event. Used when Kafka is disabled.
type Nop struct{}

func (Nop) HoldChanged(context.Context, models.HoldEvent)       {}
func (Nop) PaymentChanged(context.Context, models.PaymentEvent) {}

// Sink receives both hold and payment events.
type Sink interface {
	HoldChanged(ctx context.Context, event models.HoldEvent)
	PaymentChanged(ctx context.Context, event models.PaymentEvent)
}

// HoldListener receives hold events only, such as the SSE emitter.
type HoldListener interface {
	HoldChanged(ctx context.Context, event models.HoldEvent)
}

// Fanout forwards every event to Sink and hold events to each listener as well.
type Fanout struct {
	Sink      Sink
	Listeners []HoldListener
}

func (f Fanout) HoldChanged(ctx context.Context, event models.HoldEvent) {
	if f.Sink != nil {
		f.Sink.HoldChanged(ctx, event)
	}
	for _, l := range f.Listeners {
		l.HoldChanged(ctx, event)
	}
}

func (f Fanout) PaymentChanged(ctx context.Context, event models.PaymentEvent) {
	if f.Sink != nil {
		f.Sink.PaymentChanged(ctx, event)
	}
}
