// Package relay forwards committed events to Kafka, at least once, in
// global position order.
//
// Import Path: sagaflow.io/sagaflow/internal/relay
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one event ready to publish.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Publisher writes a batch of messages; the batch succeeds or fails as a whole
// from the relay's point of view.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	ClientID     string        `mapstructure:"client_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaPublisher publishes through a kafka-go Writer. Messages are hashed by
// key, so all events of one aggregate land on one partition in order.
type KafkaPublisher struct {
	mu        sync.Mutex
	w         *kafka.Writer
	cfg       KafkaConfig
	lastReset time.Time
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaPublisher{cfg: cfg, w: newWriter(cfg)}
}

func newWriter(cfg KafkaConfig) *kafka.Writer {
	// Short metadata TTL so a broker address change heals without a restart.
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 20 * time.Millisecond,
		Transport:    tr,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = toKafka(m)
	}

	write := func() error {
		p.mu.Lock()
		w := p.w
		p.mu.Unlock()
		if w == nil {
			return context.Canceled
		}
		cctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()
		return w.WriteMessages(cctx, batch...)
	}

	if err := write(); err != nil {
		if !shouldReset(err) {
			return err
		}
		p.resetOnce()
		return write()
	}
	return nil
}

func toKafka(m Message) kafka.Message {
	km := kafka.Message{Key: m.Key, Value: m.Value}
	for k, v := range m.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// shouldReset matches network and metadata failures a fresh writer can fix.
func shouldReset(err error) bool {
	s := strings.ToLower(err.Error())
	for _, sub := range []string{
		"dial tcp",
		"connection refused",
		"i/o timeout",
		"broken pipe",
		"not leader",
		"unknown broker",
		"failed to dial",
	} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (p *KafkaPublisher) resetOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastReset) < 2*time.Second || p.w == nil {
		return
	}
	_ = p.w.Close()
	p.w = newWriter(p.cfg)
	p.lastReset = time.Now()
}
