package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

// KafkaBus publishes evaluation events to Kafka and consumes them through a
// consumer group, one consumer loop per subscribed topic.
type KafkaBus struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	client   sarama.Client
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	consumerWg     sync.WaitGroup
	consumerCtx    context.Context
	consumerCancel context.CancelFunc
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string      // Kafka broker addresses
	ConsumerGroup string        // Consumer group ID
	ClientID      string        // Client identifier
	Version       string        // Kafka version (e.g., "2.8.0")
	Timeout       time.Duration // Network timeout (default: 10s)
}

func (c *KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if c.ConsumerGroup == "" {
		return errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}
	if c.ClientID == "" {
		c.ClientID = "recipe-eval"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

func (c KafkaConfig) saramaConfig() (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = c.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 3
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = c.Timeout
	sc.Net.ReadTimeout = c.Timeout
	sc.Net.WriteTimeout = c.Timeout
	return sc, nil
}

// NewKafkaBus connects to the brokers and creates a producer and a consumer
// group.
func NewKafkaBus(cfg KafkaConfig, log *logger.Logger) (*KafkaBus, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.ServiceUnavailableError("kafka", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.ServiceUnavailableError("kafka producer", err)
	}

	consumer, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.ServiceUnavailableError("kafka consumer group", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &KafkaBus{
		config:         cfg,
		producer:       producer,
		consumer:       consumer,
		client:         client,
		log:            log,
		handlers:       make(map[string][]Handler),
		consumerCtx:    ctx,
		consumerCancel: cancel,
	}, nil
}

// Publish writes the event as JSON, keyed by correlation id so that the
// events of one run land on the same partition.
func (b *KafkaBus) Publish(_ context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	msg, err := newProducerMessage(topic, event)
	if err != nil {
		return err
	}

	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to kafka", err)
	}
	return nil
}

func newProducerMessage(topic string, event Event) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}

	key := event.CorrelationID
	if key == "" {
		key = event.ID
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	if event.CorrelationID != "" {
		msg.Headers = []sarama.RecordHeader{
			{Key: []byte("correlation_id"), Value: []byte(event.CorrelationID)},
		}
	}
	return msg, nil
}

// Subscribe registers a handler and starts a consumer loop for the topic on
// its first subscription.
func (b *KafkaBus) Subscribe(_ context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	isNewTopic := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)

	if isNewTopic {
		b.consumerWg.Add(1)
		go b.consumeTopic(topic)
	}
	return nil
}

func (b *KafkaBus) consumeTopic(topic string) {
	defer b.consumerWg.Done()

	handler := &consumerGroupHandler{bus: b, topic: topic}

	for {
		// Consume blocks for the lifetime of a group session.
		if err := b.consumer.Consume(b.consumerCtx, []string{topic}, handler); err != nil {
			b.log.Warn("Kafka consumer error", "topic", topic, "error", err)
		}

		select {
		case <-b.consumerCtx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *KafkaBus) dispatch(ctx context.Context, topic string, event Event) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.log.Warn("Event handler failed", "topic", topic, "event_id", event.ID, "error", err)
		}
	}
}

// Close stops consumer loops and releases Kafka resources.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.consumerCancel()

	var errs []error
	if err := b.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}
	b.consumerWg.Wait()

	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if err := b.client.Close(); err != nil && err != sarama.ErrClosedClient {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	bus   *KafkaBus
	topic string
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim decodes messages and hands them to the topic's handlers.
// Undecodable messages are marked and dropped.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}

			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				h.bus.log.Warn("Dropping undecodable kafka message", "topic", h.topic, "offset", msg.Offset, "error", err)
				session.MarkMessage(msg, "")
				continue
			}

			h.bus.dispatch(session.Context(), h.topic, event)
			session.MarkMessage(msg, "")
		}
	}
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
func ParseKafkaBrokers(brokersStr string) []string {
	if strings.TrimSpace(brokersStr) == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(brokersStr, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
