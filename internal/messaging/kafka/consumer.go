package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsumerRetries = 3
	defaultRetryDelay      = 100 * time.Millisecond
)

// Исходы обработки сообщения, которые получает MessageObserver.
const (
	OutcomeProcessed    = "processed"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "failed"
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// MessageObserver получает исход обработки каждого сообщения. Реализуется metrics.OrderMetrics.
type MessageObserver interface {
	RecordKafkaMessage(topic, outcome string)
}

// ConsumerConfig задаёт подписку consumer group.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxRetries ограничивает попытки до отправки в DLQ с учётом x-retry-count
	MaxRetries int
	// RetryDelay задаёт паузу между попытками, 0 означает defaultRetryDelay, отрицательное значение отключает паузу
	RetryDelay time.Duration
	DLQTopic   string
	// FromOldest читает topic с начала, если у группы ещё нет закоммиченного offset
	FromOldest bool
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultConsumerRetries
	}
	switch {
	case c.RetryDelay == 0:
		c.RetryDelay = defaultRetryDelay
	case c.RetryDelay < 0:
		c.RetryDelay = 0
	}
	if c.DLQTopic == "" {
		c.DLQTopic = TopicDeadLetterQueue
	}
	return c
}

func (c ConsumerConfig) validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka brokers are required")
	case c.GroupID == "":
		return errors.New("kafka consumer group is required")
	case len(c.Topics) == 0:
		return errors.New("at least one kafka topic is required")
	}
	return nil
}

func (c ConsumerConfig) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true
	return config
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterProducer включает отправку в DLQ сообщений, исчерпавших попытки.
// Без него такие сообщения не коммитятся и будут перечитаны после rebalance.
func WithDeadLetterProducer(producer *Producer) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
	}
}

// WithConsumerLogger задаёт logger consumer-а.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMessageObserver подключает учёт исходов обработки.
func WithMessageObserver(observer MessageObserver) ConsumerOption {
	return func(c *Consumer) {
		c.observer = observer
	}
}

// Consumer читает topics consumer group-ой, повторяет неудачную обработку и
// перекладывает безнадёжные сообщения в DLQ.
type Consumer struct {
	group    sarama.ConsumerGroup
	cfg      ConsumerConfig
	handler  MessageHandler
	dlq      *Producer
	observer MessageObserver
	logger   *log.Entry
	wg       sync.WaitGroup
}

// NewConsumer подключается к брокерам. Сообщения начинают читаться после Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka message handler is required")
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, cfg, handler, options...), nil
}

// newConsumer применяет значения по умолчанию ровно один раз.
func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:   group,
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  log.WithField("component", "kafka-consumer"),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Start запускает чтение в фоне и возвращается сразу.
func (c *Consumer) Start(ctx context.Context) error {
	if c.group == nil {
		return errors.New("kafka consumer group is not initialized")
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается на каждом rebalance, поэтому вызывается в цикле
			if err := c.group.Consume(ctx, c.cfg.Topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithFields(log.Fields{
		"topics": c.cfg.Topics,
		"group":  c.cfg.GroupID,
	}).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения партиции по порядку. Offset коммитится
// только после успешной обработки или записи в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			logger := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			logger.Debug("received message")

			outcome, err := c.process(session.Context(), message)
			c.observe(message.Topic, outcome)
			if err != nil {
				// без MarkMessage сообщение перечитается после rebalance
				logger.WithError(err).Error("message processing failed after all retries")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process вызывает handler с повторами. x-retry-count уменьшает число оставшихся
// попыток, но хотя бы одна попытка делается всегда.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) (string, error) {
	retryCount := retryCountOf(message)
	attempts := max(c.cfg.MaxRetries-retryCount, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return OutcomeProcessed, nil
		}
		if attempt == attempts {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"attempt":     attempt,
			"retry_count": retryCount,
			"max_retries": c.cfg.MaxRetries,
		}).Warn("message processing failed, will retry")

		if c.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return OutcomeFailed, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}

	if c.dlq == nil {
		return OutcomeFailed, err
	}
	if dlqErr := c.sendToDLQ(message, err, retryCount+attempts); dlqErr != nil {
		return OutcomeFailed, fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"dlq_topic":   c.cfg.DLQTopic,
		"retry_count": retryCount,
	}).Warn("message sent to DLQ after max retries")
	return OutcomeDeadLettered, nil
}

func (c *Consumer) observe(topic, outcome string) {
	if c.observer != nil {
		c.observer.RecordKafkaMessage(topic, outcome)
	}
}

// sendToDLQ сохраняет исходное сообщение целиком, чтобы dlq-reprocess мог его восстановить.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, retryCount int) error {
	failedAt := time.Now().UTC()
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		OriginalHeaders:   headersMap(message),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          failedAt,
		RetryCount:        retryCount,
	}

	return c.dlq.PublishJSON(c.cfg.DLQTopic, string(message.Key), letter, map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  processingErr.Error(),
		HeaderFailedAt:      failedAt.Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(retryCount),
	})
}

// retryCountOf читает x-retry-count. Отсутствующий или битый заголовок считается нулём.
func retryCountOf(message *sarama.ConsumerMessage) int {
	if raw := HeaderValue(message, HeaderRetryCount); raw != "" {
		if count, err := strconv.Atoi(raw); err == nil && count > 0 {
			return count
		}
	}
	return 0
}

// ParseOrderEvent парсит OrderEvent из сообщения
func ParseOrderEvent(message *sarama.ConsumerMessage) (*OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return &event, nil
}

// ParseDeadLetter парсит DeadLetter из сообщения DLQ
func ParseDeadLetter(message *sarama.ConsumerMessage) (*DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(message.Value, &letter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &letter, nil
}
