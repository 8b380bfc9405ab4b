package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultProducerRetries = 5
	defaultProducerTimeout = 10 * time.Second
)

// ErrProducerNotInitialized возвращается при отправке через nil или пустой Producer.
var ErrProducerNotInitialized = errors.New("kafka producer is not initialized")

// ProducerConfig задаёт подключение producer-а.
type ProducerConfig struct {
	Brokers []string
	// ClientID попадает в логи брокера, по нему видно, какой процесс пишет в topic
	ClientID   string
	MaxRetries int
	Timeout    time.Duration
}

func (c ProducerConfig) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// идемпотентный producer требует одного in-flight запроса на соединение
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Producer.Retry.Max = defaultProducerRetries
	if c.MaxRetries > 0 {
		config.Producer.Retry.Max = c.MaxRetries
	}
	config.Producer.Timeout = defaultProducerTimeout
	if c.Timeout > 0 {
		config.Producer.Timeout = c.Timeout
	}
	if id := strings.TrimSpace(c.ClientID); id != "" {
		config.ClientID = id
	}
	return config
}

// Producer публикует события, ответы на команды и записи DLQ.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer подключается к брокерам синхронным producer-ом.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWithClient(producer, nil), nil
}

// NewProducerWithClient оборачивает готовый sarama.SyncProducer.
func NewProducerWithClient(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}
}

// PublishJSON сериализует value и публикует его с заголовками.
func (p *Producer) PublishJSON(topic, key string, value any, headers map[string]string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}
	return p.PublishMessage(topic, key, data, headers)
}

// PublishMessage публикует готовое значение. Пустой key отдаёт выбор партиции partitioner-у.
func (p *Producer) PublishMessage(topic, key string, value []byte, headers map[string]string) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialized
	}
	if strings.TrimSpace(topic) == "" {
		return errors.New("kafka topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(value),
		Headers:   toRecordHeaders(headers),
		Timestamp: time.Now(),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	logger := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.WithError(err).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message to %s: %w", topic, err)
	}

	logger.WithFields(log.Fields{
		"partition": partition,
		"offset":    offset,
		"bytes":     len(value),
	}).Debug("message sent to kafka")
	return nil
}

// Close закрывает producer. Повторный вызов и nil-получатель допустимы.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	err := p.producer.Close()
	p.producer = nil
	if err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func toRecordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	result := make([]sarama.RecordHeader, 0, len(headers))
	for key, value := range headers {
		result = append(result, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}
	return result
}

// HeaderValue возвращает значение заголовка сообщения или пустую строку.
func HeaderValue(message *sarama.ConsumerMessage, key string) string {
	if message == nil {
		return ""
	}
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

func headersMap(message *sarama.ConsumerMessage) map[string]string {
	if len(message.Headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		if header != nil {
			result[string(header.Key)] = string(header.Value)
		}
	}
	return result
}
