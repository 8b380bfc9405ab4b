package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Заголовки, которыми помечается повторно отправленное сообщение.
const (
	headerReplayedFrom = "x-replayed-from"
	headerReplayedAt   = "x-replayed-at"
)

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется kafka.Producer.
type replayPublisher interface {
	PublishMessage(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// summary описывает итог прогона и сериализуется в JSON-отчёт.
type summary struct {
	Mode      string         `json:"mode"`
	Processed int            `json:"processed"`
	Replayed  int            `json:"replayed"`
	Filtered  int            `json:"filtered"`
	Skipped   int            `json:"skipped"`
	ByTopic   map[string]int `json:"by_topic,omitempty"`
}

func (s *summary) add(other summary) {
	s.Processed += other.Processed
	s.Replayed += other.Replayed
	s.Filtered += other.Filtered
	s.Skipped += other.Skipped
	for topic, n := range other.ByTopic {
		if s.ByTopic == nil {
			s.ByTopic = make(map[string]int)
		}
		s.ByTopic[topic] += n
	}
}

func (s *summary) replayed(topic string) {
	s.Replayed++
	if s.ByTopic == nil {
		s.ByTopic = make(map[string]int)
	}
	s.ByTopic[topic]++
}

type replayer struct {
	cfg       config
	offsets   offsetClient
	consumer  partitionConsumerSource
	publisher replayPublisher
	logger    *log.Entry
	now       func() time.Time
}

// run обходит партиции DLQ по возрастанию номера, пока не наберётся cfg.limit сообщений.
func (r *replayer) run(ctx context.Context) (summary, error) {
	total := summary{Mode: r.cfg.mode()}
	if r.offsets == nil || r.consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.publisher == nil {
		return total, errors.New("producer is required in execute mode")
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "dlq-reprocess")
	}
	if r.now == nil {
		r.now = time.Now
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.cfg.limit - total.Processed
		if remaining <= 0 {
			break
		}
		stats, err := r.replayPartition(ctx, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// replayPartition читает партицию от стартового offset до newest на момент запуска.
func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (summary, error) {
	var stats summary
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			resetTimer(idle, r.cfg.idleTimeout)

			if err := r.handle(msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle учитывает одно сообщение DLQ. Ошибка возвращается только при сбое отправки.
func (r *replayer) handle(msg *sarama.ConsumerMessage, stats *summary) error {
	stats.Processed++
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, err := decodeLetter(msg, r.cfg.targetTopic)
	switch {
	case errors.Is(err, errNotDeadLetter):
		stats.Skipped++
		logger.Debug("skip message without dead letter payload")
		return nil
	case err != nil:
		stats.Skipped++
		logger.WithError(err).Warn("skip unsupported dlq message")
		return nil
	}

	if !replay.matches(r.cfg.eventType, r.cfg.orderID) {
		stats.Filtered++
		return nil
	}

	logger = logger.WithFields(log.Fields{
		"target_topic": replay.topic,
		"key":          replay.key,
		"kind":         replay.kind,
	})
	if !r.cfg.execute {
		stats.replayed(replay.topic)
		logger.Info("dlq replay candidate")
		return nil
	}

	headers := replay.headersWith(map[string]string{
		headerReplayedFrom: fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		headerReplayedAt:   r.now().UTC().Format(time.RFC3339),
	})
	if err := r.publisher.PublishMessage(replay.topic, replay.key, replay.value, headers); err != nil {
		return fmt.Errorf("publish replay of offset %d: %w", msg.Offset, err)
	}
	stats.replayed(replay.topic)
	logger.Info("dlq message replayed")
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
