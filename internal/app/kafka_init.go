package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/rpc"
)

// clientID передаётся брокеру producer-ом и consumer group сервиса.
const clientID = "orders-service"

// splitBrokers разбирает список брокеров "host:port,host:port".
func splitBrokers(brokers string) []string {
	var result []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			result = append(result, broker)
		}
	}
	return result
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokerList, ClientID: clientID})
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// connectKafka поднимает producer; при ошибке сервис работает без Kafka.
func connectKafka(brokers string, logger *log.Entry) *kafka.Producer {
	producer, err := initKafkaProducer(brokers, logger)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}
	return producer
}

// initCommandConsumer подписывает CommandListener на командный topic.
// Ответы и DLQ отправляются через тот же producer.
func initCommandConsumer(cfg Config, dispatcher rpc.Dispatcher, producer *kafka.Producer, observer kafka.MessageObserver, logger *log.Entry) (*kafka.Consumer, error) {
	topic := cfg.KafkaCommandTopic
	if topic == "" {
		topic = kafka.TopicCommands
	}

	listener := kafka.NewCommandListener(dispatcher, producer, logger.WithField("component", "kafka-command-listener"))
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    splitBrokers(cfg.KafkaBrokers),
		GroupID:    cfg.KafkaConsumerGroup,
		Topics:     []string{topic},
		MaxRetries: cfg.KafkaConsumerRetries,
		DLQTopic:   kafka.TopicDeadLetterQueue,
	}, listener.Handle,
		kafka.WithDeadLetterProducer(producer),
		kafka.WithMessageObserver(observer),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
	)
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"topic": topic,
		"group": cfg.KafkaConsumerGroup,
	}).Info("kafka command consumer initialized")
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
