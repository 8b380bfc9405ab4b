package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/rpc"
)

// ReplyPublisher отправляет ответ на команду.
type ReplyPublisher interface {
	PublishMessage(topic, key string, value []byte, headers map[string]string) error
}

// CommandListener исполняет команды из Kafka и отвечает в topic из x-reply-to.
// Используется как MessageHandler для Consumer.
type CommandListener struct {
	dispatcher rpc.Dispatcher
	replies    ReplyPublisher
	logger     *log.Entry
}

// NewCommandListener создаёт обработчик командного топика.
func NewCommandListener(dispatcher rpc.Dispatcher, replies ReplyPublisher, logger *log.Entry) *CommandListener {
	if logger == nil {
		logger = log.WithField("component", "kafka-command-listener")
	}
	return &CommandListener{dispatcher: dispatcher, replies: replies, logger: logger}
}

// Handle разбирает команду, исполняет её и публикует ответ.
// Ошибка возвращается только если не удалось отправить ответ: тогда сообщение
// уходит на повтор, а повторный createOrder отсекается по correlation id.
func (l *CommandListener) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	correlationID := HeaderValue(message, HeaderCorrelationID)
	replyTo := HeaderValue(message, HeaderReplyTo)

	logger := l.logger.WithFields(log.Fields{
		"topic":          message.Topic,
		"offset":         message.Offset,
		"correlation_id": correlationID,
	})

	cmd, err := parseCommand(message)
	if err != nil {
		logger.WithError(err).Warn("malformed command message")
		return l.reply(replyTo, correlationID, nil, rpc.BadRequest(err.Error()))
	}
	logger = logger.WithField("command", cmd.Name)

	key := strings.TrimSpace(HeaderValue(message, HeaderIdempotencyKey))
	if key == "" {
		key = correlationID
	}
	data, dispatchErr := l.dispatcher.Dispatch(rpc.WithIdempotencyKey(ctx, key), cmd)
	if dispatchErr != nil {
		logger.WithField("status", rpc.AsError(dispatchErr).Status).Info("command rejected")
	}

	if err := l.reply(replyTo, correlationID, data, dispatchErr); err != nil {
		logger.WithError(err).Error("failed to publish command reply")
		return err
	}
	return nil
}

func (l *CommandListener) reply(topic, correlationID string, data json.RawMessage, replyErr error) error {
	if topic == "" {
		return nil
	}
	if l.replies == nil {
		return fmt.Errorf("reply publisher is not configured")
	}

	value, err := rpc.MarshalReply(data, replyErr)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	headers := map[string]string{}
	if correlationID != "" {
		headers[HeaderCorrelationID] = correlationID
	}
	return l.replies.PublishMessage(topic, correlationID, value, headers)
}

// parseCommand принимает либо конверт {cmd, data}, либо payload с именем в x-command.
func parseCommand(message *sarama.ConsumerMessage) (rpc.Command, error) {
	if name := strings.TrimSpace(HeaderValue(message, HeaderCommand)); name != "" {
		data := json.RawMessage(message.Value)
		if len(data) > 0 && !json.Valid(data) {
			return rpc.Command{}, fmt.Errorf("command payload is not valid JSON")
		}
		return rpc.Command{Name: name, Data: data}, nil
	}
	return rpc.ParseCommand(message.Value)
}
