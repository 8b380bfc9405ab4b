package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

func okHandler(context.Context, *sarama.ConsumerMessage) error { return nil }

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) RecordKafkaMessage(topic, outcome string) {
	r.outcomes = append(r.outcomes, topic+":"+outcome)
}

func retriedMessage(count string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:   TopicCommands,
		Key:     []byte("key"),
		Value:   []byte("{}"),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(count)}},
	}
}

func newTestConsumer(handler MessageHandler, cfg ConsumerConfig, options ...ConsumerOption) *Consumer {
	options = append([]ConsumerOption{WithConsumerLogger(log.WithField("test", "consumer"))}, options...)
	return newConsumer(nil, cfg, handler, options...)
}

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func TestNewConsumer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ConsumerConfig
		handler MessageHandler
	}{
		{name: "no brokers", cfg: ConsumerConfig{GroupID: "g", Topics: []string{"t"}}, handler: okHandler},
		{name: "no group", cfg: ConsumerConfig{Brokers: []string{"b:9092"}, Topics: []string{"t"}}, handler: okHandler},
		{name: "no topics", cfg: ConsumerConfig{Brokers: []string{"b:9092"}, GroupID: "g"}, handler: okHandler},
		{name: "no handler", cfg: ConsumerConfig{Brokers: []string{"b:9092"}, GroupID: "g", Topics: []string{"t"}}},
		{name: "unreachable broker", cfg: ConsumerConfig{Brokers: []string{"127.0.0.1:1"}, GroupID: "g", Topics: []string{"t"}}, handler: okHandler},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewConsumer(tc.cfg, tc.handler); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConsumerConfig_Defaults(t *testing.T) {
	cfg := ConsumerConfig{}.withDefaults()
	if cfg.MaxRetries != defaultConsumerRetries || cfg.RetryDelay != defaultRetryDelay || cfg.DLQTopic != TopicDeadLetterQueue {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := (ConsumerConfig{RetryDelay: -time.Second}).withDefaults().RetryDelay; got != 0 {
		t.Fatalf("negative delay must disable pause, got %s", got)
	}

	if got := (ConsumerConfig{}).saramaConfig().Consumer.Offsets.Initial; got != sarama.OffsetNewest {
		t.Fatalf("expected newest offset by default, got %d", got)
	}
	if got := (ConsumerConfig{FromOldest: true}).saramaConfig().Consumer.Offsets.Initial; got != sarama.OffsetOldest {
		t.Fatalf("expected oldest offset, got %d", got)
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			if len(topics) != 1 || topics[0] != "topic-a" {
				t.Errorf("unexpected topics: %v", topics)
			}
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := newConsumer(group, ConsumerConfig{Topics: []string{"topic-a"}, MaxRetries: 2}, okHandler,
		WithConsumerLogger(log.WithField("test", "consumer")))

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if consumeCalls == 0 {
		t.Fatal("expected consume call")
	}
}

func TestConsumerStart_StopsOnClosedGroup(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(context.Context, []string, sarama.ConsumerGroupHandler) error {
			return sarama.ErrClosedConsumerGroup
		},
	}
	consumer := newConsumer(group, ConsumerConfig{Topics: []string{"t"}}, okHandler)

	// контекст не отменяется: цикл Consume должен завершиться сам
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- consumer.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after group was closed")
	}
}

func TestConsumerStart_WithoutGroup(t *testing.T) {
	if err := newTestConsumer(okHandler, ConsumerConfig{}).Start(context.Background()); err == nil {
		t.Fatal("expected error without consumer group")
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := newConsumer(group, ConsumerConfig{}, okHandler)
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("setup should return nil: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("cleanup should return nil: %v", err)
	}
}

func TestConsumeClaim_MarksAndObserves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer := &recordingObserver{}
	failOffset := int64(2)
	consumer := newTestConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if msg.Offset == failOffset {
			return errors.New("failed")
		}
		return nil
	}, ConsumerConfig{MaxRetries: 1}, WithMessageObserver(observer))

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Offset: 1, Key: []byte("k"), Value: []byte("v")}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Offset: 2, Key: []byte("k"), Value: []byte("v")}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Offset: 3, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 2 || session.marked[0].Offset != 1 || session.marked[1].Offset != 3 {
		t.Fatalf("only processed messages must be marked, got %d", len(session.marked))
	}
	want := []string{"topic:processed", "topic:failed", "topic:processed"}
	if fmt.Sprint(observer.outcomes) != fmt.Sprint(want) {
		t.Fatalf("unexpected outcomes: %v", observer.outcomes)
	}
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newTestConsumer(okHandler, ConsumerConfig{MaxRetries: 1})
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

func TestProcess(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		outcome, err := newTestConsumer(okHandler, ConsumerConfig{MaxRetries: 2}).process(context.Background(), retriedMessage("0"))
		if err != nil || outcome != OutcomeProcessed {
			t.Fatalf("unexpected result: %s %v", outcome, err)
		}
	})

	t.Run("retry header reduces attempts", func(t *testing.T) {
		attempts := 0
		consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return errors.New("temporary")
		}, ConsumerConfig{MaxRetries: 3, RetryDelay: -1})

		outcome, err := consumer.process(context.Background(), retriedMessage("1"))
		if err == nil || outcome != OutcomeFailed {
			t.Fatalf("expected failure, got %s %v", outcome, err)
		}
		if attempts != 2 {
			t.Fatalf("expected 2 in-process attempts, got %d", attempts)
		}
	})

	t.Run("exhausted budget still gets one attempt", func(t *testing.T) {
		attempts := 0
		consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return errors.New("permanent")
		}, ConsumerConfig{MaxRetries: 3})

		if _, err := consumer.process(context.Background(), retriedMessage("7")); err == nil {
			t.Fatal("expected error when dlq is absent")
		}
		if attempts != 1 {
			t.Fatalf("expected single attempt, got %d", attempts)
		}
	})

	t.Run("canceled during retry delay", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error {
			cancel()
			return errors.New("temporary")
		}, ConsumerConfig{MaxRetries: 3, RetryDelay: time.Minute})

		outcome, err := consumer.process(ctx, retriedMessage("0"))
		if !errors.Is(err, context.Canceled) || outcome != OutcomeFailed {
			t.Fatalf("expected context canceled, got %s %v", outcome, err)
		}
	})

	t.Run("dead letter on exhausted retries", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndSucceed()
		consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			ConsumerConfig{MaxRetries: 3},
			WithDeadLetterProducer(NewProducerWithClient(mockProducer, nil)))

		outcome, err := consumer.process(context.Background(), retriedMessage("3"))
		if err != nil || outcome != OutcomeDeadLettered {
			t.Fatalf("unexpected result after dlq publish: %s %v", outcome, err)
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("dead letter failure", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := newTestConsumer(func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			ConsumerConfig{MaxRetries: 3},
			WithDeadLetterProducer(NewProducerWithClient(mockProducer, nil)))

		outcome, err := consumer.process(context.Background(), retriedMessage("3"))
		if !errors.Is(err, sarama.ErrOutOfBrokers) || outcome != OutcomeFailed {
			t.Fatalf("expected dlq failure, got %s %v", outcome, err)
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRetryCountAndParsers(t *testing.T) {
	tests := map[string]int{"5": 5, "bad": 0, "-2": 0, "": 0}
	for raw, want := range tests {
		if got := retryCountOf(retriedMessage(raw)); got != want {
			t.Errorf("retryCountOf(%q) = %d, want %d", raw, got, want)
		}
	}

	orderMsg := &sarama.ConsumerMessage{Value: []byte(`{"id":"m-1","aggregate_type":"order","aggregate_id":"o-1","event_type":"order.created","payload":{"order_id":"o-1"}}`)}
	event, err := ParseOrderEvent(orderMsg)
	if err != nil {
		t.Fatalf("ParseOrderEvent failed: %v", err)
	}
	if event.AggregateID != "o-1" || event.EventType != "order.created" {
		t.Fatalf("unexpected order event: %+v", event)
	}
	if _, err := ParseOrderEvent(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected ParseOrderEvent error")
	}

	if _, err := ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte(`{"original_topic":"orders.commands","retry_count":3}`)}); err != nil {
		t.Fatalf("ParseDeadLetter failed: %v", err)
	}
	if _, err := ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected ParseDeadLetter error")
	}
}

func TestSendToDLQ_MessageContent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "custom.dlq" {
			return fmt.Errorf("unexpected dlq topic: %s", msg.Topic)
		}
		raw, _ := msg.Value.Encode()
		var letter DeadLetter
		if err := json.Unmarshal(raw, &letter); err != nil {
			return err
		}
		if letter.OriginalTopic != TopicCommands || letter.OriginalOffset != 42 || letter.ErrorMessage != "boom" {
			return fmt.Errorf("unexpected dead letter: %+v", letter)
		}
		if letter.OriginalHeaders[HeaderCorrelationID] != "corr-7" || letter.RetryCount != 3 {
			return fmt.Errorf("unexpected dead letter headers: %+v", letter)
		}
		for _, header := range msg.Headers {
			if string(header.Key) == HeaderRetryCount && string(header.Value) != "3" {
				return fmt.Errorf("unexpected retry header: %s", header.Value)
			}
		}
		return nil
	})

	consumer := newTestConsumer(okHandler, ConsumerConfig{DLQTopic: "custom.dlq"},
		WithDeadLetterProducer(NewProducerWithClient(mockProducer, nil)))

	msg := &sarama.ConsumerMessage{
		Topic:     TopicCommands,
		Partition: 1,
		Offset:    42,
		Key:       []byte("k"),
		Value:     []byte(`{"cmd":"createOrder"}`),
		Headers:   []*sarama.RecordHeader{{Key: []byte(HeaderCorrelationID), Value: []byte("corr-7")}},
	}
	if err := consumer.sendToDLQ(msg, errors.New("boom"), 3); err != nil {
		t.Fatalf("sendToDLQ failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}
