package app

import (
	"reflect"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestSplitBrokers(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		want    []string
	}{
		{name: "empty", brokers: "", want: nil},
		{name: "only separators", brokers: " , ,", want: nil},
		{name: "single", brokers: "kafka:9092", want: []string{"kafka:9092"}},
		{name: "spaces", brokers: " kafka-1:9092 , kafka-2:9092,", want: []string{"kafka-1:9092", "kafka-2:9092"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := splitBrokers(tc.brokers); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("splitBrokers(%q) = %v, want %v", tc.brokers, got, tc.want)
			}
		})
	}
}

func TestInitKafkaProducer_Disabled(t *testing.T) {
	logger := log.WithField("test", "kafka")

	for _, brokers := range []string{"", " , "} {
		producer, err := initKafkaProducer(brokers, logger)
		if err != nil {
			t.Fatalf("brokers %q: expected kafka to be disabled without error, got %v", brokers, err)
		}
		if producer != nil {
			t.Fatalf("brokers %q: expected nil producer", brokers)
		}
	}
}

func TestInitKafkaProducer_UnreachableBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("127.0.0.1:1, 127.0.0.1:2", logger)
	if err == nil {
		t.Fatal("expected error for unreachable brokers")
	}
	if producer != nil {
		t.Fatal("expected nil producer on error")
	}

	// closeKafka принимает nil после неудачной инициализации
	closeKafka(producer, logger)
}

func TestConnectKafka_LogsFailure(t *testing.T) {
	base, hook := test.NewNullLogger()
	logger := log.NewEntry(base)

	if producer := connectKafka("", logger); producer != nil {
		t.Fatal("expected nil producer without brokers")
	}
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("disabled kafka must not log, got %d entries", len(hook.AllEntries()))
	}

	if producer := connectKafka("127.0.0.1:1", logger); producer != nil {
		t.Fatal("expected nil producer for unreachable brokers")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected warn entry, got %+v", entry)
	}
	if err, ok := entry.Data[log.ErrorKey].(error); !ok || err == nil {
		t.Fatalf("expected error field in log entry, got %+v", entry.Data)
	}
}

func TestInitCommandConsumer_UnreachableBrokers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KafkaBrokers = "127.0.0.1:1"
	cfg.KafkaCommandTopic = ""

	consumer, err := initCommandConsumer(cfg, nil, nil, nil, log.WithField("test", "kafka"))
	if err == nil {
		t.Fatal("expected error for unreachable brokers")
	}
	if consumer != nil {
		t.Fatal("expected nil consumer on error")
	}
}
