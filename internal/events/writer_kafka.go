package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

const cloudEventsContentType = "application/cloudevents+json"

// KafkaWriter sends events in the structured content mode, keyed by subject
// so that the events of one crate stay ordered within a partition.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(brokers []string, clientID string, version string) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka writer requires at least one broker")
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version %q: %w", version, err)
		}
		cfg.Version = v
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newKafkaWriter(producer), nil
}

func newKafkaWriter(producer sarama.SyncProducer) *KafkaWriter {
	return &KafkaWriter{producer: producer}
}

func (k *KafkaWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(cloudEventsContentType)},
		},
	}
	if e.Subject() != "" {
		msg.Key = sarama.StringEncoder(e.Subject())
	}

	_, _, err = k.producer.SendMessage(msg)
	return err
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.producer.Close()
}
