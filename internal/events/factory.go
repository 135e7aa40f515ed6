package events

import (
	"fmt"

	"github.com/kubev2v/crate-validator/internal/config"
)

const (
	WriterNone   = "none"
	WriterStdout = "stdout"
	WriterKafka  = "kafka"
)

// NewProducer builds the producer selected by the configuration. It returns
// nil when events are disabled.
func NewProducer(cfg *config.Config) (*EventProducer, error) {
	var w Writer
	switch cfg.Events.Writer {
	case WriterNone, "":
		return nil, nil
	case WriterStdout:
		w = &StdoutWriter{}
	case WriterKafka:
		kw, err := NewKafkaWriter(cfg.Events.Brokers, cfg.Events.ClientID, cfg.Events.Version)
		if err != nil {
			return nil, err
		}
		w = kw
	default:
		return nil, fmt.Errorf("unknown events writer: %s", cfg.Events.Writer)
	}
	return NewEventProducer(w, WithOutputTopic(cfg.Events.Topic), WithBufferSize(cfg.Events.BufferSize)), nil
}
