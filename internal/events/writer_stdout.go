package events

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

// StdoutWriter logs events instead of publishing them. Used for local runs.
type StdoutWriter struct{}

func (s *StdoutWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	zap.S().Named("events").Infow("lifecycle event",
		"topic", topic,
		"id", e.ID(),
		"type", e.Type(),
		"crate_id", e.Subject(),
		"data", string(e.Data()),
	)
	return nil
}

func (s *StdoutWriter) Close(_ context.Context) error {
	return nil
}
