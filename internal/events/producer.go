package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubev2v/crate-validator/pkg/metrics"
)

const (
	JobPendingKind       string = "crate.validation.job.pending"
	JobRunningKind       string = "crate.validation.job.running"
	JobSucceededKind     string = "crate.validation.job.succeeded"
	JobFailedKind        string = "crate.validation.job.failed"
	WebhookDeliveredKind string = "crate.validation.webhook.delivered"
	WebhookFailedKind    string = "crate.validation.webhook.failed"
	defaultTopic         string = "crate-validation"
	defaultSource        string = "crate-validator"
	closeTimeout                = 5 * time.Second
)

// Writer delivers a CloudEvent to a topic.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// EventProducer publishes job lifecycle events as CloudEvents. Events are
// buffered and written by a single goroutine so that publishing never waits
// on the broker.
type EventProducer struct {
	writer     Writer
	topic      string
	source     string
	bufferSize int

	pending *buffer
	wakeCh  chan struct{}
	doneCh  chan struct{}
	exitCh  chan struct{}
	once    sync.Once
	logger  *zap.SugaredLogger
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		writer:     w,
		topic:      defaultTopic,
		source:     defaultSource,
		bufferSize: defaultBufferSize,
		wakeCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
		exitCh:     make(chan struct{}),
		logger:     zap.S().Named("event_producer"),
	}
	for _, o := range opts {
		o(ep)
	}
	ep.pending = newBuffer(ep.bufferSize)

	go ep.loop()
	return ep
}

// Write buffers the raw event body. It fails only when body cannot be read.
func (ep *EventProducer) Write(ctx context.Context, kind string, subject string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	if evicted := ep.pending.PushBack(&message{Kind: kind, Subject: subject, Data: data}); evicted != nil {
		metrics.IncreaseEventsDroppedMetric(evicted.Kind)
		ep.logger.Warnw("event buffer full, dropping oldest event", "kind", evicted.Kind, "crate_id", evicted.Subject)
	}

	select {
	case ep.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Publish encodes v as JSON and buffers it. subject is the crate id.
// A nil producer discards the event.
func (ep *EventProducer) Publish(ctx context.Context, kind string, subject string, v any) error {
	if ep == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ep.Write(ctx, kind, subject, bytes.NewReader(data))
}

// Close writes the buffered events and closes the writer.
func (ep *EventProducer) Close() error {
	if ep == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ep.once.Do(func() { close(ep.doneCh) })
		select {
		case <-ep.exitCh:
			return ep.writer.Close(gctx)
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		ep.logger.Errorw("event producer closed with error", "error", err)
		return err
	}

	ep.logger.Info("event producer closed")
	return nil
}

func (ep *EventProducer) loop() {
	defer close(ep.exitCh)
	for {
		ep.drain()
		select {
		case <-ep.wakeCh:
		case <-ep.doneCh:
			ep.drain()
			return
		}
	}
}

func (ep *EventProducer) drain() {
	for msg := ep.pending.Pop(); msg != nil; msg = ep.pending.Pop() {
		ep.send(msg)
	}
}

func (ep *EventProducer) send(msg *message) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(ep.source)
	e.SetType(msg.Kind)
	e.SetTime(time.Now().UTC())
	if msg.Subject != "" {
		e.SetSubject(msg.Subject)
	}
	_ = e.SetData(cloudevents.ApplicationJSON, msg.Data)

	if err := ep.writer.Write(context.Background(), ep.topic, e); err != nil {
		ep.logger.Errorw("failed to write event", "error", err, "type", msg.Kind, "crate_id", msg.Subject)
	}
}
