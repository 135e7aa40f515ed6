package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

const userAgent = "crate-validator"

// Attempt is a single HTTP attempt of a delivery.
type Attempt struct {
	Number     int           `json:"number"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// DeliveryOutcome is the result of a delivery. Err is a *DeliveryFailure when
// the receiver never acknowledged the payload.
type DeliveryOutcome struct {
	URL        string
	Delivered  bool
	StatusCode int
	Attempts   []Attempt
	Err        error
}

// DeliveryFailure is reported when retries are exhausted or the receiver
// rejects the payload with a 4xx status.
type DeliveryFailure struct {
	URL       string
	Attempts  int
	Retryable bool
	Reason    string
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("webhook delivery to %s failed after %d attempt(s): %s", e.URL, e.Attempts, e.Reason)
}

type DispatcherOpts func(c *dispatcherConfig)

type dispatcherConfig struct {
	maxAttempts    int
	minBackoff     time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration
}

func WithMaxAttempts(n int) DispatcherOpts {
	return func(c *dispatcherConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(min, max time.Duration) DispatcherOpts {
	return func(c *dispatcherConfig) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

func WithAttemptTimeout(d time.Duration) DispatcherOpts {
	return func(c *dispatcherConfig) {
		c.attemptTimeout = d
	}
}

// Dispatcher posts JSON payloads to caller supplied URLs.
type Dispatcher struct {
	cfg        *dispatcherConfig
	httpClient *http.Client
	logger     *log.StructuredLogger
	wg         sync.WaitGroup
}

func NewDispatcher(opts ...DispatcherOpts) *Dispatcher {
	cfg := &dispatcherConfig{
		maxAttempts:    5,
		minBackoff:     time.Second,
		maxBackoff:     30 * time.Second,
		attemptTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	return &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.attemptTimeout},
		logger:     log.NewInfoLogger("webhook"),
	}
}

// Deliver posts payload to url, retrying connection errors and 5xx responses
// with exponential backoff. It never returns an error: the outcome carries it.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload any) DeliveryOutcome {
	outcome := DeliveryOutcome{URL: url}

	tracer := d.logger.WithContext(ctx).
		Operation("deliver").
		WithString("url", url).
		WithInt("max_attempts", d.cfg.maxAttempts).
		Build()

	body, err := json.Marshal(payload)
	if err != nil {
		outcome.Err = &DeliveryFailure{URL: url, Reason: fmt.Sprintf("encoding payload: %v", err)}
		tracer.Error(outcome.Err).Log()
		metrics.IncreaseWebhookDeliveriesMetric("failed")
		return outcome
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		outcome.Err = &DeliveryFailure{URL: url, Reason: fmt.Sprintf("building request: %v", err)}
		tracer.Error(outcome.Err).Log()
		metrics.IncreaseWebhookDeliveriesMetric("failed")
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	var (
		mu      sync.Mutex
		started = time.Now()
	)
	client := &retryablehttp.Client{
		HTTPClient:   d.httpClient,
		RetryWaitMin: d.cfg.minBackoff,
		RetryWaitMax: d.cfg.maxBackoff,
		RetryMax:     d.cfg.maxAttempts - 1,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		RequestLogHook: func(_ retryablehttp.Logger, _ *http.Request, _ int) {
			mu.Lock()
			started = time.Now()
			mu.Unlock()
		},
		CheckRetry: func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			mu.Lock()
			attempt := Attempt{Number: len(outcome.Attempts) + 1, Duration: time.Since(started)}
			mu.Unlock()

			retry, kind := classify(ctx, resp, err)
			if resp != nil {
				attempt.StatusCode = resp.StatusCode
			}
			if err != nil {
				attempt.Error = err.Error()
			}

			mu.Lock()
			outcome.Attempts = append(outcome.Attempts, attempt)
			mu.Unlock()

			metrics.IncreaseWebhookAttemptsMetric(kind)
			tracer.Step("attempt").
				WithInt("attempt", attempt.Number).
				WithInt("status_code", attempt.StatusCode).
				WithString("result", kind).
				WithBool("retry", retry && attempt.Number < d.cfg.maxAttempts).
				Log()

			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return retry, nil
		},
	}

	resp, err := client.Do(req)
	if resp != nil {
		outcome.StatusCode = resp.StatusCode
		resp.Body.Close()
	}

	switch {
	case err != nil:
		outcome.Err = &DeliveryFailure{URL: url, Attempts: len(outcome.Attempts), Retryable: true, Reason: err.Error()}
	case resp.StatusCode >= 500:
		outcome.Err = &DeliveryFailure{URL: url, Attempts: len(outcome.Attempts), Retryable: true, Reason: fmt.Sprintf("receiver answered %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		outcome.Err = &DeliveryFailure{URL: url, Attempts: len(outcome.Attempts), Reason: fmt.Sprintf("receiver rejected the payload with %d", resp.StatusCode)}
	default:
		outcome.Delivered = true
	}

	if outcome.Delivered {
		metrics.IncreaseWebhookDeliveriesMetric("delivered")
		tracer.Success().WithInt("attempts", len(outcome.Attempts)).WithInt("status_code", outcome.StatusCode).Log()
	} else {
		metrics.IncreaseWebhookDeliveriesMetric("failed")
		tracer.Error(outcome.Err).WithInt("attempts", len(outcome.Attempts)).Log()
	}
	return outcome
}

// Notify delivers in the background. done, when set, receives the outcome.
// The delivery is detached from the cancellation of ctx.
func (d *Dispatcher) Notify(ctx context.Context, url string, payload any, done func(DeliveryOutcome)) {
	detached := requestid.Detach(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcome := d.Deliver(detached, url, payload)
		if done != nil {
			done(outcome)
		}
	}()
}

// Wait blocks until background deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify decides whether an attempt is retried: connection errors and 5xx
// are, 4xx and success are not.
func classify(ctx context.Context, resp *http.Response, err error) (bool, string) {
	if err != nil {
		retry, _ := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		return retry, "transport_error"
	}
	switch {
	case resp.StatusCode >= 500:
		return true, "server_error"
	case resp.StatusCode >= 400:
		return false, "client_error"
	default:
		return false, "success"
	}
}
