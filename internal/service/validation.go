package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubev2v/crate-validator/internal/engine"
	"github.com/kubev2v/crate-validator/internal/events"
	"github.com/kubev2v/crate-validator/internal/handlers/validator"
	"github.com/kubev2v/crate-validator/internal/objectstore"
	"github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/internal/store/model"
	"github.com/kubev2v/crate-validator/internal/webhook"
	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

// CrateStore is the object store holding the crates of one request.
type CrateStore interface {
	ResolveVersion(ctx context.Context, rootPath, crateID, requested string) (objectstore.Version, error)
	FetchContent(ctx context.Context, rootPath, crateID string, v objectstore.Version) ([]byte, error)
	PublishReport(ctx context.Context, rootPath, crateID string, report []byte) error
}

// CrateStoreFactory opens the object store described by the request parameters.
type CrateStoreFactory func(cfg model.StoreConfig) (CrateStore, error)

func NewObjectStoreFactory(maxBytes int64) CrateStoreFactory {
	return func(cfg model.StoreConfig) (CrateStore, error) {
		client, err := objectstore.New(
			objectstore.WithEndpoint(cfg.Endpoint),
			objectstore.WithBucket(cfg.Bucket),
			objectstore.WithAccessKey(cfg.AccessKey),
			objectstore.WithSecretKey(cfg.SecretKey),
			objectstore.WithRegion(cfg.Region),
			objectstore.WithSSL(cfg.SSL),
			objectstore.WithMaxBytes(maxBytes),
		)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

type Validator interface {
	Validate(ctx context.Context, content []byte, profileName string) (model.Report, error)
	HasProfile(name string) bool
	DefaultProfile() string
	Profiles() []engine.ProfileInfo
}

type Enqueuer interface {
	Enqueue(ctx context.Context, crateID string) error
}

type Notifier interface {
	Notify(ctx context.Context, url string, payload any, done func(webhook.DeliveryOutcome))
}

type EventPublisher interface {
	Publish(ctx context.Context, kind string, subject string, v any) error
}

type ValidationServiceOpts func(s *ValidationService)

// WithJobTimeout bounds retrieval and validation of a single job.
func WithJobTimeout(d time.Duration) ValidationServiceOpts {
	return func(s *ValidationService) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithPublishReports writes every terminal report next to its crate.
func WithPublishReports(enabled bool) ValidationServiceOpts {
	return func(s *ValidationService) {
		s.publishReports = enabled
	}
}

func WithNotifier(n Notifier) ValidationServiceOpts {
	return func(s *ValidationService) {
		s.notifier = n
	}
}

func WithEvents(p EventPublisher) ValidationServiceOpts {
	return func(s *ValidationService) {
		s.events = p
	}
}

func WithClock(now func() time.Time) ValidationServiceOpts {
	return func(s *ValidationService) {
		s.now = now
	}
}

// ValidationService owns the lifecycle of validation jobs: admission,
// execution by the workers and retrieval of the results.
type ValidationService struct {
	store          store.Store
	stores         CrateStoreFactory
	validator      Validator
	queue          Enqueuer
	notifier       Notifier
	events         EventPublisher
	requests       *validator.Validator
	jobTimeout     time.Duration
	publishReports bool
	now            func() time.Time
	logger         *log.StructuredLogger
}

func NewValidationService(s store.Store, stores CrateStoreFactory, v Validator, q Enqueuer, opts ...ValidationServiceOpts) *ValidationService {
	requests := validator.NewValidator()
	requests.Register(validator.NewSubmitValidationRules()...)

	vs := &ValidationService{
		store:      s,
		stores:     stores,
		validator:  v,
		queue:      q,
		requests:   requests,
		jobTimeout: 5 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     log.NewDebugLogger("validation_service"),
	}
	for _, o := range opts {
		o(vs)
	}
	return vs
}

// Submit admits a validation request and schedules it. At most one job per
// crate is pending or running: a request for a crate with an active job is
// rejected with ErrAlreadyInProgress.
func (vs *ValidationService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	tracer := vs.logger.WithContext(ctx).
		Operation("submit").
		WithString("crate_id", req.CrateID).
		WithString("root_path", req.RootPath).
		WithString("requested_version", req.Version).
		WithString("profile", req.ProfileName).
		WithBool("has_webhook", req.WebhookURL != "").
		Build()

	if err := vs.requests.Struct(req); err != nil {
		metrics.IncreaseJobsRejectedMetric("invalid_request")
		return nil, NewErrInvalidRequest(err)
	}

	profile := req.ProfileName
	if profile == "" {
		profile = vs.validator.DefaultProfile()
	}
	if !vs.validator.HasProfile(profile) {
		metrics.IncreaseJobsRejectedMetric("invalid_request")
		return nil, NewErrUnknownProfile(profile)
	}

	// Cheap pre-check to spare the object store. The swap below decides.
	current, err := vs.store.Job().Get(ctx, req.CrateID)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		current = nil
	case err != nil:
		return nil, err
	case current.State.IsActive():
		metrics.IncreaseJobsRejectedMetric("already_in_progress")
		return nil, NewErrAlreadyInProgress(req.CrateID, current.State)
	}
	tracer.Step("admission_precheck").WithBool("has_previous_job", current != nil).Log()

	crates, err := vs.stores(req.Store.toModel())
	if err != nil {
		metrics.IncreaseJobsRejectedMetric("invalid_request")
		return nil, NewErrInvalidRequest(err)
	}

	version, err := crates.ResolveVersion(ctx, req.RootPath, req.CrateID, req.Version)
	if err != nil {
		if errors.Is(err, objectstore.ErrCrateNotFound) {
			metrics.IncreaseJobsRejectedMetric("crate_not_found")
			return nil, NewErrCrateNotFound(req.CrateID, req.RootPath)
		}
		metrics.IncreaseJobsRejectedMetric("retrieval_error")
		return nil, NewErrRetrieval(err)
	}
	tracer.Step("version_resolved").WithString("version", version.String()).Log()

	now := vs.now()
	next := model.Job{
		CrateID: req.CrateID,
		JobID:   uuid.New(),
		Version: version.String(),
		State:   model.JobStatePending,
		Request: model.MakeJSONField(model.JobRequest{
			Store:       req.Store.toModel(),
			RootPath:    req.RootPath,
			ProfileName: profile,
			WebhookURL:  req.WebhookURL,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}

	pre := store.ExpectAbsent()
	if current != nil {
		pre = store.ExpectState(current.State).WithJobID(current.JobID)
	}

	swapped, err := vs.store.Job().CompareAndSwap(ctx, req.CrateID, pre, next)
	if err != nil {
		return nil, err
	}
	if !swapped {
		state := model.JobStatePending
		if latest, err := vs.store.Job().Get(ctx, req.CrateID); err == nil {
			state = latest.State
		}
		metrics.IncreaseJobsRejectedMetric("already_in_progress")
		tracer.Step("admission_lost").WithString("precondition", pre.String()).Log()
		return nil, NewErrAlreadyInProgress(req.CrateID, state)
	}
	tracer.Step("job_admitted").WithUUID("job_id", next.JobID).Log()

	if err := vs.queue.Enqueue(ctx, req.CrateID); err != nil {
		// the crate must not stay pending without a task
		failed := next
		vs.complete(&failed, model.JobStateFailed, model.NewFailureReport(profile, model.CheckInternalError, fmt.Sprintf("validation could not be scheduled: %v", err)))
		if _, casErr := vs.store.Job().CompareAndSwap(ctx, req.CrateID, store.ExpectState(model.JobStatePending).WithJobID(next.JobID), failed); casErr != nil {
			tracer.Step("fail_unscheduled_job").WithString("error", casErr.Error()).Log()
		}
		tracer.Error(err).Log()
		return nil, NewErrQueueUnavailable(err)
	}

	metrics.IncreaseJobsSubmittedMetric(profile)
	vs.publish(ctx, events.JobPendingKind, next)

	tracer.Success().
		WithUUID("job_id", next.JobID).
		WithString("version", next.Version).
		WithString("profile", profile).
		Log()

	return &SubmitResult{
		CrateID:     next.CrateID,
		JobID:       next.JobID,
		Version:     next.Version,
		ProfileName: profile,
		State:       next.State,
		CreatedAt:   next.CreatedAt,
	}, nil
}

// Execute runs the pending job of crateID. It is safe to call more than once
// for the same job: only the call that moves the job from pending to running
// does any work. An error is returned only when the outcome could not be
// recorded, so that the queue delivers the task again.
func (vs *ValidationService) Execute(ctx context.Context, crateID string) error {
	tracer := vs.logger.WithContext(ctx).
		Operation("execute").
		WithString("crate_id", crateID).
		Build()

	job, err := vs.store.Job().Get(ctx, crateID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			tracer.Warn("no job for crate").Log()
			return nil
		}
		return err
	}

	if job.State != model.JobStatePending {
		tracer.Step("skip").WithString("state", job.State.String()).WithUUID("job_id", job.JobID).Log()
		return nil
	}

	running := *job
	started := vs.now()
	running.State = model.JobStateRunning
	running.StartedAt = &started
	running.UpdatedAt = started

	swapped, err := vs.store.Job().CompareAndSwap(ctx, crateID, store.ExpectState(model.JobStatePending).WithJobID(job.JobID), running)
	if err != nil {
		return err
	}
	if !swapped {
		tracer.Step("claimed_elsewhere").WithUUID("job_id", job.JobID).Log()
		return nil
	}
	tracer.Step("job_running").WithUUID("job_id", job.JobID).WithString("version", job.Version).Log()
	vs.publish(ctx, events.JobRunningKind, running)

	state, report := vs.run(ctx, &running)

	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// The worker is shutting down. Hand the job back so that it is picked up again.
		vs.release(running)
		tracer.Warn("worker stopped, job released").WithUUID("job_id", job.JobID).Log()
		return ctx.Err()
	}

	vs.complete(&running, state, report)
	// The sweeper or a resubmission may have moved the job while it ran.
	if err := vs.store.Job().Write(requestid.Detach(ctx), running); err != nil {
		if errors.Is(err, store.ErrJobSuperseded) {
			tracer.Step("superseded").WithUUID("job_id", job.JobID).Log()
			return nil
		}
		tracer.Error(err).Log()
		return err
	}

	vs.finish(ctx, running)

	tracer.Success().
		WithUUID("job_id", running.JobID).
		WithString("state", running.State.String()).
		WithBool("valid", report.Valid).
		WithInt("issues", len(report.Issues)).
		Log()
	return nil
}

// run retrieves and validates the crate under the job timeout. Failures are
// turned into a failed report.
func (vs *ValidationService) run(ctx context.Context, job *model.Job) (model.JobState, model.Report) {
	profile := job.ProfileName()
	tracer := vs.logger.WithContext(ctx).
		Operation("run").
		WithString("crate_id", job.CrateID).
		WithUUID("job_id", job.JobID).
		WithString("profile", profile).
		Build()

	runCtx, cancel := context.WithTimeout(ctx, vs.jobTimeout)
	defer cancel()

	fail := func(check string, err error) (model.JobState, model.Report) {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			timeout := &TimeoutError{CrateID: job.CrateID, Timeout: vs.jobTimeout}
			tracer.Error(timeout).Log()
			return model.JobStateFailed, model.NewFailureReport(profile, model.CheckTimeout, timeout.Error())
		}
		tracer.Error(err).Log()
		return model.JobStateFailed, model.NewFailureReport(profile, check, err.Error())
	}

	if job.Request == nil {
		return fail(model.CheckInternalError, errors.New("job has no request parameters"))
	}
	req := job.Request.Data

	version, err := objectstore.ParseVersion(job.Version)
	if err != nil {
		return fail(model.CheckInternalError, err)
	}

	crates, err := vs.stores(req.Store)
	if err != nil {
		return fail(model.CheckInternalError, err)
	}

	content, err := crates.FetchContent(runCtx, req.RootPath, job.CrateID, version)
	if err != nil {
		return fail(model.CheckInternalError, fmt.Errorf("retrieving crate: %w", err))
	}
	tracer.Step("content_fetched").WithInt("bytes", len(content)).Log()

	report, err := vs.validator.Validate(runCtx, content, profile)
	if err != nil {
		return fail(model.CheckInternalError, fmt.Errorf("validating crate: %w", err))
	}
	if runCtx.Err() != nil {
		return fail(model.CheckTimeout, runCtx.Err())
	}

	tracer.Success().WithBool("valid", report.Valid).WithInt("issues", len(report.Issues)).Log()
	return model.JobStateSucceeded, report
}

// complete moves job to a terminal state.
func (vs *ValidationService) complete(job *model.Job, state model.JobState, report model.Report) {
	now := vs.now()
	job.State = state
	job.Report = model.MakeJSONField(report)
	job.CompletedAt = &now
	job.UpdatedAt = now
}

// release hands a running job back to pending.
func (vs *ValidationService) release(job model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending := job
	pending.State = model.JobStatePending
	pending.StartedAt = nil
	pending.UpdatedAt = vs.now()
	_, _ = vs.store.Job().CompareAndSwap(ctx, job.CrateID, store.ExpectState(model.JobStateRunning).WithJobID(job.JobID), pending)
}

// finish runs the side effects of a terminal job once it is persisted:
// metrics, events, the published report and the webhook.
func (vs *ValidationService) finish(ctx context.Context, job model.Job) {
	reason := "valid"
	if report := job.Result(); report != nil && !report.Valid {
		reason = "invalid"
		if len(report.Issues) == 1 && (report.Issues[0].Check == model.CheckInternalError || report.Issues[0].Check == model.CheckTimeout) {
			reason = report.Issues[0].Check
		}
	}
	metrics.IncreaseJobsCompletedMetric(job.State.String(), reason)
	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.ObserveJobDuration(job.State.String(), job.CompletedAt.Sub(*job.StartedAt))
	}

	kind := events.JobSucceededKind
	if job.State == model.JobStateFailed {
		kind = events.JobFailedKind
	}
	vs.publish(ctx, kind, job)

	if vs.publishReports {
		vs.publishReport(ctx, job)
	}

	if url := job.WebhookURL(); url != "" && vs.notifier != nil {
		crateID, jobID := job.CrateID, job.JobID
		vs.notifier.Notify(ctx, url, newWebhookPayload(job), func(outcome webhook.DeliveryOutcome) {
			e := events.WebhookEvent{
				CrateID:    crateID,
				JobID:      jobID.String(),
				URL:        outcome.URL,
				Delivered:  outcome.Delivered,
				Attempts:   len(outcome.Attempts),
				StatusCode: outcome.StatusCode,
			}
			kind := events.WebhookDeliveredKind
			if outcome.Err != nil {
				e.Error = outcome.Err.Error()
				kind = events.WebhookFailedKind
			}
			vs.emit(requestid.Detach(ctx), kind, crateID, e)
		})
	}
}

func (vs *ValidationService) publishReport(ctx context.Context, job model.Job) {
	tracer := vs.logger.WithContext(ctx).
		Operation("publish_report").
		WithString("crate_id", job.CrateID).
		WithUUID("job_id", job.JobID).
		Build()

	data, err := json.MarshalIndent(newWebhookPayload(job), "", "  ")
	if err != nil {
		tracer.Error(err).Log()
		return
	}

	crates, err := vs.stores(job.Request.Data.Store)
	if err != nil {
		tracer.Error(err).Log()
		return
	}
	if err := crates.PublishReport(ctx, job.Request.Data.RootPath, job.CrateID, data); err != nil {
		tracer.Error(err).Log()
		return
	}
	tracer.Success().Log()
}

func (vs *ValidationService) publish(ctx context.Context, kind string, job model.Job) {
	e := events.JobEvent{
		CrateID:     job.CrateID,
		JobID:       job.JobID.String(),
		State:       job.State.String(),
		Version:     job.Version,
		ProfileName: job.ProfileName(),
	}
	if report := job.Result(); report != nil {
		valid := report.Valid
		e.Valid = &valid
		e.Issues = len(report.Issues)
	}
	vs.emit(ctx, kind, job.CrateID, e)
}

func (vs *ValidationService) emit(ctx context.Context, kind, subject string, v any) {
	if vs.events == nil {
		return
	}
	if err := vs.events.Publish(ctx, kind, subject, v); err != nil {
		vs.logger.WithContext(ctx).Operation("publish_event").WithString("kind", kind).Build().Error(err).Log()
	}
}

// GetResult returns the current job of crateID.
func (vs *ValidationService) GetResult(ctx context.Context, crateID string) (*model.Job, error) {
	tracer := vs.logger.WithContext(ctx).
		Operation("get_result").
		WithString("crate_id", crateID).
		Build()

	job, err := vs.store.Job().Get(ctx, crateID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(crateID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	tracer.Success().
		WithUUID("job_id", job.JobID).
		WithString("state", job.State.String()).
		Log()
	return job, nil
}

// ValidateMetadata validates a bare ro-crate-metadata.json document
// synchronously.
func (vs *ValidationService) ValidateMetadata(ctx context.Context, crateJSON string, profileName string) (*model.Report, error) {
	tracer := vs.logger.WithContext(ctx).
		Operation("validate_metadata").
		WithString("profile", profileName).
		WithInt("bytes", len(crateJSON)).
		Build()

	if crateJSON == "" {
		return nil, NewErrInvalidMetadata("Missing required parameter: crate_json")
	}

	var doc any
	if err := json.Unmarshal([]byte(crateJSON), &doc); err != nil {
		return nil, NewErrInvalidMetadata("Parameter crate_json is not valid JSON: %v", err)
	}
	if obj, ok := doc.(map[string]any); !ok {
		return nil, NewErrInvalidMetadata("Parameter crate_json must be a JSON object")
	} else if len(obj) == 0 {
		return nil, NewErrInvalidMetadata("Required parameter crate_json is empty")
	}

	if profileName != "" && !vs.validator.HasProfile(profileName) {
		return nil, NewErrUnknownProfile(profileName)
	}

	report, err := vs.validator.Validate(ctx, []byte(crateJSON), profileName)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	tracer.Success().WithBool("valid", report.Valid).WithInt("issues", len(report.Issues)).Log()
	return &report, nil
}

func (vs *ValidationService) ListProfiles() []engine.ProfileInfo {
	return vs.validator.Profiles()
}
