package service_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/kubev2v/crate-validator/internal/config"
	"github.com/kubev2v/crate-validator/internal/engine"
	"github.com/kubev2v/crate-validator/internal/events"
	"github.com/kubev2v/crate-validator/internal/service"
	st "github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/internal/store/model"
	"github.com/kubev2v/crate-validator/internal/webhook"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("stale job sweeper", Ordered, func() {
	const (
		jobTimeout = time.Minute
		grace      = 30 * time.Second
	)

	var (
		store     st.Store
		gormDB    *gorm.DB
		dir       string
		validator *engine.Engine
		crates    *fakeCrates
		queue     *recordingQueue
		clock     *fakeClock
		srv       *service.ValidationService
	)

	BeforeAll(func() {
		var err error
		dir, err = os.MkdirTemp("", "reaper-test")
		Expect(err).To(BeNil())

		cfg := config.NewDefault()
		cfg.Database.Name = filepath.Join(dir, "jobs.db")
		gormDB, err = st.InitDB(cfg)
		Expect(err).To(BeNil())

		store = st.NewStore(gormDB)
		Expect(store.InitialMigration(context.TODO())).To(BeNil())

		validator, err = engine.New(context.TODO())
		Expect(err).To(BeNil())
	})

	AfterAll(func() {
		store.Close()
		os.RemoveAll(dir)
	})

	BeforeEach(func() {
		crates = newFakeCrates()
		queue = &recordingQueue{}
		clock = &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		srv = service.NewValidationService(store, crates.factory(), validator, queue,
			service.WithJobTimeout(jobTimeout),
			service.WithClock(clock.Now),
		)
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM jobs;")
	})

	markRunning := func(crateID string) {
		job, err := store.Job().Get(context.TODO(), crateID)
		Expect(err).To(BeNil())
		running := *job
		running.State = model.JobStateRunning
		started := clock.Now()
		running.StartedAt = &started
		swapped, err := store.Job().CompareAndSwap(context.TODO(), crateID, st.ExpectState(model.JobStatePending).WithJobID(job.JobID), running)
		Expect(err).To(BeNil())
		Expect(swapped).To(BeTrue())
	}

	It("leaves fresh jobs alone", func() {
		crates.put("crate-fresh", crateArchive("Fresh"))
		_, err := srv.Submit(context.TODO(), submitRequest("crate-fresh"))
		Expect(err).To(BeNil())

		clock.Advance(grace / 2)
		result, err := srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result).To(Equal(service.SweepResult{}))
		Expect(queue.Tasks()).To(HaveLen(1))
	})

	It("fails a job running past the timeout", func() {
		crates.put("crate-stuck", crateArchive("Stuck"))
		_, err := srv.Submit(context.TODO(), submitRequest("crate-stuck"))
		Expect(err).To(BeNil())
		markRunning("crate-stuck")

		clock.Advance(jobTimeout)
		result, err := srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Failed).To(BeZero())

		clock.Advance(grace + time.Second)
		result, err = srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Failed).To(Equal(1))

		job, err := srv.GetResult(context.TODO(), "crate-stuck")
		Expect(err).To(BeNil())
		Expect(job.State).To(Equal(model.JobStateFailed))
		Expect(job.Result().Issues).To(HaveLen(1))
		Expect(job.Result().Issues[0].Check).To(Equal(model.CheckTimeout))

		// the late worker loses its write
		Expect(srv.Execute(context.TODO(), "crate-stuck")).To(Succeed())
		Expect(crates.fetched()).To(BeEmpty())
	})

	It("keeps the timeout when the worker finishes after the sweep", func() {
		var calls atomic.Int32
		hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer hook.Close()

		recorded := &recordingEvents{}
		dispatcher := webhook.NewDispatcher(webhook.WithMaxAttempts(1))
		srv = service.NewValidationService(store, crates.factory(), validator, queue,
			service.WithJobTimeout(time.Second),
			service.WithClock(clock.Now),
			service.WithEvents(recorded),
			service.WithNotifier(dispatcher),
		)

		crates.put("crate-late", crateArchive("Late"))
		req := submitRequest("crate-late")
		req.WebhookURL = hook.URL
		_, err := srv.Submit(context.TODO(), req)
		Expect(err).To(BeNil())

		crates.setBlocking(true)
		done := make(chan error, 1)
		go func() { done <- srv.Execute(context.TODO(), "crate-late") }()

		Eventually(func() model.JobState {
			job, err := srv.GetResult(context.TODO(), "crate-late")
			Expect(err).To(BeNil())
			return job.State
		}).Should(Equal(model.JobStateRunning))

		clock.Advance(jobTimeout + grace)
		result, err := srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Failed).To(Equal(1))

		Eventually(done, 5*time.Second).Should(Receive(BeNil()))

		ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
		defer cancel()
		Expect(dispatcher.Wait(ctx)).To(Succeed())

		job, err := srv.GetResult(context.TODO(), "crate-late")
		Expect(err).To(BeNil())
		Expect(job.State).To(Equal(model.JobStateFailed))
		Expect(job.Result().Issues).To(HaveLen(1))
		Expect(job.Result().Issues[0].Check).To(Equal(model.CheckTimeout))

		failed := 0
		for _, kind := range recorded.Kinds() {
			Expect(kind).NotTo(Equal(events.JobSucceededKind))
			if kind == events.JobFailedKind {
				failed++
			}
		}
		Expect(failed).To(Equal(1))
		Expect(calls.Load()).To(BeEquivalentTo(1))
	})

	It("enqueues again a pending job whose task was lost", func() {
		crates.put("crate-lost", crateArchive("Lost"))
		_, err := srv.Submit(context.TODO(), submitRequest("crate-lost"))
		Expect(err).To(BeNil())

		clock.Advance(grace + time.Second)
		result, err := srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Requeued).To(Equal(1))
		Expect(queue.Tasks()).To(Equal([]string{"crate-lost", "crate-lost"}))

		// touched, so the next sweep within grace skips it
		result, err = srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Requeued).To(BeZero())

		Expect(srv.Execute(context.TODO(), "crate-lost")).To(Succeed())
		Expect(srv.Execute(context.TODO(), "crate-lost")).To(Succeed())
		Expect(crates.fetched()).To(HaveLen(1))
	})

	It("retries the requeue when the queue refuses the task", func() {
		crates.put("crate-full", crateArchive("Full"))
		_, err := srv.Submit(context.TODO(), submitRequest("crate-full"))
		Expect(err).To(BeNil())

		clock.Advance(grace + time.Second)
		queue.err = errors.New("queue is full")
		result, err := srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Requeued).To(BeZero())

		job, err := store.Job().Get(context.TODO(), "crate-full")
		Expect(err).To(BeNil())
		Expect(job.State).To(Equal(model.JobStatePending))

		queue.err = nil
		result, err = srv.SweepStaleJobs(context.TODO(), grace)
		Expect(err).To(BeNil())
		Expect(result.Requeued).To(Equal(1))
	})

	It("sweeps periodically until stopped", func() {
		crates.put("crate-tick", crateArchive("Tick"))
		_, err := srv.Submit(context.TODO(), submitRequest("crate-tick"))
		Expect(err).To(BeNil())
		clock.Advance(grace + time.Second)

		ctx, cancel := context.WithCancel(context.TODO())
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			service.NewReaper(srv, 20*time.Millisecond, grace).Run(ctx)
		}()

		Eventually(func() int { return len(queue.Tasks()) }).Should(BeNumerically(">=", 2))
		cancel()
		Eventually(stopped).Should(BeClosed())
	})
})
