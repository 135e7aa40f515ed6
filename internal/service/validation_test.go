package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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

func submitRequest(crateID string) service.SubmitRequest {
	return service.SubmitRequest{
		CrateID: crateID,
		Store: service.StoreConfig{
			Endpoint:  "minio:9000",
			AccessKey: "minio",
			SecretKey: "minio123",
			Bucket:    "crates",
		},
	}
}

var _ = Describe("validation service", Ordered, func() {
	var (
		store     st.Store
		gormDB    *gorm.DB
		dir       string
		validator *engine.Engine
		crates    *fakeCrates
		queue     *recordingQueue
		recorded  *recordingEvents
		srv       *service.ValidationService
	)

	BeforeAll(func() {
		var err error
		dir, err = os.MkdirTemp("", "service-test")
		Expect(err).To(BeNil())

		cfg := config.NewDefault()
		cfg.Database.Name = filepath.Join(dir, "jobs.db")
		db, err := st.InitDB(cfg)
		Expect(err).To(BeNil())
		gormDB = db

		store = st.NewStore(db)
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
		recorded = &recordingEvents{}
		srv = service.NewValidationService(store, crates.factory(), validator, queue, service.WithEvents(recorded))
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM jobs;")
	})

	Context("submit", func() {
		It("admits a first request and schedules it", func() {
			crates.put("crate-a", crateArchive("A crate"))

			result, err := srv.Submit(context.TODO(), submitRequest("crate-a"))
			Expect(err).To(BeNil())
			Expect(result.State).To(Equal(model.JobStatePending))
			Expect(result.Version).To(Equal("zip:v1"))
			Expect(result.ProfileName).To(Equal(engine.DefaultProfile))
			Expect(queue.Tasks()).To(Equal([]string{"crate-a"}))
			Expect(recorded.Kinds()).To(Equal([]string{events.JobPendingKind}))

			job, err := srv.GetResult(context.TODO(), "crate-a")
			Expect(err).To(BeNil())
			Expect(job.JobID).To(Equal(result.JobID))
			Expect(job.State).To(Equal(model.JobStatePending))
			Expect(job.Report).To(BeNil())
		})

		It("rejects a request while a job is active", func() {
			crates.put("crate-b", crateArchive("B crate"))

			_, err := srv.Submit(context.TODO(), submitRequest("crate-b"))
			Expect(err).To(BeNil())

			_, err = srv.Submit(context.TODO(), submitRequest("crate-b"))
			var inProgress *service.ErrAlreadyInProgress
			Expect(errors.As(err, &inProgress)).To(BeTrue())
			Expect(queue.Tasks()).To(HaveLen(1))
		})

		It("admits exactly one of concurrent requests", func() {
			crates.put("crate-race", crateArchive("Race"))

			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
				rejected atomic.Int32
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := srv.Submit(context.TODO(), submitRequest("crate-race"))
					var inProgress *service.ErrAlreadyInProgress
					switch {
					case err == nil:
						admitted.Add(1)
					case errors.As(err, &inProgress):
						rejected.Add(1)
					default:
						Fail(err.Error())
					}
				}()
			}
			wg.Wait()

			Expect(admitted.Load()).To(BeEquivalentTo(1))
			Expect(rejected.Load()).To(BeEquivalentTo(7))
			Expect(queue.Tasks()).To(HaveLen(1))
		})

		It("replaces a terminal job with a new one", func() {
			crates.put("crate-c", crateArchive("C crate"))

			first, err := srv.Submit(context.TODO(), submitRequest("crate-c"))
			Expect(err).To(BeNil())
			Expect(srv.Execute(context.TODO(), "crate-c")).To(Succeed())

			crates.put("crate-c", crateArchive("C crate, second edition"))
			second, err := srv.Submit(context.TODO(), submitRequest("crate-c"))
			Expect(err).To(BeNil())
			Expect(second.JobID).NotTo(Equal(first.JobID))
			Expect(second.Version).To(Equal("zip:v2"))

			job, err := srv.GetResult(context.TODO(), "crate-c")
			Expect(err).To(BeNil())
			Expect(job.JobID).To(Equal(second.JobID))
			Expect(job.State).To(Equal(model.JobStatePending))
			Expect(job.Report).To(BeNil())
			Expect(job.CompletedAt).To(BeNil())
		})

		It("pins the requested version", func() {
			v1 := crates.put("crate-pin", crateArchive("Pinned"))
			crates.put("crate-pin", crateArchive("Newer"))

			req := submitRequest("crate-pin")
			req.Version = v1
			result, err := srv.Submit(context.TODO(), req)
			Expect(err).To(BeNil())
			Expect(result.Version).To(Equal("zip:" + v1))
		})

		It("returns not found for a missing crate", func() {
			_, err := srv.Submit(context.TODO(), submitRequest("crate-missing"))
			var notFound *service.ErrCrateNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
			Expect(queue.Tasks()).To(BeEmpty())

			_, err = srv.GetResult(context.TODO(), "crate-missing")
			var noJob *service.ErrResourceNotFound
			Expect(errors.As(err, &noJob)).To(BeTrue())
		})

		It("rejects an invalid request without touching the object store", func() {
			req := submitRequest("../escape")
			req.WebhookURL = "ftp://example.com/hook"

			_, err := srv.Submit(context.TODO(), req)
			var invalid *service.ErrInvalidRequest
			Expect(errors.As(err, &invalid)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("crate_id"))
			Expect(err.Error()).To(ContainSubstring("webhook_url"))
			Expect(crates.openedCount()).To(BeZero())
		})

		It("rejects an unknown profile", func() {
			crates.put("crate-p", crateArchive("P"))
			req := submitRequest("crate-p")
			req.ProfileName = "no-such-profile"

			_, err := srv.Submit(context.TODO(), req)
			var invalid *service.ErrInvalidRequest
			Expect(errors.As(err, &invalid)).To(BeTrue())
			Expect(crates.openedCount()).To(BeZero())
		})

		It("fails the job when it cannot be scheduled", func() {
			crates.put("crate-q", crateArchive("Q"))
			queue.err = errors.New("queue is full")

			_, err := srv.Submit(context.TODO(), submitRequest("crate-q"))
			var unavailable *service.ErrQueueUnavailable
			Expect(errors.As(err, &unavailable)).To(BeTrue())

			job, err := srv.GetResult(context.TODO(), "crate-q")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateFailed))
			Expect(job.Result().Issues).To(HaveLen(1))
			Expect(job.Result().Issues[0].Check).To(Equal(model.CheckInternalError))

			// a failed job does not block the next request
			queue.err = nil
			_, err = srv.Submit(context.TODO(), submitRequest("crate-q"))
			Expect(err).To(BeNil())
		})
	})

	Context("execute", func() {
		It("records a valid report", func() {
			crates.put("crate-ok", crateArchive("Valid crate"))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-ok"))
			Expect(err).To(BeNil())

			Expect(srv.Execute(context.TODO(), "crate-ok")).To(Succeed())

			job, err := srv.GetResult(context.TODO(), "crate-ok")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateSucceeded))
			Expect(job.Result().Valid).To(BeTrue())
			Expect(job.Result().ProfileName).To(Equal(engine.DefaultProfile))
			Expect(job.StartedAt).NotTo(BeNil())
			Expect(job.CompletedAt).NotTo(BeNil())
			Expect(recorded.Kinds()).To(Equal([]string{events.JobPendingKind, events.JobRunningKind, events.JobSucceededKind}))
		})

		It("records an invalid crate as a succeeded job", func() {
			crates.put("crate-bad", crateArchive(""))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-bad"))
			Expect(err).To(BeNil())

			Expect(srv.Execute(context.TODO(), "crate-bad")).To(Succeed())

			job, err := srv.GetResult(context.TODO(), "crate-bad")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateSucceeded))
			Expect(job.Result().Valid).To(BeFalse())
			Expect(job.Result().Issues).To(ContainElement(HaveField("Check", "root_name")))
		})

		It("validates the version resolved at submission", func() {
			crates.put("crate-v", crateArchive(""))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-v"))
			Expect(err).To(BeNil())

			// a newer, valid version lands before the worker runs
			crates.put("crate-v", crateArchive("Fixed"))
			Expect(srv.Execute(context.TODO(), "crate-v")).To(Succeed())

			job, err := srv.GetResult(context.TODO(), "crate-v")
			Expect(err).To(BeNil())
			Expect(job.Version).To(Equal("zip:v1"))
			Expect(job.Result().Valid).To(BeFalse())
			Expect(crates.fetched()).To(Equal([]string{"v1"}))
		})

		It("does the work once when the task is delivered twice", func() {
			crates.put("crate-twice", crateArchive("Twice"))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-twice"))
			Expect(err).To(BeNil())

			Expect(srv.Execute(context.TODO(), "crate-twice")).To(Succeed())
			first, err := srv.GetResult(context.TODO(), "crate-twice")
			Expect(err).To(BeNil())

			Expect(srv.Execute(context.TODO(), "crate-twice")).To(Succeed())
			second, err := srv.GetResult(context.TODO(), "crate-twice")
			Expect(err).To(BeNil())

			Expect(crates.fetched()).To(HaveLen(1))
			Expect(second.CompletedAt.Equal(*first.CompletedAt)).To(BeTrue())
			Expect(second.Report.Data).To(Equal(first.Report.Data))
		})

		It("ignores a task without a job", func() {
			Expect(srv.Execute(context.TODO(), "crate-ghost")).To(Succeed())
			Expect(crates.fetched()).To(BeEmpty())
		})

		It("fails the job when the version disappeared", func() {
			v1 := crates.put("crate-gone", crateArchive("Gone"))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-gone"))
			Expect(err).To(BeNil())

			crates.deleteVersion("crate-gone", v1)
			Expect(srv.Execute(context.TODO(), "crate-gone")).To(Succeed())

			job, err := srv.GetResult(context.TODO(), "crate-gone")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateFailed))
			Expect(job.Result().Valid).To(BeFalse())
			Expect(job.Result().Issues).To(HaveLen(1))
			Expect(job.Result().Issues[0].Check).To(Equal(model.CheckInternalError))
			Expect(job.Result().Issues[0].Message).To(ContainSubstring("version no longer exists"))
			Expect(recorded.Kinds()).To(ContainElement(events.JobFailedKind))
		})

		It("fails the job when it exceeds the timeout", func() {
			srv = service.NewValidationService(store, crates.factory(), validator, queue, service.WithJobTimeout(50*time.Millisecond))
			crates.put("crate-slow", crateArchive("Slow"))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-slow"))
			Expect(err).To(BeNil())

			crates.setBlocking(true)
			Expect(srv.Execute(context.TODO(), "crate-slow")).To(Succeed())

			job, err := srv.GetResult(context.TODO(), "crate-slow")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateFailed))
			Expect(job.Result().Issues).To(HaveLen(1))
			Expect(job.Result().Issues[0].Check).To(Equal(model.CheckTimeout))
		})

		It("hands the job back when the worker stops", func() {
			crates.put("crate-stop", crateArchive("Stop"))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-stop"))
			Expect(err).To(BeNil())

			crates.setBlocking(true)
			ctx, cancel := context.WithCancel(context.TODO())
			done := make(chan error, 1)
			go func() { done <- srv.Execute(ctx, "crate-stop") }()

			Eventually(func() model.JobState {
				job, err := srv.GetResult(context.TODO(), "crate-stop")
				Expect(err).To(BeNil())
				return job.State
			}).Should(Equal(model.JobStateRunning))
			cancel()

			var execErr error
			Eventually(done).Should(Receive(&execErr))
			Expect(errors.Is(execErr, context.Canceled)).To(BeTrue())

			job, err := srv.GetResult(context.TODO(), "crate-stop")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePending))

			crates.setBlocking(false)
			Expect(srv.Execute(context.TODO(), "crate-stop")).To(Succeed())
			job, err = srv.GetResult(context.TODO(), "crate-stop")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateSucceeded))
		})

		It("publishes the report next to the crate", func() {
			srv = service.NewValidationService(store, crates.factory(), validator, queue, service.WithPublishReports(true))
			crates.put("crate-pub", crateArchive("Published"))
			_, err := srv.Submit(context.TODO(), submitRequest("crate-pub"))
			Expect(err).To(BeNil())
			Expect(srv.Execute(context.TODO(), "crate-pub")).To(Succeed())

			var payload service.WebhookPayload
			Expect(json.Unmarshal(crates.publishedReport("crate-pub"), &payload)).To(Succeed())
			Expect(payload.CrateID).To(Equal("crate-pub"))
			Expect(payload.State).To(Equal(model.JobStateSucceeded))
			Expect(payload.Report.Valid).To(BeTrue())
		})
	})

	Context("webhooks", func() {
		var dispatcher *webhook.Dispatcher

		BeforeEach(func() {
			dispatcher = webhook.NewDispatcher(
				webhook.WithMaxAttempts(3),
				webhook.WithBackoff(time.Millisecond, 5*time.Millisecond),
			)
			srv = service.NewValidationService(store, crates.factory(), validator, queue,
				service.WithNotifier(dispatcher),
				service.WithEvents(recorded),
			)
		})

		waitDeliveries := func() {
			ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
			defer cancel()
			Expect(dispatcher.Wait(ctx)).To(Succeed())
		}

		It("posts the terminal job to the webhook", func() {
			received := make(chan service.WebhookPayload, 1)
			hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				var payload service.WebhookPayload
				Expect(json.Unmarshal(body, &payload)).To(Succeed())
				received <- payload
				w.WriteHeader(http.StatusOK)
			}))
			defer hook.Close()

			crates.put("crate-hook", crateArchive(""))
			req := submitRequest("crate-hook")
			req.WebhookURL = hook.URL
			result, err := srv.Submit(context.TODO(), req)
			Expect(err).To(BeNil())
			Expect(srv.Execute(context.TODO(), "crate-hook")).To(Succeed())
			waitDeliveries()

			var payload service.WebhookPayload
			Eventually(received).Should(Receive(&payload))
			Expect(payload.JobID).To(Equal(result.JobID.String()))
			Expect(payload.State).To(Equal(model.JobStateSucceeded))
			Expect(payload.Report.Valid).To(BeFalse())
			Expect(recorded.Kinds()).To(ContainElement(events.WebhookDeliveredKind))
		})

		It("keeps the result when the webhook keeps failing", func() {
			var calls atomic.Int32
			hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer hook.Close()

			crates.put("crate-down", crateArchive("Down"))
			req := submitRequest("crate-down")
			req.WebhookURL = hook.URL
			_, err := srv.Submit(context.TODO(), req)
			Expect(err).To(BeNil())
			Expect(srv.Execute(context.TODO(), "crate-down")).To(Succeed())
			waitDeliveries()

			Expect(calls.Load()).To(BeEquivalentTo(3))
			Expect(recorded.Kinds()).To(ContainElement(events.WebhookFailedKind))

			job, err := srv.GetResult(context.TODO(), "crate-down")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStateSucceeded))
			Expect(job.Result().Valid).To(BeTrue())
		})
	})

	Context("metadata", func() {
		It("validates a metadata document", func() {
			report, err := srv.ValidateMetadata(context.TODO(), string(crateMetadata("Inline")), "")
			Expect(err).To(BeNil())
			Expect(report.Valid).To(BeTrue())
		})

		It("reports a non conforming document", func() {
			report, err := srv.ValidateMetadata(context.TODO(), string(crateMetadata("")), "ro-crate")
			Expect(err).To(BeNil())
			Expect(report.Valid).To(BeFalse())
		})

		DescribeTable("rejects unusable input",
			func(crateJSON string, message string) {
				_, err := srv.ValidateMetadata(context.TODO(), crateJSON, "")
				var invalid *service.ErrInvalidMetadata
				Expect(errors.As(err, &invalid)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring(message))
			},
			Entry("missing", "", "Missing required parameter: crate_json"),
			Entry("not json", "{nope", "is not valid JSON"),
			Entry("not an object", `["a"]`, "must be a JSON object"),
			Entry("empty object", `{}`, "Required parameter crate_json is empty"),
		)

		It("rejects an unknown profile", func() {
			_, err := srv.ValidateMetadata(context.TODO(), string(crateMetadata("x")), "nope")
			var invalid *service.ErrInvalidRequest
			Expect(errors.As(err, &invalid)).To(BeTrue())
		})

		It("reports the store as healthy", func() {
			Expect(srv.Health(context.TODO())).To(Succeed())
		})

		It("lists the profiles", func() {
			Expect(srv.ListProfiles()).To(HaveLen(3))
		})
	})
})
