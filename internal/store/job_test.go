package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/kubev2v/crate-validator/internal/config"
	st "github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/internal/store/model"
)

func newPendingJob(crateID string) model.Job {
	now := time.Now().UTC()
	return model.Job{
		CrateID: crateID,
		JobID:   uuid.New(),
		Version: "v1",
		State:   model.JobStatePending,
		Request: model.MakeJSONField(model.JobRequest{
			Store:       model.StoreConfig{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s", Bucket: "crates"},
			ProfileName: "ro-crate",
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

var _ = Describe("job store", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
		dir    string
	)

	BeforeAll(func() {
		var err error
		dir, err = os.MkdirTemp("", "store-test")
		Expect(err).To(BeNil())

		cfg := config.NewDefault()
		cfg.Database.Name = filepath.Join(dir, "jobs.db")
		db, err := st.InitDB(cfg)
		Expect(err).To(BeNil())
		gormDB = db

		store = st.NewStore(db)
		Expect(store.InitialMigration(context.TODO())).To(BeNil())
	})

	AfterAll(func() {
		store.Close()
		os.RemoveAll(dir)
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM jobs;")
	})

	Context("get", func() {
		It("returns ErrRecordNotFound for an unknown crate", func() {
			_, err := store.Job().Get(context.TODO(), "never-submitted")
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("compare and swap", func() {
		It("inserts when the record is expected absent", func() {
			job := newPendingJob("c1")
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c1", st.ExpectAbsent(), job)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			got, err := store.Job().Get(context.TODO(), "c1")
			Expect(err).To(BeNil())
			Expect(got.JobID).To(Equal(job.JobID))
			Expect(got.State).To(Equal(model.JobStatePending))
			Expect(got.Request.Data.Store.Bucket).To(Equal("crates"))
			Expect(got.Report).To(BeNil())
		})

		It("refuses a second insert for the same crate", func() {
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c1", st.ExpectAbsent(), newPendingJob("c1"))
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			second := newPendingJob("c1")
			ok, err = store.Job().CompareAndSwap(context.TODO(), "c1", st.ExpectAbsent(), second)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			got, err := store.Job().Get(context.TODO(), "c1")
			Expect(err).To(BeNil())
			Expect(got.JobID).NotTo(Equal(second.JobID))
		})

		It("moves pending to running only for the matching job instance", func() {
			job := newPendingJob("c2")
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c2", st.ExpectAbsent(), job)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			running := job
			running.State = model.JobStateRunning
			now := time.Now().UTC()
			running.StartedAt = &now

			ok, err = store.Job().CompareAndSwap(context.TODO(), "c2", st.ExpectState(model.JobStatePending).WithJobID(uuid.New()), running)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			ok, err = store.Job().CompareAndSwap(context.TODO(), "c2", st.ExpectState(model.JobStatePending).WithJobID(job.JobID), running)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			ok, err = store.Job().CompareAndSwap(context.TODO(), "c2", st.ExpectState(model.JobStatePending), running)
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())

			got, err := store.Job().Get(context.TODO(), "c2")
			Expect(err).To(BeNil())
			Expect(got.State).To(Equal(model.JobStateRunning))
			Expect(got.StartedAt).NotTo(BeNil())
		})

		It("replaces a terminal record with a new submission", func() {
			job := newPendingJob("c3")
			job.State = model.JobStateFailed
			job.Report = model.MakeJSONField(model.NewFailureReport("ro-crate", model.CheckInternalError, "boom"))
			_, err := store.Job().CompareAndSwap(context.TODO(), "c3", st.ExpectAbsent(), job)
			Expect(err).To(BeNil())

			next := newPendingJob("c3")
			next.Version = "v2"
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c3", st.ExpectState(model.JobStateFailed), next)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			got, err := store.Job().Get(context.TODO(), "c3")
			Expect(err).To(BeNil())
			Expect(got.JobID).To(Equal(next.JobID))
			Expect(got.Version).To(Equal("v2"))
			Expect(got.Report).To(BeNil())
		})
	})

	Context("write", func() {
		It("persists the report of the running job", func() {
			job := newPendingJob("c4")
			_, err := store.Job().CompareAndSwap(context.TODO(), "c4", st.ExpectAbsent(), job)
			Expect(err).To(BeNil())

			job.State = model.JobStateRunning
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c4", st.ExpectState(model.JobStatePending).WithJobID(job.JobID), job)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			job.State = model.JobStateSucceeded
			job.Report = model.MakeJSONField(model.Report{Valid: true, ProfileName: "ro-crate", Issues: []model.Issue{}})
			Expect(store.Job().Write(context.TODO(), job)).To(BeNil())

			got, err := store.Job().Get(context.TODO(), "c4")
			Expect(err).To(BeNil())
			Expect(got.State).To(Equal(model.JobStateSucceeded))
			Expect(got.Result()).NotTo(BeNil())
			Expect(got.Result().Valid).To(BeTrue())
		})

		It("reports a superseded job", func() {
			old := newPendingJob("c5")
			_, err := store.Job().CompareAndSwap(context.TODO(), "c5", st.ExpectAbsent(), old)
			Expect(err).To(BeNil())

			old.State = model.JobStateFailed
			_, err = store.Job().CompareAndSwap(context.TODO(), "c5", st.ExpectState(model.JobStatePending), old)
			Expect(err).To(BeNil())

			current := newPendingJob("c5")
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c5", st.ExpectState(model.JobStateFailed), current)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			old.State = model.JobStateSucceeded
			Expect(store.Job().Write(context.TODO(), old)).To(MatchError(st.ErrJobSuperseded))

			got, err := store.Job().Get(context.TODO(), "c5")
			Expect(err).To(BeNil())
			Expect(got.JobID).To(Equal(current.JobID))
			Expect(got.State).To(Equal(model.JobStatePending))
		})

		It("does not overwrite a job that is no longer running", func() {
			job := newPendingJob("c6")
			_, err := store.Job().CompareAndSwap(context.TODO(), "c6", st.ExpectAbsent(), job)
			Expect(err).To(BeNil())

			job.State = model.JobStateRunning
			ok, err := store.Job().CompareAndSwap(context.TODO(), "c6", st.ExpectState(model.JobStatePending).WithJobID(job.JobID), job)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			failed := job
			failed.State = model.JobStateFailed
			ok, err = store.Job().CompareAndSwap(context.TODO(), "c6", st.ExpectState(model.JobStateRunning).WithJobID(job.JobID), failed)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			job.State = model.JobStateSucceeded
			Expect(store.Job().Write(context.TODO(), job)).To(MatchError(st.ErrJobSuperseded))

			got, err := store.Job().Get(context.TODO(), "c6")
			Expect(err).To(BeNil())
			Expect(got.State).To(Equal(model.JobStateFailed))
		})
	})

	Context("list", func() {
		It("filters by state and age", func() {
			stale := newPendingJob("old")
			stale.State = model.JobStateRunning
			stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
			fresh := newPendingJob("new")
			fresh.State = model.JobStateRunning
			done := newPendingJob("done")
			done.State = model.JobStateSucceeded
			done.UpdatedAt = time.Now().UTC().Add(-time.Hour)

			for _, j := range []model.Job{stale, fresh, done} {
				_, err := store.Job().CompareAndSwap(context.TODO(), j.CrateID, st.ExpectAbsent(), j)
				Expect(err).To(BeNil())
			}

			jobs, err := store.Job().List(context.TODO(),
				st.NewJobQueryFilter().ByState(model.JobStateRunning).UpdatedBefore(time.Now().UTC().Add(-time.Minute)),
				st.NewJobQueryOptions().WithSortOrder(st.SortByUpdatedTime))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].CrateID).To(Equal("old"))
		})
	})

	Context("transaction", func() {
		It("rolls back a swap", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			ok, err := store.Job().CompareAndSwap(ctx, "tx", st.ExpectAbsent(), newPendingJob("tx"))
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			_, err = store.Job().Get(ctx, "tx")
			Expect(err).To(BeNil())

			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())

			_, err = store.Job().Get(context.TODO(), "tx")
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})

		It("rolls back when the transaction function fails", func() {
			boom := errors.New("boom")
			err := store.WithTransaction(context.TODO(), func(ctx context.Context) error {
				ok, err := store.Job().CompareAndSwap(ctx, "tx", st.ExpectAbsent(), newPendingJob("tx"))
				Expect(err).To(BeNil())
				Expect(ok).To(BeTrue())
				return boom
			})
			Expect(errors.Is(err, boom)).To(BeTrue())

			_, err = store.Job().Get(context.TODO(), "tx")
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})

		It("commits when the transaction function succeeds", func() {
			err := store.WithTransaction(context.TODO(), func(ctx context.Context) error {
				_, err := store.Job().CompareAndSwap(ctx, "tx", st.ExpectAbsent(), newPendingJob("tx"))
				return err
			})
			Expect(err).To(BeNil())

			job, err := store.Job().Get(context.TODO(), "tx")
			Expect(err).To(BeNil())
			Expect(job.State).To(Equal(model.JobStatePending))
		})

		It("commits a swap", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = store.Job().CompareAndSwap(ctx, "tx", st.ExpectAbsent(), newPendingJob("tx"))
			Expect(err).To(BeNil())

			_, err = st.Commit(ctx)
			Expect(err).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) FROM jobs;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})
	})
})
