package migrations_test

import (
	"context"
	"os"
	"path"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/kubev2v/crate-validator/internal/config"
	"github.com/kubev2v/crate-validator/internal/store"
	"github.com/kubev2v/crate-validator/pkg/migrations"
)

var _ = Describe("migrations", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		dir    string
	)

	BeforeAll(func() {
		var err error
		dir, err = os.MkdirTemp("", "migrations-test")
		Expect(err).To(BeNil())

		cfg := config.NewDefault()
		cfg.Database.Name = filepath.Join(dir, "migrations.db")
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
		os.RemoveAll(dir)
	})

	Context("store migrations", Ordered, func() {
		It("fails to migrate the db -- migration folder does not exist", func() {
			err := migrations.MigrateStore(context.TODO(), gormdb, "some folder", nil)
			Expect(err).NotTo(BeNil())
		})

		It("successfully migrates the db", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())

			err = migrations.MigrateStore(context.TODO(), gormdb, path.Join(currentFolder, "sql"), nil)
			Expect(err).To(BeNil())

			count := 0
			tx := gormdb.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'jobs';").Scan(&count)
			Expect(tx.Error).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("applies the built-in migrations when no folder is set", func() {
			err := migrations.MigrateStore(context.TODO(), gormdb, "", nil)
			Expect(err).To(BeNil())

			version := 0
			tx := gormdb.Raw("SELECT MAX(version_id) FROM goose_db_version;").Scan(&version)
			Expect(tx.Error).To(BeNil())
			Expect(version).To(Equal(20251001120000))
		})

		It("is idempotent", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())

			err = migrations.MigrateStore(context.TODO(), gormdb, path.Join(currentFolder, "sql"), nil)
			Expect(err).To(BeNil())
		})
	})
})
