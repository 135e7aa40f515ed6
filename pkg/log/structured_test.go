package log_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

var _ = Describe("StructuredLogger", func() {
	var (
		logs   *observer.ObservedLogs
		logger *zap.Logger
	)

	BeforeEach(func() {
		core, recorded := observer.New(zapcore.DebugLevel)
		logs = recorded
		logger = zap.New(core)
	})

	It("attaches the operation and request id to every event", func() {
		ctx := requestid.ToContext(context.Background(), "req-1")
		tracer := log.NewDebugLogger("test").WithLogger(logger).WithContext(ctx).
			Operation("submit").
			WithString("crate_id", "c1").
			Build()

		tracer.Step("resolved").WithString("version", "v1").Log()
		tracer.Success().Log()

		Expect(logs.Len()).To(Equal(2))
		step := logs.All()[0]
		Expect(step.Level).To(Equal(zapcore.DebugLevel))
		Expect(step.ContextMap()).To(HaveKeyWithValue("operation", "submit"))
		Expect(step.ContextMap()).To(HaveKeyWithValue("request_id", "req-1"))
		Expect(step.ContextMap()).To(HaveKeyWithValue("crate_id", "c1"))
		Expect(step.ContextMap()).To(HaveKeyWithValue("version", "v1"))
		Expect(logs.All()[1].Level).To(Equal(zapcore.InfoLevel))
	})

	It("logs errors at error level", func() {
		tracer := log.NewInfoLogger("test").WithLogger(logger).Operation("execute").Build()
		tracer.Error(errors.New("boom")).WithString("step", "fetch").Log()

		Expect(logs.Len()).To(Equal(1))
		entry := logs.All()[0]
		Expect(entry.Level).To(Equal(zapcore.ErrorLevel))
		Expect(entry.ContextMap()).To(HaveKeyWithValue("error", "boom"))
		Expect(entry.ContextMap()).To(HaveKeyWithValue("step", "fetch"))
	})

	It("does not write anything before Log is called", func() {
		tracer := log.NewInfoLogger("test").WithLogger(logger).Operation("noop").Build()
		_ = tracer.Step("pending")
		Expect(logs.Len()).To(Equal(0))
	})
})
