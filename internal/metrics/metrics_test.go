package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/gateway-proxy/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("RecordAttempt", func() {
		It("should count attempts per route and target", func() {
			m.RecordAttempt("users", "a:1", metrics.OutcomeSuccess, 10*time.Millisecond, 200)
			m.RecordAttempt("users", "a:1", metrics.OutcomeTransportError, 20*time.Millisecond, 502)
			m.RecordAttempt("users", "b:1", metrics.OutcomeSuccess, 30*time.Millisecond, 200)
			m.RecordAttempt("orders", "a:1", metrics.OutcomeSuccess, 40*time.Millisecond, 200)

			snap := m.Snapshot()
			Expect(snap.TotalAttempts).To(Equal(int64(4)))
			target := snap.Routes["users"].Targets["a:1"]
			Expect(target.Attempts).To(Equal(int64(2)))
			Expect(target.Outcomes[metrics.OutcomeTransportError]).To(Equal(int64(1)))
			Expect(target.StatusCodes[502]).To(Equal(int64(1)))
			Expect(snap.Routes["orders"].Targets["a:1"].Attempts).To(Equal(int64(1)))
		})

		It("should not record latency for attempts that never reached the network", func() {
			m.RecordAttempt("users", "a:1", metrics.OutcomeCircuitOpen, 0, 0)
			m.RecordAttempt("users", "a:1", metrics.OutcomePoolExhausted, time.Second, 0)

			target := m.Snapshot().Routes["users"].Targets["a:1"]
			Expect(target.Attempts).To(Equal(int64(2)))
			Expect(target.AvgResponse).To(BeZero())
			Expect(target.StatusCodes).To(BeEmpty())
		})

		It("should compute response percentiles", func() {
			for i := 1; i <= 100; i++ {
				m.RecordAttempt("users", "a:1", metrics.OutcomeSuccess, time.Duration(i)*time.Millisecond, 200)
			}

			target := m.Snapshot().Routes["users"].Targets["a:1"]
			Expect(target.P50Response).To(Equal(51 * time.Millisecond))
			Expect(target.P95Response).To(Equal(96 * time.Millisecond))
			Expect(target.P99Response).To(Equal(100 * time.Millisecond))
			Expect(target.AvgResponse).To(Equal(50500 * time.Microsecond))
		})
	})

	Describe("IncrementRetries", func() {
		It("should count retries per route", func() {
			m.IncrementRetries("users")
			m.IncrementRetries("users")
			Expect(m.Snapshot().Routes["users"].Retries).To(Equal(int64(2)))
		})
	})

	Describe("UpdateHealthStatus", func() {
		It("should report targets healthy until told otherwise", func() {
			m.RecordAttempt("users", "a:1", metrics.OutcomeSuccess, time.Millisecond, 200)
			Expect(m.Snapshot().Routes["users"].Targets["a:1"].Healthy).To(BeTrue())

			m.UpdateHealthStatus("users", "a:1", false)
			Expect(m.Snapshot().Routes["users"].Targets["a:1"].Healthy).To(BeFalse())
		})
	})

	Describe("UpdateBreakerState", func() {
		It("should keep the latest state", func() {
			m.UpdateBreakerState("users", "a:1", "OPEN")
			m.UpdateBreakerState("users", "a:1", "HALF-OPEN")
			Expect(m.Snapshot().Routes["users"].Targets["a:1"].BreakerState).To(Equal("HALF-OPEN"))
		})
	})

	Describe("Snapshot", func() {
		It("should not share maps with the live metrics", func() {
			m.RecordAttempt("users", "a:1", metrics.OutcomeSuccess, time.Millisecond, 200)
			snap := m.Snapshot()
			snap.Routes["users"].Targets["a:1"].StatusCodes[200] = 99

			Expect(m.Snapshot().Routes["users"].Targets["a:1"].StatusCodes[200]).To(Equal(int64(1)))
		})
	})
})
