package resources_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gabaker/thorium/internal/resources"
)

var _ = Describe("Parse", func() {
	It("parses milli-cpu and byte-suffixed memory", func() {
		r, err := resources.Parse(resources.Wire{
			CPU:    "500m",
			Memory: "512Mi",
		}, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.CPUMilli).To(BeEquivalentTo(500))
		Expect(r.MemoryBytes).To(BeEquivalentTo(512 * 1024 * 1024))
	})

	It("parses whole-cpu notation", func() {
		r, err := resources.Parse(resources.Wire{CPU: "2", Memory: "1Gi"}, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.CPUMilli).To(BeEquivalentTo(2000))
	})

	It("rejects cpu below the 250m minimum", func() {
		_, err := resources.Parse(resources.Wire{CPU: "100m", Memory: "1Gi"}, true)
		Expect(err).To(HaveOccurred())
	})

	It("rejects memory below the 500MiB minimum", func() {
		_, err := resources.Parse(resources.Wire{CPU: "1", Memory: "100Mi"}, true)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a burst field below its base counterpart", func() {
		_, err := resources.Parse(resources.Wire{
			CPU:    "1",
			Memory: "1Gi",
			Burstable: &struct {
				CPU    string `json:"cpu,omitempty"`
				Memory string `json:"memory,omitempty"`
			}{CPU: "500m"},
		}, true)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("arithmetic", func() {
	base := resources.Resources{CPUMilli: 1000, MemoryBytes: 1 << 30}
	other := resources.Resources{CPUMilli: 400, MemoryBytes: 1 << 20}

	It("adds componentwise", func() {
		sum := base.Add(other)
		Expect(sum.CPUMilli).To(BeEquivalentTo(1400))
	})

	It("saturates subtraction at zero", func() {
		diff := other.SubSaturating(base)
		Expect(diff.CPUMilli).To(BeEquivalentTo(0))
		Expect(diff.MemoryBytes).To(BeEquivalentTo(0))
	})

	It("scales every field", func() {
		scaled := other.Scale(3)
		Expect(scaled.CPUMilli).To(BeEquivalentTo(1200))
	})
})

var _ = Describe("burst admission", func() {
	cpuBurst := int64(2000)
	want := resources.Resources{
		CPUMilli:    500,
		MemoryBytes: 1 << 20,
		Burstable:   &resources.Burst{CPU: &cpuBurst},
	}

	It("admits when base fits base capacity and peak fits burst capacity", func() {
		baseCap := resources.Resources{CPUMilli: 1000, MemoryBytes: 1 << 30}
		burstCap := resources.Resources{CPUMilli: 4000, MemoryBytes: 1 << 30}
		Expect(resources.FitsBaseAndBurst(want, baseCap, burstCap)).To(BeTrue())
	})

	It("rejects when the burst peak does not fit burst capacity", func() {
		baseCap := resources.Resources{CPUMilli: 1000, MemoryBytes: 1 << 30}
		burstCap := resources.Resources{CPUMilli: 1000, MemoryBytes: 1 << 30}
		Expect(resources.FitsBaseAndBurst(want, baseCap, burstCap)).To(BeFalse())
	})

	It("rejects when base does not fit base capacity even if burst would fit", func() {
		baseCap := resources.Resources{CPUMilli: 100, MemoryBytes: 1 << 30}
		burstCap := resources.Resources{CPUMilli: 4000, MemoryBytes: 1 << 30}
		Expect(resources.FitsBaseAndBurst(want, baseCap, burstCap)).To(BeFalse())
	})

	It("never admits against a capacity with a negative field", func() {
		neg := resources.Resources{CPUMilli: -1, MemoryBytes: 1 << 30}
		Expect(want.FitsIn(neg)).To(BeFalse())
	})
})
