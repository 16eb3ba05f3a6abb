package baremetal_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	"github.com/gabaker/thorium/internal/cloudprovider/baremetal"
	"github.com/gabaker/thorium/internal/resources"
)

func TestBaremetal(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Baremetal Driver Suite")
}

func smallHost(id string) baremetal.Host {
	return baremetal.Host{
		ID:       id,
		Capacity: resources.Resources{CPUMilli: 1000, MemoryBytes: 1 << 30},
	}
}

func workerSpec(reactionID string, cpuMilli int64) cloudprovider.WorkerSpec {
	return cloudprovider.WorkerSpec{
		Reaction: api.Reaction{ID: reactionID},
		StageIdx: 0,
		Image:    api.Image{Name: "clamav", Group: "g", Resources: resources.Resources{CPUMilli: cpuMilli, MemoryBytes: 1 << 20}},
	}
}

var _ = Describe("Driver", func() {
	ctx := context.Background()

	It("spawns idempotently for the same (reaction, stage, image) key", func() {
		d := baremetal.New([]baremetal.Host{smallHost("h1")})
		spec := workerSpec("r1", 500)

		id1, err := d.Spawn(ctx, spec)
		Expect(err).NotTo(HaveOccurred())
		id2, err := d.Spawn(ctx, spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(id1).To(Equal(id2))

		snap, err := d.Snapshot(ctx)
		Expect(err).NotTo(HaveOccurred())
		total := 0
		for _, n := range snap.Nodes {
			total += len(n.Workers)
		}
		Expect(total).To(Equal(1))
	})

	It("refuses to spawn when no host has capacity", func() {
		d := baremetal.New([]baremetal.Host{smallHost("h1")})
		_, err := d.Spawn(ctx, workerSpec("r1", 2000))
		Expect(err).To(MatchError(cloudprovider.ErrNoCapacity))
	})

	It("makes Kill idempotent", func() {
		d := baremetal.New([]baremetal.Host{smallHost("h1")})
		id, err := d.Spawn(ctx, workerSpec("r1", 500))
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Kill(ctx, id, "cancel")).To(Succeed())
		Expect(d.Kill(ctx, id, "cancel")).To(Succeed())
	})
})
