package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gabaker/thorium/internal/store"
)

var _ = Describe("MemoryKV", func() {
	It("puts, gets, and deletes", func() {
		ctx := context.Background()
		kv := store.NewMemoryKV()

		_, ok, err := kv.Get(ctx, "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		Expect(kv.Put(ctx, "k", []byte("v"))).To(Succeed())
		v, ok, err := kv.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("v")))

		Expect(kv.Delete(ctx, "k")).To(Succeed())
		_, ok, _ = kv.Get(ctx, "k")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("MemoryEventLog", func() {
	It("replays every appended event in order", func() {
		ctx := context.Background()
		log := store.NewMemoryEventLog()

		Expect(log.Append(ctx, store.Event{Kind: store.EventReactionCreated, ReactionID: "r1"})).To(Succeed())
		Expect(log.Append(ctx, store.Event{Kind: store.EventStageCompleted, ReactionID: "r1", StageIdx: 0})).To(Succeed())

		var kinds []store.EventKind
		Expect(log.Replay(ctx, func(e store.Event) error {
			kinds = append(kinds, e.Kind)
			return nil
		})).To(Succeed())

		Expect(kinds).To(Equal([]store.EventKind{store.EventReactionCreated, store.EventStageCompleted}))
	})
})

var _ = Describe("MemoryObjectStore", func() {
	It("is idempotent: identical content hashes to the same key", func() {
		ctx := context.Background()
		obj := store.NewMemoryObjectStore()

		h1, err := obj.PutContentAddressed(ctx, []byte("payload"))
		Expect(err).NotTo(HaveOccurred())
		h2, err := obj.PutContentAddressed(ctx, []byte("payload"))
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).To(Equal(h2))

		got, ok, err := obj.Get(ctx, h1)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal([]byte("payload")))
	})
})

var _ = Describe("MemorySearchIndex", func() {
	It("indexes tags and queries reaction ids back out", func() {
		ctx := context.Background()
		idx := store.NewMemorySearchIndex()

		Expect(idx.IndexTags(ctx, "r1", map[string][]string{"family": {"trojan", "stealer"}})).To(Succeed())
		Expect(idx.IndexTags(ctx, "r2", map[string][]string{"family": {"trojan"}})).To(Succeed())

		ids, err := idx.QueryTag(ctx, "family", "trojan")
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf("r1", "r2"))

		ids, err = idx.QueryTag(ctx, "family", "stealer")
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf("r1"))
	})
})
