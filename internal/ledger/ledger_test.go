package ledger_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gabaker/thorium/internal/ledger"
)

func TestLedger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ledger Suite")
}

var _ = Describe("Ledger", func() {
	var l *ledger.Ledger
	key := ledger.Key{Group: "g", Pipeline: "p", Stage: 0, User: "alice"}

	BeforeEach(func() {
		l = ledger.New(ledger.Quotas{PerUserMaxRunning: 2})
	})

	It("grants slots under quota and blocks over quota", func() {
		l.Declare(key, time.Now())
		granted, reason := l.RequestSlot(key, 0, 0, 0)
		Expect(granted).To(BeTrue())
		Expect(reason).To(BeEquivalentTo(""))

		granted, _ = l.RequestSlot(key, 1, 0, 0)
		Expect(granted).To(BeTrue())

		granted, reason = l.RequestSlot(key, 2, 0, 0)
		Expect(granted).To(BeFalse())
		Expect(reason).To(Equal(ledger.BlockedUserQuota))
	})

	It("never lets counters go negative", func() {
		l.ReleaseSlot(key)
		l.Complete(key, true)
		e := l.Snapshot(key)
		Expect(e.Running).To(BeNumerically(">=", 0))
		Expect(e.Deadlines).To(BeNumerically(">=", 0))
	})

	It("moves running to completed and decrements deadlines", func() {
		l.Declare(key, time.Now())
		l.RequestSlot(key, 0, 0, 0)
		l.Complete(key, true)
		e := l.Snapshot(key)
		Expect(e.Running).To(BeEquivalentTo(0))
		Expect(e.Completed).To(BeEquivalentTo(1))
		Expect(e.Deadlines).To(BeEquivalentTo(0))
	})

	It("keeps sleeping jobs counted in deadlines until woken", func() {
		l.Declare(key, time.Now())
		l.RequestSlot(key, 0, 0, 0)
		l.Sleep(key)
		e := l.Snapshot(key)
		Expect(e.Sleeping).To(BeEquivalentTo(1))
		Expect(e.Deadlines).To(BeEquivalentTo(1))
	})

	It("ranks candidates by fair-share ratio ascending", func() {
		now := time.Now()
		busy := ledger.Key{Group: "g", Pipeline: "zzz", Stage: 0, User: "busy"}
		idle := ledger.Key{Group: "g", Pipeline: "aaa", Stage: 0, User: "idle"}
		l.Declare(busy, now)
		l.Declare(busy, now)
		l.Declare(busy, now)
		l.RequestSlot(busy, 0, 0, 0)
		l.RequestSlot(busy, 1, 0, 0) // deadlines=3, running=2, quota=2 -> ratio 1.0
		l.Declare(idle, now.Add(time.Second))
		// idle has running=0 -> ratio 0.0, must sort first.

		cands := l.Candidates(func(string) int { return 2 }, func(string, string) bool { return false })
		Expect(cands).To(HaveLen(2))
		Expect(cands[0].Key).To(Equal(idle))
		Expect(cands[1].Key).To(Equal(busy))
	})
})
