package idpool_test

import (
	"time"

	"github.com/fluxusproxy/fluxus/idpool"
	"github.com/fluxusproxy/fluxus/internal/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool", func() {
	var housekeeper *hk.Housekeeper

	BeforeEach(func() {
		housekeeper = hk.New()
		go housekeeper.Run()
		housekeeper.WaitStarted()
	})

	AfterEach(func() {
		housekeeper.Stop()
	})

	It("allocates monotonically from zero", func() {
		p := idpool.New(housekeeper, "mono")
		defer p.Close()

		for want := uint16(0); want < 5; want++ {
			id, ok := p.Request()
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal(want))
		}
	})

	It("never hands out the same id twice concurrently", func() {
		p := idpool.New(housekeeper, "unique")
		defer p.Close()

		seen := make(map[uint16]bool)
		for i := 0; i < 1000; i++ {
			id, ok := p.Request()
			Expect(ok).To(BeTrue())
			Expect(seen[id]).To(BeFalse(), "id %d issued twice", id)
			seen[id] = true
		}
	})

	It("does not reuse a released id before the swap interval elapses", func() {
		p := idpool.New(housekeeper, "delayed-reuse")
		defer p.Close()

		first, _ := p.Request()
		p.Release(first)

		next, ok := p.Request()
		Expect(ok).To(BeTrue())
		Expect(next).NotTo(Equal(first), "id reused before the staged swap ran")
	})

	It("recycles released ids in LIFO order once staged ids swap in", func() {
		p := idpool.New(housekeeper, "lifo")
		defer p.Close()

		a, _ := p.Request()
		b, _ := p.Request()
		c, _ := p.Request()
		p.Release(a)
		p.Release(b)
		p.Release(c)

		Eventually(func() uint16 {
			id, ok := p.Request()
			Expect(ok).To(BeTrue())
			return id
		}, 3*time.Second, 50*time.Millisecond).Should(Equal(c))

		second, ok := p.Request()
		Expect(ok).To(BeTrue())
		Expect(second).To(Equal(b))

		third, ok := p.Request()
		Expect(ok).To(BeTrue())
		Expect(third).To(Equal(a))
	})

	It("always returns a consistent (id, ok) pair", func() {
		p := idpool.New(housekeeper, "contract")
		defer p.Close()

		id, ok := p.Request()
		Expect(ok).To(BeTrue())
		p.Release(id)
	})
})
