package arch_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2hybrid/arch"
)

var _ = Describe("Store", func() {
	var store *arch.Store

	BeforeEach(func() {
		store = arch.NewStore(2)
	})

	It("should create contexts in order up to the count", func() {
		c0 := store.Create()
		c1 := store.Create()

		Expect(c0.ID).To(Equal(0))
		Expect(c1.ID).To(Equal(1))
		Expect(store.Created()).To(Equal(2))
		Expect(store.Get(1)).To(BeIdenticalTo(c1))
		Expect(store.All()).To(HaveLen(2))
	})

	It("should panic when creating more contexts than processors", func() {
		store.Create()
		store.Create()
		Expect(func() { store.Create() }).To(Panic())
	})

	It("should return nil for a context not created yet", func() {
		store.Create()
		Expect(store.Get(1)).To(BeNil())
	})

	It("should panic with the range for an id past the count", func() {
		Expect(func() { store.Get(2) }).To(PanicWith(ContainSubstring("context 2 out of range [0, 2)")))
		Expect(func() { store.Get(-1) }).To(Panic())
	})

	It("should reject a non-positive count", func() {
		Expect(func() { arch.NewStore(0) }).To(Panic())
	})

	It("should switch all contexts in both directions", func() {
		c0 := store.Create()
		c1 := store.Create()
		c0.Native().PC = 0x10
		c1.Native().PC = 0x20

		store.SwitchAllToSimulation(nil)
		Expect(c0.Owner()).To(Equal(arch.OwnerSimulation))
		Expect(c1.PC).To(Equal(uint64(0x20)))

		c1.PC = 0x24
		store.SwitchAllToFunctional(c1)
		Expect(c0.Owner()).To(Equal(arch.OwnerFunctional))
		Expect(c1.Native().PC).To(Equal(uint64(0x24)))
	})
})
