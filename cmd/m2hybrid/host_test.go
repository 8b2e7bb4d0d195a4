package main

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2hybrid/config"
	"github.com/sarchlab/m2hybrid/emu"
	"github.com/sarchlab/m2hybrid/session"
	"github.com/sarchlab/m2hybrid/stats"
)

var _ = Describe("Host", func() {
	var (
		mem    *emu.Memory
		sink   *stats.Memory
		stdout *bytes.Buffer
		h      *host
	)

	start := func(options string) {
		h = newHost(config.Default(), mem, 1, stdout, nil, GinkgoLogr,
			session.WithSink(sink))
		h.sess.CreateContext().Native().PC = 0x1000
		Expect(h.sess.ConfigureMachine(options)).To(Succeed())
	}

	BeforeEach(func() {
		mem = emu.NewMemory()
		sink = stats.NewMemory(GinkgoLogr)
		stdout = &bytes.Buffer{}

		mem.LoadWords(0x1000,
			0xD28000A3, // MOVZ X3, #5
			0xF1000463, // SUBS X3, X3, #1
			0x54FFFFE1, // B.NE -4
			0xD28000E0, // MOVZ X0, #7
			0xD2800BA8, // MOVZ X8, #93
			0xD4000001, // SVC #0
		)
	})

	It("should run functionally while waiting for a run command", func() {
		start("-bench countdown")

		code, err := h.run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(7)))
		Expect(h.functionalInsns).To(Equal(uint64(13)))
		Expect(h.sess.Cycle()).To(BeZero())
		Expect(sink.Flushes()).To(BeZero())
	})

	It("should simulate the whole program and flush once at exit", func() {
		start("-run")

		code, err := h.run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(7)))
		Expect(h.functionalInsns).To(BeZero())
		Expect(h.sess.Instructions()).To(Equal(uint64(14)))
		Expect(sink.Flushes()).To(Equal(1))
	})

	It("should finish functionally after the stop cycle", func() {
		start("-run -stop-cycle 20")

		code, err := h.run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(7)))
		Expect(h.sess.Cycle()).To(BeNumerically(">", 20))
		Expect(h.sess.Instructions() + h.functionalInsns).To(Equal(uint64(13)))
		Expect(sink.Flushes()).To(Equal(1))
	})

	It("should enter simulation at the start PC", func() {
		start("-start-pc 0x100c")

		code, err := h.run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(int64(7)))
		Expect(h.functionalInsns).To(Equal(uint64(11)))
		Expect(h.sess.Instructions()).To(Equal(uint64(3)))
	})

	It("should check a simulated run without mismatches", func() {
		start("-run -checker")

		_, err := h.run()

		Expect(err).NotTo(HaveOccurred())
		Expect(h.sess.Checker().Compares()).To(Equal(uint64(14)))
		Expect(h.sess.Checker().Mismatches()).To(BeZero())
	})

	It("should pass program output through", func() {
		mem.LoadBytes(0x2000, []byte("hi\n"))
		mem.LoadWords(0x1000,
			0xD2800020, // MOVZ X0, #1
			0xD2840001, // MOVZ X1, #0x2000
			0xD2800062, // MOVZ X2, #3
			0xD2800808, // MOVZ X8, #64
			0xD4000001, // SVC #0
			0xD2800000, // MOVZ X0, #0
			0xD2800BA8, // MOVZ X8, #93
			0xD4000001, // SVC #0
		)
		start("-run")

		code, err := h.run()

		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(BeZero())
		Expect(stdout.String()).To(Equal("hi\n"))
	})

	It("should fail on an instruction the engine cannot execute", func() {
		mem.Write32(0x1004, 0)
		start("-bench bad")

		_, err := h.run()

		Expect(errors.Is(err, emu.ErrUnknownInstruction)).To(BeTrue())
	})

	It("should fail when the core does not exist", func() {
		start("-run -core missing")

		_, err := h.run()

		Expect(errors.Is(err, session.ErrUnknownMachine)).To(BeTrue())
	})

	It("should stop at the functional instruction bound", func() {
		mem.LoadWords(0x1000, 0x14000000) // B .
		start("-bench spin")
		h.maxInsns = 100

		_, err := h.run()

		Expect(err).To(MatchError(ContainSubstring("100 functional instructions")))
	})
})

var _ = Describe("killHook", func() {
	It("should run the cleanups in order before exiting", func() {
		var calls []string
		hook := killHook(func(code int) {
			calls = append(calls, "exit")
			Expect(code).To(BeZero())
		},
			func() { calls = append(calls, "profile") },
			func() { calls = append(calls, "log") })

		hook()

		Expect(calls).To(Equal([]string{"profile", "log", "exit"}))
	})

	It("should stop the profile when a kill option ends the run", func() {
		stopped, exited := 0, 0
		h := newHost(config.Default(), emu.NewMemory(), 1, nil, nil, GinkgoLogr,
			session.WithOnKill(killHook(func(int) { exited++ }, func() { stopped++ })))
		h.sess.CreateContext()

		Expect(h.sess.ConfigureMachine("-kill")).To(Succeed())

		Expect(stopped).To(Equal(1))
		Expect(exited).To(Equal(1))
	})

	It("should hand back a no-op stop without a profile mode", func() {
		Expect(startProfile("", GinkgoT().TempDir())).NotTo(BeNil())
	})
})
