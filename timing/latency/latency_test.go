package latency_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2hybrid/insts"
	"github.com/sarchlab/m2hybrid/timing/latency"
)

var _ = Describe("Latency", func() {
	var (
		table   *latency.Table
		decoder *insts.Decoder
	)

	BeforeEach(func() {
		table = latency.NewTable()
		decoder = insts.NewDecoder()
	})

	DescribeTable("default latencies",
		func(word uint32, expected uint64) {
			Expect(table.GetLatency(decoder.Decode(word))).To(Equal(expected))
		},
		Entry("ADD immediate", uint32(0x91002820), uint64(1)),
		Entry("ORR register", uint32(0xAA020020), uint64(1)),
		Entry("MOVZ", uint32(0xD2800540), uint64(1)),
		Entry("B", uint32(0x14000002), uint64(1)),
		Entry("CBZ", uint32(0xB4000040), uint64(1)),
		Entry("RET", uint32(0xD65F03C0), uint64(1)),
		Entry("LDR", uint32(0xF9400420), uint64(1)),
		Entry("STR", uint32(0xF9000822), uint64(1)),
		Entry("SVC", uint32(0xD4000001), uint64(10)),
		Entry("ERET", uint32(0xD69F03E0), uint64(10)),
	)

	It("should return 1 for a nil instruction", func() {
		Expect(table.GetLatency(nil)).To(Equal(uint64(1)))
	})

	Describe("RedirectPenalty", func() {
		It("should charge mispredicted branches", func() {
			inst := decoder.Decode(0x14000002)
			Expect(table.RedirectPenalty(inst, true)).To(Equal(uint64(2)))
		})

		It("should not charge correctly predicted branches", func() {
			inst := decoder.Decode(0x54000040)
			Expect(table.RedirectPenalty(inst, false)).To(BeZero())
		})

		It("should not charge non-branches", func() {
			inst := decoder.Decode(0x91002820)
			Expect(table.RedirectPenalty(inst, true)).To(BeZero())
		})
	})

	It("should use custom config values", func() {
		config := latency.DefaultTimingConfig()
		config.ALULatency = 2
		config.SyscallLatency = 50
		table = latency.NewTableWithConfig(config)

		Expect(table.GetLatency(decoder.Decode(0x8B020020))).To(Equal(uint64(2)))
		Expect(table.GetLatency(decoder.Decode(0xD4000001))).To(Equal(uint64(50)))
		Expect(table.Config()).To(BeIdenticalTo(config))
	})
})

var _ = Describe("TimingConfig", func() {
	It("should create a valid default config", func() {
		Expect(latency.DefaultTimingConfig().Validate()).To(Succeed())
	})

	Describe("Validation", func() {
		It("should reject zero ALU latency", func() {
			config := latency.DefaultTimingConfig()
			config.ALULatency = 0

			err := config.Validate()

			Expect(errors.Is(err, latency.ErrInvalidConfig)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("alu_latency"))
		})

		It("should reject zero L1D latency", func() {
			config := latency.DefaultTimingConfig()
			config.L1DHitLatency = 0
			Expect(config.Validate()).To(MatchError(latency.ErrInvalidConfig))
		})

		It("should reject memory faster than L1", func() {
			config := latency.DefaultTimingConfig()
			config.MemoryLatency = 1
			Expect(config.Validate()).To(MatchError(latency.ErrInvalidConfig))
		})
	})

	It("should clone independently", func() {
		original := latency.DefaultTimingConfig()
		clone := original.Clone()
		clone.ALULatency = 100

		Expect(original.ALULatency).To(Equal(uint64(1)))
		Expect(clone.ALULatency).To(Equal(uint64(100)))
	})

	Describe("File Operations", func() {
		var tempDir string

		BeforeEach(func() {
			tempDir = GinkgoT().TempDir()
		})

		It("should save and load config", func() {
			original := latency.DefaultTimingConfig()
			original.ALULatency = 5
			original.LoadLatency = 10

			path := filepath.Join(tempDir, "timing.yaml")
			Expect(original.SaveConfig(path)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(original))
		})

		It("should load JSON files and keep defaults for missing fields", func() {
			path := filepath.Join(tempDir, "timing.json")
			data := []byte(`{"alu_latency": 3, "memory_latency": 200}`)
			Expect(os.WriteFile(path, data, 0644)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.ALULatency).To(Equal(uint64(3)))
			Expect(loaded.MemoryLatency).To(Equal(uint64(200)))
			Expect(loaded.BranchLatency).To(Equal(uint64(1)))
		})

		It("should return an error for a non-existent file", func() {
			_, err := latency.LoadConfig("/nonexistent/path/timing.yaml")
			Expect(err).To(HaveOccurred())
		})

		It("should return an error for malformed content", func() {
			path := filepath.Join(tempDir, "invalid.yaml")
			Expect(os.WriteFile(path, []byte("not valid"), 0644)).To(Succeed())

			_, err := latency.LoadConfig(path)
			Expect(err).To(HaveOccurred())
		})

		It("should reject files that fail validation", func() {
			path := filepath.Join(tempDir, "zero.yaml")
			Expect(os.WriteFile(path, []byte("alu_latency: 0\n"), 0644)).To(Succeed())

			_, err := latency.LoadConfig(path)
			Expect(err).To(MatchError(latency.ErrInvalidConfig))
		})
	})
})
