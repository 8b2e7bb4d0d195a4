package emu_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/emu"
)

var _ = Describe("Syscall Handler", func() {
	var (
		state   *arch.NativeState
		memory  *emu.Memory
		stdout  *bytes.Buffer
		stderr  *bytes.Buffer
		handler *emu.DefaultSyscallHandler
	)

	BeforeEach(func() {
		state = &arch.NativeState{}
		memory = emu.NewMemory()
		stdout = new(bytes.Buffer)
		stderr = new(bytes.Buffer)
		handler = emu.NewDefaultSyscallHandler(memory, stdout, stderr)
	})

	It("should return ENOSYS for unknown syscall numbers", func() {
		state.WriteReg(8, 999)

		result := handler.Handle(state)

		Expect(result.Exited).To(BeFalse())
		var enosys int64 = emu.ENOSYS
		Expect(state.ReadReg(0)).To(Equal(uint64(-enosys)))
	})

	It("should record the exit status", func() {
		state.WriteReg(8, emu.SyscallExit)
		state.WriteReg(0, 3)

		result := handler.Handle(state)

		Expect(result.Exited).To(BeTrue())
		Expect(result.ExitCode).To(Equal(int64(3)))
		exited, code := handler.Exited()
		Expect(exited).To(BeTrue())
		Expect(code).To(Equal(int64(3)))
	})

	It("should write to stdout and return the byte count", func() {
		memory.LoadBytes(0x2000, []byte("hi\n"))
		state.WriteReg(8, emu.SyscallWrite)
		state.WriteReg(0, 1)
		state.WriteReg(1, 0x2000)
		state.WriteReg(2, 3)

		handler.Handle(state)

		Expect(stdout.String()).To(Equal("hi\n"))
		Expect(state.ReadReg(0)).To(Equal(uint64(3)))
	})

	It("should write to stderr", func() {
		memory.LoadBytes(0x2000, []byte("oops"))
		state.WriteReg(8, emu.SyscallWrite)
		state.WriteReg(0, 2)
		state.WriteReg(1, 0x2000)
		state.WriteReg(2, 4)

		handler.Handle(state)

		Expect(stderr.String()).To(Equal("oops"))
		Expect(stdout.Len()).To(BeZero())
	})

	It("should reject unknown file descriptors", func() {
		state.WriteReg(8, emu.SyscallWrite)
		state.WriteReg(0, 7)

		handler.Handle(state)

		var ebadf int64 = emu.EBADF
		Expect(state.ReadReg(0)).To(Equal(uint64(-ebadf)))
	})

	It("should count discarded output as written", func() {
		handler = emu.NewDefaultSyscallHandler(memory, nil, nil)
		state.WriteReg(8, emu.SyscallWrite)
		state.WriteReg(0, 1)
		state.WriteReg(2, 12)

		handler.Handle(state)

		Expect(state.ReadReg(0)).To(Equal(uint64(12)))
	})
})
