package emu

import (
	"io"

	"github.com/sarchlab/m2hybrid/arch"
)

// Linux syscall numbers.
const (
	SyscallWrite uint64 = 64 // write(fd, buf, count)
	SyscallExit  uint64 = 93 // exit(status)
)

// Linux error codes.
const (
	EBADF  = 9  // Bad file descriptor
	ENOSYS = 38 // Function not implemented
	EIO    = 5  // I/O error
)

// SyscallResult represents the result of a syscall execution.
type SyscallResult struct {
	// Exited is true if the syscall caused program termination.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64
}

// SyscallHandler services SVC instructions executed without a kernel
// vector installed. The syscall number is in X8, arguments in X0-X5 and the
// return value goes to X0.
type SyscallHandler interface {
	Handle(s *arch.NativeState) SyscallResult
}

// DefaultSyscallHandler implements exit and write(1|2).
type DefaultSyscallHandler struct {
	memory *Memory
	stdout io.Writer
	stderr io.Writer

	exited   bool
	exitCode int64
}

// NewDefaultSyscallHandler creates a default syscall handler.
func NewDefaultSyscallHandler(memory *Memory, stdout, stderr io.Writer) *DefaultSyscallHandler {
	return &DefaultSyscallHandler{
		memory: memory,
		stdout: stdout,
		stderr: stderr,
	}
}

// Exited reports whether any context has called exit, and with which code.
func (h *DefaultSyscallHandler) Exited() (bool, int64) {
	return h.exited, h.exitCode
}

// Handle executes the syscall indicated by s.
func (h *DefaultSyscallHandler) Handle(s *arch.NativeState) SyscallResult {
	switch s.ReadReg(8) {
	case SyscallWrite:
		h.handleWrite(s)
		return SyscallResult{}
	case SyscallExit:
		h.exited = true
		h.exitCode = int64(s.ReadReg(0))
		return SyscallResult{Exited: true, ExitCode: h.exitCode}
	default:
		setError(s, ENOSYS)
		return SyscallResult{}
	}
}

func (h *DefaultSyscallHandler) handleWrite(s *arch.NativeState) {
	fd := s.ReadReg(0)
	bufPtr := s.ReadReg(1)
	count := s.ReadReg(2)

	var w io.Writer
	switch fd {
	case 1:
		w = h.stdout
	case 2:
		w = h.stderr
	default:
		setError(s, EBADF)
		return
	}

	if w == nil {
		// Discarded output still counts as written.
		s.WriteReg(0, count)
		return
	}

	buf := make([]byte, count)
	for i := range buf {
		buf[i] = h.memory.Read8(bufPtr + uint64(i))
	}

	n, err := w.Write(buf)
	if err != nil {
		setError(s, EIO)
		return
	}
	s.WriteReg(0, uint64(n))
}

// setError stores -errno in X0.
func setError(s *arch.NativeState, errno int) {
	s.WriteReg(0, uint64(-int64(errno)))
}
