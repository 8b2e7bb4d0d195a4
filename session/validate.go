package session

import (
	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/checker"
	"github.com/sarchlab/m2hybrid/machine"
)

// Validator returns the session itself while the checker is enabled.
func (s *Session) Validator() machine.Validator {
	if !s.checker.Enabled() {
		return nil
	}
	return s
}

// PreExecute synchronizes the shadow with ctx and executes the instruction
// at ctx.PC on it. Kernel-mode Contexts are not checked.
func (s *Session) PreExecute(ctx *arch.Context) {
	if ctx.KernelMode {
		return
	}

	if s.checker.Valid() && s.checkedID != ctx.ID {
		s.checker.Clear()
	}
	s.checkedID = ctx.ID

	s.checker.Arm(ctx.ID)
	if err := s.checker.Step(); err != nil {
		s.logger.Error(err, "Checker step failed", "context", ctx.ID, "pc", ctx.PC)
	}
}

// PostCommit compares ctx against the shadow.
func (s *Session) PostCommit(ctx *arch.Context) {
	if ctx.KernelMode || ctx.ID != s.checkedID {
		return
	}
	s.checker.Compare(ctx.ID, arch.FlagAll)
}

// EnableChecker allocates a fresh shadow.
func (s *Session) EnableChecker() {
	s.checker.Enable()
}

// ArmChecker synchronizes the shadow with Context id if it is inactive.
func (s *Session) ArmChecker(id int) {
	s.checker.Arm(id)
}

// StepChecker executes one instruction on the shadow.
func (s *Session) StepChecker() error {
	return s.checker.Step()
}

// CompareChecker diffs the shadow against Context id.
func (s *Session) CompareChecker(id int, flagMask uint64) checker.Result {
	return s.checker.Compare(id, flagMask)
}

// ClearChecker returns the shadow to inactive.
func (s *Session) ClearChecker() {
	s.checker.Clear()
}

// IsCheckerValid reports whether the shadow is armed.
func (s *Session) IsCheckerValid() bool {
	return s.checker.Valid()
}
