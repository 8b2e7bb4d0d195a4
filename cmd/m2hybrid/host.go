package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/config"
	"github.com/sarchlab/m2hybrid/emu"
	"github.com/sarchlab/m2hybrid/machine"
	"github.com/sarchlab/m2hybrid/machine/inorder"
	"github.com/sarchlab/m2hybrid/session"
)

// progressEvery is how many functional instructions run between progress
// updates.
const progressEvery = 4096

// errNoProgress is returned when every Context has halted without exiting.
var errNoProgress = errors.New("all contexts halted without exit")

// host plays the role of the functional emulator around a Session: it steps
// Contexts the functional engine holds and enters simulation when asked to.
type host struct {
	sess     *session.Session
	engine   *emu.Engine
	syscalls *emu.DefaultSyscallHandler
	store    *arch.Store
	logger   logr.Logger

	// maxInsns bounds functional execution, 0 for no bound.
	maxInsns uint64

	functionalInsns uint64
}

// newHost wires the engine, the inorder core and a Session over mem.
func newHost(
	cfg *config.Config,
	mem *emu.Memory,
	contexts int,
	stdout, stderr io.Writer,
	logger logr.Logger,
	opts ...session.Option,
) *host {
	syscalls := emu.NewDefaultSyscallHandler(mem, stdout, stderr)
	engine := emu.NewEngine(mem, emu.WithSyscallHandler(syscalls))

	registry := machine.NewRegistry()
	registry.MustRegister(inorder.New(engine, inorder.WithLogger(logger.WithName("inorder"))))

	store := arch.NewStore(contexts)
	opts = append([]session.Option{session.WithLogger(logger)}, opts...)

	return &host{
		sess:     session.New(cfg, registry, store, engine, opts...),
		engine:   engine,
		syscalls: syscalls,
		store:    store,
		logger:   logger,
	}
}

// run executes until the program exits. It returns the exit code.
func (h *host) run() (int64, error) {
	for {
		if exited, code := h.syscalls.Exited(); exited {
			h.finish()
			return code, nil
		}

		if h.sess.SimulationRequested() || h.sess.RunActive() {
			handedBack, err := h.simulate()
			if err != nil {
				return 0, err
			}
			if exited, _ := h.syscalls.Exited(); !handedBack || exited {
				continue
			}
		}

		if err := h.stepFunctional(); err != nil {
			h.finish()
			return 0, err
		}
	}
}

// simulate steps the Session while the Contexts stay in simulation. It
// reports whether a Context was handed back mid-run; such a Context takes
// one functional step before the run resumes.
func (h *host) simulate() (bool, error) {
	for h.sess.Step() {
		h.sess.UpdateProgress()
		if !h.sess.InSimulation() {
			return true, nil
		}
	}
	if err := h.sess.LastError(); err != nil {
		return false, err
	}
	h.sess.UpdateProgress()
	return false, nil
}

// stepFunctional executes one instruction on every running Context.
func (h *host) stepFunctional() error {
	running := false
	for _, ctx := range h.store.All() {
		n := ctx.Native()
		if n.Halted {
			continue
		}
		running = true

		if h.sess.CheckStartPC(n.PC) {
			return nil
		}

		result := h.engine.Step(n)
		if result.Err != nil {
			return fmt.Errorf("context %d: %w", ctx.ID, result.Err)
		}
		if result.Exited {
			return nil
		}

		h.functionalInsns++
		if h.functionalInsns%progressEvery == 0 {
			h.sess.UpdateProgress()
		}
		if h.maxInsns != 0 && h.functionalInsns >= h.maxInsns {
			return fmt.Errorf("stopped after %d functional instructions", h.functionalInsns)
		}
	}

	if !running {
		return errNoProgress
	}
	return nil
}

// finish flushes the stats of a run the program's exit cut short.
func (h *host) finish() {
	if h.sess.RunActive() {
		h.sess.FlushStats()
	}
}
