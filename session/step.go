package session

import (
	"bytes"
	"fmt"
	"os/user"
	"time"

	"github.com/sarchlab/m2hybrid/machine"
	"github.com/sarchlab/m2hybrid/stats"
)

// Step runs the active machine for one slice. It returns true when the
// Contexts stay in simulation and false when they are back with the
// functional engine, or when no machine could run.
func (s *Session) Step() bool {
	m := s.activeMachine()
	if m == nil {
		return false
	}
	status := m.Status()

	if !status.Initialized {
		if err := m.Init(s); err != nil {
			s.lastErr = fmt.Errorf("%w: %s: %w", ErrInitFailed, m.Name(), err)
			s.logger.Error(err, "Cannot initialize machine", "machine", m.Name())
			return false
		}
		status.Initialized = true
		status.FirstRun = true
		s.logger.Info("Initialized core", "core", m.Name())
	}
	s.current = m
	s.lastErr = nil
	if !s.runActive {
		s.startRun(m)
	}

	if s.cfg.DumpStateNow {
		s.dumpState(m)
		s.cfg.DumpStateNow = false
	}

	for _, ctx := range s.store.All() {
		ctx.SwitchToSimulation()
		ctx.Running = true
	}
	s.inSimulation = true
	s.startSimulation = false

	if !s.stable {
		s.dumpState(m)
		panic("session: Step called while a run is in flight")
	}

	status.RetContext = nil
	status.Stopped = false
	s.stable = false

	s.logger.V(1).Info("Starting simulation", "pc", s.store.Get(0).PC, "cycle", s.cycle)

	m.Run(s)

	if s.StopRequested() {
		status.Stopped = true
	}

	s.stable = true

	if ret := status.RetContext; ret != nil {
		s.logger.V(1).Info("Switching to functional engine", "context", ret.ID, "pc", ret.PC)
		s.store.SwitchAllToFunctional(ret)
		s.inSimulation = false
	}

	if !status.Stopped {
		return true
	}

	s.finishRun(m)
	return false
}

func (s *Session) activeMachine() machine.Machine {
	if s.current != nil {
		return s.current
	}

	m, ok := s.registry.Lookup(s.cfg.CoreName)
	if !ok {
		s.lastErr = fmt.Errorf("%w: %q", ErrUnknownMachine, s.cfg.CoreName)
		s.logger.Error(s.lastErr, "Cannot find core", "core", s.cfg.CoreName,
			"available", s.registry.Names())
		return nil
	}
	return m
}

// startRun resets the progress counters and the wall-clock start.
func (s *Session) startRun(m machine.Machine) {
	s.runActive = true

	s.logger.V(1).Info("Switching to simulation core", "core", m.Name())
	s.consolef("Switching to simulation core '%s'...\n", m.Name())

	s.lastProgressAt = time.Time{}
	s.lastProgressCycle = s.cycle
	s.lastProgressInsns = s.userInsns
	s.runStart = s.now()
}

// finishRun ends a stopped run: report, flush, optionally kill, and give
// every Context back to the functional engine.
func (s *Session) finishRun(m machine.Machine) {
	status := m.Status()
	s.runActive = false

	seconds := s.now().Sub(s.runStart).Seconds()
	var cps, ips, ipc, simSeconds float64
	if seconds > 0 {
		cps = float64(s.cycle) / seconds
		ips = float64(s.insns) / seconds
	}
	if s.cycle > 0 {
		ipc = float64(s.insns) / float64(s.cycle)
	}
	if s.cfg.CoreFreq > 0 {
		simSeconds = float64(s.cycle) / float64(s.cfg.CoreFreq)
	}

	s.logger.Info("Stopped simulation",
		"cycles", s.cycle,
		"instructions", s.insns,
		"seconds", seconds,
		"hz", cps,
		"insnsPerSec", ips,
		"ipc", ipc,
		"simulatedSeconds", simSeconds)
	s.consolef("Stopped after %d cycles, %d instructions and %.3f seconds of sim time "+
		"(%.0f Hz sim rate, %.3f simulated seconds)\n",
		s.cycle, s.insns, seconds, cps, simSeconds)

	s.FlushStats()
	s.current = nil

	if s.cfg.Kill || s.cfg.KillAfterRun {
		s.kill()
	}

	status.FirstRun = true
	s.cfg.Stop = false
	s.stopPCHit = false
	s.engine.Flush()
	for _, ctx := range s.store.All() {
		ctx.LastPC = 0
	}
	s.store.SwitchAllToFunctional(status.RetContext)
	s.inSimulation = false
}

func (s *Session) dumpState(m machine.Machine) {
	var buf bytes.Buffer
	m.DumpState(&buf)
	s.logger.Info("Machine state", "core", m.Name(), "dump", buf.String())
}

// FlushStats records the machine's counters and the run counters, then
// flushes the sink. A flush failure is logged.
func (s *Session) FlushStats() {
	if s.current != nil {
		s.current.UpdateStats(s.sink)
	} else if m, ok := s.registry.Lookup(s.cfg.CoreName); ok && m.Status().Initialized {
		m.UpdateStats(s.sink)
	}

	seconds := s.now().Sub(s.runStart).Seconds()
	s.sink.Record("run", "seconds", seconds)
	s.sink.Record("run", "cycles", float64(s.cycle))
	s.sink.Record("run", "instructions", float64(s.insns))
	s.sink.Record("run", "user_instructions", float64(s.userInsns))
	if seconds > 0 {
		s.sink.Record("run", "cycles_per_sec", float64(s.cycle)/seconds)
		s.sink.Record("run", "commits_per_sec", float64(s.insns)/seconds)
	}
	if s.checker.Enabled() {
		s.sink.Record("checker", "compares", float64(s.checker.Compares()))
		s.sink.Record("checker", "mismatches", float64(s.checker.Mismatches()))
	}

	if err := s.sink.Flush(s.tags()); err != nil {
		s.logger.Error(err, "Cannot flush stats")
	}
}

func (s *Session) tags() stats.Tags {
	hostname, domain := stats.HostTags()
	t := stats.Tags{
		MachineConfig: s.cfg.MachineConfig,
		Bench:         s.cfg.BenchName,
		Hostname:      hostname,
		Domain:        domain,
		Date:          s.now().Format(time.RFC3339),
		User:          s.cfg.UserTags(),
	}
	if !s.runID.IsZero() {
		t.RunID = s.runID.String()
	}
	if u, err := user.Current(); err == nil {
		t.User = append(t.User, "user:"+u.Username)
	}
	return t
}

// kill logs the kill, runs ExecuteAfterKill and calls the kill hook.
func (s *Session) kill() {
	s.logger.Info("Received simulation kill signal, stopping simulation and killing the process")

	if cmd := s.cfg.ExecuteAfterKill; cmd != "" {
		s.logger.Info("Executing after kill", "command", cmd)
		if err := s.runCommand(cmd); err != nil {
			s.logger.Error(err, "Command after kill failed", "command", cmd)
		}
	}

	if s.onKill != nil {
		s.onKill()
	}
}

func (s *Session) consolef(format string, args ...any) {
	if s.console == nil || s.cfg.Quiet {
		return
	}
	fmt.Fprintf(s.console, format, args...)
}
