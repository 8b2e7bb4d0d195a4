package session

import (
	"fmt"
	"io"

	"github.com/rs/xid"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/config"
)

const conflictWarning = "Warning: only one action (from -run, -stop, -kill) can be specified at once"

// ConfigureMachine applies an option string to the live configuration. An
// empty string prints the usage instead.
func (s *Session) ConfigureMachine(options string) error {
	if options == "" {
		s.cfg.PrintUsage(s.usageWriter())
		return nil
	}

	set, err := s.cfg.ParseSet(options)
	if err != nil {
		s.logger.Error(err, "Cannot parse options", "options", options)
		return fmt.Errorf("configure %q: %w", options, err)
	}

	s.handleConfigChange(requestedActions(s.cfg, set))
	s.logger.Info("Configuration changed", "options", options)

	s.current = nil
	if s.checker.Enabled() {
		s.checker.Clear()
	}

	if s.cfg.Help {
		s.cfg.PrintUsage(s.usageWriter())
		s.cfg.Help = false
	}

	if !s.configured {
		s.configured = true
		s.runID = xid.New()
		if m, ok := s.registry.Lookup(s.cfg.CoreName); ok {
			m.Status().Initialized = false
		}
		s.logger.Info("Run created", "id", s.runID.String())
	}

	if s.cfg.Kill {
		s.FlushStats()
		s.kill()
	}

	return nil
}

// requestedActions counts the actions an option string turned on.
func requestedActions(c *config.Config, set map[string]bool) int {
	n := 0
	for name, on := range map[string]bool{"run": c.Run, "stop": c.Stop, "kill": c.Kill} {
		if on && set[name] {
			n++
		}
	}
	return n
}

// handleConfigChange resolves the run, stop and kill actions and enables or
// defers the checker. actions is the number requested at once.
func (s *Session) handleConfigChange(actions int) {
	c := s.cfg

	if actions > 1 {
		s.logger.Info(conflictWarning)
		s.consolef("%s\n", conflictWarning)
	}

	if c.Run && !c.Kill && !c.Stop {
		s.startSimulation = true
	}
	if (s.startSimulation || s.inSimulation) && c.Stop {
		c.Run = false
	}
	if c.Kill {
		c.Run = false
	}

	// A stop with nothing to stop would block the next run.
	if c.Stop && !s.startSimulation && !s.inSimulation {
		c.Stop = false
	}

	if !s.configured && !c.Run && !c.Kill {
		s.consolef("Simulator is now waiting for a 'run' command.\n")
	}

	if c.CheckerEnabled {
		if c.CheckerStartPC == arch.InvalidPC {
			s.checker.Enable()
			s.checkerDeferred = false
			s.logger.Info("Checker enabled")
		} else {
			c.CheckerEnabled = false
			s.checkerDeferred = true
			s.logger.Info("Checker deferred", "startPC", c.CheckerStartPC)
		}
	}
}

func (s *Session) usageWriter() io.Writer {
	if s.console != nil {
		return s.console
	}
	return logWriter{s}
}

// logWriter sends usage text to the log when there is no console.
type logWriter struct {
	s *Session
}

func (w logWriter) Write(p []byte) (int, error) {
	w.s.logger.Info(string(p))
	return len(p), nil
}
