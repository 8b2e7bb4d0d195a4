package session

import (
	"fmt"
	"strings"
)

// UpdateProgress reports progress at most once per ProgressInterval and
// captures due stats snapshots. The host calls it often.
func (s *Session) UpdateProgress() {
	if s.logger.GetSink() != nil || s.console != nil {
		s.reportProgress()
	}

	if n := s.cfg.SnapshotCycles; n != 0 && s.cycle-s.lastSnapshotCycle >= n {
		s.lastSnapshotCycle = s.cycle
		s.sink.Capture("", s.cycle)
	}

	if name := s.cfg.SnapshotNow; name != "" {
		s.sink.Capture(name, s.cycle)
		s.cfg.SnapshotNow = ""
	}
}

func (s *Session) reportProgress() {
	now := s.now()
	delta := now.Sub(s.lastProgressAt)
	if !s.lastProgressAt.IsZero() && delta < ProgressInterval {
		return
	}

	var cps, ips float64
	if secs := delta.Seconds(); !s.lastProgressAt.IsZero() && secs > 0 {
		cps = float64(s.cycle-s.lastProgressCycle) / secs
		ips = float64(s.userInsns-s.lastProgressInsns) / secs
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Completed %13d cycles, %13d commits: %9.0f Hz, %9.0f insns/sec: pc",
		s.cycle, s.userInsns, cps, ips)
	for _, ctx := range s.store.All() {
		if !ctx.IsRunning() {
			sb.WriteString(" (stopped:0)")
			if s.cycle == 0 {
				ctx.SetRunning(true)
			}
			continue
		}
		fmt.Fprintf(&sb, " %016x", ctx.CurrentPC())
	}
	line := sb.String()

	s.logger.Info(line)
	if s.console != nil && !s.cfg.Quiet {
		if s.isTerminal {
			fmt.Fprintf(s.console, "\r  %s", line)
		} else {
			fmt.Fprintln(s.console, line)
		}
	}

	s.lastProgressAt = now
	s.lastProgressCycle = s.cycle
	s.lastProgressInsns = s.userInsns
}
