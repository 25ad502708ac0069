package procattr

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// SignalGroup delivers sig to every process in p's group. Engines spawn
// helpers (shells, language servers) that must stop with them.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// KillGroup sends SIGKILL to p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Interrupt sends SIGINT to p's group and escalates to SIGKILL if exited is
// not closed within grace. It returns immediately; escalation runs in the
// background.
func Interrupt(p *os.Process, grace time.Duration, exited <-chan struct{}) error {
	if err := SignalGroup(p, syscall.SIGINT); err != nil {
		return err
	}
	go func() {
		select {
		case <-exited:
		case <-time.After(grace):
			_ = KillGroup(p)
		}
	}()
	return nil
}
