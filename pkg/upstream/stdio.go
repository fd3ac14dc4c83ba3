package upstream

import (
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	termGrace = 5 * time.Second
	killGrace = 2 * time.Second
)

// childState tracks the termination state machine of an owned process:
// running -> term-sent -> killed -> reaped.
type childState int32

const (
	childRunning childState = iota
	childTermSent
	childKilled
	childReaped
)

// childProcess wraps the exec.Cmd owned by a stdio upstream. The SDK's
// CommandTransport starts and waits on the command; this wrapper only holds
// the handle needed to enforce graceful termination at shutdown.
type childProcess struct {
	cmd   *exec.Cmd
	state atomic.Int32
}

// newChildCommand builds the exec.Cmd for a stdio upstream, merging the
// gateway's environment with the per-server overrides (overrides win).
func newChildCommand(sc ServerConfig) *exec.Cmd {
	cmd := exec.Command(sc.Command, sc.Args...)
	if len(sc.Env) > 0 {
		env := os.Environ()
		for k, v := range sc.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	return cmd
}

func (c *childProcess) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// exited reports whether the process has terminated. ProcessState is set
// once the transport's internal Wait returns; the zero-signal probe covers
// the window before that happens.
func (c *childProcess) exited() bool {
	if c.cmd.Process == nil {
		return true
	}
	if c.cmd.ProcessState != nil {
		return true
	}
	return c.cmd.Process.Signal(syscall.Signal(0)) != nil
}

func (c *childProcess) waitExit(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		if c.exited() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// terminate runs the termination state machine: SIGTERM, wait 5s, SIGKILL,
// wait 2s, give up. Safe to call after the process has already exited.
func (c *childProcess) terminate(logger *zap.Logger) {
	if c.cmd.Process == nil || c.exited() {
		c.state.Store(int32(childReaped))
		return
	}
	c.state.Store(int32(childTermSent))
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("terminate signal failed", zap.Int("pid", c.pid()), zap.Error(err))
	}
	if c.waitExit(termGrace) {
		c.state.Store(int32(childReaped))
		return
	}
	c.state.Store(int32(childKilled))
	logger.Warn("child ignored terminate signal, killing", zap.Int("pid", c.pid()))
	if err := c.cmd.Process.Kill(); err != nil {
		logger.Debug("kill signal failed", zap.Int("pid", c.pid()), zap.Error(err))
	}
	if c.waitExit(killGrace) {
		c.state.Store(int32(childReaped))
		return
	}
	logger.Error("child did not exit after kill, giving up", zap.Int("pid", c.pid()))
}
