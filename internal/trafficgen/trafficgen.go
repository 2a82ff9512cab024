// Package trafficgen adapts an external ping-like traffic generator process
// to the measurement controller's run lifecycle (§4.G, §9). The core never
// depends on the child's success: a start failure or non-zero exit is
// reported as a warning, never as a fatal error.
package trafficgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// startRetries bounds how many times a transient process-start failure
// (e.g. ENOMEM, EAGAIN) is retried before giving up and reporting the
// generator as not started. Most start failures (ENOENT, permission denied)
// are not transient and surface on the first attempt.
const startRetries = 2

// Config names the command to run as the traffic generator for one run.
// An empty Command means "no traffic generator requested" — Start is then a
// no-op and returns a nil Handle.
type Config struct {
	Logger  *slog.Logger
	Command string
	Args    []string
}

// Outcome distinguishes how a traffic-generator child ended, for reporting;
// none of these values are fatal to the measurement run.
type Outcome int

const (
	// OutcomeNotStarted means no command was configured, or Start failed
	// and the run continued without a traffic generator.
	OutcomeNotStarted Outcome = iota
	// OutcomeClean means the process exited with status 0.
	OutcomeClean
	// OutcomeNonZeroExit means the process exited with a non-zero status or
	// was ended by the SIGINT/SIGTERM that Stop sends (Wait reports both as
	// an *exec.ExitError).
	OutcomeNonZeroExit
	// OutcomeKilled means the process did not exit in response to
	// SIGINT/SIGTERM and was force-killed.
	OutcomeKilled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotStarted:
		return "not_started"
	case OutcomeClean:
		return "clean"
	case OutcomeNonZeroExit:
		return "non_zero_exit"
	case OutcomeKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// sigintGap and sigtermGap bound the SIGINT→SIGTERM→SIGKILL escalation
// (§5 "Resource lifecycle").
const (
	sigintGap  = 200 * time.Millisecond
	sigtermGap = 100 * time.Millisecond
)

// Handle tracks a started traffic-generator child process.
type Handle struct {
	log *slog.Logger
	cmd *exec.Cmd

	startErr error
	waitErrC chan error
}

// Start launches the configured command, if any. A non-nil error is never
// returned for a failed child start — that failure is logged as a warning
// and reflected later in the Handle's Stop outcome, matching "If the
// external process fails to start, the run continues; the event is reported
// as a warning, not fatal" (§4.G).
func Start(ctx context.Context, cfg Config) *Handle {
	if cfg.Command == "" {
		return nil
	}

	var cmd *exec.Cmd
	var stderr bytes.Buffer

	h := &Handle{log: cfg.Logger}

	// exec.Cmd is single-use, so each retry attempt builds a fresh one rather
	// than re-calling Start on the same *exec.Cmd.
	startOp := func() error {
		cmd = exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		stderr.Reset()
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOMEM) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = 10 * time.Millisecond
	backoffPolicy.MaxInterval = 50 * time.Millisecond
	policy := backoff.WithMaxRetries(backoffPolicy, startRetries)
	if err := backoff.Retry(startOp, policy); err != nil {
		h.startErr = fmt.Errorf("trafficgen: start %q: %w", cfg.Command, err)
		if h.log != nil {
			h.log.Warn("trafficgen: failed to start, continuing without it", "command", cfg.Command, "err", err)
		}
		return h
	}
	h.cmd = cmd

	h.waitErrC = make(chan error, 1)
	go func() {
		h.waitErrC <- cmd.Wait()
	}()
	if h.log != nil {
		h.log.Info("trafficgen: started", "command", cfg.Command, "args", strings.Join(cfg.Args, " "), "pid", cmd.Process.Pid)
	}
	return h
}

// Stop signals the child to exit via SIGINT, escalating to SIGTERM and then
// SIGKILL if it does not exit within sigintGap/sigtermGap, and reports how it
// ended. Calling Stop on a nil Handle (no generator was configured) is a
// no-op that reports OutcomeNotStarted.
func (h *Handle) Stop() Outcome {
	if h == nil {
		return OutcomeNotStarted
	}
	if h.startErr != nil {
		return OutcomeNotStarted
	}

	_ = h.cmd.Process.Signal(syscall.SIGINT)
	select {
	case err := <-h.waitErrC:
		return h.classify(err)
	case <-time.After(sigintGap):
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-h.waitErrC:
		return h.classify(err)
	case <-time.After(sigtermGap):
	}

	_ = h.cmd.Process.Kill()
	<-h.waitErrC
	if h.log != nil {
		h.log.Warn("trafficgen: did not exit on SIGINT/SIGTERM, force-killed", "command", h.cmd.Path)
	}
	return OutcomeKilled
}

func (h *Handle) classify(err error) Outcome {
	if err == nil {
		return OutcomeClean
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if h.log != nil {
			h.log.Warn("trafficgen: exited non-zero", "command", h.cmd.Path, "exit_code", exitErr.ExitCode())
		}
		return OutcomeNonZeroExit
	}
	// Any other wait error (not an *exec.ExitError); not fatal to the
	// measurement run.
	return OutcomeKilled
}
