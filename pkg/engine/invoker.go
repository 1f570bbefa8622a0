// Package engine invokes the external reconstruction engine
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/meshforge/meshforge/pkg/cancellation"
	"github.com/meshforge/meshforge/pkg/logger"
)

// Outcome classifies the result of one stage invocation
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result holds the classified outcome of a stage invocation
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	// Tail holds the last slice of combined output, captured for
	// timeout diagnostics.
	Tail string
}

// Err converts a non-success result into an error describing it.
// Success returns nil.
func (r Result) Err(command string, timeout time.Duration) error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeCancelled:
		return fmt.Errorf("%s cancelled by user", command)
	case OutcomeTimedOut:
		return fmt.Errorf("%s timed out after %s (last output: %s)", command, timeout, r.Tail)
	default:
		detail := r.Stderr
		if detail == "" {
			detail = r.Stdout
		}
		return fmt.Errorf("%s failed with exit code %d: %s", command, r.ExitCode, detail)
	}
}

// Runner runs one engine stage command
type Runner interface {
	Run(ctx context.Context, cmd Command, token *cancellation.Token, timeout time.Duration) Result
}

const (
	// terminateGrace is how long a terminated process may take to exit
	// before it is force-killed.
	terminateGrace = 5 * time.Second
	// tailBytes bounds the diagnostic slice captured on timeout
	tailBytes = 1000
)

// Invoker runs engine commands with cancellation and timeout
// enforcement. It performs no retries; retry policy belongs to the
// caller.
type Invoker struct {
	logger logger.Logger
}

// NewInvoker creates an invoker
func NewInvoker(log logger.Logger) *Invoker {
	return &Invoker{logger: log}
}

// Run spawns the command and waits for the first of process exit,
// cancellation, or timeout. Cancellation and timeout both terminate
// gracefully and force-kill after the grace period.
func (inv *Invoker) Run(ctx context.Context, command Command, token *cancellation.Token, timeout time.Duration) Result {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, command.Binary, command.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Let us terminate gracefully ourselves instead of the context's
	// immediate kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	if inv.logger != nil {
		inv.logger.Debug("Running engine command",
			logger.WithField("command", command.Name),
			logger.WithField("timeout", timeout.String()))
	}

	if err := cmd.Start(); err != nil {
		return Result{
			Outcome:  OutcomeFailure,
			ExitCode: -1,
			Stderr:   fmt.Sprintf("failed to start %s: %v", command.Binary, err),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var cancelDone <-chan struct{}
	if token != nil {
		cancelDone = token.Done()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return inv.classifyExit(err, &stdout, &stderr)

	case <-cancelDone:
		inv.terminate(cmd, done)
		return Result{
			Outcome: OutcomeCancelled,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}

	case <-timer.C:
		inv.terminate(cmd, done)
		return Result{
			Outcome: OutcomeTimedOut,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Tail:    outputTail(&stdout, &stderr),
		}

	case <-ctx.Done():
		inv.terminate(cmd, done)
		return Result{
			Outcome: OutcomeCancelled,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}
}

// classifyExit maps a completed process into Success or Failure
func (inv *Invoker) classifyExit(err error, stdout, stderr *bytes.Buffer) Result {
	if err == nil {
		return Result{
			Outcome: OutcomeSuccess,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	return Result{
		Outcome:  OutcomeFailure,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
}

// terminate sends SIGTERM, waits up to the grace period, then kills
func (inv *Invoker) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}

	select {
	case <-done:
		return
	case <-time.After(terminateGrace):
		if inv.logger != nil {
			inv.logger.Warn("Process did not exit after terminate, killing",
				logger.WithField("pid", cmd.Process.Pid))
		}
		cmd.Process.Kill()
		<-done
	}
}

// outputTail returns the bounded last slice of combined output
func outputTail(stdout, stderr *bytes.Buffer) string {
	combined := stdout.String() + stderr.String()
	if len(combined) > tailBytes {
		return combined[len(combined)-tailBytes:]
	}
	return combined
}
