package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/warden-sh/warden/internal/engine"
)

// makeWorkdir creates the isolated per-run directory and writes the
// source file into it. The ns-epoch suffix keeps fan-out runs that
// share one job id from colliding.
func makeWorkdir(prefix string, spec engine.RunSpec, sourceFile string) (string, error) {
	if int64(len(spec.Request.Code)) > spec.Limits.MaxFileSizeBytes {
		return "", fmt.Errorf("source is %d bytes, limit is %d", len(spec.Request.Code), spec.Limits.MaxFileSizeBytes)
	}
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s-%d", prefix, spec.ID, time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sourceFile), []byte(spec.Request.Code), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write source: %w", err)
	}
	return dir, nil
}

// capWriter buffers up to limit bytes and silently drops the rest, so
// a runaway program cannot balloon the record.
type capWriter struct {
	buf   bytes.Buffer
	limit int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.limit - int64(w.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			p = p[:room]
		}
		w.buf.Write(p)
	}
	// Report full consumption so the child never sees a write error.
	return len(p), nil
}

func (w *capWriter) String() string { return w.buf.String() }

// outcome is the raw result of one child process run.
type outcome struct {
	stdout     string
	stderr     string
	exitCode   int
	durationMs int64
	timedOut   bool
}

// runCommand starts cmd with stdin piped in and both output streams
// capped at maxOutput bytes, then waits up to timeout. On expiry the
// process is killed, onTimeout runs (Docker uses it to force-remove
// the container), and the outcome reports timedOut with exit code -1.
func runCommand(ctx context.Context, cmd *exec.Cmd, stdin string, maxOutput int64, timeout time.Duration, onTimeout func()) (outcome, error) {
	stdout := &capWriter{limit: maxOutput}
	stderr := &capWriter{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != "" {
		// os/exec drives the write from its own goroutine.
		cmd.Stdin = bytes.NewReader([]byte(stdin))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return outcome{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}
	if timedOut {
		cmd.Process.Kill()
		if onTimeout != nil {
			onTimeout()
		}
		<-done
	}

	out := outcome{
		stdout:     stdout.String(),
		stderr:     stderr.String(),
		durationMs: time.Since(start).Milliseconds(),
		timedOut:   timedOut,
	}
	switch {
	case timedOut:
		out.exitCode = -1
	case waitErr == nil:
		out.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return outcome{}, fmt.Errorf("wait for %s: %w", cmd.Path, waitErr)
		}
		out.exitCode = exitErr.ExitCode()
	}
	return out, nil
}

func toResult(o outcome) engine.SandboxResult {
	return engine.SandboxResult{
		Stdout:     o.stdout,
		Stderr:     o.stderr,
		ExitCode:   o.exitCode,
		DurationMs: o.durationMs,
		TimedOut:   o.timedOut,
	}
}
