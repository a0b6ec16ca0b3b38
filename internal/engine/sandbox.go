package engine

import "context"

// RunSpec is one prepared sandbox invocation. Fan-out runs reuse the
// job id across cases with per-case stdin substituted in. TenantID is
// carried so backends can re-check the network policy at launch.
type RunSpec struct {
	ID       string
	TenantID string
	Request  ExecutionRequest
	Limits   ExecutionLimits
}

// SandboxResult is what a backend reports for one run. A timed-out run
// carries exit code -1 and whatever output was captured before the kill.
type SandboxResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	TimedOut   bool
}

// Sandbox runs code in an isolated environment. Implementations must be
// safe for concurrent use; the worker pool shares one instance.
type Sandbox interface {
	Name() string
	Execute(ctx context.Context, spec RunSpec) (SandboxResult, error)
}
