// Package engine implements the sandboxed code-execution service: the
// execution model, the record store with its event timeline, the bounded
// scheduler, the worker pool, and the HTTP API.
package engine

// Language selects the toolchain an execution runs under.
type Language string

// Supported languages. The sandbox backends carry a fixed spec per
// language (source file name, image, run command).
const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangRust       Language = "rust"
	LangC          Language = "c"
)

// Valid reports whether the language is one the sandboxes can run.
func (l Language) Valid() bool {
	switch l {
	case LangPython, LangJavaScript, LangRust, LangC:
		return true
	}
	return false
}

// ExecutionMode tunes output shaping for the caller type.
type ExecutionMode string

const (
	ModeHuman          ExecutionMode = "human"
	ModeAgentOptimized ExecutionMode = "agent_optimized"
)

// TestCase is one stdin/expected-output pair for fan-out runs. A nil
// ExpectedStdout means the case is run for its outputs only and never
// marked passed or failed.
type TestCase struct {
	Stdin          string  `json:"stdin"`
	ExpectedStdout *string `json:"expected_stdout,omitempty"`
}

// ExecutionLimits is the resource envelope applied to a sandbox run.
type ExecutionLimits struct {
	CPUCores         float64 `json:"cpu_cores"`
	MemoryMB         int64   `json:"memory_mb"`
	TimeoutMs        int64   `json:"timeout_ms"`
	MaxProcesses     int64   `json:"max_processes"`
	MaxFileSizeBytes int64   `json:"max_file_size_bytes"`
	MaxOutputBytes   int64   `json:"max_output_bytes"`
}

// Normalized clamps every field into its safe operating range.
func (l ExecutionLimits) Normalized() ExecutionLimits {
	return ExecutionLimits{
		CPUCores:         min(max(l.CPUCores, 0.1), 4.0),
		MemoryMB:         min(max(l.MemoryMB, 32), 8192),
		TimeoutMs:        min(max(l.TimeoutMs, 50), 120_000),
		MaxProcesses:     min(max(l.MaxProcesses, 1), 256),
		MaxFileSizeBytes: min(max(l.MaxFileSizeBytes, 1<<10), 100<<20),
		MaxOutputBytes:   min(max(l.MaxOutputBytes, 1<<10), 4<<20),
	}
}

// ExecutionRequest is the submitted job description.
type ExecutionRequest struct {
	Language     Language          `json:"language"`
	Code         string            `json:"code"`
	Stdin        string            `json:"stdin,omitempty"`
	Args         []string          `json:"args,omitempty"`
	AllowNetwork bool              `json:"allow_network,omitempty"`
	Limits       *ExecutionLimits  `json:"limits,omitempty"`
	Mode         ExecutionMode     `json:"mode,omitempty"`
	TestCases    []TestCase        `json:"test_cases,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ExecutionStatus is the record lifecycle phase. Transitions are
// monotonic: queued → running → {succeeded, failed, timed_out}, or
// queued → rejected when admission fails.
type ExecutionStatus string

const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimedOut  ExecutionStatus = "timed_out"
	StatusRejected  ExecutionStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusRejected:
		return true
	}
	return false
}

// TestCaseResult captures one fan-out case. Passed is nil when the case
// carried no expected output.
type TestCaseResult struct {
	Stdin      string `json:"stdin"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Passed     *bool  `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// ExecutionOutput is the collected result of a finished run.
type ExecutionOutput struct {
	Stdout         string           `json:"stdout"`
	Stderr         string           `json:"stderr"`
	ExitCode       int              `json:"exit_code"`
	DurationMs     int64            `json:"duration_ms"`
	SandboxBackend string           `json:"sandbox_backend"`
	TestResults    []TestCaseResult `json:"test_results,omitempty"`
}

// ExecutionEvent is one timeline entry on a record.
type ExecutionEvent struct {
	TsMs    int64  `json:"ts_ms"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ExecutionRecord is the unit of storage: the request as submitted, the
// normalized limits it ran under, and everything that happened to it.
type ExecutionRecord struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	Status       ExecutionStatus  `json:"status"`
	Request      ExecutionRequest `json:"request"`
	Limits       ExecutionLimits  `json:"limits"`
	Output       *ExecutionOutput `json:"output,omitempty"`
	Error        string           `json:"error,omitempty"`
	Events       []ExecutionEvent `json:"events"`
	CreatedAtMs  int64            `json:"created_at_ms"`
	StartedAtMs  int64            `json:"started_at_ms,omitempty"`
	FinishedAtMs int64            `json:"finished_at_ms,omitempty"`
}
