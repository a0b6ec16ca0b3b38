package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/warden-sh/warden/internal/engine"
)

// Process runs submissions as bare child processes: interpreters are
// invoked directly, compiled languages go through a shared on-disk
// binary cache. No filesystem isolation and no resource limits beyond
// the timeout -- this backend exists for development machines where
// Docker is not available.
type Process struct {
	workdirPrefix string
	cacheDir      string
	compiled      *otter.Cache[string, string] // cache key -> binary path
}

// NewProcess builds the backend, creating the compile cache directory.
func NewProcess(workdirPrefix, cacheDir string) (*Process, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create compile cache dir: %w", err)
	}
	cache, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("create compile cache: %w", err)
	}
	return &Process{workdirPrefix: workdirPrefix, cacheDir: cacheDir, compiled: cache}, nil
}

func (p *Process) Name() string { return "process" }

// Execute writes the source into a throwaway work directory, resolves
// the command to run (compiling first when the language needs it), and
// runs it under the limits' timeout.
func (p *Process) Execute(ctx context.Context, spec engine.RunSpec) (engine.SandboxResult, error) {
	ls, ok := specFor(spec.Request.Language)
	if !ok {
		return engine.SandboxResult{}, fmt.Errorf("unsupported language %q", spec.Request.Language)
	}

	workdir, err := makeWorkdir(p.workdirPrefix, spec, ls.SourceFile)
	if err != nil {
		return engine.SandboxResult{}, err
	}
	defer os.RemoveAll(workdir)

	timeout := time.Duration(spec.Limits.TimeoutMs) * time.Millisecond

	var cmd *exec.Cmd
	if ls.Compiled {
		bin, compileOut, err := p.ensureBinary(ctx, ls, spec, workdir, timeout)
		if err != nil {
			return engine.SandboxResult{}, err
		}
		if compileOut != nil {
			// Compilation failed or timed out; that is the run's result.
			return toResult(*compileOut), nil
		}
		cmd = exec.Command(bin, spec.Request.Args...)
	} else {
		cmd = interpreterCommand(spec.Request.Language, ls.SourceFile, spec.Request.Args)
	}
	cmd.Dir = workdir

	out, err := runCommand(ctx, cmd, spec.Request.Stdin, spec.Limits.MaxOutputBytes, timeout, nil)
	if err != nil {
		return engine.SandboxResult{}, err
	}
	return toResult(out), nil
}

func interpreterCommand(lang engine.Language, sourceFile string, args []string) *exec.Cmd {
	switch lang {
	case engine.LangJavaScript:
		return exec.Command("node", append([]string{sourceFile}, args...)...)
	default: // python
		return exec.Command("python3", append([]string{"-I", sourceFile}, args...)...)
	}
}

// ensureBinary returns the cached binary path for this exact source,
// compiling on a miss. A failed compile is reported as a non-nil
// outcome rather than an error so the caller can surface the
// compiler's stderr to the user.
func (p *Process) ensureBinary(ctx context.Context, ls langSpec, spec engine.RunSpec, workdir string, timeout time.Duration) (string, *outcome, error) {
	key := compileKey(ls.SourceFile, spec.Request.Code)
	if bin, ok := p.compiled.GetIfPresent(key); ok {
		if _, err := os.Stat(bin); err == nil {
			return bin, nil, nil
		}
		p.compiled.Invalidate(key)
	}

	bin := filepath.Join(p.cacheDir, key)
	var cmd *exec.Cmd
	switch spec.Request.Language {
	case engine.LangRust:
		cmd = exec.Command("rustc", ls.SourceFile, "-O", "-o", bin)
	case engine.LangC:
		cmd = exec.Command("gcc", ls.SourceFile, "-O2", "-o", bin)
	default:
		return "", nil, fmt.Errorf("no compiler for language %q", spec.Request.Language)
	}
	cmd.Dir = workdir

	out, err := runCommand(ctx, cmd, "", spec.Limits.MaxOutputBytes, timeout, nil)
	if err != nil {
		return "", nil, err
	}
	if out.exitCode != 0 || out.timedOut {
		return "", &out, nil
	}
	p.compiled.Set(key, bin)
	return bin, nil, nil
}

// compileKey derives the shared-cache name for a source file. Identical
// submissions across jobs and tenants hit the same binary.
func compileKey(sourceFile, code string) string {
	h := sha256.New()
	h.Write([]byte(sourceFile))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
