package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/warden-sh/warden/internal/engine"
)

// Docker runs submissions in single-use hardened containers. One
// instance is shared by every worker; each Execute call is fully
// independent.
type Docker struct {
	workdirPrefix  string
	networkTenants map[string]struct{}
}

// NewDocker builds the backend. networkAllowedTenants lists the
// tenants whose allow_network requests actually get a network; every
// other container runs with --network none.
func NewDocker(workdirPrefix string, networkAllowedTenants []string) *Docker {
	tenants := make(map[string]struct{}, len(networkAllowedTenants))
	for _, t := range networkAllowedTenants {
		tenants[t] = struct{}{}
	}
	return &Docker{workdirPrefix: workdirPrefix, networkTenants: tenants}
}

func (d *Docker) Name() string { return "docker" }

// Execute launches one container for the run and tears it down on
// every path. Timeout kills the process and force-removes the
// container; the result then reports timed_out with exit code -1.
func (d *Docker) Execute(ctx context.Context, spec engine.RunSpec) (engine.SandboxResult, error) {
	ls, ok := specFor(spec.Request.Language)
	if !ok {
		return engine.SandboxResult{}, fmt.Errorf("unsupported language %q", spec.Request.Language)
	}

	workdir, err := makeWorkdir(d.workdirPrefix, spec, ls.SourceFile)
	if err != nil {
		return engine.SandboxResult{}, err
	}
	defer os.RemoveAll(workdir)

	name := filepath.Base(workdir)
	network := spec.Request.AllowNetwork && d.networkAllowed(spec.TenantID)
	args := dockerArgs(name, workdir, network, ls, spec.Request.Args, spec.Limits)

	cmd := exec.Command("docker", args...)
	out, err := runCommand(ctx, cmd, spec.Request.Stdin, spec.Limits.MaxOutputBytes,
		time.Duration(spec.Limits.TimeoutMs)*time.Millisecond,
		func() { removeContainer(name) })
	if err != nil {
		removeContainer(name)
		return engine.SandboxResult{}, err
	}
	return toResult(out), nil
}

func (d *Docker) networkAllowed(tenant string) bool {
	_, ok := d.networkTenants[tenant]
	return ok
}

// dockerArgs assembles the full docker run argument list: no network
// by default, read-only root with an exec-proof tmpfs, the work dir
// mounted read-only, all capabilities dropped, and the run's resource
// envelope translated to cgroup flags and ulimits.
func dockerArgs(name, workdir string, network bool, ls langSpec, userArgs []string, limits engine.ExecutionLimits) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
	}
	if !network {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--read-only",
		"--tmpfs", "/tmp:rw,nosuid,nodev,noexec,size=64m",
		"-v", workdir+":/workspace:ro",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--init",
		"--cpus", strconv.FormatFloat(limits.CPUCores, 'f', -1, 64),
		"--memory", strconv.FormatInt(limits.MemoryMB, 10)+"m",
		"--pids-limit", strconv.FormatInt(limits.MaxProcesses, 10),
		"--ulimit", "nproc="+strconv.FormatInt(limits.MaxProcesses, 10),
		"--ulimit", "fsize="+strconv.FormatInt(limits.MaxFileSizeBytes, 10),
		ls.Image,
		"/bin/sh", "-c", ls.RunScript, "sh",
	)
	return append(args, userArgs...)
}

// removeContainer force-removes a container left behind by a kill.
// --rm handles the clean exits; this is only the timeout path.
func removeContainer(name string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(rmCtx, "docker", "rm", "-f", name).Run(); err != nil {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "failed to remove container",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}
