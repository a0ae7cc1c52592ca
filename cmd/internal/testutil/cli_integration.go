//go:build integration

// Package testutil builds the tablequeue binary and runs it in a container
// next to the databases started by internal/testdb.
package testutil

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// The binary is static (pure Go drivers), so no libc or shell is needed.
	cliImage      = "gcr.io/distroless/static-debian12:nonroot"
	cliBinaryPath = "/usr/local/bin/tablequeue"
	cliConfigPath = "/etc/tablequeue/config.yaml"
	cliRunTimeout = 2 * time.Minute
)

// CLIRun describes one containerized invocation of the CLI.
type CLIRun struct {
	Network string
	Binary  string
	Args    []string
	// Config is mounted at a fixed path and passed with --config when set.
	Config []byte
}

// CLIResult is the outcome of a CLIRun. Output interleaves stdout and stderr.
type CLIResult struct {
	ExitCode int
	Output   string
}

// BuildCLI compiles the tablequeue command in dir as a static linux binary.
func BuildCLI(t *testing.T, dir string) string {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "tablequeue")
	cmd := exec.Command("go", "build", "-trimpath", "-o", bin, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build tablequeue: %v\n%s", err, out)
	}

	return bin
}

// RunCLI starts the binary on run.Network and waits for it to exit.
func RunCLI(t *testing.T, ctx context.Context, run CLIRun) CLIResult {
	t.Helper()

	args := run.Args
	files := []testcontainers.ContainerFile{
		{HostFilePath: run.Binary, ContainerFilePath: cliBinaryPath, FileMode: 0o755},
	}
	if run.Config != nil {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, run.Config, 0o644); err != nil {
			t.Fatalf("write cli config: %v", err)
		}
		files = append(files, testcontainers.ContainerFile{
			HostFilePath: path, ContainerFilePath: cliConfigPath, FileMode: 0o644,
		})
		args = append([]string{"--config", cliConfigPath}, args...)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      cliImage,
			Entrypoint: []string{cliBinaryPath},
			Cmd:        args,
			Env:        map[string]string{"TZ": "UTC"},
			Networks:   []string{run.Network},
			Files:      files,
			WaitingFor: wait.ForExit().WithExitTimeout(cliRunTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start tablequeue container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("tablequeue container state: %v", err)
	}
	logs, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("tablequeue container logs: %v", err)
	}
	defer logs.Close()
	out, err := io.ReadAll(logs)
	if err != nil {
		t.Fatalf("read tablequeue output: %v", err)
	}

	return CLIResult{ExitCode: state.ExitCode, Output: string(out)}
}
