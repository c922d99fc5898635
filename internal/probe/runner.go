package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

const stderrTailBytes = 512

// ErrToolchain marks failures of the external audio toolchain itself, as opposed to
// measurements that were simply absent from its output.
var ErrToolchain = errors.New("probe: toolchain failure")

// Output captures the text streams of a finished command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Text returns stdout followed by stderr. ffmpeg writes its diagnostics to stderr,
// ffprobe writes requested entries to stdout.
func (o Output) Text() string {
	return string(o.Stdout) + "\n" + string(o.Stderr)
}

// Runner executes toolchain commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
	Stream(ctx context.Context, consume func(io.Reader) error, name string, args ...string) error
}

// ExecRunner runs commands as local subprocesses.
type ExecRunner struct{}

// NewExecRunner constructs a subprocess runner.
func NewExecRunner() ExecRunner {
	return ExecRunner{}
}

// Run executes the command to completion and returns its output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	command := exec.CommandContext(ctx, name, args...)
	command.Env = append(os.Environ(), "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	runErr := command.Run()
	output := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if runErr != nil {
		return output, fmt.Errorf("%w: %s: %v: %s", ErrToolchain, name, runErr, tail(stderr.Bytes()))
	}
	return output, nil
}

// Stream starts the command and hands its stdout to consume. consume must read
// until EOF; an error from consume terminates the process.
func (ExecRunner) Stream(ctx context.Context, consume func(io.Reader) error, name string, args ...string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	command := exec.CommandContext(streamCtx, name, args...)
	command.Env = append(os.Environ(), "LC_ALL=C")
	var stderr bytes.Buffer
	command.Stderr = &stderr

	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %s: stdout pipe: %v", ErrToolchain, name, err)
	}
	if err := command.Start(); err != nil {
		return fmt.Errorf("%w: %s: start: %v", ErrToolchain, name, err)
	}

	if consumeErr := consume(stdout); consumeErr != nil {
		cancel()
		_ = command.Wait()
		return consumeErr
	}
	if err := command.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrToolchain, name, err, tail(stderr.Bytes()))
	}
	return nil
}

func tail(stderr []byte) string {
	trimmed := bytes.TrimSpace(stderr)
	if len(trimmed) > stderrTailBytes {
		trimmed = trimmed[len(trimmed)-stderrTailBytes:]
	}
	return strings.ReplaceAll(string(trimmed), "\n", " | ")
}
