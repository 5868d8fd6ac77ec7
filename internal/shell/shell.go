// Package shell is the sole abstraction for executing side effects. Every
// command the rest of the system emits is a single shell line, routed either
// through bash on the local host or through ssh to a remote one. The remote
// login shell re-interprets the line, so pipelines, conditionals, and globs
// inside emitted commands work identically on both ends — a contract the
// job engine relies on.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// SSH keepalive options applied to every remote invocation. With an
// interval of 5 seconds and a count of 3, a silent peer unsticks the
// transport after roughly 15 seconds.
const (
	sshServerAliveInterval = 5
	sshServerAliveCountMax = 3
)

// CommandError reports a shell invocation that returned a non-zero exit
// code, carrying the code and captured stderr.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed with exit code %d [%s]", e.ExitCode, e.Cmd)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// BuildArgs produces the argument vector that executes cmd at the endpoint
// url addresses: a bash -c wrapper locally, an ssh invocation remotely.
// The command string is always the final element, passed through verbatim.
func BuildArgs(cmd string, url URL) []string {
	if !url.IsRemote() {
		return []string{"bash", "-c", cmd}
	}

	args := []string{
		"ssh",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", sshServerAliveInterval),
		"-o", fmt.Sprintf("ServerAliveCountMax=%d", sshServerAliveCountMax),
	}
	if url.Port != 0 {
		args = append(args, "-p", strconv.Itoa(url.Port))
	}
	return append(args, url.SSHTarget(), cmd)
}

// Process is a started pipeline child. Stdout and Stdin expose the ends the
// supervisor wires together; Wait blocks until exit and returns a
// *CommandError on non-zero status; Kill terminates the child.
type Process interface {
	Stdout() io.Reader
	Stdin() io.WriteCloser
	Wait() error
	Kill()
}

// Transport executes shell command lines at the endpoint a URL addresses.
// The production implementation spawns subprocesses; tests substitute an
// in-memory fake.
type Transport interface {
	// CheckOutput runs cmd to completion and returns its stdout. A non-zero
	// exit yields a *CommandError carrying the exit code and stderr.
	CheckOutput(ctx context.Context, url URL, cmd string) ([]byte, error)

	// Call runs cmd to completion and returns the raw exit code.
	Call(ctx context.Context, url URL, cmd string) (int, error)

	// Input runs cmd feeding stdin to it, failing like CheckOutput.
	Input(ctx context.Context, url URL, cmd string, stdin []byte) error

	// Start spawns cmd for pipeline use and returns its handle.
	Start(ctx context.Context, url URL, cmd string) (Process, error)
}

// Exists probes whether a command is available at the endpoint, using the
// shell builtin `type`. Used to detect optional binaries such as pv.
func Exists(ctx context.Context, t Transport, url URL, command string) bool {
	code, err := t.Call(ctx, url, "type "+command)
	return err == nil && code == 0
}

// execTransport is the production Transport, executing argument vectors
// from BuildArgs with os/exec.
type execTransport struct{}

// NewTransport returns the subprocess-backed Transport.
func NewTransport() Transport {
	return execTransport{}
}

func (execTransport) CheckOutput(ctx context.Context, url URL, cmd string) ([]byte, error) {
	args := BuildArgs(cmd, url)
	c := exec.CommandContext(ctx, args[0], args[1:]...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return nil, commandError(cmd, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (execTransport) Call(ctx context.Context, url URL, cmd string) (int, error) {
	args := BuildArgs(cmd, url)
	c := exec.CommandContext(ctx, args[0], args[1:]...)

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("spawning [%s]: %w", cmd, err)
}

func (execTransport) Input(ctx context.Context, url URL, cmd string, stdin []byte) error {
	args := BuildArgs(cmd, url)
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = bytes.NewReader(stdin)

	var stderr bytes.Buffer
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return commandError(cmd, err, stderr.String())
	}
	return nil
}

func (execTransport) Start(ctx context.Context, url URL, cmd string) (Process, error) {
	args := BuildArgs(cmd, url)
	c := exec.CommandContext(ctx, args[0], args[1:]...)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawning [%s]: %w", cmd, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawning [%s]: %w", cmd, err)
	}

	var stderr bytes.Buffer
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("spawning [%s]: %w", cmd, err)
	}

	return &execProcess{cmd: cmd, c: c, stdin: stdin, stdout: stdout, stderr: &stderr}, nil
}

// execProcess wraps a started exec.Cmd as a Process.
type execProcess struct {
	cmd    string
	c      *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *bytes.Buffer
}

func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() error {
	if err := p.c.Wait(); err != nil {
		return commandError(p.cmd, err, p.stderr.String())
	}
	return nil
}

func (p *execProcess) Kill() {
	if p.c.Process != nil {
		_ = p.c.Process.Kill()
	}
}

// commandError converts an exec error into a *CommandError when it carries
// an exit status, passing other spawn failures through.
func commandError(cmd string, err error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{Cmd: cmd, ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}
	return fmt.Errorf("spawning [%s]: %w", cmd, err)
}
