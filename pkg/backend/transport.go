package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Transport starts a backend process and exposes its stdio.
type Transport interface {
	// Start launches the process. wait blocks until it has exited and
	// releases any resources held by the transport.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)
}

// ExecTransport runs a local command, typically ignite-devnode.
type ExecTransport struct {
	Path string
	Args []string
	Env  []string

	// Stderr receives the process's stderr; defaults to os.Stderr.
	Stderr io.Writer
}

// Start implements Transport. The process outlives ctx; it is stopped by
// closing stdin.
func (t *ExecTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	if t.Path == "" {
		return nil, nil, nil, fmt.Errorf("backend command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	cmd := exec.Command(t.Path, t.Args...) // #nosec G204 -- command comes from operator configuration
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start %s: %w", t.Path, err)
	}

	return stdin, stdout, cmd.Wait, nil
}

// PipeTransport connects to a backend served in the same process, which is
// mostly useful in tests. Serve is called with the far ends of two pipes.
type PipeTransport struct {
	Serve func(ctx context.Context, r io.Reader, w io.Writer) error
}

// Start implements Transport.
func (t *PipeTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	if t.Serve == nil {
		return nil, nil, nil, fmt.Errorf("serve function is required")
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	errCh := make(chan error, 1)
	go func() {
		err := t.Serve(context.WithoutCancel(ctx), inR, outW)
		_ = outW.Close()
		_ = inR.Close()
		errCh <- err
	}()

	wait := func() error {
		return <-errCh
	}
	return inW, outR, wait, nil
}
