package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/ignite/pkg/telemetry"
)

// Transport starts a backend process on a remote host. It satisfies
// backend.Transport; each Start opens its own connection, which is closed
// when the returned wait function has run.
type Transport struct {
	config *Config
	logger *telemetry.Logger
}

// NewTransport validates config and returns a Transport.
func NewTransport(config *Config, logger *telemetry.Logger) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Transport{
		config: config,
		logger: logger.NewComponentLogger("ssh").WithField("host", config.Host),
	}, nil
}

// Start dials the host, uploads the backend binary when configured and runs
// it in a new session.
func (t *Transport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	c, err := dial(ctx, t.config, t.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	uploaded := false
	if t.config.LocalBinary != "" {
		if err := c.upload(ctx, t.config.LocalBinary, t.config.RemotePath, 0o755); err != nil {
			_ = c.close()
			return nil, nil, nil, err
		}
		uploaded = true
	}

	session, err := c.conn.NewSession()
	if err != nil {
		_ = c.close()
		return nil, nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = c.close()
		return nil, nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = c.close()
		return nil, nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	session.Stderr = &logWriter{logger: t.logger}

	command := t.config.Command()
	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = c.close()
		return nil, nil, nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", command, err), IsTemporary: true}
	}
	t.logger.WithField("command", command).Info("remote backend started")

	wait := func() error {
		var errs []error
		if err := session.Wait(); err != nil {
			errs = append(errs, err)
		}
		if uploaded && t.config.RemoveOnExit {
			if err := c.remove(t.config.RemotePath); err != nil {
				t.logger.WithError(err).Warn("failed to remove remote binary")
			}
		}
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return stdin, &sessionOutput{Reader: stdout, session: session}, wait, nil
}

// sessionOutput closes the session when the reader gives up on its output.
type sessionOutput struct {
	io.Reader
	session *ssh.Session
}

func (o *sessionOutput) Close() error {
	return o.session.Close()
}

// logWriter forwards the remote process's stderr to the logger line by line.
type logWriter struct {
	logger *telemetry.Logger
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := string(w.buf[:i]); line != "" {
			w.logger.WithField("stream", "stderr").Debug(line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
