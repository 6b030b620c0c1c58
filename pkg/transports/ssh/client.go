package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/ignite/pkg/telemetry"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload", "start")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// client is one SSH connection with optional keep-alive.
type client struct {
	config *Config
	logger *telemetry.Logger

	mu     sync.Mutex
	conn   *ssh.Client
	stopKA chan struct{}
}

func dial(ctx context.Context, config *Config, logger *telemetry.Logger) (*client, error) {
	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	logger.WithField("address", address).Debug("establishing SSH connection")

	dialer := &net.Dialer{Timeout: config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// the handshake itself is bounded by ctx
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	stop()
	if err != nil {
		_ = netConn.Close()
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: ctx.Err() != nil, IsAuthError: ctx.Err() == nil}
	}

	c := &client{
		config: config,
		logger: logger,
		conn:   ssh.NewClient(sshConn, chans, reqs),
		stopKA: make(chan struct{}),
	}
	if config.KeepAliveInterval > 0 {
		go c.keepAlive()
	}

	logger.WithField("address", address).Info("SSH connection established")
	return c, nil
}

// keepAlive sends periodic keep-alive messages to keep the connection alive.
func (c *client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-c.stopKA:
			return
		case <-ticker.C:
		}

		if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.WithError(err).WithField("retries", retries).Warn("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	close(c.stopKA)
	err := c.conn.Close()
	c.conn = nil
	return err
}

// upload copies localPath to remotePath over SFTP, sets mode, and verifies
// the remote copy by reading it back.
func (c *client) upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	start := time.Now()

	localFile, err := os.Open(localPath) // #nosec G304 -- operator-configured binary
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := sftp.NewClient(c.conn)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	localHash := sha256.New()
	written, err := copyWithContext(ctx, remoteFile, io.TeeReader(localFile, localHash))
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		c.logger.WithError(err).Warn("failed to set file permissions")
	}

	remoteSum, err := remoteChecksum(sftpClient, remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if localSum := fmt.Sprintf("%x", localHash.Sum(nil)); remoteSum != localSum {
		return &TransportError{Op: "upload", Err: fmt.Errorf("checksum mismatch: local %s, remote %s", localSum, remoteSum), IsTemporary: true}
	}

	c.logger.WithField("remote", remotePath).
		WithField("bytes", written).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Info("backend binary uploaded")
	return nil
}

func (c *client) remove(remotePath string) error {
	sftpClient, err := sftp.NewClient(c.conn)
	if err != nil {
		return err
	}
	defer sftpClient.Close()
	return sftpClient.Remove(remotePath)
}

func remoteChecksum(sftpClient *sftp.Client, remotePath string) (string, error) {
	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("failed to reopen remote file: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("failed to read remote file: %w", err)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
