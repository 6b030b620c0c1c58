package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/ignite/pkg/backend/protocol"
	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// ErrCodeBackendExited marks calls that failed because the backend process went away.
const ErrCodeBackendExited = "BACKEND_EXITED"

// ProcessConfig contains ProcessClient options.
type ProcessConfig struct {
	Transport Transport

	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration

	// CommandTimeout is sent with commands whose context has no deadline.
	CommandTimeout time.Duration

	// ShutdownTimeout bounds the wait for the backend to exit on Close.
	ShutdownTimeout time.Duration

	Logger *telemetry.Logger
}

// ProcessClient is an engine.Backend that forwards calls to a backend process
// over the JSON-lines protocol. It is safe for concurrent use; replies are
// matched to calls by command id.
type ProcessClient struct {
	cfg    ProcessConfig
	logger *telemetry.Logger

	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	wait    func() error

	mu      sync.Mutex
	ready   *protocol.ReadyMessage
	calls   map[string]chan *protocol.Message
	exit    *protocol.ExitMessage
	readErr error
	reading bool
	closed  bool
	done    chan struct{}
}

// NewProcessClient creates a client; call Start before using it.
func NewProcessClient(cfg ProcessConfig) (*ProcessClient, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &ProcessClient{
		cfg:    cfg,
		logger: logger.NewComponentLogger("process-backend"),
		calls:  make(map[string]chan *protocol.Message),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the backend process and waits for its READY message.
func (c *ProcessClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.ready != nil {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.mu.Unlock()

	stdin, stdout, wait, err := c.cfg.Transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.wait = wait
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		_ = c.shutdown()
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		_ = c.shutdown()
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.mu.Lock()
		c.ready = ready
		c.reading = true
		c.mu.Unlock()
	}

	go c.readLoop()

	c.logger.WithField("network", c.ready.Network).
		WithField("version", c.ready.Version).
		WithField("pid", c.ready.PID).
		Info("backend process ready")
	return nil
}

// Ready returns the READY message received during startup.
func (c *ProcessClient) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Exit returns the EXIT message, once the backend has sent it.
func (c *ProcessClient) Exit() *protocol.ExitMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Submit implements engine.Backend.
func (c *ProcessClient) Submit(ctx context.Context, sub *engine.Submission) (engine.Handle, error) {
	params := &protocol.SubmitParams{
		ActionID:     sub.ActionID,
		Kind:         string(sub.Kind),
		ContractType: sub.ContractType,
		Target:       sub.Target,
		Method:       sub.Method,
		Args:         sub.Args,
		Attempt:      sub.Attempt,
	}
	if params.Args == nil {
		params.Args = []interface{}{}
	}
	if err := params.Validate(); err != nil {
		return "", engine.NewPermanentError("invalid submission", err).
			WithCode(engine.ErrCodeValidation).WithAction(sub.ActionID)
	}

	var result protocol.SubmitResult
	if err := c.call(ctx, protocol.CommandTypeSubmit, params, &result); err != nil {
		return "", err
	}
	if result.Handle == "" {
		return "", engine.NewTransientError("backend returned an empty handle", nil).WithAction(sub.ActionID)
	}
	return engine.Handle(result.Handle), nil
}

// AwaitConfirmation implements engine.Backend.
func (c *ProcessClient) AwaitConfirmation(ctx context.Context, handle engine.Handle) (*engine.Confirmation, error) {
	var result protocol.AwaitResult
	if err := c.call(ctx, protocol.CommandTypeAwait, &protocol.HandleParams{Handle: string(handle)}, &result); err != nil {
		return nil, err
	}
	return &engine.Confirmation{Result: result.Result, BlockRef: result.BlockRef}, nil
}

// Resumable implements engine.HandleResumer. Backends that did not announce
// the capability never resume.
func (c *ProcessClient) Resumable(ctx context.Context, handle engine.Handle) (bool, error) {
	if ready := c.Ready(); ready == nil || !ready.Caps[string(protocol.CommandTypeResumable)] {
		return false, nil
	}
	var result protocol.ResumableResult
	if err := c.call(ctx, protocol.CommandTypeResumable, &protocol.HandleParams{Handle: string(handle)}, &result); err != nil {
		return false, err
	}
	return result.Known, nil
}

// Ping checks that the backend answers commands.
func (c *ProcessClient) Ping(ctx context.Context) error {
	return c.call(ctx, protocol.CommandTypePing, struct{}{}, nil)
}

func (c *ProcessClient) call(ctx context.Context, cmdType protocol.CommandType, params interface{}, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return engine.NewPermanentError("failed to encode params", err)
	}

	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    cmdType,
		Timeout: c.timeoutSeconds(ctx),
		Params:  raw,
	}

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.closed || c.ready == nil {
		c.mu.Unlock()
		return engine.NewTransientError("backend process is not running", nil).WithCode(ErrCodeBackendExited)
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return engine.NewTransientError("backend process exited", err).WithCode(ErrCodeBackendExited)
	}
	c.calls[cmd.ID] = ch
	c.mu.Unlock()

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		c.forget(cmd.ID)
		return engine.NewTransientError("failed to send command", err).WithCode(ErrCodeBackendExited)
	}

	select {
	case <-ctx.Done():
		c.forget(cmd.ID)
		return engine.NewTransientError(fmt.Sprintf("%s interrupted", cmdType), ctx.Err()).WithCode(engine.ErrCodeTimeout)
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return engine.NewTransientError("backend process exited", err).WithCode(ErrCodeBackendExited)
	case msg := <-ch:
		return decodeReply(msg, result)
	}
}

func decodeReply(msg *protocol.Message, result interface{}) error {
	switch msg.Type {
	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := protocol.ParseParams(msg.Data, &done); err != nil {
			return engine.NewTransientError("failed to parse done", err)
		}
		if result == nil || len(done.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(done.Result, result); err != nil {
			return engine.NewTransientError("failed to parse result", err)
		}
		return nil

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
			return engine.NewTransientError("failed to parse error", err)
		}
		return replyError(&errMsg)

	default:
		return engine.NewTransientError(fmt.Sprintf("unexpected reply %s", msg.Type), nil)
	}
}

// replyError maps an ERROR message back onto an engine error class.
func replyError(msg *protocol.ErrorMessage) *engine.EngineError {
	text := fmt.Sprintf("%s: %s", msg.Code, msg.Message)
	var err *engine.EngineError
	switch {
	case msg.Retryable && msg.Code == protocol.CodeThrottled:
		err = engine.NewThrottledError(text, nil)
	case msg.Retryable:
		err = engine.NewTransientError(text, nil)
	default:
		err = engine.NewPermanentError(text, nil)
	}
	code := msg.Code
	if c := msg.Details["code"]; c != "" {
		code = c
	}
	err = err.WithCode(code)
	if msg.RetryAfter > 0 {
		err = err.WithDetail("retry_after", msg.RetryAfter)
	}
	return err
}

func (c *ProcessClient) readLoop() {
	var loopErr error
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			loopErr = err
			break
		}

		switch msg.Type {
		case protocol.MessageTypeDone, protocol.MessageTypeError:
			c.deliver(msg)
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err == nil {
				c.logger.WithField("command_id", event.CommandID).
					WithField("level", event.Level).
					Debug(event.Message)
			}
		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			if err := protocol.ParseParams(msg.Data, &exit); err == nil {
				c.mu.Lock()
				c.exit = &exit
				c.mu.Unlock()
				c.logger.WithField("reason", exit.Reason).
					WithField("commands", exit.CommandsTotal).
					Info("backend process exiting")
			}
		default:
			c.logger.Warnf("ignoring unexpected %s message", msg.Type)
		}
	}

	if loopErr == io.EOF {
		loopErr = fmt.Errorf("backend closed its output")
	}
	c.mu.Lock()
	c.readErr = loopErr
	c.calls = make(map[string]chan *protocol.Message)
	c.mu.Unlock()
	close(c.done)
}

func (c *ProcessClient) deliver(msg *protocol.Message) {
	var ref struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.CommandID == "" {
		c.logger.Warnf("dropping %s message without command id", msg.Type)
		return
	}

	c.mu.Lock()
	ch, ok := c.calls[ref.CommandID]
	delete(c.calls, ref.CommandID)
	c.mu.Unlock()

	if !ok {
		c.logger.WithField("command_id", ref.CommandID).Debug("dropping reply for abandoned command")
		return
	}
	ch <- msg
}

func (c *ProcessClient) forget(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *ProcessClient) timeoutSeconds(ctx context.Context) int {
	timeout := c.cfg.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Close closes the backend's stdin, which asks it to finish in-flight
// commands and exit, then waits for the process.
func (c *ProcessClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.ready != nil
	c.mu.Unlock()

	if !started {
		return nil
	}
	return c.shutdown()
}

func (c *ProcessClient) shutdown() error {
	var errs []error

	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}

	// the reader must drain stdout before the process is reaped
	if c.readerStarted() {
		select {
		case <-c.done:
		case <-time.After(c.cfg.ShutdownTimeout):
			c.logger.Warn("backend did not exit in time, closing its output")
			if c.stdout != nil {
				_ = c.stdout.Close()
			}
			<-c.done
		}
	} else if c.stdout != nil {
		_ = c.stdout.Close()
	}

	if c.wait != nil {
		if err := c.wait(); err != nil {
			errs = append(errs, fmt.Errorf("backend process: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

func (c *ProcessClient) readerStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reading
}
