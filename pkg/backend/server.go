package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/ignite/pkg/backend/protocol"
	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// ServerConfig configures a protocol Server.
type ServerConfig struct {
	Version string
	Network string

	// TTL bounds the lifetime of the server; zero means no limit.
	TTL time.Duration

	Logger *telemetry.Logger
}

// Server exposes an engine.Backend over the JSON-lines protocol. Commands are
// handled concurrently and answered as they complete.
type Server struct {
	backend  engine.Backend
	cfg      ServerConfig
	logger   *telemetry.Logger
	commands atomic.Int64
}

// NewServer creates a Server for b.
func NewServer(b engine.Backend, cfg ServerConfig) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Server{
		backend: b,
		cfg:     cfg,
		logger:  logger.NewComponentLogger("backend-server"),
	}
}

// Serve announces READY on w, answers commands read from r until r is
// exhausted, ctx is done or the TTL expires, waits for in-flight commands and
// finally sends EXIT.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) (*protocol.ExitMessage, error) {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	if s.cfg.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TTL)
		defer cancel()
	}

	_, resumable := s.backend.(engine.HandleResumer)
	ready := &protocol.ReadyMessage{
		Version: s.cfg.Version,
		Network: s.cfg.Network,
		PID:     os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeSubmit):    true,
			string(protocol.CommandTypeAwait):     true,
			string(protocol.CommandTypeResumable): resumable,
			string(protocol.CommandTypePing):      true,
		},
	}
	if s.cfg.TTL > 0 {
		ready.Metadata = map[string]string{"ttl": s.cfg.TTL.String()}
	}
	if err := enc.EncodeReady(ready); err != nil {
		return nil, fmt.Errorf("failed to send ready: %w", err)
	}

	msgs := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			msg, err := dec.Decode()
			if err != nil {
				if errors.Is(err, io.EOF) {
					readErr <- nil
				} else {
					readErr <- err
				}
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	exit := &protocol.ExitMessage{Reason: "stdin_closed"}

loop:
	for {
		select {
		case <-ctx.Done():
			exit.Reason = "ttl_expired"
			if errors.Is(ctx.Err(), context.Canceled) {
				exit.Reason = "cancelled"
			}
			break loop
		case msg, ok := <-msgs:
			if !ok {
				if err := <-readErr; err != nil {
					s.logger.WithError(err).Error("failed to read command")
					exit.Reason = "error"
					exit.ExitCode = 1
				}
				break loop
			}
			cmd, err := decodeCommand(msg)
			if err != nil {
				_ = enc.EncodeError(&protocol.ErrorMessage{
					CommandID: commandID(msg),
					Code:      protocol.CodeInvalidCommand,
					Message:   err.Error(),
				})
				continue
			}
			s.commands.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(context.WithoutCancel(ctx), enc, cmd)
			}()
		}
	}

	wg.Wait()
	exit.CommandsTotal = int(s.commands.Load())
	if err := enc.EncodeExit(exit); err != nil {
		return exit, fmt.Errorf("failed to send exit: %w", err)
	}
	return exit, nil
}

func (s *Server) handle(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	start := time.Now()
	result, err := s.dispatch(ctx, cmd)
	duration := time.Since(start)

	log := s.logger.WithField("command_id", cmd.ID).WithField("command", string(cmd.Type))
	if err != nil {
		log.WithError(err).Debug("command failed")
		if encErr := enc.EncodeError(errorMessage(cmd.ID, err)); encErr != nil {
			log.WithError(encErr).Error("failed to send error")
		}
		return
	}

	log.WithField("duration_ms", duration.Milliseconds()).Debug("command completed")
	if encErr := enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration.Seconds(),
	}); encErr != nil {
		log.WithError(encErr).Error("failed to send done")
	}
}

func (s *Server) dispatch(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeSubmit:
		var params protocol.SubmitParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, engine.NewPermanentError("invalid submit params", err).WithCode(protocol.CodeInvalidCommand)
		}
		if err := params.Validate(); err != nil {
			return nil, engine.NewPermanentError("invalid submit params", err).WithCode(protocol.CodeInvalidCommand)
		}
		handle, err := s.backend.Submit(ctx, &engine.Submission{
			ActionID:     params.ActionID,
			Kind:         engine.ActionKind(params.Kind),
			ContractType: params.ContractType,
			Target:       params.Target,
			Method:       params.Method,
			Args:         params.Args,
			Attempt:      params.Attempt,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.SubmitResult{Handle: string(handle)})

	case protocol.CommandTypeAwait:
		var params protocol.HandleParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, engine.NewPermanentError("invalid await params", err).WithCode(protocol.CodeInvalidCommand)
		}
		conf, err := s.backend.AwaitConfirmation(ctx, engine.Handle(params.Handle))
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.AwaitResult{Result: conf.Result, BlockRef: conf.BlockRef})

	case protocol.CommandTypeResumable:
		var params protocol.HandleParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, engine.NewPermanentError("invalid resumable params", err).WithCode(protocol.CodeInvalidCommand)
		}
		known := false
		if resumer, ok := s.backend.(engine.HandleResumer); ok {
			var err error
			known, err = resumer.Resumable(ctx, engine.Handle(params.Handle))
			if err != nil {
				return nil, err
			}
		}
		return json.Marshal(protocol.ResumableResult{Known: known})

	case protocol.CommandTypePing:
		return json.RawMessage(`{}`), nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported command type: %s", cmd.Type), nil).
			WithCode(protocol.CodeInvalidCommand)
	}
}

func decodeCommand(msg *protocol.Message) (*protocol.CommandMessage, error) {
	if msg.Type != protocol.MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}
	var cmd protocol.CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func commandID(msg *protocol.Message) string {
	var partial struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(msg.Data, &partial)
	return partial.ID
}

// errorMessage encodes an engine error class onto the wire: permanent errors
// are not retryable, throttled errors carry THROTTLED.
func errorMessage(id string, err error) *protocol.ErrorMessage {
	msg := &protocol.ErrorMessage{
		CommandID: id,
		Code:      protocol.CodeUnavailable,
		Message:   err.Error(),
		Retryable: true,
	}

	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Code != "" {
			msg.Details = map[string]string{"code": engineErr.Code}
		}
		switch engineErr.Class {
		case engine.ErrorClassPermanent:
			msg.Code = protocol.CodeRejected
			msg.Retryable = false
		case engine.ErrorClassThrottled:
			msg.Code = protocol.CodeThrottled
		}
	}
	return msg
}
