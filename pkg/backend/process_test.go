package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/ignite/pkg/backend/protocol"
	"github.com/openfroyo/ignite/pkg/engine"
)

// startPipeClient serves b in-process and returns a started client.
func startPipeClient(t *testing.T, b engine.Backend) (*ProcessClient, *protocol.ExitMessage) {
	t.Helper()
	exit := &protocol.ExitMessage{}
	server := NewServer(b, ServerConfig{Version: "test", Network: "pipe"})
	client, err := NewProcessClient(ProcessConfig{
		Transport: &PipeTransport{Serve: func(ctx context.Context, r io.Reader, w io.Writer) error {
			msg, err := server.Serve(ctx, r, w)
			if msg != nil {
				*exit = *msg
			}
			return err
		}},
		StartupTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return client, exit
}

func TestProcessClient_StartReceivesReady(t *testing.T) {
	client, _ := startPipeClient(t, NewSimulator())
	defer client.Close()

	ready := client.Ready()
	if ready == nil {
		t.Fatal("Ready() returned nil")
	}
	if ready.Network != "pipe" || ready.Version != "test" {
		t.Errorf("unexpected ready message %+v", ready)
	}
	if !ready.Caps["submit"] || !ready.Caps["resumable"] {
		t.Errorf("capabilities = %v", ready.Caps)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestProcessClient_SubmitAndAwait(t *testing.T) {
	sim := NewSimulator()
	client, exit := startPipeClient(t, sim)
	ctx := context.Background()

	handle, err := client.Submit(ctx, createSub("M#Counter", "Counter"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	known, err := client.Resumable(ctx, handle)
	if err != nil || !known {
		t.Errorf("Resumable() = %v, %v", known, err)
	}

	conf, err := client.AwaitConfirmation(ctx, handle)
	if err != nil {
		t.Fatalf("AwaitConfirmation() error = %v", err)
	}
	addr := decodeString(t, conf.Result)
	if _, ok := sim.Contract(addr); !ok {
		t.Errorf("simulator has no contract at %s", addr)
	}
	if conf.BlockRef != "1" {
		t.Errorf("BlockRef = %q, want 1", conf.BlockRef)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if exit.Reason != "stdin_closed" || exit.CommandsTotal != 3 {
		t.Errorf("exit = %+v", exit)
	}
	if got := client.Exit(); got == nil || got.Reason != "stdin_closed" {
		t.Errorf("client did not record EXIT: %+v", got)
	}
}

func TestProcessClient_ErrorClassesSurviveTheWire(t *testing.T) {
	sim := NewSimulator()
	client, _ := startPipeClient(t, sim)
	defer client.Close()
	ctx := context.Background()

	sim.FailSubmissions("M#A", 1)
	_, err := client.Submit(ctx, createSub("M#A", "A"))
	if !engine.IsTransient(err) || !engine.HasCode(err, ErrCodeSimulatedFault) {
		t.Errorf("expected transient SIMULATED_FAULT, got %v", err)
	}

	_, err = client.Submit(ctx, &engine.Submission{
		ActionID: "M#B", Kind: engine.ActionInvoke, Target: "0xdead", Method: "inc", Attempt: 1,
	})
	if !engine.IsPermanent(err) || !engine.HasCode(err, ErrCodeUnknownTarget) {
		t.Errorf("expected permanent UNKNOWN_TARGET, got %v", err)
	}

	_, err = client.Submit(ctx, &engine.Submission{ActionID: "M#C", Kind: engine.ActionCreate})
	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error for invalid submission, got %v", err)
	}
}

func TestReplyError(t *testing.T) {
	tests := []struct {
		name  string
		msg   protocol.ErrorMessage
		class engine.ErrorClass
		code  string
	}{
		{"throttled", protocol.ErrorMessage{Code: protocol.CodeThrottled, Retryable: true, RetryAfter: 2}, engine.ErrorClassThrottled, protocol.CodeThrottled},
		{"retryable", protocol.ErrorMessage{Code: protocol.CodeUnavailable, Retryable: true}, engine.ErrorClassTransient, protocol.CodeUnavailable},
		{"rejected", protocol.ErrorMessage{Code: protocol.CodeRejected}, engine.ErrorClassPermanent, protocol.CodeRejected},
		{"detail code wins", protocol.ErrorMessage{Code: protocol.CodeRejected, Details: map[string]string{"code": "REVERTED"}}, engine.ErrorClassPermanent, "REVERTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := replyError(&tt.msg)
			if err.Class != tt.class {
				t.Errorf("class = %s, want %s", err.Class, tt.class)
			}
			if err.Code != tt.code {
				t.Errorf("code = %s, want %s", err.Code, tt.code)
			}
		})
	}
}

func TestProcessClient_ConcurrentCalls(t *testing.T) {
	sim := NewSimulator(WithConfirmDelay(5 * time.Millisecond))
	client, _ := startPipeClient(t, sim)
	defer client.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := client.Submit(ctx, createSub(fmt.Sprintf("M#C%d", i), "C"))
			if err != nil {
				errs <- err
				return
			}
			if _, err := client.AwaitConfirmation(ctx, handle); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent call failed: %v", err)
	}
	if sim.BlockNumber() != 20 {
		t.Errorf("BlockNumber() = %d, want 20", sim.BlockNumber())
	}
}

func TestProcessClient_ContextCancelAbandonsCall(t *testing.T) {
	sim := NewSimulator(WithConfirmDelay(200 * time.Millisecond))
	client, _ := startPipeClient(t, sim)
	defer client.Close()

	handle, err := client.Submit(context.Background(), createSub("M#A", "A"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = client.AwaitConfirmation(ctx, handle)
	if !engine.IsTransient(err) || !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Errorf("expected transient TIMEOUT, got %v", err)
	}

	// the late reply is dropped and the client keeps working
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after abandoned call: %v", err)
	}
}

func TestProcessClient_CallsFailAfterBackendExit(t *testing.T) {
	client, err := NewProcessClient(ProcessConfig{
		Transport: &PipeTransport{Serve: func(_ context.Context, _ io.Reader, w io.Writer) error {
			enc := protocol.NewEncoder(w)
			return enc.EncodeReady(&protocol.ReadyMessage{Version: "test", Network: "gone"})
		}},
		StartupTimeout:  time.Second,
		ShutdownTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for {
		err = client.Ping(context.Background())
		if err != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !engine.HasCode(err, ErrCodeBackendExited) {
		t.Errorf("expected BACKEND_EXITED, got %v", err)
	}
}

func TestProcessClient_StartRejectsMissingReady(t *testing.T) {
	client, err := NewProcessClient(ProcessConfig{
		Transport: &PipeTransport{Serve: func(_ context.Context, _ io.Reader, w io.Writer) error {
			enc := protocol.NewEncoder(w)
			return enc.EncodeExit(&protocol.ExitMessage{Reason: "error", ExitCode: 1})
		}},
		StartupTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = client.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "expected READY") {
		t.Errorf("Start() error = %v", err)
	}
}

func TestServer_InvalidCommandGetsError(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	server := NewServer(NewSimulator(), ServerConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = server.Serve(context.Background(), inR, outW)
		_ = outW.Close()
	}()

	dec := protocol.NewDecoder(outR)
	if msg, err := dec.Decode(); err != nil || msg.Type != protocol.MessageTypeReady {
		t.Fatalf("expected READY, got %v, %v", msg, err)
	}

	enc := protocol.NewEncoder(inW)
	raw, _ := json.Marshal(protocol.CommandMessage{ID: "cmd-1", Type: "exec", Timeout: 1, Params: json.RawMessage(`{}`)})
	if _, err := inW.Write(append([]byte(`{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":`), append(raw, '}', '\n')...)); err != nil {
		t.Fatal(err)
	}

	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeError {
		t.Fatalf("expected ERROR, got %v, %v", msg, err)
	}
	var errMsg protocol.ErrorMessage
	if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.CommandID != "cmd-1" || errMsg.Code != protocol.CodeInvalidCommand || errMsg.Retryable {
		t.Errorf("unexpected error message %+v", errMsg)
	}

	raw, _ = json.Marshal(protocol.HandleParams{Handle: "0xnope"})
	if err := enc.EncodeCommand(&protocol.CommandMessage{ID: "cmd-2", Type: protocol.CommandTypeAwait, Timeout: 1, Params: raw}); err != nil {
		t.Fatal(err)
	}
	msg, err = dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeError {
		t.Fatalf("expected ERROR, got %v, %v", msg, err)
	}
	if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.Code != protocol.CodeRejected || errMsg.Details["code"] != ErrCodeUnknownHandle {
		t.Errorf("unexpected error message %+v", errMsg)
	}

	_ = inW.Close()
	msg, err = dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeExit {
		t.Fatalf("expected EXIT, got %v, %v", msg, err)
	}
	<-done
}

func TestServer_TTLExpires(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()
	outR, outW := io.Pipe()
	server := NewServer(NewSimulator(), ServerConfig{TTL: 20 * time.Millisecond})

	exitCh := make(chan *protocol.ExitMessage, 1)
	go func() {
		exit, _ := server.Serve(context.Background(), inR, outW)
		exitCh <- exit
		_ = outW.Close()
	}()

	go func() { _, _ = io.Copy(io.Discard, outR) }()

	select {
	case exit := <-exitCh:
		if exit.Reason != "ttl_expired" {
			t.Errorf("exit reason = %s, want ttl_expired", exit.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after its TTL")
	}
}

func TestProcessClient_ExecutorRunOverProtocol(t *testing.T) {
	b := engine.NewModuleBuilder("CounterModule")
	counter := b.Contract("Counter", nil)
	inc := b.Call(counter, "incBy", []interface{}{5})
	b.StaticCall(counter, "count", nil, engine.After(inc))
	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	sim := NewSimulator()
	sim.FailSubmissions(counter.ID(), 2)
	client, _ := startPipeClient(t, sim)
	defer client.Close()

	journal := engine.NewMemoryJournal()
	exec := engine.NewExecutor(client, journal, engine.WithOptions(engine.Options{
		MaxParallel: 2, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	}))

	report, err := exec.Run(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s, actions = %+v", report.Status, report.Actions)
	}

	entry, err := journal.Get(context.Background(), counter.ID())
	if err != nil {
		t.Fatal(err)
	}
	if entry.Attempts != 3 {
		t.Errorf("counter attempts = %d, want 3", entry.Attempts)
	}

	read, ok := report.Action("CounterModule#Counter.count")
	if !ok || string(read.Result) != "5" {
		t.Errorf("read report = %+v", read)
	}
}
