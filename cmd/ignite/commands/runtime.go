package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ignite/pkg/backend"
	"github.com/openfroyo/ignite/pkg/config"
	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/policy"
	"github.com/openfroyo/ignite/pkg/stores"
	"github.com/openfroyo/ignite/pkg/telemetry"
	"github.com/openfroyo/ignite/pkg/transports/ssh"
)

// sqliteFile is the database file below journal.path.
const sqliteFile = "ignite.db"

var deploymentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// runtime holds what one command invocation opened. Close releases it in
// reverse order.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	closers []func() error
}

func (g *globalOptions) newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Telemetry.LogLevel = g.logLevel
	}
	if g.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = g.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tc := cfg.TelemetryOptions()
	tc.ServiceVersion = g.version
	tc.Logging.Output = "stderr"
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	r := &runtime{cfg: cfg, tel: tel}
	r.closers = append(r.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	if err := tel.Metrics.StartMetricsServer(cmd.Context(), tel.Logger); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return r, nil
}

// Close releases everything the runtime opened. Buffered events are
// delivered first, while the stores that persist them are still open.
func (r *runtime) Close() error {
	r.flushEvents()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// flushEvents delivers buffered events so progress output precedes the
// final report.
func (r *runtime) flushEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.tel.Events.Shutdown(ctx)
}

// deployment returns the journal scope for id, defaulting to the network.
func (r *runtime) deployment(id string) (string, error) {
	if id == "" {
		id = "chain-" + r.cfg.Backend.Network
	}
	if !deploymentPattern.MatchString(id) {
		return "", fmt.Errorf("invalid deployment id %q", id)
	}
	return id, nil
}

// openJournal opens the journal of a deployment. The SQLite store is also
// returned so callers can record runs and read history; it is nil for the
// other drivers.
func (r *runtime) openJournal(ctx context.Context, deployment string) (engine.Journal, *stores.SQLiteJournal, error) {
	jc := r.cfg.Journal
	switch jc.Driver {
	case "memory":
		return engine.NewMemoryJournal(), nil, nil

	case "file":
		j, err := stores.OpenFileJournal(filepath.Join(jc.Path, deployment+".jsonl"))
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, j.Close)
		return j, nil, nil

	default:
		if err := os.MkdirAll(jc.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		s, err := stores.OpenSQLiteJournal(ctx, stores.Config{
			Path:       filepath.Join(jc.Path, sqliteFile),
			Deployment: deployment,
		})
		if err != nil {
			return nil, nil, err
		}
		r.closers = append(r.closers, s.Close)
		r.tel.Events.Subscribe(s.EventSubscriber(r.tel.Logger), nil)
		return s, s, nil
	}
}

// openStore opens the SQLite store, which run history requires.
func (r *runtime) openStore(ctx context.Context, deployment string) (*stores.SQLiteJournal, error) {
	if r.cfg.Journal.Driver != "sqlite" {
		return nil, fmt.Errorf("run history needs the sqlite journal, configured driver is %s", r.cfg.Journal.Driver)
	}
	_, s, err := r.openJournal(ctx, deployment)
	return s, err
}

// openBackend connects to the configured backend. Process and ssh backends
// are started here and stopped by Close.
func (r *runtime) openBackend(ctx context.Context) (engine.Backend, error) {
	bc := r.cfg.Backend
	logger := r.tel.Logger

	var transport backend.Transport
	switch bc.Type {
	case "simulator":
		return backend.NewSimulator(
			backend.WithNetwork(bc.Network),
			backend.WithConfirmDelay(bc.ConfirmDelay),
			backend.WithSimulatorLogger(logger),
		), nil

	case "process":
		args := []string{"--network", bc.Network}
		if bc.ConfirmDelay > 0 {
			args = append(args, "--confirm-delay", bc.ConfirmDelay.String())
		}
		transport = &backend.ExecTransport{Path: bc.Command, Args: append(args, bc.Args...)}

	case "ssh":
		t, err := ssh.NewTransport(r.cfg.SSHTransportConfig(), logger)
		if err != nil {
			return nil, err
		}
		transport = t

	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}

	client, err := backend.NewProcessClient(backend.ProcessConfig{
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start %s backend: %w", bc.Type, err)
	}
	r.closers = append(r.closers, client.Close)

	if ready := client.Ready(); ready != nil && ready.Network != bc.Network {
		logger.WithField("expected", bc.Network).
			WithField("actual", ready.Network).
			Warn("backend reports a different network")
	}
	return client, nil
}

// openPolicy builds the policy gate and loads custom policies.
func (r *runtime) openPolicy(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(*r.tel.Logger.Zerolog(), r.cfg.PolicyOptions()...)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, eng.Close)

	paths := r.cfg.Policy.Paths
	if len(paths) == 0 {
		return eng, nil
	}
	if err := eng.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	if r.cfg.Policy.Watch {
		if err := eng.Watch(ctx, paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// loadModule loads a module file. Each var value is parsed as a YAML scalar,
// so "3" becomes a number and "true" a boolean.
func (r *runtime) loadModule(ctx context.Context, path string, vars map[string]string) (*engine.Module, error) {
	parsed := make(map[string]interface{}, len(vars))
	for name, raw := range vars {
		var v interface{}
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		parsed[name] = v
	}

	loader := &config.Loader{Vars: parsed, Logger: r.tel.Logger}
	return loader.Load(ctx, path)
}
