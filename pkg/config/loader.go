package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// Loader turns module files into engine modules.
type Loader struct {
	// StarlarkTimeout bounds one script evaluation.
	StarlarkTimeout time.Duration

	// Vars are predeclared as globals in Starlark scripts.
	Vars map[string]interface{}

	Logger *telemetry.Logger
}

// LoadModule loads the module at path with default loader settings.
func LoadModule(ctx context.Context, path string) (*engine.Module, error) {
	return (&Loader{}).Load(ctx, path)
}

// Load dispatches on the file extension: .star is a Starlark script, .cue a
// CUE file, .yaml, .yml and .json a declarative spec. A directory is read as a
// CUE package.
func (l *Loader) Load(ctx context.Context, path string) (*engine.Module, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}
	logger := l.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("loader").WithField("path", path)

	ext := strings.ToLower(filepath.Ext(path))
	if info.IsDir() {
		ext = ".cue"
	}

	var module *engine.Module
	switch ext {
	case ".star":
		src, err := os.ReadFile(path) // #nosec G304 -- user-supplied module file
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		var result *StarlarkResult
		module, result, err = NewStarlarkEvaluator(l.StarlarkTimeout, logger).
			Evaluate(ctx, filepath.Base(path), string(src), l.Vars)
		if err != nil {
			return nil, err
		}
		logger.WithField("duration_ms", result.ExecutionTime.Milliseconds()).Debug("script evaluated")

	case ".cue":
		spec, err := NewSpecParser().ParseCUEFile(path)
		if err != nil {
			return nil, err
		}
		if module, err = spec.Build(); err != nil {
			return nil, err
		}

	case ".yaml", ".yml", ".json":
		src, err := os.ReadFile(path) // #nosec G304 -- user-supplied module file
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		spec, err := NewSpecParser().ParseYAML(path, src)
		if err != nil {
			return nil, err
		}
		if module, err = spec.Build(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported module file %s: want .star, .cue, .yaml, .yml or .json", path)
	}

	logger.WithModule(module.Name()).WithField("actions", module.Len()).Info("module loaded")
	return module, nil
}
