package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// ModuleGlobal is the global a script binds its top-level module to when it
// builds more than one.
const ModuleGlobal = "module"

// StarlarkEvaluator runs module scripts. A script calls build_module(name)
// and declares actions on the returned object:
//
//	m = build_module("CounterModule")
//	counter = m.contract("Counter")
//	m.call(counter, "incBy", [5])
//	m.returns(counter = counter)
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  *telemetry.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger *telemetry.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger.NewComponentLogger("starlark"),
	}
}

// Evaluate executes script and returns the module it built. Input values are
// predeclared as globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*engine.Module, *StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.WithField("script", filename).Debug(msg)
		},
	}

	type outcome struct {
		module *engine.Module
		result *StarlarkResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		m, r, err := se.evaluateSync(thread, filename, script, input)
		done <- outcome{m, r, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("starlark execution cancelled: %w", ctx.Err())
		}
		return nil, nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case o := <-done:
		if o.result != nil {
			o.result.ExecutionTime = time.Since(startTime)
		}
		return o.module, o.result, o.err
	}
}

// fileOptions permit top-level loops and conditionals; the evaluation timeout
// bounds runaway scripts.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, input map[string]interface{}) (*engine.Module, *StarlarkResult, error) {
	session := &scriptSession{}

	predeclared := starlark.StringDict{
		"struct":       starlarkstruct.Default,
		"build_module": starlark.NewBuiltin("build_module", session.buildModule),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, script, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, nil, fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
		}
		return nil, nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	root, err := session.root(globals)
	if err != nil {
		return nil, nil, err
	}
	module, err := root.build()
	if err != nil {
		return nil, nil, err
	}

	result := &StarlarkResult{Globals: make(map[string]interface{})}
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if goVal, err := fromStarlarkValue(val); err == nil {
			result.Globals[name] = goVal
		}
	}

	return module, result, nil
}

// scriptSession tracks the modules one script creates.
type scriptSession struct {
	modules []*moduleValue
}

func (s *scriptSession) buildModule(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	m := &moduleValue{builder: engine.NewModuleBuilder(name)}
	s.modules = append(s.modules, m)
	return m, nil
}

// root picks the module the script produces: the one bound to the module
// global, or else the only one not used as a submodule.
func (s *scriptSession) root(globals starlark.StringDict) (*moduleValue, error) {
	if v, ok := globals[ModuleGlobal]; ok {
		m, ok := v.(*moduleValue)
		if !ok {
			return nil, fmt.Errorf("global %q is a %s, not a module", ModuleGlobal, v.Type())
		}
		return m, nil
	}
	var roots []*moduleValue
	for _, m := range s.modules {
		if !m.used {
			roots = append(roots, m)
		}
	}
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("script did not call build_module")
	case 1:
		return roots[0], nil
	default:
		return nil, fmt.Errorf("script built %d top-level modules; bind one to %q", len(roots), ModuleGlobal)
	}
}

// moduleValue is the Starlark face of an engine.ModuleBuilder.
type moduleValue struct {
	builder *engine.ModuleBuilder
	module  *engine.Module
	err     error
	used    bool
}

var _ starlark.HasAttrs = (*moduleValue)(nil)

func (m *moduleValue) String() string        { return fmt.Sprintf("<module %s>", m.builder.Name()) }
func (m *moduleValue) Type() string          { return "module" }
func (m *moduleValue) Freeze()               {}
func (m *moduleValue) Truth() starlark.Bool  { return starlark.True }
func (m *moduleValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module") }

var moduleMethods = []string{"call", "contract", "contract_at", "name", "returns", "static_call", "use_module"}

func (m *moduleValue) AttrNames() []string { return moduleMethods }

func (m *moduleValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(m.builder.Name()), nil
	case "contract":
		return starlark.NewBuiltin("contract", m.contract).BindReceiver(m), nil
	case "contract_at":
		return starlark.NewBuiltin("contract_at", m.contractAt).BindReceiver(m), nil
	case "call":
		return starlark.NewBuiltin("call", m.call).BindReceiver(m), nil
	case "static_call":
		return starlark.NewBuiltin("static_call", m.call).BindReceiver(m), nil
	case "returns":
		return starlark.NewBuiltin("returns", m.returns).BindReceiver(m), nil
	case "use_module":
		return starlark.NewBuiltin("use_module", m.useModule).BindReceiver(m), nil
	}
	return nil, nil
}

// build freezes the builder once; later calls return the same result.
func (m *moduleValue) build() (*engine.Module, error) {
	if m.module == nil && m.err == nil {
		m.module, m.err = m.builder.Build()
	}
	return m.module, m.err
}

func (m *moduleValue) contract(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var contractType string
	var ctorArgs starlark.Value = starlark.NewList(nil)
	var id starlark.Value = starlark.None
	var after starlark.Value = starlark.NewList(nil)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"type", &contractType, "args?", &ctorArgs, "id?", &id, "after?", &after); err != nil {
		return nil, err
	}
	goArgs, err := toArgs(b.Name(), ctorArgs)
	if err != nil {
		return nil, err
	}
	opts, err := actionOptions(b.Name(), id, after)
	if err != nil {
		return nil, err
	}
	return m.declared(m.builder.Contract(contractType, goArgs, opts...))
}

func (m *moduleValue) contractAt(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var contractType, address string
	var id starlark.Value = starlark.None
	var after starlark.Value = starlark.NewList(nil)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"type", &contractType, "address", &address, "id?", &id, "after?", &after); err != nil {
		return nil, err
	}
	opts, err := actionOptions(b.Name(), id, after)
	if err != nil {
		return nil, err
	}
	return m.declared(m.builder.ContractAt(contractType, address, opts...))
}

func (m *moduleValue) call(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target *futureValue
	var method string
	var callArgs starlark.Value = starlark.NewList(nil)
	var id starlark.Value = starlark.None
	var after starlark.Value = starlark.NewList(nil)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"target", &target, "method", &method, "args?", &callArgs, "id?", &id, "after?", &after); err != nil {
		return nil, err
	}
	goArgs, err := toArgs(b.Name(), callArgs)
	if err != nil {
		return nil, err
	}
	opts, err := actionOptions(b.Name(), id, after)
	if err != nil {
		return nil, err
	}
	if b.Name() == "static_call" {
		return m.declared(m.builder.StaticCall(target.future, method, goArgs, opts...))
	}
	return m.declared(m.builder.Call(target.future, method, goArgs, opts...))
}

func (m *moduleValue) returns(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: takes only keyword arguments", b.Name())
	}
	for _, kv := range kwargs {
		name := string(kv[0].(starlark.String))
		f, ok := kv[1].(*futureValue)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be a future, got %s", b.Name(), name, kv[1].Type())
		}
		m.builder.Return(name, f.future)
	}
	return starlark.None, nil
}

// useModule builds a submodule and merges it, returning its results as a struct.
func (m *moduleValue) useModule(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var sub *moduleValue
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "module", &sub); err != nil {
		return nil, err
	}
	if sub == m {
		return nil, fmt.Errorf("%s: a module cannot use itself", b.Name())
	}
	built, err := sub.build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	sub.used = true

	results := m.builder.UseModule(built)
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make(starlark.StringDict, len(results))
	for _, name := range names {
		fields[name] = &futureValue{future: results[name]}
	}
	return starlarkstruct.FromStringDict(starlark.String(built.Name()), fields), nil
}

// declared wraps f, turning a rejected declaration into a script error at the
// offending line.
func (m *moduleValue) declared(f engine.Future) (starlark.Value, error) {
	if f.IsZero() {
		if _, err := m.build(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("module %s is already built", m.builder.Name())
	}
	return &futureValue{future: f}, nil
}

// futureValue is a reference to a declared action.
type futureValue struct {
	future engine.Future
}

var _ starlark.Value = (*futureValue)(nil)

func (f *futureValue) String() string        { return fmt.Sprintf("<future %s>", f.future.ID()) }
func (f *futureValue) Type() string          { return "future" }
func (f *futureValue) Freeze()               {}
func (f *futureValue) Truth() starlark.Bool  { return starlark.True }
func (f *futureValue) Hash() (uint32, error) { return starlark.String(f.future.ID()).Hash() }

func actionOptions(fn string, id, after starlark.Value) ([]engine.ActionOption, error) {
	var opts []engine.ActionOption
	switch v := id.(type) {
	case starlark.NoneType:
	case starlark.String:
		opts = append(opts, engine.WithID(string(v)))
	default:
		return nil, fmt.Errorf("%s: id must be a string, got %s", fn, id.Type())
	}

	iterable, ok := after.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: after must be a list of futures, got %s", fn, after.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()
	var deps []engine.Future
	var x starlark.Value
	for iter.Next(&x) {
		f, ok := x.(*futureValue)
		if !ok {
			return nil, fmt.Errorf("%s: after must contain futures, got %s", fn, x.Type())
		}
		deps = append(deps, f.future)
	}
	if len(deps) > 0 {
		opts = append(opts, engine.After(deps...))
	}
	return opts, nil
}

// toArgs converts a Starlark list or tuple into builder arguments.
func toArgs(fn string, v starlark.Value) ([]interface{}, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: args must be a list, got %s", fn, v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()
	var out []interface{}
	var x starlark.Value
	for iter.Next(&x) {
		goVal, err := fromStarlarkValue(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		out = append(out, goVal)
	}
	return out, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Futures stay
// futures so the builder records them as references; integers too large for
// int64 become json.Number.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return json.Number(val.String()), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *futureValue:
		return val.future, nil
	case *starlark.List:
		return fromSequence(val)
	case starlark.Tuple:
		return fromSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
