package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActionOption customizes a declared action.
type ActionOption func(*actionOptions)

type actionOptions struct {
	id    string
	after []Future
}

// WithID overrides the default local name of an action.
func WithID(id string) ActionOption {
	return func(o *actionOptions) {
		o.id = id
	}
}

// After adds ordering-only dependencies on other actions.
func After(futures ...Future) ActionOption {
	return func(o *actionOptions) {
		o.after = append(o.after, futures...)
	}
}

// ModuleBuilder accumulates declarations for one module. It is not safe for
// concurrent use. Errors are collected and returned from Build.
type ModuleBuilder struct {
	name    string
	actions []Action
	ids     map[string]bool
	owner   map[string]string
	results map[string]string
	imports []string
	errs    []error
	built   bool
}

// NewModuleBuilder creates a builder for the module with the given name.
func NewModuleBuilder(name string) *ModuleBuilder {
	b := &ModuleBuilder{
		name:    name,
		ids:     make(map[string]bool),
		owner:   make(map[string]string),
		results: make(map[string]string),
	}
	if err := validateLocalName(name); err != nil || name == "" {
		b.fail(NewPermanentError(fmt.Sprintf("invalid module name %q", name), nil).
			WithCode(ErrCodeValidation))
	}
	return b
}

// Name returns the name of the module under construction.
func (b *ModuleBuilder) Name() string {
	return b.name
}

// Contract declares the creation of contractType with constructor args.
func (b *ModuleBuilder) Contract(contractType string, args []interface{}, opts ...ActionOption) Future {
	if contractType == "" {
		b.fail(NewPermanentError("contract type is required", nil).WithCode(ErrCodeValidation))
		return Future{}
	}
	return b.declare(Action{
		Kind:         ActionCreate,
		ContractType: contractType,
	}, args, opts)
}

// ContractAt declares an existing contract of contractType deployed at address.
func (b *ModuleBuilder) ContractAt(contractType, address string, opts ...ActionOption) Future {
	if contractType == "" || address == "" {
		b.fail(NewPermanentError("contract type and address are required", nil).WithCode(ErrCodeValidation))
		return Future{}
	}
	return b.declare(Action{
		Kind:         ActionReference,
		ContractType: contractType,
		Address:      address,
	}, nil, opts)
}

// Call declares a state-changing method call on target.
func (b *ModuleBuilder) Call(target Future, method string, args []interface{}, opts ...ActionOption) Future {
	return b.declareCall(ActionInvoke, target, method, args, opts)
}

// StaticCall declares a read of method on target; its result feeds other actions.
func (b *ModuleBuilder) StaticCall(target Future, method string, args []interface{}, opts ...ActionOption) Future {
	return b.declareCall(ActionRead, target, method, args, opts)
}

// UseModule merges a built submodule and returns its exported futures.
// Actions keep their module-qualified ids, so importing the same module twice is a no-op.
func (b *ModuleBuilder) UseModule(sub *Module) map[string]Future {
	if b.checkBuilt() {
		return nil
	}
	if sub == nil {
		b.fail(NewPermanentError("submodule is nil", nil).WithCode(ErrCodeValidation))
		return nil
	}
	if sub.Name() == b.name {
		b.fail(NewPermanentError(fmt.Sprintf("module %s cannot import itself", b.name), nil).
			WithCode(ErrCodeValidation))
		return nil
	}

	if b.hasImport(sub.Name()) {
		return sub.Results()
	}

	for _, action := range sub.Actions() {
		if b.ids[action.ID] && action.Module != b.name && b.hasImport(action.Module) {
			// shared transitive import
			continue
		}
		if b.ids[action.ID] {
			b.fail(NewPermanentError(fmt.Sprintf("duplicate action identifier: %s", action.ID), nil).
				WithCode(ErrCodeDuplicateIdentifier).WithAction(action.ID))
			continue
		}
		b.ids[action.ID] = true
		b.owner[action.ID] = action.Module
		b.actions = append(b.actions, action)
	}
	b.imports = append(b.imports, sub.Name())
	for _, name := range sub.Imports() {
		if !b.hasImport(name) {
			b.imports = append(b.imports, name)
		}
	}

	return sub.Results()
}

func (b *ModuleBuilder) hasImport(name string) bool {
	for _, imported := range b.imports {
		if imported == name {
			return true
		}
	}
	return false
}

// Return exports f under name.
func (b *ModuleBuilder) Return(name string, f Future) {
	if b.checkBuilt() {
		return
	}
	if !b.known(f) {
		b.fail(NewPermanentError(fmt.Sprintf("result %q refers to an unknown future", name), nil).
			WithCode(ErrCodeUnknownFuture))
		return
	}
	b.results[name] = f.ID()
}

// Build freezes the declarations into an immutable Module. The builder cannot
// be used afterwards.
func (b *ModuleBuilder) Build() (*Module, error) {
	if b.checkBuilt() {
		return nil, errors.Join(b.errs...)
	}
	b.built = true
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return NewModule(b.name, b.actions, b.results, b.imports...)
}

func (b *ModuleBuilder) declareCall(kind ActionKind, target Future, method string, args []interface{}, opts []ActionOption) Future {
	if method == "" {
		b.fail(NewPermanentError("method name is required", nil).WithCode(ErrCodeValidation))
		return Future{}
	}
	if !b.known(target) {
		b.fail(NewPermanentError(fmt.Sprintf("%s of %s targets an unknown future", kind, method), nil).
			WithCode(ErrCodeUnknownFuture))
		return Future{}
	}
	ref := Ref(target.ID())
	return b.declare(Action{
		Kind:   kind,
		Target: &ref,
		Method: method,
	}, args, opts)
}

func (b *ModuleBuilder) declare(action Action, args []interface{}, opts []ActionOption) Future {
	if b.checkBuilt() {
		return Future{}
	}

	o := &actionOptions{}
	for _, opt := range opts {
		opt(o)
	}

	targetID := ""
	if action.Target != nil {
		targetID = action.Target.Ref
	}
	local := o.id
	if local == "" {
		local = defaultLocalName(action.Kind, action.ContractType, targetID, action.Method)
	}
	if err := validateLocalName(local); err != nil {
		b.fail(NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation))
		return Future{}
	}

	action.ID = ActionID(b.name, local)
	action.Module = b.name
	if b.ids[action.ID] {
		b.fail(NewPermanentError(fmt.Sprintf("duplicate action identifier: %s", action.ID), nil).
			WithCode(ErrCodeDuplicateIdentifier).WithAction(action.ID))
		return Future{}
	}

	converted := make([]Argument, 0, len(args))
	for i, arg := range args {
		a, err := b.toArgument(arg)
		if err != nil {
			b.fail(NewPermanentError(fmt.Sprintf("argument %d: %v", i, err), err).
				WithCode(ErrCodeValidation).WithAction(action.ID))
			return Future{}
		}
		converted = append(converted, a)
	}
	action.Args = converted

	for _, dep := range o.after {
		if !b.known(dep) {
			b.fail(NewPermanentError("after refers to an unknown future", nil).
				WithCode(ErrCodeUnknownFuture).WithAction(action.ID))
			return Future{}
		}
		action.After = append(action.After, dep.ID())
	}

	action.Index = len(b.actions)
	b.actions = append(b.actions, action)
	b.ids[action.ID] = true
	b.owner[action.ID] = b.name

	return Future{id: action.ID, module: b.name}
}

// toArgument converts a Go value into an Argument. Futures become references,
// slices and maps are walked, everything else must be JSON-encodable.
func (b *ModuleBuilder) toArgument(v interface{}) (Argument, error) {
	switch val := v.(type) {
	case Future:
		if !b.known(val) {
			return Argument{}, errors.New("unknown future")
		}
		return Ref(val.ID()), nil
	case Argument:
		for _, ref := range val.References() {
			if !b.ids[ref] {
				return Argument{}, fmt.Errorf("unknown future %s", ref)
			}
		}
		return val, nil
	case []interface{}:
		list := make([]Argument, len(val))
		for i, item := range val {
			a, err := b.toArgument(item)
			if err != nil {
				return Argument{}, err
			}
			list[i] = a
		}
		return Argument{Kind: ArgList, List: list}, nil
	case map[string]interface{}:
		m := make(map[string]Argument, len(val))
		for k, item := range val {
			a, err := b.toArgument(item)
			if err != nil {
				return Argument{}, err
			}
			m[k] = a
		}
		return Argument{Kind: ArgMap, Map: m}, nil
	default:
		if _, err := json.Marshal(val); err != nil {
			return Argument{}, fmt.Errorf("literal is not encodable: %w", err)
		}
		return Literal(val), nil
	}
}

func (b *ModuleBuilder) known(f Future) bool {
	return !f.IsZero() && b.ids[f.ID()] && b.owner[f.ID()] == f.Module()
}

func (b *ModuleBuilder) checkBuilt() bool {
	if b.built {
		b.fail(NewPermanentError(fmt.Sprintf("module %s is already built", b.name), nil).
			WithCode(ErrCodeValidation))
		return true
	}
	return false
}

func (b *ModuleBuilder) fail(err error) {
	b.errs = append(b.errs, err)
}
