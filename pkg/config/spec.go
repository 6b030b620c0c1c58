package config

import (
	"fmt"
	"sort"

	"github.com/openfroyo/ignite/pkg/engine"
)

// Build declares the spec's actions on a fresh builder and returns the module.
func (s *ModuleSpec) Build() (*engine.Module, error) {
	if err := validate.Struct(s); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid module spec: %v", err), err).
			WithCode(engine.ErrCodeValidation)
	}

	b := engine.NewModuleBuilder(s.Module)
	futures := make(map[string]engine.Future, len(s.Actions))

	for i, a := range s.Actions {
		if _, dup := futures[a.Name]; dup {
			return nil, specError(i, a.Name, "duplicate action name")
		}

		args, err := resolveRefs(a.Args, futures)
		if err != nil {
			return nil, specError(i, a.Name, err.Error())
		}

		var opts []engine.ActionOption
		if a.ID != "" {
			opts = append(opts, engine.WithID(a.ID))
		}
		if len(a.After) > 0 {
			deps := make([]engine.Future, 0, len(a.After))
			for _, name := range a.After {
				f, ok := futures[name]
				if !ok {
					return nil, specError(i, a.Name, fmt.Sprintf("after refers to undeclared action %q", name))
				}
				deps = append(deps, f)
			}
			opts = append(opts, engine.After(deps...))
		}

		var f engine.Future
		switch a.Kind {
		case KindContract:
			f = b.Contract(a.Type, args, opts...)
		case KindContractAt:
			f = b.ContractAt(a.Type, a.Address, opts...)
		case KindCall, KindStaticCall:
			target, ok := futures[a.Target]
			if !ok {
				return nil, specError(i, a.Name, fmt.Sprintf("target refers to undeclared action %q", a.Target))
			}
			if a.Kind == KindCall {
				f = b.Call(target, a.Method, args, opts...)
			} else {
				f = b.StaticCall(target, a.Method, args, opts...)
			}
		}
		futures[a.Name] = f
	}

	names := make([]string, 0, len(s.Returns))
	for name := range s.Returns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := futures[s.Returns[name]]
		if !ok {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("result %q refers to undeclared action %q", name, s.Returns[name]), nil).
				WithCode(engine.ErrCodeUnknownFuture)
		}
		b.Return(name, f)
	}

	return b.Build()
}

// resolveRefs replaces {"$ref": name} maps with the named futures.
func resolveRefs(args []interface{}, futures map[string]engine.Future) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := resolveRef(arg, futures)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func resolveRef(v interface{}, futures map[string]engine.Future) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if ref, ok := val[RefKey]; ok && len(val) == 1 {
			name, ok := ref.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a string", RefKey)
			}
			f, ok := futures[name]
			if !ok {
				return nil, fmt.Errorf("reference to undeclared action %q", name)
			}
			return f, nil
		}
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := resolveRef(item, futures)
			if err != nil {
				return nil, err
			}
			m[k] = r
		}
		return m, nil
	case []interface{}:
		return resolveRefs(val, futures)
	default:
		return v, nil
	}
}

func specError(index int, name, msg string) error {
	return engine.NewPermanentError(fmt.Sprintf("actions[%d] (%s): %s", index, name, msg), nil).
		WithCode(engine.ErrCodeValidation)
}
