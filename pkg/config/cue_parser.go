package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// SpecParser reads ModuleSpecs from CUE and YAML and checks them against the
// module schema.
type SpecParser struct {
	schemas *SchemaRegistry
}

// NewSpecParser creates a parser with the built-in schemas.
func NewSpecParser() *SpecParser {
	return &SpecParser{schemas: NewSchemaRegistry()}
}

// Schemas returns the parser's schema registry.
func (p *SpecParser) Schemas() *SchemaRegistry {
	return p.schemas
}

// ParseCUEFile parses a CUE file, or every file of the CUE package in a
// directory.
func (p *SpecParser) ParseCUEFile(path string) (*ModuleSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var val cue.Value
	if info.IsDir() {
		val, err = p.loadDirectory(path)
	} else {
		val, err = p.loadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return p.decode(val)
}

// ParseCUE parses inline CUE source.
func (p *SpecParser) ParseCUE(filename string, src []byte) (*ModuleSpec, error) {
	val := p.schemas.Context().CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return p.decode(val)
}

// ParseYAML parses YAML (or JSON) source.
func (p *SpecParser) ParseYAML(filename string, src []byte) (*ModuleSpec, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	if raw == nil {
		return nil, ValidationErrors{{File: filename, Message: "empty module spec"}}
	}
	val, err := p.schemas.Encode(raw)
	if err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	spec, err := p.decode(val)
	if verrs, ok := err.(ValidationErrors); ok {
		for i := range verrs {
			if verrs[i].File == "" {
				verrs[i].File = filename
			}
		}
	}
	return spec, err
}

func (p *SpecParser) loadDirectory(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}
	val := p.schemas.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (p *SpecParser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- user-supplied module file
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	val := p.schemas.Context().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode unifies val with the module schema and decodes it.
func (p *SpecParser) decode(val cue.Value) (*ModuleSpec, error) {
	unified, err := p.schemas.Unify(SchemaModule, val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	var spec ModuleSpec
	if err := unified.Decode(&spec); err != nil {
		return nil, convertCUEErrors(err)
	}
	return &spec, nil
}

// ValidationErrors collects load errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", e[0].Error(), len(e)-1)
}

// convertCUEErrors converts CUE errors into ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
