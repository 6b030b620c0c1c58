package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaModule is the name of the built-in module schema.
const SchemaModule = "module"

// SchemaRegistry holds named CUE schemas. Each schema source must define a
// definition named after the schema with a leading '#' and an upper-case
// first letter, e.g. "module" -> #Module.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaModule, builtinModuleSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and stores its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definitionName(name))
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks the result is concrete.
// Schema defaults are filled in.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// Encode converts a Go value into a CUE value of the registry's context.
func (sr *SchemaRegistry) Encode(data interface{}) (cue.Value, error) {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode data: %w", err)
	}
	return val, nil
}

// Context returns the CUE context values must be built in to be unified with
// the registry's schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	b := []byte(name)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return "#" + string(b)
}

const builtinModuleSchema = `
#Name: =~"^[A-Za-z_$][A-Za-z0-9_$.\\-]*$"

#Action: {
	// name is how other actions refer to this one: {"$ref": name}
	name: string & !=""

	kind: *"contract" | "call" | "static_call" | "contract_at"

	// contract type for contract and contract_at
	type?: string

	// name of the target action for call and static_call
	target?: string

	method?:  string
	address?: string
	args?: [...]

	// overrides the default local name
	id?: #Name

	after?: [...string]
}

#Module: {
	module: #Name
	actions: [...#Action]
	returns?: {[string]: string}
}
`
