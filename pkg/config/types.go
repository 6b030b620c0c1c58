package config

import (
	"fmt"
	"time"
)

// Action kinds accepted in a ModuleSpec.
const (
	KindContract   = "contract"
	KindCall       = "call"
	KindStaticCall = "static_call"
	KindContractAt = "contract_at"
)

// RefKey marks a reference to another action in spec args: {"$ref": "name"}.
const RefKey = "$ref"

// ModuleSpec is the declarative form of a module, read from CUE or YAML.
type ModuleSpec struct {
	// Module is the module name.
	Module string `json:"module" yaml:"module" validate:"required"`

	// Actions are declared in order; references must point backwards.
	Actions []ActionSpec `json:"actions" yaml:"actions" validate:"dive"`

	// Returns maps result names to action names.
	Returns map[string]string `json:"returns,omitempty" yaml:"returns,omitempty"`
}

// ActionSpec declares one action.
type ActionSpec struct {
	Name    string        `json:"name" yaml:"name" validate:"required"`
	Kind    string        `json:"kind" yaml:"kind" validate:"oneof=contract call static_call contract_at"`
	Type    string        `json:"type,omitempty" yaml:"type,omitempty" validate:"required_if=Kind contract,required_if=Kind contract_at"`
	Target  string        `json:"target,omitempty" yaml:"target,omitempty" validate:"required_if=Kind call,required_if=Kind static_call"`
	Method  string        `json:"method,omitempty" yaml:"method,omitempty" validate:"required_if=Kind call,required_if=Kind static_call"`
	Address string        `json:"address,omitempty" yaml:"address,omitempty" validate:"required_if=Kind contract_at"`
	Args    []interface{} `json:"args,omitempty" yaml:"args,omitempty"`
	ID      string        `json:"id,omitempty" yaml:"id,omitempty"`
	After   []string      `json:"after,omitempty" yaml:"after,omitempty"`
}

// ValidationError is a load error with source location when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		if loc != "" {
			loc += " "
		}
		loc += e.Path
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// StarlarkResult describes one Starlark evaluation.
type StarlarkResult struct {
	// Globals are the exported (non-underscore) globals that convert to plain values.
	Globals map[string]interface{}

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration
}
