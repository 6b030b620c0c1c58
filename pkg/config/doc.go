// Package config loads engine configuration and module definitions.
//
// Engine configuration is layered with koanf: built-in defaults, then an
// optional YAML file, then IGNITE_* environment variables. Nested keys in the
// environment use a double underscore, so IGNITE_EXECUTOR__MAX_PARALLEL=4
// sets executor.max_parallel. The result is validated before use.
//
// Modules come in three forms:
//
//   - Starlark scripts (.star) that call build_module and declare actions on
//     the returned object, as in
//
//     m = build_module("CounterModule")
//     counter = m.contract("Counter")
//     m.call(counter, "incBy", [5])
//     m.returns(counter = counter)
//
//   - CUE files or packages (.cue) holding a ModuleSpec
//   - YAML or JSON files holding a ModuleSpec
//
// A ModuleSpec lists actions in order. An argument of the form
// {"$ref": "name"} refers to the future of an earlier action. Both CUE and
// YAML specs are unified with the built-in #Module schema, so unknown fields
// and malformed names are reported with their location.
//
// LoadModule picks the loader from the file extension.
package config
