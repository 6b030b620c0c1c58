// Package policy gates execution plans with Open Policy Agent.
//
// An Engine compiles Rego policies and evaluates them against a module and
// the plan the resolver produced for it, before any backend interaction.
// Each policy is a Rego package that defines a set named deny. Elements are
// either strings or objects with message, action and severity fields:
//
//	package ignite.custom.no_proxy
//
//	import rego.v1
//
//	deny contains violation if {
//		some action in input.actions
//		action.contract_type == "Proxy"
//		violation := {"message": "proxies are not allowed", "action": action.id}
//	}
//
// The input document has the module name, its actions in declaration order,
// the plan (order, levels, satisfied and to_execute) and a context with the
// target network. Engine-wide settings are exposed under data.ignite.
//
// Violations with severity error or critical veto the run with a
// POLICY_DENIED error; warnings are logged and the run proceeds.
//
// Built-in policies:
//
//   - forbidden-methods: denies invoking destructive methods such as
//     selfdestruct unless the action id is allowlisted
//   - module-size: warns about modules with more than max_actions actions
//   - reference-address: warns about references to malformed addresses
//
// Custom policies are loaded from .rego and .json files with LoadPolicies and
// can be hot-reloaded with Watch.
package policy
