package policy

// Names of the built-in policies.
const (
	PolicyForbiddenMethods = "forbidden-methods"
	PolicyModuleSize       = "module-size"
	PolicyReferenceAddress = "reference-address"
)

// DefaultForbiddenMethods are the invoke methods denied unless the action is
// allowlisted.
var DefaultForbiddenMethods = []string{
	"selfdestruct",
	"renounceOwnership",
	"destroy",
	"kill",
}

// DefaultMaxActions is the module size above which module-size warns.
const DefaultMaxActions = 500

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		forbiddenMethodsPolicy(),
		moduleSizePolicy(),
		referenceAddressPolicy(),
	}
}

// forbiddenMethodsPolicy denies irreversible calls that are about to execute.
// data.ignite.allowed_actions lists action ids exempt from the check.
func forbiddenMethodsPolicy() Policy {
	return Policy{
		Name:        PolicyForbiddenMethods,
		Description: "Denies invoking destructive methods unless the action is allowlisted",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ignite.policies.forbidden_methods

import rego.v1

deny contains violation if {
	some action in input.actions
	action.kind == "invoke"
	action.id in input.plan.to_execute
	action.method in data.ignite.forbidden_methods
	not allowlisted(action.id)
	violation := {
		"message": sprintf("method %s is forbidden; allowlist %s to run it", [action.method, action.id]),
		"action": action.id,
	}
}

allowlisted(id) if {
	id in data.ignite.allowed_actions
}
`,
	}
}

// moduleSizePolicy warns about modules too large to review.
func moduleSizePolicy() Policy {
	return Policy{
		Name:        PolicyModuleSize,
		Description: "Warns when a module declares more actions than data.ignite.max_actions",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ignite.policies.module_size

import rego.v1

deny contains violation if {
	n := count(input.actions)
	n > data.ignite.max_actions
	violation := {
		"message": sprintf("module %s declares %d actions, more than %d", [input.module, n, data.ignite.max_actions]),
	}
}
`,
	}
}

// referenceAddressPolicy flags references to malformed addresses.
func referenceAddressPolicy() Policy {
	return Policy{
		Name:        PolicyReferenceAddress,
		Description: "Warns when an existing contract is referenced by something other than a 20-byte hex address",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ignite.policies.reference_address

import rego.v1

deny contains violation if {
	some action in input.actions
	action.kind == "reference"
	not regex.match("^0x[0-9a-fA-F]{40}$", action.address)
	violation := {
		"message": sprintf("%s references %q, which is not a 20-byte hex address", [action.id, action.address]),
		"action": action.id,
	}
}
`,
	}
}
