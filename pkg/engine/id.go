package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// idSeparator separates the module name from the local name in an action id.
const idSeparator = "#"

var localNamePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.\-]*$`)

// ActionID builds the stable id "<module>#<local name>".
func ActionID(module, local string) string {
	return module + idSeparator + local
}

// SplitActionID splits an id into module and local name.
func SplitActionID(id string) (module, local string, err error) {
	i := strings.Index(id, idSeparator)
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed action id: %q", id)
	}
	return id[:i], id[i+1:], nil
}

// localName returns the part of an id after the module separator.
func localName(id string) string {
	if _, local, err := SplitActionID(id); err == nil {
		return local
	}
	return id
}

// defaultLocalName derives the local name of an action when no explicit id is given.
// Creates and references use the contract type; calls and reads append the method
// to the target's local name, e.g. "Counter.incBy".
func defaultLocalName(kind ActionKind, contractType, targetID, method string) string {
	switch kind {
	case ActionInvoke, ActionRead:
		return localName(targetID) + "." + method
	default:
		return contractType
	}
}

// validateLocalName rejects names that would make ids ambiguous.
func validateLocalName(name string) error {
	if !localNamePattern.MatchString(name) {
		return fmt.Errorf("invalid local name %q", name)
	}
	return nil
}
